// Package api is the engine's HTTP surface: the signed webhook intake,
// the ops endpoints (health, status, Prometheus metrics), the read views
// over campaigns, posteriors, metrics, and the change log, and the analyst
// override endpoints for campaign lifecycle and arm state.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/ingest"
	"github.com/ignite/budget-optimizer/internal/pkg/logger"
	"github.com/ignite/budget-optimizer/internal/telemetry"
	"github.com/ignite/budget-optimizer/internal/worker"
)

// Store is the read/override slice of the durable store the API serves.
type Store interface {
	CreateCampaign(ctx context.Context, c *domain.Campaign) error
	AddArm(ctx context.Context, arm *domain.Arm) error
	LoadCampaign(ctx context.Context, id int64) (*domain.Campaign, map[int64]*domain.ArmPosterior, error)
	ListCampaignsByStatus(ctx context.Context, statuses ...domain.CampaignStatus) ([]domain.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id int64, next domain.CampaignStatus) error
	SetArmDisabled(ctx context.Context, armID int64, disabled bool) error
	SeedPosterior(ctx context.Context, p *domain.ArmPosterior) error
	AppendChange(ctx context.Context, c *domain.AllocationChange) error
	LatestAllocations(ctx context.Context, campaignID int64) (map[int64]float64, error)
	MetricsRange(ctx context.Context, campaignID int64, from, to time.Time, limit int) ([]domain.Metric, error)
	AcceptMetric(ctx context.Context, armID int64, ts time.Time, source domain.MetricSource) (*domain.Metric, error)
	ChangesRange(ctx context.Context, campaignID int64, from, to time.Time, limit int) ([]domain.AllocationChange, error)
}

// Engine reports the supervisor's live state for the status endpoint.
type Engine interface {
	Snapshot() worker.Stats
}

// Server serves the engine's HTTP surface.
type Server struct {
	store    Store
	engine   Engine
	webhooks *ingest.WebhookServer
	db       *sql.DB
	queue    *ingest.Queue
}

// NewServer wires the HTTP surface. db backs the health check; webhooks
// and queue may be nil in read-only deployments.
func NewServer(store Store, engine Engine, webhooks *ingest.WebhookServer, queue *ingest.Queue, db *sql.DB) *Server {
	return &Server{store: store, engine: engine, webhooks: webhooks, db: db, queue: queue}
}

// Router assembles the chi router with the full route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	if s.webhooks != nil {
		s.webhooks.Routes(r)
	}

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", s.handleCreateCampaign)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetCampaign)
			r.Post("/arms", s.handleAddArm)
			r.Patch("/status", s.handleOverrideStatus)
			r.Get("/performance", s.handlePerformance)
			r.Get("/metrics", s.handleMetricsRange)
			r.Post("/metrics/accept", s.handleAcceptMetric)
			r.Get("/changes", s.handleChangesRange)
		})
	})
	r.Patch("/arms/{armID}", s.handleSetArmDisabled)

	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(pingCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "database unreachable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}
