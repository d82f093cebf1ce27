package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/pkg/logger"
	"github.com/ignite/budget-optimizer/internal/repository/postgres"
	"github.com/ignite/budget-optimizer/internal/telemetry"
)

// MetricStore is the slice of the posterior store the pipeline writes to.
type MetricStore interface {
	RecordMetric(ctx context.Context, m *domain.Metric) (postgres.RecordResult, error)
	ROASStats(ctx context.Context, armID int64, lookback time.Duration) (*postgres.ArmROASStats, error)
}

// ChangeLogger records intake-side events (anomaly flags, ingest errors)
// in the allocation change log so the dashboard never has to guess.
type ChangeLogger interface {
	AppendChange(ctx context.Context, c *domain.AllocationChange) error
}

// Pipeline is the shared intake path behind both the pollers and the
// webhook server.
type Pipeline struct {
	store     MetricStore
	changes   ChangeLogger
	validator *Validator
	queue     *Queue

	// hintDelta is the relative ROAS deviation at which a webhook row
	// triggers an out-of-cycle posterior update hint.
	hintDelta float64
	lookback  time.Duration
	onHint    func(campaignID int64)
}

// NewPipeline wires the intake path. onHint may be nil when out-of-cycle
// updates are not wanted (tests, backfill jobs).
func NewPipeline(store MetricStore, changes ChangeLogger, validator *Validator, queue *Queue, hintDelta float64, onHint func(campaignID int64)) *Pipeline {
	if hintDelta <= 0 {
		hintDelta = 0.25
	}
	return &Pipeline{
		store:     store,
		changes:   changes,
		validator: validator,
		queue:     queue,
		hintDelta: hintDelta,
		lookback:  7 * 24 * time.Hour,
		onHint:    onHint,
	}
}

// Queue exposes the pending queue for the decision loops to drain.
func (p *Pipeline) Queue() *Queue { return p.queue }

// Ingest validates and persists one candidate row, then queues its
// posterior update. Suspect rows are persisted but never queued; the flag
// is recorded in the change log. Duplicate rows are a silent no-op so
// re-delivery is idempotent end to end.
func (p *Pipeline) Ingest(ctx context.Context, campaignID int64, m *domain.Metric) error {
	if err := p.validator.Validate(ctx, m); err != nil {
		if errors.Is(err, ErrValidation) {
			telemetry.MetricsRejected.WithLabelValues("validation").Inc()
		}
		return err
	}

	res, err := p.store.RecordMetric(ctx, m)
	if err != nil {
		return fmt.Errorf("persist metric: %w", err)
	}
	if res == postgres.DuplicateIgnored {
		telemetry.MetricsDuplicate.Inc()
		return nil
	}
	telemetry.MetricsIngested.WithLabelValues(string(m.Source), string(m.Quality)).Inc()

	if m.Quality == domain.QualitySuspect {
		p.logAnomaly(ctx, campaignID, m)
		return nil
	}

	if err := p.queue.Enqueue(Pending{CampaignID: campaignID, Metric: *m}); err != nil {
		return err
	}

	if m.Source == domain.SourceWebhook && p.onHint != nil && p.isSignificant(ctx, m) {
		p.onHint(campaignID)
	}
	return nil
}

// LogIngestError records a permanent intake failure in the change log and
// abandons the batch for this cycle.
func (p *Pipeline) LogIngestError(ctx context.Context, campaignID int64, platform domain.Platform, cause error) {
	c := &domain.AllocationChange{
		CampaignID:  campaignID,
		TS:          time.Now().UTC(),
		Reason:      fmt.Sprintf("%s: %s: %v", domain.ReasonIngestError, platform, cause),
		Factors:     map[string]float64{},
		MMMFactors:  map[string]float64{},
		InitiatedBy: domain.InitiatedAuto,
	}
	if err := p.changes.AppendChange(ctx, c); err != nil {
		logger.Error("recording ingest error failed", "campaign_id", campaignID, "error", err)
	}
	telemetry.AllocationChanges.WithLabelValues(domain.ReasonIngestError).Inc()
}

func (p *Pipeline) logAnomaly(ctx context.Context, campaignID int64, m *domain.Metric) {
	c := &domain.AllocationChange{
		CampaignID:  campaignID,
		ArmID:       m.ArmID,
		TS:          time.Now().UTC(),
		Reason:      fmt.Sprintf("%s: roas %.2f flagged suspect", domain.ReasonAnomalyFlag, m.ROAS()),
		Factors:     map[string]float64{},
		MMMFactors:  map[string]float64{},
		InitiatedBy: domain.InitiatedAuto,
	}
	if err := p.changes.AppendChange(ctx, c); err != nil {
		logger.Error("recording anomaly flag failed", "arm_id", m.ArmID, "error", err)
	}
	telemetry.AllocationChanges.WithLabelValues(domain.ReasonAnomalyFlag).Inc()
}

// isSignificant reports whether a webhook row deviates enough from the
// arm's rolling ROAS to justify an out-of-cycle posterior update.
func (p *Pipeline) isSignificant(ctx context.Context, m *domain.Metric) bool {
	if m.Cost <= 0 {
		return false
	}
	st, err := p.store.ROASStats(ctx, m.ArmID, p.lookback)
	if err != nil || st.Count == 0 || st.Mean == 0 {
		return false
	}
	return math.Abs(m.ROAS()-st.Mean)/math.Abs(st.Mean) > p.hintDelta
}
