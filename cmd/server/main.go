// The optimizer engine process: metric intake (pollers + signed
// webhooks), the per-campaign decision supervisor, change-log retention,
// the warehouse exporter, and the HTTP surface, all in one binary. The
// intake queue between ingestion and the decision cycles is in-process,
// so the engine always runs as a single process per deployment;
// cross-instance safety comes from the per-campaign cycle locks.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/budget-optimizer/internal/api"
	"github.com/ignite/budget-optimizer/internal/archive"
	"github.com/ignite/budget-optimizer/internal/config"
	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/etl"
	"github.com/ignite/budget-optimizer/internal/ingest"
	"github.com/ignite/budget-optimizer/internal/mmm"
	"github.com/ignite/budget-optimizer/internal/pkg/logger"
	"github.com/ignite/budget-optimizer/internal/platform"
	"github.com/ignite/budget-optimizer/internal/platform/ratelimit"
	"github.com/ignite/budget-optimizer/internal/repository/postgres"
	"github.com/ignite/budget-optimizer/internal/worker"
)

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient := openRedis(cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store := postgres.NewStore(db, cfg.Database.WriteTimeout())
	registry := platform.NewRegistry(cfg)
	model := mmm.New(mmm.Config{
		Seasonality:       cfg.MMM.Seasonality,
		CarryoverDecay:    cfg.MMM.CarryoverDecay,
		CarryoverCap:      cfg.MMM.CarryoverCap,
		External:          cfg.MMM.External,
		Holidays:          cfg.MMM.Holidays,
		HolidayMultiplier: cfg.MMM.HolidayMultiplier,
	})

	// Intake pipeline: validation, idempotent persistence, bounded queue.
	queue := ingest.NewQueue(cfg.Ingest.QueueCapacity)
	validator := ingest.NewValidator(store, cfg.Ingest.MaxROAS, cfg.Ingest.AnomalyZ,
		time.Duration(cfg.Ingest.AnomalyLookbackDays)*24*time.Hour, cfg.Ingest.AllowFreeRevenue)

	supervisor := worker.New(store, queue, registry, model, cfg.Optimizer, redisClient, db)
	supervisor.SetDrainBatch(cfg.Ingest.DrainBatchSize)

	pipeline := ingest.NewPipeline(store, store, validator, queue,
		cfg.Ingest.WebhookHintDelta, supervisor.Hint)

	webhooks := ingest.NewWebhookServer(pipeline, store, map[domain.Platform]string{
		domain.PlatformGoogleAds: cfg.GoogleAds.WebhookSecret,
		domain.PlatformMeta:      cfg.Meta.WebhookSecret,
		domain.PlatformTradeDesk: cfg.TradeDesk.WebhookSecret,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// One poller per configured platform.
	for _, adapter := range registry.All() {
		limiter := ratelimit.New(redisClient, string(adapter.Name()), pollQPS(cfg, adapter.Name()))
		poller := ingest.NewPoller(adapter, limiter, pipeline, store,
			accountID(cfg, adapter.Name()), cfg.Ingest.PollInterval(), cfg.Ingest.FetchTimeout())
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	}

	// Retention sweeper, with S3 cold storage when configured.
	var archiver worker.Archiver
	if cfg.ChangeLog.ArchiveEnabled && cfg.ChangeLog.ArchiveS3Bucket != "" {
		a, err := archive.NewS3Archiver(ctx, cfg.ChangeLog.ArchiveS3Bucket, cfg.ChangeLog.ArchiveS3Region)
		if err != nil {
			log.Fatalf("Failed to initialize change archiver: %v", err)
		}
		archiver = a
	}
	sweeper := worker.NewSweeper(store, archiver,
		time.Duration(cfg.ChangeLog.RetentionDays)*24*time.Hour, cfg.ChangeLog.SweepInterval())
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	// Warehouse exporter when Snowflake is configured.
	if cfg.Snowflake.Enabled && cfg.Snowflake.DSN != "" {
		exporter, err := etl.New(db, cfg.Snowflake.DSN, cfg.Snowflake.BatchSize, cfg.Snowflake.ExportInterval())
		if err != nil {
			log.Fatalf("Failed to initialize warehouse exporter: %v", err)
		}
		defer exporter.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			exporter.Run(ctx)
		}()
	}

	// HTTP surface.
	server := api.NewServer(store, supervisor, webhooks, queue, db)
	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx, addr); err != nil {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	// The supervisor blocks until shutdown, then drains its cycle tasks.
	if err := supervisor.Run(ctx); err != nil {
		logger.Warn("supervisor drain incomplete", "error", err)
	}
	wg.Wait()
	logger.Info("engine stopped")
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database.url is required (or DATABASE_URL)")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// openRedis connects if configured. A failed connection is not fatal: the
// rate limiter falls back to in-process buckets and the cycle locks fall
// back to PG advisory locks.
func openRedis(cfg config.RedisConfig) *redis.Client {
	if cfg.URL == "" {
		logger.Info("redis not configured, using in-process fallbacks")
		return nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		logger.Warn("invalid redis url, using in-process fallbacks", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, using in-process fallbacks", "error", err)
		client.Close()
		return nil
	}
	return client
}

func pollQPS(cfg *config.Config, p domain.Platform) float64 {
	switch p {
	case domain.PlatformGoogleAds:
		return cfg.GoogleAds.PollQPS
	case domain.PlatformMeta:
		return cfg.Meta.PollQPS
	case domain.PlatformTradeDesk:
		return cfg.TradeDesk.PollQPS
	}
	return 1
}

func accountID(cfg *config.Config, p domain.Platform) string {
	switch p {
	case domain.PlatformGoogleAds:
		return cfg.GoogleAds.CustomerID
	case domain.PlatformMeta:
		return cfg.Meta.AccountID
	case domain.PlatformTradeDesk:
		return cfg.TradeDesk.PartnerID
	}
	return ""
}
