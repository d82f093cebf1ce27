// Package worker runs the engine's background tasks: the supervisor that
// owns one cycle task per active campaign, the per-campaign decision
// cycles, and the change-log retention sweeper. All tasks stop through
// context cancellation and the supervisor drains in-flight cycles before
// returning.
package worker

import (
	"context"
	"time"

	"github.com/ignite/budget-optimizer/internal/bandit"
	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/ingest"
	"github.com/ignite/budget-optimizer/internal/platform"
	"github.com/ignite/budget-optimizer/internal/repository/postgres"
)

// Store is the slice of the durable store the scheduler depends on.
type Store interface {
	LoadCampaign(ctx context.Context, id int64) (*domain.Campaign, map[int64]*domain.ArmPosterior, error)
	ListCampaignsByStatus(ctx context.Context, statuses ...domain.CampaignStatus) ([]domain.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id int64, next domain.CampaignStatus) error
	UpdatePosterior(ctx context.Context, armID int64, obs bandit.Observation) (*domain.ArmPosterior, error)
	CycleCosts(ctx context.Context, campaignID int64, since time.Time) (map[int64]float64, error)
	AppendChange(ctx context.Context, c *domain.AllocationChange) error
	LatestAllocations(ctx context.Context, campaignID int64) (map[int64]float64, error)
	JournalIntended(ctx context.Context, campaignID int64, allocs map[int64]float64, ts time.Time) error
	ClearIntended(ctx context.Context, campaignID int64) error
	LoadIntended(ctx context.Context, campaignID int64) ([]postgres.IntendedAllocation, error)
}

// DrainQueue is the pending-metric buffer the cycles consume.
type DrainQueue interface {
	DrainFor(campaignID int64, max int) []ingest.Pending
}

// BidDirectory resolves the adapter for a platform, nil when the platform
// is not configured.
type BidDirectory interface {
	Get(p domain.Platform) platform.AdPlatform
}

// LockFactory builds the per-campaign cycle lock. The default factory
// wraps distlock; tests substitute a local one.
type LockFactory func(key string, ttl time.Duration) Lock

// Lock is the subset of distlock.DistLock the cycles need.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Cycle outcomes reported to telemetry.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeSkipped = "skipped"
	outcomePaused  = "paused"
)
