package worker

import (
	"context"
	"time"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/pkg/logger"
)

// RetentionStore is the change-log slice the sweeper prunes.
type RetentionStore interface {
	ChangesBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.AllocationChange, error)
	DeleteChangesBefore(ctx context.Context, cutoff time.Time, maxID int64) (int64, error)
}

// Archiver ships pruned change rows to cold storage. A nil archiver means
// rows age out without a copy.
type Archiver interface {
	Archive(ctx context.Context, rows []domain.AllocationChange) error
}

// Sweeper prunes the append-only change log past its retention window,
// archiving each batch before it deletes anything. Nothing is ever deleted
// unless its archive write confirmed first.
type Sweeper struct {
	store     RetentionStore
	archiver  Archiver
	retention time.Duration
	interval  time.Duration
	batchSize int
}

// NewSweeper builds the retention sweeper.
func NewSweeper(store RetentionStore, archiver Archiver, retention, interval time.Duration) *Sweeper {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Sweeper{
		store:     store,
		archiver:  archiver,
		retention: retention,
		interval:  interval,
		batchSize: 1000,
	}
}

// Run sweeps on the configured interval until ctx ends. The first sweep
// runs immediately so a long-stopped deployment catches up on start.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info("retention sweeper starting",
		"retention", s.retention.String(), "interval", s.interval.String())
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention sweeper stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	var total int64
	for {
		if ctx.Err() != nil {
			return
		}
		rows, err := s.store.ChangesBefore(ctx, cutoff, s.batchSize)
		if err != nil {
			logger.Error("retention scan failed", "error", err)
			return
		}
		if len(rows) == 0 {
			break
		}

		if s.archiver != nil {
			if err := s.archiver.Archive(ctx, rows); err != nil {
				logger.Error("archive write failed, keeping rows", "rows", len(rows), "error", err)
				return
			}
		}

		maxID := rows[0].ID
		for _, r := range rows {
			if r.ID > maxID {
				maxID = r.ID
			}
		}
		deleted, err := s.store.DeleteChangesBefore(ctx, cutoff, maxID)
		if err != nil {
			logger.Error("retention delete failed", "error", err)
			return
		}
		total += deleted
		if len(rows) < s.batchSize {
			break
		}
	}
	if total > 0 {
		logger.Info("change log pruned", "rows", total, "cutoff", cutoff.Format(time.RFC3339))
	}
}
