package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IntendedAllocation is one journaled row: the allocation the engine
// decided on but had not confirmed at the platform when the process
// stopped. The supervisor replays these idempotently on startup.
type IntendedAllocation struct {
	CampaignID int64
	ArmID      int64
	Alloc      float64
	TS         time.Time
}

// JournalIntended replaces the campaign's journal with the full intended
// allocation vector, in one transaction. Written before the bid write-out
// of a cycle begins.
func (s *Store) JournalIntended(ctx context.Context, campaignID int64, allocs map[int64]float64, ts time.Time) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM intended_allocations WHERE campaign_id = $1
		`, campaignID); err != nil {
			return fmt.Errorf("clear journal: %w", err)
		}
		for armID, alloc := range allocs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO intended_allocations (campaign_id, arm_id, alloc, ts)
				VALUES ($1, $2, $3, $4)
			`, campaignID, armID, alloc, ts); err != nil {
				return fmt.Errorf("journal arm %d: %w", armID, err)
			}
		}
		return nil
	})
}

// ClearIntended removes the campaign's journal once every bid update of
// the cycle is confirmed.
func (s *Store) ClearIntended(ctx context.Context, campaignID int64) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM intended_allocations WHERE campaign_id = $1
	`, campaignID); err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}

// LoadIntended returns any journaled allocations for the campaign, empty
// when the last shutdown was clean.
func (s *Store) LoadIntended(ctx context.Context, campaignID int64) ([]IntendedAllocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT campaign_id, arm_id, alloc, ts
		FROM intended_allocations
		WHERE campaign_id = $1
		ORDER BY arm_id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	defer rows.Close()

	var out []IntendedAllocation
	for rows.Next() {
		var ia IntendedAllocation
		if err := rows.Scan(&ia.CampaignID, &ia.ArmID, &ia.Alloc, &ia.TS); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		out = append(out, ia)
	}
	return out, rows.Err()
}
