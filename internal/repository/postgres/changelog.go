package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/budget-optimizer/internal/domain"
)

// AppendChange writes one allocation change to the append-only log and
// assigns its ID. The timestamp is forced monotonic per campaign: a change
// arriving with a timestamp at or before the latest logged row is nudged
// forward one microsecond so range scans never interleave.
func (s *Store) AppendChange(ctx context.Context, c *domain.AllocationChange) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	factors, err := json.Marshal(emptyIfNil(c.Factors))
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}
	mmm, err := json.Marshal(emptyIfNil(c.MMMFactors))
	if err != nil {
		return fmt.Errorf("marshal mmm factors: %w", err)
	}
	var state []byte
	if c.State != nil {
		if state, err = json.Marshal(c.State); err != nil {
			return fmt.Errorf("marshal state snapshot: %w", err)
		}
	}
	if c.TS.IsZero() {
		c.TS = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var last sql.NullTime
		err := tx.QueryRowContext(ctx, `
			SELECT MAX(ts) FROM allocation_changes WHERE campaign_id = $1
		`, c.CampaignID).Scan(&last)
		if err != nil {
			return fmt.Errorf("read last change ts: %w", err)
		}
		if last.Valid && !c.TS.After(last.Time) {
			c.TS = last.Time.Add(time.Microsecond)
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO allocation_changes
				(campaign_id, arm_id, ts, old_alloc, new_alloc, change_pct,
				 reason, factors_json, mmm_json, initiated_by, state_snapshot_json)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id
		`, c.CampaignID, nullID(c.ArmID), c.TS, c.OldAlloc, c.NewAlloc, c.ChangePct,
			c.Reason, factors, mmm, c.InitiatedBy, nullBytes(state)).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("append change: %w", err)
		}
		return nil
	})
}

// ChangesRange returns change rows for a campaign within [from, to),
// oldest first, bounded by limit.
func (s *Store) ChangesRange(ctx context.Context, campaignID int64, from, to time.Time, limit int) ([]domain.AllocationChange, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, arm_id, ts, old_alloc, new_alloc, change_pct,
		       reason, factors_json, mmm_json, initiated_by, state_snapshot_json
		FROM allocation_changes
		WHERE campaign_id = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts
		LIMIT $4
	`, campaignID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("changes range: %w", err)
	}
	defer rows.Close()
	return scanChanges(rows)
}

// ChangesBefore returns up to limit change rows older than the cutoff,
// oldest first. The retention sweeper archives then deletes them.
func (s *Store) ChangesBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.AllocationChange, error) {
	if limit <= 0 {
		limit = 5000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, arm_id, ts, old_alloc, new_alloc, change_pct,
		       reason, factors_json, mmm_json, initiated_by, state_snapshot_json
		FROM allocation_changes
		WHERE ts < $1
		ORDER BY ts
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("changes before: %w", err)
	}
	defer rows.Close()
	return scanChanges(rows)
}

// DeleteChangesBefore removes archived rows up to and including maxID with
// ts older than the cutoff. Returns the number of rows removed.
func (s *Store) DeleteChangesBefore(ctx context.Context, cutoff time.Time, maxID int64) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM allocation_changes WHERE ts < $1 AND id <= $2
	`, cutoff, maxID)
	if err != nil {
		return 0, fmt.Errorf("delete changes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete changes rows: %w", err)
	}
	return n, nil
}

// LatestAllocations reconstructs the campaign's currently applied
// allocation vector from the newest change row per arm. Used by the
// supervisor on restart to seed the step-bound damping.
func (s *Store) LatestAllocations(ctx context.Context, campaignID int64) (map[int64]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (arm_id) arm_id, new_alloc
		FROM allocation_changes
		WHERE campaign_id = $1
		ORDER BY arm_id, ts DESC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("latest allocations: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]float64)
	for rows.Next() {
		var armID int64
		var alloc float64
		if err := rows.Scan(&armID, &alloc); err != nil {
			return nil, fmt.Errorf("scan latest allocation: %w", err)
		}
		out[armID] = alloc
	}
	return out, rows.Err()
}

func scanChanges(rows *sql.Rows) ([]domain.AllocationChange, error) {
	var out []domain.AllocationChange
	for rows.Next() {
		var c domain.AllocationChange
		var armID sql.NullInt64
		var factors, mmm []byte
		var state sql.NullString
		err := rows.Scan(&c.ID, &c.CampaignID, &armID, &c.TS, &c.OldAlloc, &c.NewAlloc,
			&c.ChangePct, &c.Reason, &factors, &mmm, &c.InitiatedBy, &state)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.ArmID = armID.Int64
		if err := json.Unmarshal(factors, &c.Factors); err != nil {
			return nil, fmt.Errorf("unmarshal factors: %w", err)
		}
		if err := json.Unmarshal(mmm, &c.MMMFactors); err != nil {
			return nil, fmt.Errorf("unmarshal mmm factors: %w", err)
		}
		if state.Valid && state.String != "" {
			var snap domain.PosteriorSnapshot
			if err := json.Unmarshal([]byte(state.String), &snap); err != nil {
				return nil, fmt.Errorf("unmarshal state snapshot: %w", err)
			}
			c.State = &snap
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func emptyIfNil(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// nullID maps the zero arm ID onto SQL NULL for campaign-level rows.
func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
