package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/budget-optimizer/internal/bandit"
	"github.com/ignite/budget-optimizer/internal/domain"
)

// UpdatePosterior folds one observation batch into an arm's posterior. The
// row is locked FOR UPDATE for the whole transaction so concurrent batches
// for the same arm serialize; the row is created from the uninformed prior
// on first observation. Returns the posterior after the update.
func (s *Store) UpdatePosterior(ctx context.Context, armID int64, obs bandit.Observation) (*domain.ArmPosterior, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	var updated *domain.ArmPosterior
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := lockPosterior(ctx, tx, armID)
		if err != nil {
			return err
		}
		bandit.ApplyObservation(p, obs, time.Now().UTC())
		_, err = tx.ExecContext(ctx, `
			INSERT INTO posteriors
				(arm_id, alpha, beta, spend, reward_sum, reward_sq_sum, trials, updated_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (arm_id) DO UPDATE SET
				alpha = EXCLUDED.alpha,
				beta = EXCLUDED.beta,
				spend = EXCLUDED.spend,
				reward_sum = EXCLUDED.reward_sum,
				reward_sq_sum = EXCLUDED.reward_sq_sum,
				trials = EXCLUDED.trials,
				updated_ts = EXCLUDED.updated_ts
		`, p.ArmID, p.Alpha, p.Beta, p.Spend, p.RewardSum, p.RewardSqSum, p.Trials, p.UpdatedTS)
		if err != nil {
			return fmt.Errorf("upsert posterior %d: %w", armID, classifyErr(err))
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// lockPosterior reads the arm's posterior under FOR UPDATE, returning the
// uninformed prior when no row exists yet.
func lockPosterior(ctx context.Context, tx *sql.Tx, armID int64) (*domain.ArmPosterior, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT arm_id, alpha, beta, spend, reward_sum, reward_sq_sum, trials, updated_ts
		FROM posteriors WHERE arm_id = $1 FOR UPDATE
	`, armID)
	p, err := scanPosterior(row)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, sql.ErrNoRows):
		// No committed row yet; races on first insert resolve at the
		// unique key.
		return domain.NewPosterior(armID), nil
	default:
		return nil, classifyErr(err)
	}
}

// SeedPosterior installs a historically derived prior for an arm, but only
// if no posterior exists yet. Observed data always wins over history.
func (s *Store) SeedPosterior(ctx context.Context, p *domain.ArmPosterior) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posteriors
			(arm_id, alpha, beta, spend, reward_sum, reward_sq_sum, trials, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (arm_id) DO NOTHING
	`, p.ArmID, p.Alpha, p.Beta, p.Spend, p.RewardSum, p.RewardSqSum, p.Trials, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("seed posterior %d: %w", p.ArmID, err)
	}
	return nil
}

// CycleCosts sums authoritative (poll and backfill) metric cost per arm
// since the given time. The decision core projects next-cycle spend from
// these sums.
func (s *Store) CycleCosts(ctx context.Context, campaignID int64, since time.Time) (map[int64]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.arm_id, COALESCE(SUM(m.cost), 0)
		FROM metrics m
		JOIN arms a ON a.id = m.arm_id
		WHERE a.campaign_id = $1 AND m.ts >= $2 AND m.source <> 'webhook'
		GROUP BY m.arm_id
	`, campaignID, since)
	if err != nil {
		return nil, fmt.Errorf("cycle costs: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]float64)
	for rows.Next() {
		var armID int64
		var cost float64
		if err := rows.Scan(&armID, &cost); err != nil {
			return nil, fmt.Errorf("scan cycle cost: %w", err)
		}
		out[armID] = cost
	}
	return out, rows.Err()
}
