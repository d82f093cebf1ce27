package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/ignite/budget-optimizer/internal/domain"
)

// ErrInvalidTransition rejects a lifecycle step the state machine does not
// allow (e.g. completed → active).
var ErrInvalidTransition = errors.New("invalid campaign status transition")

// CreateCampaign inserts the campaign and its arms in one transaction and
// assigns their IDs. The campaign must be in Draft status.
func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO campaigns
				(name, budget, start_ts, end_ts, status, primary_kpi,
				 risk_tolerance, variance_limit, cadence_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`, c.Name, c.TotalBudget, c.Start, c.End, c.Status, c.PrimaryKPI,
			c.RiskTolerance, c.VarianceLimit, c.CadenceMs).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		for i := range c.Arms {
			arm := &c.Arms[i]
			arm.CampaignID = c.ID
			err := tx.QueryRowContext(ctx, `
				INSERT INTO arms (campaign_id, platform, channel, creative, bid, disabled)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id
			`, arm.CampaignID, arm.Platform, arm.Channel, arm.Creative, arm.Bid, arm.Disabled).Scan(&arm.ID)
			if err != nil {
				return fmt.Errorf("insert arm %s: %w", arm.ArmKey(), err)
			}
		}
		return nil
	})
}

// AddArm persists one new arm on an existing campaign.
func (s *Store) AddArm(ctx context.Context, arm *domain.Arm) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO arms (campaign_id, platform, channel, creative, bid, disabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, arm.CampaignID, arm.Platform, arm.Channel, arm.Creative, arm.Bid, arm.Disabled).Scan(&arm.ID)
	if err != nil {
		return fmt.Errorf("insert arm %s: %w", arm.ArmKey(), err)
	}
	return nil
}

// LoadCampaign returns the campaign, its arms, and its posteriors as one
// atomic snapshot. Arms without observations get no posterior row; the
// caller treats a missing entry as the uninformed prior.
func (s *Store) LoadCampaign(ctx context.Context, id int64) (*domain.Campaign, map[int64]*domain.ArmPosterior, error) {
	var camp *domain.Campaign
	var posteriors map[int64]*domain.ArmPosterior

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := scanCampaign(tx.QueryRowContext(ctx, `
			SELECT id, name, budget, start_ts, end_ts, status, primary_kpi,
			       risk_tolerance, variance_limit, cadence_ms
			FROM campaigns WHERE id = $1
		`, id))
		if err != nil {
			return err
		}
		if c.Arms, err = loadArms(ctx, tx, id); err != nil {
			return err
		}
		if posteriors, err = loadPosteriors(ctx, tx, id); err != nil {
			return err
		}
		camp = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return camp, posteriors, nil
}

// ListCampaignsByStatus returns campaigns (with arms) in any of the given
// statuses, ordered by ID. Used by the supervisor at startup and on its
// lifecycle sweep.
func (s *Store) ListCampaignsByStatus(ctx context.Context, statuses ...domain.CampaignStatus) ([]domain.Campaign, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, budget, start_ts, end_ts, status, primary_kpi,
		       risk_tolerance, variance_limit, cadence_ms
		FROM campaigns
		WHERE status = ANY($1)
		ORDER BY id
	`, pq.Array(vals))
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		arms, err := loadArmsDB(ctx, s.db, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Arms = arms
	}
	return out, nil
}

// UpdateCampaignStatus transitions the campaign's lifecycle state, checking
// the transition against the state machine under a row lock.
func (s *Store) UpdateCampaignStatus(ctx context.Context, id int64, next domain.CampaignStatus) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current domain.CampaignStatus
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM campaigns WHERE id = $1 FOR UPDATE
		`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("campaign %d: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return classifyErr(err)
		}
		if current == next {
			return nil
		}
		if !current.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns SET status = $2 WHERE id = $1
		`, id, next)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return nil
	})
}

// ArmByKey resolves an arm by its stable key within a campaign. Webhook
// payloads identify arms by key, never by our internal IDs.
func (s *Store) ArmByKey(ctx context.Context, campaignID int64, armKey string) (*domain.Arm, error) {
	arms, err := loadArmsDB(ctx, s.db, campaignID)
	if err != nil {
		return nil, err
	}
	for i := range arms {
		if arms[i].ArmKey() == armKey {
			return &arms[i], nil
		}
	}
	return nil, fmt.Errorf("arm %q in campaign %d: %w", armKey, campaignID, domain.ErrNotFound)
}

// SetArmDisabled pins an arm's allocation to zero (or re-enables it). The
// arm itself is never deleted so its history survives.
func (s *Store) SetArmDisabled(ctx context.Context, armID int64, disabled bool) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE arms SET disabled = $2 WHERE id = $1
	`, armID, disabled)
	if err != nil {
		return fmt.Errorf("set arm disabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("arm %d: %w", armID, domain.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var budget string
	var end sql.NullTime
	err := row.Scan(&c.ID, &c.Name, &budget, &c.Start, &end, &c.Status,
		&c.PrimaryKPI, &c.RiskTolerance, &c.VarianceLimit, &c.CadenceMs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("campaign: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	if c.TotalBudget, err = decimal.NewFromString(budget); err != nil {
		return nil, fmt.Errorf("parse budget %q: %w", budget, err)
	}
	if end.Valid {
		t := end.Time
		c.End = &t
	}
	return c, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadArms(ctx context.Context, q queryer, campaignID int64) ([]domain.Arm, error) {
	return loadArmsDB(ctx, q, campaignID)
}

func loadArmsDB(ctx context.Context, q queryer, campaignID int64) ([]domain.Arm, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, campaign_id, platform, channel, creative, bid, disabled
		FROM arms WHERE campaign_id = $1 ORDER BY id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load arms: %w", err)
	}
	defer rows.Close()

	var arms []domain.Arm
	for rows.Next() {
		var a domain.Arm
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.Platform, &a.Channel, &a.Creative, &a.Bid, &a.Disabled); err != nil {
			return nil, fmt.Errorf("scan arm: %w", err)
		}
		arms = append(arms, a)
	}
	return arms, rows.Err()
}

func loadPosteriors(ctx context.Context, q queryer, campaignID int64) (map[int64]*domain.ArmPosterior, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.arm_id, p.alpha, p.beta, p.spend, p.reward_sum, p.reward_sq_sum,
		       p.trials, p.updated_ts
		FROM posteriors p
		JOIN arms a ON a.id = p.arm_id
		WHERE a.campaign_id = $1
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load posteriors: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*domain.ArmPosterior)
	for rows.Next() {
		p, err := scanPosterior(rows)
		if err != nil {
			return nil, err
		}
		out[p.ArmID] = p
	}
	return out, rows.Err()
}

func scanPosterior(row rowScanner) (*domain.ArmPosterior, error) {
	p := &domain.ArmPosterior{}
	var spend string
	var updated sql.NullTime
	err := row.Scan(&p.ArmID, &p.Alpha, &p.Beta, &spend, &p.RewardSum, &p.RewardSqSum, &p.Trials, &updated)
	if err != nil {
		return nil, fmt.Errorf("scan posterior: %w", err)
	}
	var perr error
	if p.Spend, perr = decimal.NewFromString(spend); perr != nil {
		return nil, fmt.Errorf("parse spend %q: %w", spend, perr)
	}
	if updated.Valid {
		p.UpdatedTS = updated.Time
	}
	return p, nil
}

