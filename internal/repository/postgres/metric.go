package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/budget-optimizer/internal/domain"
)

// RecordResult reports what RecordMetric did with the row.
type RecordResult int

const (
	Inserted RecordResult = iota
	DuplicateIgnored
)

// RecordMetric persists one metric row. (arm_id, ts, source) is the
// idempotency key: re-submitting an identical row is a no-op and the table
// stays bit-identical.
func (s *Store) RecordMetric(ctx context.Context, m *domain.Metric) (RecordResult, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	quality := m.Quality
	if quality == "" {
		quality = domain.QualityOK
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics
			(arm_id, ts, source, impressions, clicks, conversions, cost, revenue, quality)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (arm_id, ts, source) DO NOTHING
	`, m.ArmID, m.TS, m.Source, m.Impressions, m.Clicks, m.Conversions, m.Cost, m.Revenue, quality)
	if err != nil {
		return DuplicateIgnored, fmt.Errorf("record metric: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return DuplicateIgnored, fmt.Errorf("record metric rows: %w", err)
	}
	if n == 0 {
		return DuplicateIgnored, nil
	}
	return Inserted, nil
}

// AcceptMetric flips a suspect row to ok after operator review and returns
// the accepted row so the caller can queue it for the next cycle's drain.
func (s *Store) AcceptMetric(ctx context.Context, armID int64, ts time.Time, source domain.MetricSource) (*domain.Metric, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	var m domain.Metric
	err := s.db.QueryRowContext(ctx, `
		UPDATE metrics SET quality = 'ok'
		WHERE arm_id = $1 AND ts = $2 AND source = $3
		RETURNING arm_id, ts, source, impressions, clicks, conversions, cost, revenue, quality
	`, armID, ts, source).Scan(&m.ArmID, &m.TS, &m.Source, &m.Impressions, &m.Clicks,
		&m.Conversions, &m.Cost, &m.Revenue, &m.Quality)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("metric (%d, %s, %s): %w", armID, ts.Format(time.RFC3339), source, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("accept metric: %w", err)
	}
	return &m, nil
}

// ArmROASStats holds the rolling reward statistics the anomaly screen
// compares new rows against.
type ArmROASStats struct {
	Count  int64
	Mean   float64
	StdDev float64
}

// ROASStats computes mean and standard deviation of ROAS over the arm's
// accepted rows in the lookback window.
func (s *Store) ROASStats(ctx context.Context, armID int64, lookback time.Duration) (*ArmROASStats, error) {
	since := time.Now().UTC().Add(-lookback)
	var st ArmROASStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(AVG(revenue / NULLIF(cost, 0)), 0),
		       COALESCE(STDDEV_POP(revenue / NULLIF(cost, 0)), 0)
		FROM metrics
		WHERE arm_id = $1 AND ts >= $2 AND quality = 'ok' AND cost > 0
	`, armID, since).Scan(&st.Count, &st.Mean, &st.StdDev)
	if err != nil {
		return nil, fmt.Errorf("roas stats: %w", err)
	}
	return &st, nil
}

// MetricsRange returns metric rows for a campaign within [from, to),
// newest first, bounded by limit. Backs the time-series read view and the
// warehouse exporter.
func (s *Store) MetricsRange(ctx context.Context, campaignID int64, from, to time.Time, limit int) ([]domain.Metric, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.arm_id, m.ts, m.source, m.impressions, m.clicks, m.conversions,
		       m.cost, m.revenue, m.quality
		FROM metrics m
		JOIN arms a ON a.id = m.arm_id
		WHERE a.campaign_id = $1 AND m.ts >= $2 AND m.ts < $3
		ORDER BY m.ts DESC
		LIMIT $4
	`, campaignID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("metrics range: %w", err)
	}
	defer rows.Close()

	var out []domain.Metric
	for rows.Next() {
		var m domain.Metric
		if err := rows.Scan(&m.ArmID, &m.TS, &m.Source, &m.Impressions, &m.Clicks,
			&m.Conversions, &m.Cost, &m.Revenue, &m.Quality); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
