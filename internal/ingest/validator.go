// Package ingest is the metric intake pipeline: the poll and webhook paths
// feed one validation pipeline that persists rows idempotently, screens for
// anomalies against each arm's rolling history, and queues posterior
// updates for the decision loop to drain.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/repository/postgres"
)

// ErrValidation wraps all hard validation failures (V1/V2). The row is
// rejected synchronously and never persisted.
var ErrValidation = errors.New("metric validation failed")

// StatsProvider supplies the rolling reward statistics the anomaly screen
// compares against.
type StatsProvider interface {
	ROASStats(ctx context.Context, armID int64, lookback time.Duration) (*postgres.ArmROASStats, error)
}

// Validator runs the intake checks. AllowFreeRevenue permits revenue on
// zero-cost rows (some platforms report view-through value that way).
type Validator struct {
	stats            StatsProvider
	maxROAS          float64
	anomalyZ         float64
	lookback         time.Duration
	allowFreeRevenue bool
}

// NewValidator builds a validator with the configured bounds. maxROAS and
// anomalyZ fall back to 100 and 3.
func NewValidator(stats StatsProvider, maxROAS, anomalyZ float64, lookback time.Duration, allowFreeRevenue bool) *Validator {
	if maxROAS <= 0 {
		maxROAS = 100
	}
	if anomalyZ <= 0 {
		anomalyZ = 3
	}
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	return &Validator{
		stats:            stats,
		maxROAS:          maxROAS,
		anomalyZ:         anomalyZ,
		lookback:         lookback,
		allowFreeRevenue: allowFreeRevenue,
	}
}

// Validate runs V1 through V4 on the candidate row, setting Quality. Hard
// failures return ErrValidation. An implausible ROAS or an anomalous
// z-score only flags the row as suspect; the row is kept but stays out of
// the posterior until an operator accepts it.
func (v *Validator) Validate(ctx context.Context, m *domain.Metric) error {
	// V1: required fields.
	if m.ArmID == 0 {
		return fmt.Errorf("%w: missing arm_id", ErrValidation)
	}
	if m.TS.IsZero() {
		return fmt.Errorf("%w: missing ts", ErrValidation)
	}
	if !m.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrValidation, m.Source)
	}

	// V2: ranges and cross-count consistency.
	if m.Impressions < 0 || m.Clicks < 0 || m.Conversions < 0 || m.Cost < 0 || m.Revenue < 0 {
		return fmt.Errorf("%w: negative counter", ErrValidation)
	}
	if m.Clicks > m.Impressions {
		return fmt.Errorf("%w: clicks %d exceed impressions %d", ErrValidation, m.Clicks, m.Impressions)
	}
	if m.Conversions > m.Clicks {
		return fmt.Errorf("%w: conversions %d exceed clicks %d", ErrValidation, m.Conversions, m.Clicks)
	}
	if m.Cost == 0 && m.Revenue > 0 && !v.allowFreeRevenue {
		return fmt.Errorf("%w: revenue %.2f with zero cost", ErrValidation, m.Revenue)
	}

	m.Quality = domain.QualityOK

	// V3: ROAS plausibility. Implausible rows are quarantined, not dropped.
	if m.ROAS() > v.maxROAS {
		m.Quality = domain.QualitySuspect
		return nil
	}

	// V4: anomaly screen against the rolling window. Flags, never drops.
	if m.Cost > 0 && v.stats != nil {
		st, err := v.stats.ROASStats(ctx, m.ArmID, v.lookback)
		if err != nil {
			return fmt.Errorf("anomaly stats: %w", err)
		}
		// Need some history before a z-score means anything.
		if st.Count >= 5 && st.StdDev > 0 {
			z := math.Abs(m.ROAS()-st.Mean) / st.StdDev
			if z > v.anomalyZ {
				m.Quality = domain.QualitySuspect
			}
		}
	}
	return nil
}
