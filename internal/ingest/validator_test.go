package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/repository/postgres"
)

type fakeStats struct {
	stats postgres.ArmROASStats
	err   error
}

func (f *fakeStats) ROASStats(ctx context.Context, armID int64, lookback time.Duration) (*postgres.ArmROASStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	st := f.stats
	return &st, nil
}

func validMetric() domain.Metric {
	return domain.Metric{
		ArmID:       7,
		TS:          time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		Source:      domain.SourcePoll,
		Impressions: 1000,
		Clicks:      50,
		Conversions: 5,
		Cost:        120.0,
		Revenue:     360.0,
	}
}

func TestValidate_Rejections(t *testing.T) {
	v := NewValidator(&fakeStats{}, 100, 3, 0, false)

	tests := []struct {
		name   string
		mutate func(*domain.Metric)
	}{
		{"missing arm", func(m *domain.Metric) { m.ArmID = 0 }},
		{"missing ts", func(m *domain.Metric) { m.TS = time.Time{} }},
		{"bad source", func(m *domain.Metric) { m.Source = "carrier_pigeon" }},
		{"negative cost", func(m *domain.Metric) { m.Cost = -1 }},
		{"clicks exceed impressions", func(m *domain.Metric) { m.Clicks = 2000 }},
		{"conversions exceed clicks", func(m *domain.Metric) { m.Conversions = 51 }},
		{"revenue without cost", func(m *domain.Metric) { m.Cost = 0; m.Conversions = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := validMetric()
			tc.mutate(&m)
			err := v.Validate(context.Background(), &m)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestValidate_ImplausibleROASFlagsSuspect(t *testing.T) {
	// A 500x return is outside the plausibility bound; the row is kept for
	// operator review instead of being dropped.
	v := NewValidator(&fakeStats{stats: postgres.ArmROASStats{Count: 20, Mean: 2.0, StdDev: 0.3}}, 100, 3, 0, false)

	m := validMetric()
	m.Cost = 1
	m.Revenue = 500
	require.NoError(t, v.Validate(context.Background(), &m))
	assert.Equal(t, domain.QualitySuspect, m.Quality)
}

func TestValidate_FreeRevenueAllowedWhenConfigured(t *testing.T) {
	v := NewValidator(&fakeStats{}, 100, 3, 0, true)

	m := validMetric()
	m.Cost = 0
	m.Conversions = 0
	m.Revenue = 25
	require.NoError(t, v.Validate(context.Background(), &m))
	assert.Equal(t, domain.QualityOK, m.Quality)
}

func TestValidate_OKRow(t *testing.T) {
	v := NewValidator(&fakeStats{}, 100, 3, 0, false)
	m := validMetric()
	require.NoError(t, v.Validate(context.Background(), &m))
	assert.Equal(t, domain.QualityOK, m.Quality)
}

func TestValidate_AnomalyFlagsButKeeps(t *testing.T) {
	// Rolling history says ROAS ~3.0 with tight spread; a 9x row is > 3
	// standard deviations out and gets flagged, not rejected.
	v := NewValidator(&fakeStats{stats: postgres.ArmROASStats{Count: 20, Mean: 3.0, StdDev: 0.5}}, 100, 3, 0, false)

	m := validMetric()
	m.Revenue = m.Cost * 9
	require.NoError(t, v.Validate(context.Background(), &m))
	assert.Equal(t, domain.QualitySuspect, m.Quality)
}

func TestValidate_InsufficientHistorySkipsAnomalyScreen(t *testing.T) {
	v := NewValidator(&fakeStats{stats: postgres.ArmROASStats{Count: 3, Mean: 3.0, StdDev: 0.5}}, 100, 3, 0, false)

	m := validMetric()
	m.Revenue = m.Cost * 9
	require.NoError(t, v.Validate(context.Background(), &m))
	assert.Equal(t, domain.QualityOK, m.Quality)
}

func TestValidate_ZeroCostRowPassesWithoutScreen(t *testing.T) {
	v := NewValidator(&fakeStats{stats: postgres.ArmROASStats{Count: 20, Mean: 3.0, StdDev: 0.5}}, 100, 3, 0, false)

	m := validMetric()
	m.Cost = 0
	m.Revenue = 0
	m.Conversions = 0
	require.NoError(t, v.Validate(context.Background(), &m))
	assert.Equal(t, domain.QualityOK, m.Quality)
}
