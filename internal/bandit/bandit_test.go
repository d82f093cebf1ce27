package bandit

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/budget-optimizer/internal/domain"
)

func TestObservationFromMetric(t *testing.T) {
	m := &domain.Metric{
		Impressions: 1000,
		Clicks:      100,
		Conversions: 8,
		Cost:        50,
		Revenue:     160,
	}

	obs := ObservationFromMetric(m, 10000)
	assert.Equal(t, 8.0, obs.Successes)
	assert.Equal(t, 92.0, obs.Failures)
	assert.InDelta(t, 3.2, obs.Reward, 1e-9)
	assert.Equal(t, int64(100), obs.Trials)
}

func TestObservationCapScalesCounts(t *testing.T) {
	m := &domain.Metric{Clicks: 2000, Conversions: 200, Cost: 10, Revenue: 20}

	obs := ObservationFromMetric(m, 500)
	assert.InDelta(t, 50.0, obs.Successes, 1e-9)
	assert.InDelta(t, 450.0, obs.Failures, 1e-9)
	assert.Equal(t, int64(500), obs.Trials)
}

func TestObservationZeroCost(t *testing.T) {
	m := &domain.Metric{Clicks: 10, Conversions: 0, Cost: 0, Revenue: 0}
	obs := ObservationFromMetric(m, 0)
	assert.Zero(t, obs.Reward)
	assert.Equal(t, int64(10), obs.Trials)
}

// Trials must track alpha+beta growth exactly so posteriors built from
// observations alone satisfy n = (alpha-1)+(beta-1).
func TestApplyObservationTrialsMatchBetaMass(t *testing.T) {
	p := domain.NewPosterior(1)
	now := time.Now()

	batches := []domain.Metric{
		{Clicks: 100, Conversions: 5, Cost: 50, Revenue: 100},
		{Clicks: 40, Conversions: 2, Cost: 20, Revenue: 30},
		{Clicks: 0, Conversions: 0, Cost: 5, Revenue: 0}, // spend only
	}
	for i := range batches {
		ApplyObservation(p, ObservationFromMetric(&batches[i], 10000), now)
	}

	assert.Equal(t, int64(140), p.Trials)
	assert.InDelta(t, float64(p.Trials), (p.Alpha-domain.PriorAlpha)+(p.Beta-domain.PriorBeta), 1e-9)
	assert.True(t, p.Alpha >= 1 && p.Beta >= 1)
	assert.True(t, p.Spend.Equal(decimal.NewFromFloat(75)))
}

func TestApplyObservationRewardStats(t *testing.T) {
	p := domain.NewPosterior(1)
	now := time.Now()

	// Two windows with ROAS 2.0 and 4.0, equally weighted by clicks.
	ApplyObservation(p, ObservationFromMetric(&domain.Metric{Clicks: 10, Conversions: 1, Cost: 10, Revenue: 20}, 0), now)
	ApplyObservation(p, ObservationFromMetric(&domain.Metric{Clicks: 10, Conversions: 1, Cost: 10, Revenue: 40}, 0), now)

	assert.InDelta(t, 3.0, p.MeanReward(), 1e-9)
	assert.InDelta(t, 1.0, p.RewardVariance(), 1e-9)
}

func TestSeedStableAndDistinct(t *testing.T) {
	assert.Equal(t, Seed(1, 10), Seed(1, 10))
	assert.NotEqual(t, Seed(1, 10), Seed(1, 11))
	assert.NotEqual(t, Seed(1, 10), Seed(2, 10))
}

func TestSampleBetaMoments(t *testing.T) {
	rng := NewRNG(42)

	// Beta(8, 2): mean 0.8.
	n := 20000
	sum := 0.0
	for i := 0; i < n; i++ {
		v := SampleBeta(rng, 8, 2)
		require.True(t, v >= 0 && v <= 1)
		sum += v
	}
	assert.InDelta(t, 0.8, sum/float64(n), 0.01)

	// Beta(1, 1) is Uniform(0, 1).
	sum = 0
	for i := 0; i < n; i++ {
		sum += SampleBeta(rng, 1, 1)
	}
	assert.InDelta(t, 0.5, sum/float64(n), 0.01)
}

func TestSampleBetaDeterministic(t *testing.T) {
	a := SampleBeta(NewRNG(7), 3, 5)
	b := SampleBeta(NewRNG(7), 3, 5)
	assert.Equal(t, a, b)
}

func TestHistoricalPrior(t *testing.T) {
	// CTR 0.045 with variance 0.0008 (sample historical data shape).
	alpha, beta := HistoricalPrior(0.045, 0.0008)
	assert.Greater(t, alpha, 1.0)
	assert.Greater(t, beta, alpha) // failures dominate at 4.5% success
	mean := alpha / (alpha + beta)
	assert.InDelta(t, 0.045, mean, 0.01)

	// Degenerate inputs fall back to uniform.
	a, b := HistoricalPrior(0, 0.1)
	assert.Equal(t, 1.0, a)
	assert.Equal(t, 1.0, b)

	a, b = HistoricalPrior(0.5, 0.5) // variance too large for the mean
	assert.Equal(t, 1.0, a)
	assert.Equal(t, 1.0, b)
}

func TestSeedPosteriorKeepsTrialsZero(t *testing.T) {
	p := SeedPosterior(9, 0.05, 0.001)
	assert.Greater(t, p.Alpha, 1.0)
	assert.Zero(t, p.Trials)
	assert.True(t, math.Abs(p.Mean()-0.05) < 0.02)
}
