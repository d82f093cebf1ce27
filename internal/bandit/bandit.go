// Package bandit implements the decision core of the optimizer: Thompson
// sampling over Beta posteriors, a risk filter driven by reward variance,
// marketing-mix adjustments, and the allocation pipeline that turns scores
// into a budget split.
//
// Everything in this package is pure computation. Decide performs no I/O,
// holds no locks, and given the same posteriors, context, and seed returns
// the same result, so any production cycle can be replayed in a test.
package bandit

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ignite/budget-optimizer/internal/domain"
)

// rewardEpsilon guards the ROAS division for zero-cost windows.
const rewardEpsilon = 1e-6

// Agent is the bandit capability the decision core depends on. Sample
// scores one arm, Update folds a validated observation into the arm's
// state, Snapshot freezes the state for the change log.
type Agent interface {
	Name() string
	Sample(arm *domain.Arm, post *domain.ArmPosterior, ctx *Context, rng *rand.Rand) float64
	Update(arm *domain.Arm, post *domain.ArmPosterior, ctx *Context, obs Observation)
	Snapshot(post *domain.ArmPosterior, varianceLimit float64) domain.PosteriorSnapshot
}

// Observation is one validated metric window reduced to the quantities the
// posterior update needs: Bernoulli pseudo-counts from click outcomes, the
// window's ROAS for the risk filter, and the cost for the spend ledger.
type Observation struct {
	Successes float64
	Failures  float64
	Reward    float64
	Cost      float64
	Trials    int64
}

// ObservationFromMetric reduces a metric row. Conversions count as
// successes, non-converting clicks as failures. When a window carries more
// clicks than maxTrialsPerCycle the pseudo-counts are scaled down
// proportionally so a single huge batch cannot swamp the posterior.
func ObservationFromMetric(m *domain.Metric, maxTrialsPerCycle int64) Observation {
	successes := float64(m.Conversions)
	failures := float64(m.Clicks - m.Conversions)
	if failures < 0 {
		failures = 0
	}
	total := successes + failures
	if maxTrialsPerCycle > 0 && total > float64(maxTrialsPerCycle) {
		scale := float64(maxTrialsPerCycle) / total
		successes *= scale
		failures *= scale
		total = float64(maxTrialsPerCycle)
	}
	return Observation{
		Successes: successes,
		Failures:  failures,
		Reward:    m.Revenue / math.Max(m.Cost, rewardEpsilon),
		Cost:      m.Cost,
		Trials:    int64(math.Round(total)),
	}
}

// ApplyObservation mutates the posterior in place. Reward sums are weighted
// by the pseudo-count of the window so MeanReward stays the click-weighted
// average ROAS, and trials track alpha+beta growth exactly.
func ApplyObservation(p *domain.ArmPosterior, obs Observation, now time.Time) {
	p.Alpha += obs.Successes
	p.Beta += obs.Failures
	w := obs.Successes + obs.Failures
	p.RewardSum += obs.Reward * w
	p.RewardSqSum += obs.Reward * obs.Reward * w
	p.Trials += obs.Trials
	if obs.Cost != 0 {
		p.Spend = p.Spend.Add(decimal.NewFromFloat(obs.Cost))
	}
	p.UpdatedTS = now
}

// Seed derives the cycle RNG seed from the campaign and tick so any
// decision can be replayed bit-for-bit.
func Seed(campaignID, cycleTick int64) int64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(campaignID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(cycleTick))
	h := fnv.New64a()
	h.Write(buf[:])
	return int64(h.Sum64())
}

// NewRNG returns a deterministic source for one decision cycle.
func NewRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// SampleBeta draws from Beta(alpha, beta) via two Gamma draws.
func SampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using Marsaglia-Tsang. Shapes
// below one are lifted with the boost U^(1/shape).
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape <= 0 {
		return 0
	}
	if shape < 1 {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		x := rng.NormFloat64()
		v := 1.0 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*x*x*x*x {
			return d * v
		}
		if u > 0 && math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}
