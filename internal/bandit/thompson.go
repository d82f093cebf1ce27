package bandit

import (
	"math/rand"

	"github.com/ignite/budget-optimizer/internal/domain"
)

// ThompsonBernoulli is the default agent: one draw from each arm's Beta
// posterior per cycle. It is stateless; all learned state lives in the
// posterior rows.
type ThompsonBernoulli struct{}

// NewThompson returns the Thompson sampling agent.
func NewThompson() *ThompsonBernoulli {
	return &ThompsonBernoulli{}
}

func (t *ThompsonBernoulli) Name() string { return "thompson" }

// Sample draws theta from Beta(alpha, beta), an unbiased sample of the
// arm's success probability.
func (t *ThompsonBernoulli) Sample(_ *domain.Arm, post *domain.ArmPosterior, _ *Context, rng *rand.Rand) float64 {
	return SampleBeta(rng, post.Alpha, post.Beta)
}

// Update folds the observation into the posterior.
func (t *ThompsonBernoulli) Update(_ *domain.Arm, post *domain.ArmPosterior, ctx *Context, obs Observation) {
	ApplyObservation(post, obs, ctx.Now)
}

// Snapshot freezes the posterior for the change log.
func (t *ThompsonBernoulli) Snapshot(post *domain.ArmPosterior, varianceLimit float64) domain.PosteriorSnapshot {
	return post.Snapshot(varianceLimit)
}
