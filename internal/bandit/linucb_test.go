package bandit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/mmm"
)

func linArm(id int64, channel string, bid float64) *domain.Arm {
	return &domain.Arm{ID: id, CampaignID: 1, Platform: domain.PlatformGoogleAds, Channel: channel, Creative: "cr", Bid: bid}
}

func TestSolveLinearSystem(t *testing.T) {
	// Identity system returns b itself.
	var a [featureDim][featureDim]float64
	var b [featureDim]float64
	for i := 0; i < featureDim; i++ {
		a[i][i] = 1
		b[i] = float64(i)
	}
	theta := solve(a, b)
	for i := 0; i < featureDim; i++ {
		assert.InDelta(t, float64(i), theta[i], 1e-9)
	}

	// A diagonal scaling halves the solution.
	for i := 0; i < featureDim; i++ {
		a[i][i] = 2
	}
	theta = solve(a, b)
	for i := 0; i < featureDim; i++ {
		assert.InDelta(t, float64(i)/2, theta[i], 1e-9)
	}
}

func TestLinUCBFeaturesDeterministic(t *testing.T) {
	arm := linArm(1, "Search", 1.5)
	ctx := &Context{
		Now:            time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
		OldAllocations: map[int64]float64{1: 0.4},
		ChannelStocks:  map[string]float64{"Search": 1.0},
	}

	x := features(arm, ctx)
	y := features(arm, ctx)
	assert.Equal(t, x, y)

	assert.Equal(t, 1.0, x[0])
	assert.InDelta(t, 0.6, x[1], 1e-9) // bid 1.5 saturates to 0.6
	assert.Equal(t, 1.0, x[5])         // November is Q4
	assert.InDelta(t, 0.5, x[6], 1e-9) // stock 1.0
	assert.Equal(t, 0.4, x[7])
}

func TestLinUCBLearnsRewardSignal(t *testing.T) {
	agent := NewLinUCB(0.1)
	good := linArm(1, "Search", 1.0)
	bad := linArm(2, "Search", 1.0)
	ctx := &Context{Now: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)}

	for i := 0; i < 50; i++ {
		agent.Update(good, domain.NewPosterior(1), ctx, Observation{Successes: 1, Failures: 9, Reward: 4.0, Trials: 10})
		agent.Update(bad, domain.NewPosterior(2), ctx, Observation{Successes: 1, Failures: 9, Reward: 0.5, Trials: 10})
	}

	rng := NewRNG(1)
	scoreGood := agent.Sample(good, domain.NewPosterior(1), ctx, rng)
	scoreBad := agent.Sample(bad, domain.NewPosterior(2), ctx, rng)
	assert.Greater(t, scoreGood, scoreBad)
	assert.InDelta(t, 4.0, scoreGood, 1.0)
}

func TestLinUCBExplorationBonusShrinks(t *testing.T) {
	agent := NewLinUCB(1.0)
	arm := linArm(1, "Display", 1.0)
	ctx := &Context{Now: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)}
	rng := NewRNG(1)

	fresh := agent.Sample(arm, domain.NewPosterior(1), ctx, rng)

	// Feeding a zero reward repeatedly leaves no expected value, so the
	// remaining score is pure exploration bonus and must shrink.
	for i := 0; i < 100; i++ {
		agent.Update(arm, domain.NewPosterior(1), ctx, Observation{Successes: 0, Failures: 10, Reward: 0, Trials: 10})
	}
	trained := agent.Sample(arm, domain.NewPosterior(1), ctx, rng)

	assert.Less(t, trained, fresh)
}

func TestLinUCBUpdatesPosteriorToo(t *testing.T) {
	agent := NewLinUCB(1.0)
	arm := linArm(1, "Search", 1.0)
	post := domain.NewPosterior(1)
	ctx := &Context{Now: time.Now()}

	agent.Update(arm, post, ctx, Observation{Successes: 3, Failures: 7, Reward: 2, Cost: 5, Trials: 10})

	assert.Equal(t, 4.0, post.Alpha)
	assert.Equal(t, 8.0, post.Beta)
	assert.Equal(t, int64(10), post.Trials)
}

func TestDecideWithLinUCBAgent(t *testing.T) {
	camp := testCampaign(10000)
	agent := NewLinUCB(1.0)
	posteriors := map[int64]*domain.ArmPosterior{
		1: domain.NewPosterior(1),
		2: domain.NewPosterior(2),
		3: domain.NewPosterior(3),
	}
	ctx := Context{Now: time.Now(), CycleTick: 1}

	dec, err := Decide(camp, posteriors, ctx, testParams(), agent, mmmModel())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, allocSum(dec.Allocations), 1e-9)
}

func mmmModel() *mmm.Model { return nil }
