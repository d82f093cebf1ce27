package bandit

import (
	"math"
	"math/rand"
	"sync"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/mmm"
)

// featureDim is the size of the decision context vector fed to LinUCB.
const featureDim = 8

// ContextualLinUCB scores arms with a per-arm ridge regression over the
// decision context: expected reward theta^T x plus an exploration bonus
// alpha * sqrt(x^T A^-1 x) using the diagonal approximation of A^-1. Model
// state is in-memory soft state; it rebuilds from live traffic after a
// restart while the Beta posteriors remain the durable source of truth.
type ContextualLinUCB struct {
	mu    sync.Mutex
	alpha float64
	arms  map[string]*linModel
}

type linModel struct {
	a     [featureDim][featureDim]float64
	b     [featureDim]float64
	theta [featureDim]float64
}

// NewLinUCB returns a contextual agent with the given exploration
// parameter. Values around 1.0 balance exploration and exploitation.
func NewLinUCB(alpha float64) *ContextualLinUCB {
	if alpha <= 0 {
		alpha = 1.0
	}
	return &ContextualLinUCB{alpha: alpha, arms: make(map[string]*linModel)}
}

func (l *ContextualLinUCB) Name() string { return "linucb" }

// features builds the deterministic context vector for one arm: a bias
// term, the bid on a saturating scale, the quarter one-hot, the channel's
// carryover stock, and the arm's currently applied allocation.
func features(arm *domain.Arm, ctx *Context) [featureDim]float64 {
	var x [featureDim]float64
	x[0] = 1
	x[1] = arm.Bid / (1 + arm.Bid)
	switch mmm.Quarter(ctx.Now) {
	case "Q1":
		x[2] = 1
	case "Q2":
		x[3] = 1
	case "Q3":
		x[4] = 1
	default:
		x[5] = 1
	}
	stock := ctx.ChannelStocks[arm.Channel]
	x[6] = stock / (1 + stock)
	x[7] = ctx.OldAllocations[arm.ID]
	return x
}

func (l *ContextualLinUCB) model(key string) *linModel {
	m, ok := l.arms[key]
	if !ok {
		m = &linModel{}
		for i := 0; i < featureDim; i++ {
			m.a[i][i] = 1 // ridge regularization
		}
		l.arms[key] = m
	}
	return m
}

// Sample returns the UCB score for the arm under the current context. The
// RNG is unused; LinUCB explores through its confidence bound.
func (l *ContextualLinUCB) Sample(arm *domain.Arm, _ *domain.ArmPosterior, ctx *Context, _ *rand.Rand) float64 {
	x := features(arm, ctx)

	l.mu.Lock()
	m := l.model(arm.ArmKey())
	expected := 0.0
	confidence := 0.0
	for i := 0; i < featureDim; i++ {
		expected += x[i] * m.theta[i]
		confidence += x[i] * x[i] / math.Max(m.a[i][i], 1e-6)
	}
	l.mu.Unlock()

	score := expected + l.alpha*math.Sqrt(confidence)
	if score < 0 {
		return 0
	}
	return score
}

// Update folds the observation into both the Beta posterior and the arm's
// linear model.
func (l *ContextualLinUCB) Update(arm *domain.Arm, post *domain.ArmPosterior, ctx *Context, obs Observation) {
	ApplyObservation(post, obs, ctx.Now)

	x := features(arm, ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.model(arm.ArmKey())
	for i := 0; i < featureDim; i++ {
		for j := 0; j < featureDim; j++ {
			m.a[i][j] += x[i] * x[j]
		}
		m.b[i] += obs.Reward * x[i]
	}
	m.theta = solve(m.a, m.b)
}

// Snapshot freezes the posterior for the change log.
func (l *ContextualLinUCB) Snapshot(post *domain.ArmPosterior, varianceLimit float64) domain.PosteriorSnapshot {
	return post.Snapshot(varianceLimit)
}

// solve returns theta with A*theta = b by Gaussian elimination with partial
// pivoting. A is diagonally dominant by construction (identity plus rank-one
// updates), so the system is well conditioned at this dimension.
func solve(a [featureDim][featureDim]float64, b [featureDim]float64) [featureDim]float64 {
	for col := 0; col < featureDim; col++ {
		pivot := col
		for row := col + 1; row < featureDim; row++ {
			if math.Abs(a[row][col]) > math.Abs(a[pivot][col]) {
				pivot = row
			}
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		if math.Abs(a[col][col]) < 1e-12 {
			continue
		}
		for row := col + 1; row < featureDim; row++ {
			f := a[row][col] / a[col][col]
			for k := col; k < featureDim; k++ {
				a[row][k] -= f * a[col][k]
			}
			b[row] -= f * b[col]
		}
	}

	var theta [featureDim]float64
	for row := featureDim - 1; row >= 0; row-- {
		if math.Abs(a[row][row]) < 1e-12 {
			theta[row] = 0
			continue
		}
		sum := b[row]
		for k := row + 1; k < featureDim; k++ {
			sum -= a[row][k] * theta[k]
		}
		theta[row] = sum / a[row][row]
	}
	return theta
}
