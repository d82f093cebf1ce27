package bandit

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/mmm"
)

// ErrNoArms is returned when a campaign has no enabled arms to allocate to.
var ErrNoArms = errors.New("campaign has no enabled arms")

// Params are the engine-level knobs of the decision pipeline. Campaign
// risk parameters come from the campaign itself.
type Params struct {
	MinTrialsForRiskGate int64
	MaxTrialsPerCycle    int64
	MaxStep              float64
	MinAllocFloor        float64
	ReportThreshold      float64
}

// Context is everything time-dependent a decision needs, assembled by the
// caller so Decide itself stays pure.
type Context struct {
	Now       time.Time
	CycleTick int64

	// OldAllocations is the campaign's currently applied allocation by arm
	// ID. Empty on the first cycle.
	OldAllocations map[int64]float64

	// ChannelStocks carries the ad-stock accumulated per channel.
	ChannelStocks map[string]float64

	// LastCycleCost is the observed cost per arm since the previous
	// decision, used to project next-cycle spend against the budget.
	LastCycleCost map[int64]float64
}

// Decision is the output of one cycle: the allocation to apply, the change
// rows to log, and the carryover stocks for the next cycle.
type Decision struct {
	Allocations map[int64]float64
	Changes     []domain.AllocationChange
	NewStatus   domain.CampaignStatus
	BudgetScale float64
	NextStocks  map[string]float64
}

// armTrace records one arm's score through the pipeline so change rows can
// report each step's contribution.
type armTrace struct {
	arm     *domain.Arm
	post    *domain.ArmPosterior
	theta   float64
	risked  float64
	factors mmm.Factors
	scored  float64
	norm    float64
	bounded float64
	final   float64
}

// Decide runs the full decision pipeline for one campaign: Thompson sample,
// risk filter, MMM adjustment, normalize with floor and step bound, budget
// check, and change emission. Disabled arms are pinned to zero allocation
// but still produce a change row when their allocation moved.
func Decide(camp *domain.Campaign, posteriors map[int64]*domain.ArmPosterior, ctx Context, params Params, agent Agent, model *mmm.Model) (*Decision, error) {
	arms := make([]*domain.Arm, 0, len(camp.Arms))
	var disabled []*domain.Arm
	for i := range camp.Arms {
		if camp.Arms[i].Disabled {
			disabled = append(disabled, &camp.Arms[i])
			continue
		}
		arms = append(arms, &camp.Arms[i])
	}
	if len(arms) == 0 {
		return nil, fmt.Errorf("campaign %d: %w", camp.ID, ErrNoArms)
	}

	// Deterministic draw order.
	sort.Slice(arms, func(i, j int) bool { return arms[i].ArmKey() < arms[j].ArmKey() })

	totalSpend := decimal.Zero
	for _, p := range posteriors {
		totalSpend = totalSpend.Add(p.Spend)
	}
	if totalSpend.GreaterThan(camp.TotalBudget) {
		return nil, fmt.Errorf("campaign %d: spend %s over budget %s: %w",
			camp.ID, totalSpend, camp.TotalBudget, domain.ErrBudgetExceeded)
	}

	rng := NewRNG(Seed(camp.ID, ctx.CycleTick))

	// Steps 1-3: sample, risk-adjust, MMM-adjust.
	traces := make([]*armTrace, len(arms))
	sum := 0.0
	for i, arm := range arms {
		post := posteriors[arm.ID]
		if post == nil {
			post = domain.NewPosterior(arm.ID)
		}
		tr := &armTrace{arm: arm, post: post}
		tr.theta = agent.Sample(arm, post, &ctx, rng)

		riskScore := post.RiskScore(camp.VarianceLimit)
		tr.risked = tr.theta * (1 - camp.RiskTolerance*riskScore)
		if post.RewardVariance() > camp.VarianceLimit && post.Trials < params.MinTrialsForRiskGate {
			// Exploration penalty, not exclusion.
			tr.risked *= 0.5
		}

		tr.factors = model.FactorsFor(ctx.Now, arm.Channel, ctx.ChannelStocks[arm.Channel])
		tr.scored = tr.risked * tr.factors.Product()

		traces[i] = tr
		sum += tr.scored
	}

	// Step 4: normalize, floor, bound the per-cycle step.
	if sum <= 0 {
		uniform := 1.0 / float64(len(traces))
		for _, tr := range traces {
			tr.norm = uniform
		}
	} else {
		for _, tr := range traces {
			tr.norm = tr.scored / sum
		}
	}

	floored := 0.0
	for _, tr := range traces {
		tr.bounded = math.Max(tr.norm, params.MinAllocFloor)
		floored += tr.bounded
	}
	for _, tr := range traces {
		tr.bounded /= floored
	}

	if params.MaxStep > 0 {
		bounded := 0.0
		for _, tr := range traces {
			old, ok := ctx.OldAllocations[tr.arm.ID]
			if !ok {
				// No applied allocation yet; damp against a uniform start.
				old = 1.0 / float64(len(traces))
			}
			if tr.bounded > old+params.MaxStep {
				tr.bounded = old + params.MaxStep
			} else if tr.bounded < old-params.MaxStep {
				tr.bounded = old - params.MaxStep
			}
			if tr.bounded < 0 {
				tr.bounded = 0
			}
			bounded += tr.bounded
		}
		if bounded > 0 {
			for _, tr := range traces {
				tr.bounded /= bounded
			}
		}
	}

	// Step 5: budget projection.
	scale := 1.0
	status := camp.Status
	remaining, _ := camp.TotalBudget.Sub(totalSpend).Float64()
	projected := 0.0
	for _, tr := range traces {
		projected += ctx.LastCycleCost[tr.arm.ID]
	}
	if remaining <= 0 {
		scale = 0
		status = domain.CampaignCompleted
	} else if projected > remaining {
		scale = remaining / projected
	}
	for _, tr := range traces {
		tr.final = tr.bounded * scale
	}

	// Step 6: emit changes for every arm that moved past the threshold.
	dec := &Decision{
		Allocations: make(map[int64]float64, len(traces)+len(disabled)),
		NewStatus:   status,
		BudgetScale: scale,
	}
	reason := domain.ReasonDecision
	if status == domain.CampaignCompleted {
		reason = domain.ReasonCampaignDone
	} else if scale < 1 {
		reason = domain.ReasonBudgetScale
	}

	for _, tr := range traces {
		dec.Allocations[tr.arm.ID] = tr.final
		old := ctx.OldAllocations[tr.arm.ID]
		if math.Abs(tr.final-old) < params.ReportThreshold {
			continue
		}
		dec.Changes = append(dec.Changes, buildChange(camp, tr, old, ctx.Now, reason))
	}
	for _, arm := range disabled {
		dec.Allocations[arm.ID] = 0
		old := ctx.OldAllocations[arm.ID]
		if old < params.ReportThreshold {
			continue
		}
		post := posteriors[arm.ID]
		if post == nil {
			post = domain.NewPosterior(arm.ID)
		}
		snap := agent.Snapshot(post, camp.VarianceLimit)
		dec.Changes = append(dec.Changes, domain.AllocationChange{
			CampaignID:  camp.ID,
			ArmID:       arm.ID,
			TS:          ctx.Now,
			OldAlloc:    old,
			NewAlloc:    0,
			ChangePct:   domain.ComputeChangePct(old, 0),
			Reason:      domain.ReasonDecision,
			Factors:     map[string]float64{},
			MMMFactors:  map[string]float64{},
			InitiatedBy: domain.InitiatedAuto,
			State:       &snap,
		})
	}

	// Advance carryover stocks from the final channel shares.
	dec.NextStocks = nextStocks(model, ctx.ChannelStocks, traces)

	return dec, nil
}

func buildChange(camp *domain.Campaign, tr *armTrace, old float64, now time.Time, reason string) domain.AllocationChange {
	factors := map[string]float64{
		domain.FactorThompson:       logRatio(tr.theta, 1),
		domain.FactorRisk:           logRatio(tr.risked, tr.theta),
		domain.FactorMMMSeasonality: logRatio(tr.factors.Seasonality, 1),
		domain.FactorMMMCarryover:   logRatio(tr.factors.Carryover, 1),
		domain.FactorStepClip:       logRatio(tr.bounded, tr.norm),
		domain.FactorBudgetScale:    logRatio(tr.final, tr.bounded),
	}

	mmmFactors := make(map[string]float64, 3)
	if tr.factors.Seasonality != 1 {
		mmmFactors["seasonality"] = math.Log(tr.factors.Seasonality)
	}
	if tr.factors.Carryover != 1 {
		mmmFactors["carryover"] = math.Log(tr.factors.Carryover)
	}
	if tr.factors.External != 1 {
		mmmFactors["external"] = math.Log(tr.factors.External)
	}

	snap := tr.post.Snapshot(camp.VarianceLimit)
	return domain.AllocationChange{
		CampaignID:  camp.ID,
		ArmID:       tr.arm.ID,
		TS:          now,
		OldAlloc:    old,
		NewAlloc:    tr.final,
		ChangePct:   domain.ComputeChangePct(old, tr.final),
		Reason:      reason,
		Factors:     factors,
		MMMFactors:  mmmFactors,
		InitiatedBy: domain.InitiatedAuto,
		State:       &snap,
	}
}

func nextStocks(model *mmm.Model, prev map[string]float64, traces []*armTrace) map[string]float64 {
	shares := make(map[string]float64)
	for _, tr := range traces {
		shares[tr.arm.Channel] += tr.final
	}
	for ch := range prev {
		if _, ok := shares[ch]; !ok {
			shares[ch] = 0
		}
	}
	next := make(map[string]float64, len(shares))
	for ch, alloc := range shares {
		next[ch] = model.NextStock(prev[ch], alloc)
	}
	return next
}

// logRatio returns log(num/den) with both sides floored to keep the result
// finite for JSON.
func logRatio(num, den float64) float64 {
	const floor = 1e-12
	return math.Log(math.Max(num, floor) / math.Max(den, floor))
}
