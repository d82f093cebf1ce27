package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Laplace-smoothed prior: Beta(1,1) is Uniform(0,1), so an arm with no
// observations samples uniformly and always keeps a chance to be explored.
const (
	PriorAlpha = 1.0
	PriorBeta  = 1.0
)

// ArmPosterior is the learned belief over an arm's success probability:
// Beta parameters plus the running reward statistics used by the risk
// filter, and the cumulative spend ledger used by the budget check.
type ArmPosterior struct {
	ArmID       int64           `json:"arm_id" db:"arm_id"`
	Alpha       float64         `json:"alpha" db:"alpha"`
	Beta        float64         `json:"beta" db:"beta"`
	Spend       decimal.Decimal `json:"spend" db:"spend"`
	RewardSum   float64         `json:"reward_sum" db:"reward_sum"`
	RewardSqSum float64         `json:"reward_sq_sum" db:"reward_sq_sum"`
	Trials      int64           `json:"trials" db:"trials"`
	UpdatedTS   time.Time       `json:"updated_ts" db:"updated_ts"`
}

// NewPosterior returns the uninformed posterior for an arm.
func NewPosterior(armID int64) *ArmPosterior {
	return &ArmPosterior{
		ArmID: armID,
		Alpha: PriorAlpha,
		Beta:  PriorBeta,
		Spend: decimal.Zero,
	}
}

// Mean returns the expected success probability alpha/(alpha+beta).
func (p *ArmPosterior) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

// MeanReward returns the average observed reward, 0 with no trials.
func (p *ArmPosterior) MeanReward() float64 {
	if p.Trials == 0 {
		return 0
	}
	return p.RewardSum / float64(p.Trials)
}

// RewardVariance returns the population variance of observed rewards,
// clamped at zero against floating-point drift.
func (p *ArmPosterior) RewardVariance() float64 {
	if p.Trials == 0 {
		return 0
	}
	n := float64(p.Trials)
	mean := p.RewardSum / n
	v := p.RewardSqSum/n - mean*mean
	if v < 0 {
		return 0
	}
	return v
}

// RiskScore maps reward variance into [0,1] relative to the campaign's
// variance limit. A non-positive limit treats any variance as maximal risk.
func (p *ArmPosterior) RiskScore(varianceLimit float64) float64 {
	v := p.RewardVariance()
	if varianceLimit <= 0 {
		if v > 0 {
			return 1
		}
		return 0
	}
	score := v / varianceLimit
	if score > 1 {
		return 1
	}
	return score
}

// Snapshot captures the posterior state for a change-log row.
func (p *ArmPosterior) Snapshot(varianceLimit float64) PosteriorSnapshot {
	return PosteriorSnapshot{
		Alpha:          p.Alpha,
		Beta:           p.Beta,
		Trials:         p.Trials,
		Spend:          p.Spend,
		MeanReward:     p.MeanReward(),
		RewardVariance: p.RewardVariance(),
		RiskScore:      p.RiskScore(varianceLimit),
	}
}
