package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InitiatedBy identifies who caused an allocation change.
type InitiatedBy string

const (
	InitiatedAuto     InitiatedBy = "auto"
	InitiatedAnalyst  InitiatedBy = "analyst"
	InitiatedOverride InitiatedBy = "override"
)

// Change reasons. Decision rows come out of the optimizer cycle; the rest
// record errors and operational events so the dashboard never has to guess
// why an allocation moved (or stopped moving).
const (
	ReasonDecision        = "decision"
	ReasonBudgetScale     = "budget_scale"
	ReasonCampaignDone    = "budget_exhausted"
	ReasonIngestError     = "ingest_error"
	ReasonAnomalyFlag     = "anomaly_flag"
	ReasonInvariantBreach = "invariant_breach"
	ReasonConcurrency     = "concurrency_error"
	ReasonDrainReconcile  = "drain_reconcile"
	ReasonOverride        = "manual_override"
)

// Factor keys recorded on every decision row. Each carries the log of the
// ratio between successive pipeline steps, so factors sum to the log of the
// total old-to-new movement.
const (
	FactorThompson       = "thompson"
	FactorRisk           = "risk"
	FactorMMMSeasonality = "mmm_seasonality"
	FactorMMMCarryover   = "mmm_carryover"
	FactorStepClip       = "step_clip"
	FactorBudgetScale    = "budget_scale"
)

// PosteriorSnapshot is the optimizer state frozen into a change-log row,
// enough to replay or explain the decision later.
type PosteriorSnapshot struct {
	Alpha          float64         `json:"alpha"`
	Beta           float64         `json:"beta"`
	Trials         int64           `json:"trials"`
	Spend          decimal.Decimal `json:"spend"`
	MeanReward     float64         `json:"mean_reward"`
	RewardVariance float64         `json:"reward_variance"`
	RiskScore      float64         `json:"risk_score"`
}

// AllocationChange is one append-only row in the change log: how one arm's
// allocation moved in one cycle, and why.
type AllocationChange struct {
	ID         int64              `json:"id" db:"id"`
	CampaignID int64              `json:"campaign_id" db:"campaign_id"`
	ArmID      int64              `json:"arm_id" db:"arm_id"`
	TS         time.Time          `json:"ts" db:"ts"`
	OldAlloc   float64            `json:"old_alloc" db:"old_alloc"`
	NewAlloc   float64            `json:"new_alloc" db:"new_alloc"`
	ChangePct  float64            `json:"change_pct" db:"change_pct"`
	Reason     string             `json:"reason" db:"reason"`
	Factors    map[string]float64 `json:"factors" db:"factors_json"`
	MMMFactors map[string]float64 `json:"mmm_factors" db:"mmm_json"`
	InitiatedBy InitiatedBy       `json:"initiated_by" db:"initiated_by"`
	State      *PosteriorSnapshot `json:"state_snapshot,omitempty" db:"state_snapshot_json"`
}

// ComputeChangePct returns the relative movement of the allocation in
// percent. A move from zero is reported as 100% per unit of new allocation.
func ComputeChangePct(oldAlloc, newAlloc float64) float64 {
	if oldAlloc == 0 {
		return newAlloc * 100
	}
	return (newAlloc - oldAlloc) / oldAlloc * 100
}
