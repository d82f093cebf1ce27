package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ignite/budget-optimizer/internal/bandit"
	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/ingest"
	"github.com/ignite/budget-optimizer/internal/pkg/httputil"
	"github.com/ignite/budget-optimizer/internal/repository/postgres"
	"github.com/ignite/budget-optimizer/internal/telemetry"
)

// createCampaignRequest is the campaign definition payload.
type createCampaignRequest struct {
	Name          string       `json:"name"`
	TotalBudget   string       `json:"total_budget"`
	Start         time.Time    `json:"start_ts"`
	End           *time.Time   `json:"end_ts,omitempty"`
	PrimaryKPI    string       `json:"primary_kpi"`
	RiskTolerance float64      `json:"risk_tolerance"`
	VarianceLimit float64      `json:"variance_limit"`
	CadenceMs     int64        `json:"cadence_ms"`
	Arms          []domain.Arm `json:"arms"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	budget, err := decimal.NewFromString(req.TotalBudget)
	if err != nil {
		httputil.BadRequest(w, "total_budget: "+err.Error())
		return
	}
	camp, err := domain.NewCampaign(domain.CampaignConfig{
		Name:          req.Name,
		TotalBudget:   budget,
		Start:         req.Start,
		End:           req.End,
		PrimaryKPI:    domain.KPI(req.PrimaryKPI),
		RiskTolerance: req.RiskTolerance,
		VarianceLimit: req.VarianceLimit,
		CadenceMs:     req.CadenceMs,
	})
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	for _, arm := range req.Arms {
		if err := camp.AddArm(arm); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	if err := s.store.CreateCampaign(r.Context(), camp); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, camp)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	camp, posteriors, err := s.store.LoadCampaign(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"campaign":   camp,
		"posteriors": posteriors,
	})
}

// armHistory carries optional historical CTR stats used to seed the new
// arm's posterior by moment matching instead of the uniform prior.
type armHistory struct {
	CTRMean     float64 `json:"ctr_mean"`
	CTRVariance float64 `json:"ctr_variance"`
}

type addArmRequest struct {
	domain.Arm
	History *armHistory `json:"history,omitempty"`
}

func (s *Server) handleAddArm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req addArmRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	arm := req.Arm
	arm.CampaignID = id
	if err := domain.ValidateArm(arm); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.store.AddArm(r.Context(), &arm); err != nil {
		storeError(w, err)
		return
	}
	if req.History != nil {
		seeded := bandit.SeedPosterior(arm.ID, req.History.CTRMean, req.History.CTRVariance)
		if err := s.store.SeedPosterior(r.Context(), seeded); err != nil {
			httputil.InternalError(w, err)
			return
		}
	}
	httputil.Created(w, arm)
}

// overrideStatusRequest is the analyst lifecycle override payload.
type overrideStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) handleOverrideStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req overrideStatusRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	next := domain.CampaignStatus(req.Status)
	if err := s.store.UpdateCampaignStatus(r.Context(), id, next); err != nil {
		storeError(w, err)
		return
	}

	// Overrides leave a change row so the log explains every lifecycle move.
	reason := domain.ReasonOverride + ": status -> " + req.Status
	if req.Reason != "" {
		reason += " (" + req.Reason + ")"
	}
	note := &domain.AllocationChange{
		CampaignID:  id,
		TS:          time.Now().UTC(),
		Reason:      reason,
		Factors:     map[string]float64{},
		MMMFactors:  map[string]float64{},
		InitiatedBy: domain.InitiatedAnalyst,
	}
	if err := s.store.AppendChange(r.Context(), note); err != nil {
		httputil.InternalError(w, err)
		return
	}
	telemetry.AllocationChanges.WithLabelValues(domain.ReasonOverride).Inc()
	httputil.OK(w, map[string]any{"id": id, "status": next})
}

// setArmDisabledRequest toggles an arm. Disabled arms keep their history;
// their allocation pins to zero on the next cycle.
type setArmDisabledRequest struct {
	Disabled bool `json:"disabled"`
}

func (s *Server) handleSetArmDisabled(w http.ResponseWriter, r *http.Request) {
	armID, ok := pathID(w, r, "armID")
	if !ok {
		return
	}
	var req setArmDisabledRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := s.store.SetArmDisabled(r.Context(), armID, req.Disabled); err != nil {
		storeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"arm_id": armID, "disabled": req.Disabled})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	byStatus := map[domain.CampaignStatus]int{}
	campaigns, err := s.store.ListCampaignsByStatus(r.Context(),
		domain.CampaignDraft, domain.CampaignActive, domain.CampaignPaused,
		domain.CampaignCompleted, domain.CampaignErrored)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	for i := range campaigns {
		byStatus[campaigns[i].Status]++
	}

	resp := map[string]any{
		"campaigns_by_status": byStatus,
	}
	if s.engine != nil {
		resp["engine"] = s.engine.Snapshot()
	}
	if s.queue != nil {
		resp["intake_queue_depth"] = s.queue.Len()
	}
	httputil.OK(w, resp)
}

// armPerformance is one row of the per-arm performance summary.
type armPerformance struct {
	ArmID             int64   `json:"arm_id"`
	ArmKey            string  `json:"arm_key"`
	Disabled          bool    `json:"disabled"`
	Allocation        float64 `json:"allocation"`
	Spend             string  `json:"spend"`
	MeanReward        float64 `json:"mean_reward"`
	RewardVariance    float64 `json:"reward_variance"`
	RiskScore         float64 `json:"risk_score"`
	Trials            int64   `json:"trials"`
	BudgetUtilization float64 `json:"budget_utilization"`
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	camp, posteriors, err := s.store.LoadCampaign(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	allocs, err := s.store.LatestAllocations(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	budget, _ := camp.TotalBudget.Float64()
	rows := make([]armPerformance, 0, len(camp.Arms))
	totalSpend := decimal.Zero
	for i := range camp.Arms {
		arm := &camp.Arms[i]
		post := posteriors[arm.ID]
		if post == nil {
			post = domain.NewPosterior(arm.ID)
		}
		spend, _ := post.Spend.Float64()
		util := 0.0
		if budget > 0 {
			util = spend / budget
		}
		totalSpend = totalSpend.Add(post.Spend)
		rows = append(rows, armPerformance{
			ArmID:             arm.ID,
			ArmKey:            arm.ArmKey(),
			Disabled:          arm.Disabled,
			Allocation:        allocs[arm.ID],
			Spend:             post.Spend.StringFixed(4),
			MeanReward:        post.MeanReward(),
			RewardVariance:    post.RewardVariance(),
			RiskScore:         post.RiskScore(camp.VarianceLimit),
			Trials:            post.Trials,
			BudgetUtilization: util,
		})
	}
	httputil.OK(w, map[string]any{
		"campaign_id":  camp.ID,
		"status":       camp.Status,
		"total_budget": camp.TotalBudget.StringFixed(2),
		"total_spend":  totalSpend.StringFixed(4),
		"arms":         rows,
	})
}

func (s *Server) handleMetricsRange(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	from, to, limit, ok := rangeParams(w, r)
	if !ok {
		return
	}
	rows, err := s.store.MetricsRange(r.Context(), id, from, to, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"campaign_id": id, "metrics": rows})
}

// acceptMetricRequest identifies one suspect row by its idempotency key.
type acceptMetricRequest struct {
	ArmID  int64               `json:"arm_id"`
	TS     time.Time           `json:"ts"`
	Source domain.MetricSource `json:"source"`
}

// handleAcceptMetric clears a suspect row after operator review and queues
// it so the next cycle's drain folds it into the posterior.
func (s *Server) handleAcceptMetric(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req acceptMetricRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ArmID <= 0 || req.TS.IsZero() || !req.Source.Valid() {
		httputil.BadRequest(w, "arm_id, ts and source are required")
		return
	}

	m, err := s.store.AcceptMetric(r.Context(), req.ArmID, req.TS, req.Source)
	if err != nil {
		storeError(w, err)
		return
	}
	if s.queue != nil {
		if err := s.queue.Enqueue(ingest.Pending{CampaignID: id, Metric: *m}); err != nil {
			httputil.ServiceUnavailable(w, err.Error())
			return
		}
	}

	note := &domain.AllocationChange{
		CampaignID:  id,
		ArmID:       req.ArmID,
		TS:          time.Now().UTC(),
		Reason:      fmt.Sprintf("%s: suspect metric accepted (roas %.2f)", domain.ReasonOverride, m.ROAS()),
		Factors:     map[string]float64{},
		MMMFactors:  map[string]float64{},
		InitiatedBy: domain.InitiatedAnalyst,
	}
	if err := s.store.AppendChange(r.Context(), note); err != nil {
		httputil.InternalError(w, err)
		return
	}
	telemetry.AllocationChanges.WithLabelValues(domain.ReasonOverride).Inc()
	httputil.OK(w, map[string]any{"campaign_id": id, "arm_id": req.ArmID, "quality": m.Quality})
}

func (s *Server) handleChangesRange(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	from, to, limit, ok := rangeParams(w, r)
	if !ok {
		return
	}
	rows, err := s.store.ChangesRange(r.Context(), id, from, to, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"campaign_id": id, "changes": rows})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid "+name)
		return 0, false
	}
	return id, true
}

// rangeParams parses from/to/limit query parameters with a default window
// of the trailing 24 hours and a hard cap of 1000 rows.
func rangeParams(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, int, bool) {
	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "from: "+err.Error())
			return time.Time{}, time.Time{}, 0, false
		}
		from = t.UTC()
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "to: "+err.Error())
			return time.Time{}, time.Time{}, 0, false
		}
		to = t.UTC()
	}
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "invalid limit")
			return time.Time{}, time.Time{}, 0, false
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}
	return from, to, limit, true
}

func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, postgres.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicateArm):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
