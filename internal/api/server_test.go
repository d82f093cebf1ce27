package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/ingest"
	"github.com/ignite/budget-optimizer/internal/repository/postgres"
	"github.com/ignite/budget-optimizer/internal/worker"
)

type fakeStore struct {
	campaign   *domain.Campaign
	posteriors map[int64]*domain.ArmPosterior
	allocs     map[int64]float64
	changes    []domain.AllocationChange
	metrics    []domain.Metric
	disabled   map[int64]bool
	seeded     []domain.ArmPosterior
	nextID     int64
}

func (f *fakeStore) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	f.nextID++
	c.ID = f.nextID
	for i := range c.Arms {
		c.Arms[i].ID = f.nextID*100 + int64(i)
		c.Arms[i].CampaignID = c.ID
	}
	f.campaign = c
	return nil
}

func (f *fakeStore) AddArm(ctx context.Context, arm *domain.Arm) error {
	if f.campaign == nil || f.campaign.ID != arm.CampaignID {
		return domain.ErrNotFound
	}
	arm.ID = int64(len(f.campaign.Arms)) + 1
	f.campaign.Arms = append(f.campaign.Arms, *arm)
	return nil
}

func (f *fakeStore) LoadCampaign(ctx context.Context, id int64) (*domain.Campaign, map[int64]*domain.ArmPosterior, error) {
	if f.campaign == nil || f.campaign.ID != id {
		return nil, nil, domain.ErrNotFound
	}
	return f.campaign, f.posteriors, nil
}

func (f *fakeStore) ListCampaignsByStatus(ctx context.Context, statuses ...domain.CampaignStatus) ([]domain.Campaign, error) {
	if f.campaign == nil {
		return nil, nil
	}
	for _, st := range statuses {
		if f.campaign.Status == st {
			return []domain.Campaign{*f.campaign}, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdateCampaignStatus(ctx context.Context, id int64, next domain.CampaignStatus) error {
	if f.campaign == nil || f.campaign.ID != id {
		return domain.ErrNotFound
	}
	if !f.campaign.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", postgres.ErrInvalidTransition, f.campaign.Status, next)
	}
	f.campaign.Status = next
	return nil
}

func (f *fakeStore) SetArmDisabled(ctx context.Context, armID int64, disabled bool) error {
	if f.disabled == nil {
		f.disabled = map[int64]bool{}
	}
	f.disabled[armID] = disabled
	return nil
}

func (f *fakeStore) SeedPosterior(ctx context.Context, p *domain.ArmPosterior) error {
	f.seeded = append(f.seeded, *p)
	return nil
}

func (f *fakeStore) AppendChange(ctx context.Context, c *domain.AllocationChange) error {
	f.changes = append(f.changes, *c)
	return nil
}

func (f *fakeStore) LatestAllocations(ctx context.Context, campaignID int64) (map[int64]float64, error) {
	return f.allocs, nil
}

func (f *fakeStore) MetricsRange(ctx context.Context, campaignID int64, from, to time.Time, limit int) ([]domain.Metric, error) {
	return f.metrics, nil
}

func (f *fakeStore) AcceptMetric(ctx context.Context, armID int64, ts time.Time, source domain.MetricSource) (*domain.Metric, error) {
	for i := range f.metrics {
		m := &f.metrics[i]
		if m.ArmID == armID && m.TS.Equal(ts) && m.Source == source {
			m.Quality = domain.QualityOK
			cp := *m
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) ChangesRange(ctx context.Context, campaignID int64, from, to time.Time, limit int) ([]domain.AllocationChange, error) {
	return f.changes, nil
}

type fakeEngine struct{ stats worker.Stats }

func (f *fakeEngine) Snapshot() worker.Stats { return f.stats }

func testServer(t *testing.T, store *fakeStore) *httptest.Server {
	t.Helper()
	s := NewServer(store, &fakeEngine{stats: worker.Stats{Running: true, CycleTasks: 1, CyclesCompleted: 12}}, nil, nil, nil)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func seededStore() *fakeStore {
	post := domain.NewPosterior(10)
	post.Alpha = 11
	post.Beta = 91
	post.Trials = 100
	post.RewardSum = 300
	post.RewardSqSum = 1000
	post.Spend = decimal.NewFromInt(250)
	return &fakeStore{
		campaign: &domain.Campaign{
			ID:            1,
			Name:          "spring-launch",
			TotalBudget:   decimal.NewFromInt(1000),
			Start:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			Status:        domain.CampaignActive,
			PrimaryKPI:    domain.KPIROAS,
			RiskTolerance: 0.3,
			VarianceLimit: 0.1,
			Arms: []domain.Arm{
				{ID: 10, CampaignID: 1, Platform: domain.PlatformMeta, Channel: "social", Creative: "a", Bid: 1.5},
			},
		},
		posteriors: map[int64]*domain.ArmPosterior{10: post},
		allocs:     map[int64]float64{10: 1.0},
		nextID:     1,
	}
}

func TestCreateCampaign(t *testing.T) {
	store := &fakeStore{}
	srv := testServer(t, store)

	body := `{
		"name": "spring-launch",
		"total_budget": "5000.00",
		"start_ts": "2026-04-01T00:00:00Z",
		"primary_kpi": "roas",
		"risk_tolerance": 0.3,
		"variance_limit": 0.1,
		"arms": [
			{"platform": "meta", "channel": "social", "creative": "carousel_a", "bid": 1.5},
			{"platform": "google_ads", "channel": "search", "creative": "rsa_a", "bid": 2.0}
		]
	}`
	resp, err := http.Post(srv.URL+"/campaigns", "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NotNil(t, store.campaign)
	assert.Equal(t, domain.CampaignDraft, store.campaign.Status)
	assert.Len(t, store.campaign.Arms, 2)
}

func TestCreateCampaign_RejectsDuplicateArmKey(t *testing.T) {
	srv := testServer(t, &fakeStore{})

	body := `{
		"name": "dup",
		"total_budget": "100",
		"start_ts": "2026-04-01T00:00:00Z",
		"arms": [
			{"platform": "meta", "channel": "social", "creative": "a", "bid": 1.5},
			{"platform": "meta", "channel": "social", "creative": "a", "bid": 1.5}
		]
	}`
	resp, err := http.Post(srv.URL+"/campaigns", "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetCampaign_NotFound(t *testing.T) {
	srv := testServer(t, &fakeStore{})
	resp, err := http.Get(srv.URL + "/campaigns/99")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOverrideStatus(t *testing.T) {
	store := seededStore()
	srv := testServer(t, store)

	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/campaigns/1/status",
		bytes.NewReader([]byte(`{"status": "paused", "reason": "creative refresh"}`)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, domain.CampaignPaused, store.campaign.Status)
	require.Len(t, store.changes, 1)
	assert.Equal(t, domain.InitiatedAnalyst, store.changes[0].InitiatedBy)
	assert.Contains(t, store.changes[0].Reason, "creative refresh")
}

func TestOverrideStatus_InvalidTransition(t *testing.T) {
	store := seededStore()
	store.campaign.Status = domain.CampaignCompleted
	srv := testServer(t, store)

	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/campaigns/1/status",
		bytes.NewReader([]byte(`{"status": "active"}`)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, store.changes)
}

func TestPerformanceSummary(t *testing.T) {
	srv := testServer(t, seededStore())

	resp, err := http.Get(srv.URL + "/campaigns/1/performance")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		TotalSpend string `json:"total_spend"`
		Arms       []struct {
			ArmID             int64   `json:"arm_id"`
			Allocation        float64 `json:"allocation"`
			MeanReward        float64 `json:"mean_reward"`
			Trials            int64   `json:"trials"`
			BudgetUtilization float64 `json:"budget_utilization"`
		} `json:"arms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, "250.0000", body.TotalSpend)
	require.Len(t, body.Arms, 1)
	assert.Equal(t, int64(10), body.Arms[0].ArmID)
	assert.InDelta(t, 1.0, body.Arms[0].Allocation, 1e-9)
	assert.InDelta(t, 3.0, body.Arms[0].MeanReward, 1e-9)
	assert.Equal(t, int64(100), body.Arms[0].Trials)
	assert.InDelta(t, 0.25, body.Arms[0].BudgetUtilization, 1e-9)
}

func TestStatusEndpoint(t *testing.T) {
	srv := testServer(t, seededStore())

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Engine struct {
			Running         bool  `json:"running"`
			CyclesCompleted int64 `json:"cycles_completed"`
		} `json:"engine"`
		ByStatus map[string]int `json:"campaigns_by_status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Engine.Running)
	assert.Equal(t, int64(12), body.Engine.CyclesCompleted)
	assert.Equal(t, 1, body.ByStatus["active"])
}

func TestChangesRange_BadFrom(t *testing.T) {
	srv := testServer(t, seededStore())
	resp, err := http.Get(srv.URL + "/campaigns/1/changes?from=yesterday")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddArm_SeedsPosteriorFromHistory(t *testing.T) {
	store := seededStore()
	srv := testServer(t, store)

	body := `{
		"platform": "meta", "channel": "social", "creative": "video_b", "bid": 2.0,
		"history": {"ctr_mean": 0.045, "ctr_variance": 0.0008}
	}`
	resp, err := http.Post(srv.URL+"/campaigns/1/arms", "application/json",
		bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Len(t, store.seeded, 1)
	p := store.seeded[0]
	// Moment matching: t = mean(1-mean)/var ≈ 53.72, alpha = mean(t-1).
	assert.InDelta(t, 2.372, p.Alpha, 0.01)
	assert.InDelta(t, 50.346, p.Beta, 0.01)
	assert.Zero(t, p.Trials)
}

func TestAddArm_NoHistorySkipsSeeding(t *testing.T) {
	store := seededStore()
	srv := testServer(t, store)

	body := `{"platform": "meta", "channel": "social", "creative": "static_c", "bid": 1.0}`
	resp, err := http.Post(srv.URL+"/campaigns/1/arms", "application/json",
		bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, store.seeded)
}

func TestAcceptMetric_RequeuesForNextDrain(t *testing.T) {
	store := seededStore()
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	store.metrics = []domain.Metric{{
		ArmID: 10, TS: ts, Source: domain.SourcePoll,
		Impressions: 500, Clicks: 25, Conversions: 3, Cost: 1, Revenue: 500,
		Quality: domain.QualitySuspect,
	}}
	queue := ingest.NewQueue(10)
	s := NewServer(store, &fakeEngine{}, nil, queue, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body := `{"arm_id": 10, "ts": "2026-03-10T14:00:00Z", "source": "poll"}`
	resp, err := http.Post(srv.URL+"/campaigns/1/metrics/accept", "application/json",
		bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The row is cleared and waiting for the next cycle's drain.
	assert.Equal(t, domain.QualityOK, store.metrics[0].Quality)
	pending := queue.DrainFor(1, 10)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(10), pending[0].Metric.ArmID)
	assert.Equal(t, domain.QualityOK, pending[0].Metric.Quality)

	// The acceptance leaves an analyst change row.
	require.Len(t, store.changes, 1)
	assert.Contains(t, store.changes[0].Reason, domain.ReasonOverride)
	assert.Equal(t, domain.InitiatedAnalyst, store.changes[0].InitiatedBy)
}

func TestAcceptMetric_UnknownRow404(t *testing.T) {
	store := seededStore()
	s := NewServer(store, &fakeEngine{}, nil, ingest.NewQueue(10), nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body := `{"arm_id": 10, "ts": "2026-03-10T14:00:00Z", "source": "poll"}`
	resp, err := http.Post(srv.URL+"/campaigns/1/metrics/accept", "application/json",
		bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, store.changes)
}

func TestSetArmDisabled(t *testing.T) {
	store := seededStore()
	srv := testServer(t, store)

	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/arms/10",
		bytes.NewReader([]byte(`{"disabled": true}`)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, store.disabled[10])
}
