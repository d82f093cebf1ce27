package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() CampaignConfig {
	return CampaignConfig{
		Name:          "q3-search-push",
		TotalBudget:   decimal.NewFromInt(10000),
		Start:         time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		RiskTolerance: 0.3,
		VarianceLimit: 0.1,
	}
}

func TestNewCampaignDefaults(t *testing.T) {
	c, err := NewCampaign(validConfig())
	require.NoError(t, err)

	assert.Equal(t, CampaignDraft, c.Status)
	assert.Equal(t, KPIROAS, c.PrimaryKPI)
	assert.Equal(t, DefaultCadence, c.Cadence())
	assert.Equal(t, int64(DefaultCadence.Milliseconds()), c.CadenceMs)
	assert.Empty(t, c.Arms)
}

func TestNewCampaignValidation(t *testing.T) {
	end := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mutate  func(*CampaignConfig)
		wantErr string
	}{
		{
			name:    "empty name",
			mutate:  func(c *CampaignConfig) { c.Name = "  " },
			wantErr: "required field",
		},
		{
			name:    "zero budget",
			mutate:  func(c *CampaignConfig) { c.TotalBudget = decimal.Zero },
			wantErr: "total budget",
		},
		{
			name:    "negative budget",
			mutate:  func(c *CampaignConfig) { c.TotalBudget = decimal.NewFromInt(-5) },
			wantErr: "total budget",
		},
		{
			name:    "zero start",
			mutate:  func(c *CampaignConfig) { c.Start = time.Time{} },
			wantErr: "required field",
		},
		{
			name:    "end before start",
			mutate:  func(c *CampaignConfig) { c.End = &end },
			wantErr: "not after start",
		},
		{
			name:    "risk tolerance above one",
			mutate:  func(c *CampaignConfig) { c.RiskTolerance = 1.5 },
			wantErr: "risk_tolerance",
		},
		{
			name:    "negative variance limit",
			mutate:  func(c *CampaignConfig) { c.VarianceLimit = -0.1 },
			wantErr: "variance_limit",
		},
		{
			name:    "unknown kpi",
			mutate:  func(c *CampaignConfig) { c.PrimaryKPI = "clicks" },
			wantErr: "primary_kpi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			_, err := NewCampaign(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateArm(t *testing.T) {
	tests := []struct {
		name    string
		arm     Arm
		wantErr error
	}{
		{
			name: "valid",
			arm:  Arm{Platform: PlatformGoogleAds, Channel: "Search", Creative: "cr-1", Bid: 1.25},
		},
		{
			name:    "negative bid",
			arm:     Arm{Platform: PlatformGoogleAds, Channel: "Search", Creative: "cr-1", Bid: -0.01},
			wantErr: ErrNegativeBid,
		},
		{
			name:    "empty channel",
			arm:     Arm{Platform: PlatformMeta, Channel: " ", Creative: "cr-1", Bid: 1},
			wantErr: ErrEmptyField,
		},
		{
			name:    "empty creative",
			arm:     Arm{Platform: PlatformMeta, Channel: "Social", Creative: "", Bid: 1},
			wantErr: ErrEmptyField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArm(tt.arm)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	t.Run("unknown platform", func(t *testing.T) {
		err := ValidateArm(Arm{Platform: "bing", Channel: "Search", Creative: "cr-1", Bid: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "platform")
	})
}

func TestAddArmRejectsDuplicateKey(t *testing.T) {
	c, err := NewCampaign(validConfig())
	require.NoError(t, err)
	c.ID = 42

	arm := Arm{Platform: PlatformGoogleAds, Channel: "Search", Creative: "cr-1", Bid: 1.5}
	require.NoError(t, c.AddArm(arm))
	assert.Equal(t, int64(42), c.Arms[0].CampaignID)

	err = c.AddArm(arm)
	assert.ErrorIs(t, err, ErrDuplicateArm)

	// Same tuple except the bid is a different arm.
	arm.Bid = 2.0
	assert.NoError(t, c.AddArm(arm))
	assert.Len(t, c.Arms, 2)
}

func TestArmKeyDeterministic(t *testing.T) {
	a := Arm{Platform: PlatformTradeDesk, Channel: "Display", Creative: "banner-300", Bid: 0.75}
	assert.Equal(t, "tradedesk|Display|banner-300|0.75", a.ArmKey())

	b := a
	assert.Equal(t, a.ArmKey(), b.ArmKey())

	b.Bid = 0.750000001
	assert.NotEqual(t, a.ArmKey(), b.ArmKey())
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from CampaignStatus
		to   CampaignStatus
		ok   bool
	}{
		{CampaignDraft, CampaignActive, true},
		{CampaignDraft, CampaignPaused, false},
		{CampaignActive, CampaignPaused, true},
		{CampaignActive, CampaignCompleted, true},
		{CampaignActive, CampaignErrored, true},
		{CampaignPaused, CampaignActive, true},
		{CampaignCompleted, CampaignActive, false},
		{CampaignErrored, CampaignPaused, true},
		{CampaignErrored, CampaignCompleted, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	assert.True(t, CampaignCompleted.IsTerminal())
	assert.True(t, CampaignErrored.IsTerminal())
	assert.False(t, CampaignActive.IsTerminal())
}

func TestPosteriorDerivedStats(t *testing.T) {
	p := NewPosterior(7)
	assert.Equal(t, 0.5, p.Mean())
	assert.Zero(t, p.MeanReward())
	assert.Zero(t, p.RewardVariance())
	assert.Zero(t, p.RiskScore(0.1))

	// Rewards 1, 2, 3: mean 2, population variance 2/3.
	p.RewardSum = 6
	p.RewardSqSum = 14
	p.Trials = 3

	assert.InDelta(t, 2.0, p.MeanReward(), 1e-12)
	assert.InDelta(t, 2.0/3.0, p.RewardVariance(), 1e-12)

	// Variance beyond the limit clamps at 1.
	assert.Equal(t, 1.0, p.RiskScore(0.1))
	assert.InDelta(t, (2.0/3.0)/10.0, p.RiskScore(10), 1e-12)

	// Non-positive limit: any variance is maximal risk.
	assert.Equal(t, 1.0, p.RiskScore(0))
}

func TestPosteriorSnapshot(t *testing.T) {
	p := NewPosterior(3)
	p.Alpha = 5
	p.Beta = 7
	p.Trials = 10
	p.RewardSum = 20
	p.RewardSqSum = 50
	p.Spend = decimal.NewFromFloat(123.45)

	snap := p.Snapshot(0.1)
	assert.Equal(t, 5.0, snap.Alpha)
	assert.Equal(t, 7.0, snap.Beta)
	assert.Equal(t, int64(10), snap.Trials)
	assert.InDelta(t, 2.0, snap.MeanReward, 1e-12)
	assert.True(t, snap.Spend.Equal(decimal.NewFromFloat(123.45)))
}

func TestMetricDerivedRates(t *testing.T) {
	m := Metric{Impressions: 1000, Clicks: 50, Conversions: 5, Cost: 25, Revenue: 100}
	assert.InDelta(t, 0.05, m.CTR(), 1e-12)
	assert.InDelta(t, 0.1, m.CVR(), 1e-12)
	assert.InDelta(t, 4.0, m.ROAS(), 1e-12)

	zero := Metric{}
	assert.Zero(t, zero.CTR())
	assert.Zero(t, zero.CVR())
	assert.Zero(t, zero.ROAS())
}

func TestComputeChangePct(t *testing.T) {
	assert.InDelta(t, 25.0, ComputeChangePct(0.2, 0.25), 1e-12)
	assert.InDelta(t, -50.0, ComputeChangePct(0.4, 0.2), 1e-12)
	assert.InDelta(t, 30.0, ComputeChangePct(0, 0.3), 1e-12)
}
