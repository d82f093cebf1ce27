package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignErrored   CampaignStatus = "errored"
)

// IsTerminal returns true if the campaign is in a final state. Errored is
// terminal for the optimizer loop but an operator may reset it to paused.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignErrored
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle step.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	switch s {
	case CampaignDraft:
		return next == CampaignActive
	case CampaignActive:
		return next == CampaignPaused || next == CampaignCompleted || next == CampaignErrored
	case CampaignPaused:
		return next == CampaignActive || next == CampaignCompleted || next == CampaignErrored
	case CampaignErrored:
		// Manual reset by an operator only.
		return next == CampaignPaused || next == CampaignActive
	default:
		return false
	}
}

// KPI identifies the metric a campaign optimizes toward.
type KPI string

const (
	KPIROAS        KPI = "roas"
	KPICPA         KPI = "cpa"
	KPIRevenue     KPI = "revenue"
	KPIConversions KPI = "conversions"
)

// Valid reports whether k is a recognized KPI.
func (k KPI) Valid() bool {
	switch k {
	case KPIROAS, KPICPA, KPIRevenue, KPIConversions:
		return true
	}
	return false
}

// Platform identifies an ad platform an arm runs on.
type Platform string

const (
	PlatformGoogleAds Platform = "google_ads"
	PlatformMeta      Platform = "meta"
	PlatformTradeDesk Platform = "tradedesk"
)

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformGoogleAds, PlatformMeta, PlatformTradeDesk:
		return true
	}
	return false
}

// DefaultCadence is the decision cycle interval applied when a campaign
// does not set its own.
const DefaultCadence = 15 * time.Minute

// Campaign is a budget-bounded collection of arms optimized toward one KPI.
type Campaign struct {
	ID            int64          `json:"id" db:"id"`
	Name          string         `json:"name" db:"name"`
	TotalBudget   decimal.Decimal `json:"total_budget" db:"budget"`
	Start         time.Time      `json:"start_ts" db:"start_ts"`
	End           *time.Time     `json:"end_ts,omitempty" db:"end_ts"`
	Status        CampaignStatus `json:"status" db:"status"`
	PrimaryKPI    KPI            `json:"primary_kpi" db:"primary_kpi"`
	RiskTolerance float64        `json:"risk_tolerance" db:"risk_tolerance"`
	VarianceLimit float64        `json:"variance_limit" db:"variance_limit"`
	CadenceMs     int64          `json:"cadence_ms" db:"cadence_ms"`

	// Arms is populated at definition time and by LoadCampaign; arms are
	// persisted in their own table keyed by campaign ID.
	Arms []Arm `json:"arms,omitempty" db:"-"`
}

// Cadence returns the decision cycle interval.
func (c *Campaign) Cadence() time.Duration {
	if c.CadenceMs <= 0 {
		return DefaultCadence
	}
	return time.Duration(c.CadenceMs) * time.Millisecond
}

// CampaignConfig carries the caller-supplied fields for NewCampaign.
// Zero values fall back to defaults where a default exists.
type CampaignConfig struct {
	Name          string
	TotalBudget   decimal.Decimal
	Start         time.Time
	End           *time.Time
	PrimaryKPI    KPI
	RiskTolerance float64
	VarianceLimit float64
	CadenceMs     int64
}

// NewCampaign validates cfg and returns a campaign in Draft status.
// The ID is assigned by the store on first save.
func NewCampaign(cfg CampaignConfig) (*Campaign, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("%w: name", ErrEmptyField)
	}
	if !cfg.TotalBudget.IsPositive() {
		return nil, fmt.Errorf("%w: total_budget %s", ErrInvalidBudget, cfg.TotalBudget)
	}
	if cfg.Start.IsZero() {
		return nil, fmt.Errorf("%w: start", ErrEmptyField)
	}
	if cfg.End != nil && !cfg.End.After(cfg.Start) {
		return nil, fmt.Errorf("campaign end %s is not after start %s", cfg.End.Format(time.RFC3339), cfg.Start.Format(time.RFC3339))
	}
	if cfg.RiskTolerance < 0 || cfg.RiskTolerance > 1 {
		return nil, fmt.Errorf("risk_tolerance %.4f outside [0,1]", cfg.RiskTolerance)
	}
	if cfg.VarianceLimit < 0 {
		return nil, fmt.Errorf("variance_limit %.4f is negative", cfg.VarianceLimit)
	}
	kpi := cfg.PrimaryKPI
	if kpi == "" {
		kpi = KPIROAS
	}
	if !kpi.Valid() {
		return nil, fmt.Errorf("unknown primary_kpi %q", kpi)
	}
	cadence := cfg.CadenceMs
	if cadence <= 0 {
		cadence = DefaultCadence.Milliseconds()
	}
	return &Campaign{
		Name:          cfg.Name,
		TotalBudget:   cfg.TotalBudget,
		Start:         cfg.Start,
		End:           cfg.End,
		Status:        CampaignDraft,
		PrimaryKPI:    kpi,
		RiskTolerance: cfg.RiskTolerance,
		VarianceLimit: cfg.VarianceLimit,
		CadenceMs:     cadence,
	}, nil
}

// AddArm validates a and appends it to the campaign. The arm key must be
// unique within the campaign.
func (c *Campaign) AddArm(a Arm) error {
	if err := ValidateArm(a); err != nil {
		return err
	}
	key := a.ArmKey()
	for i := range c.Arms {
		if c.Arms[i].ArmKey() == key {
			return fmt.Errorf("%w: %s", ErrDuplicateArm, key)
		}
	}
	a.CampaignID = c.ID
	c.Arms = append(c.Arms, a)
	return nil
}

// Arm is an immutable (platform, channel, creative, bid) tuple, the atomic
// unit of allocation. Arms are never deleted; a disabled arm keeps its
// history and has its allocation pinned to zero.
type Arm struct {
	ID         int64    `json:"id" db:"id"`
	CampaignID int64    `json:"campaign_id" db:"campaign_id"`
	Platform   Platform `json:"platform" db:"platform"`
	Channel    string   `json:"channel" db:"channel"`
	Creative   string   `json:"creative" db:"creative"`
	Bid        float64  `json:"bid" db:"bid"`
	Disabled   bool     `json:"disabled" db:"disabled"`
}

// ArmKey returns the stable identity of the arm: the four defining fields
// joined with '|'. The bid is formatted with the shortest round-trip
// representation so the key is deterministic.
func (a *Arm) ArmKey() string {
	return string(a.Platform) + "|" + a.Channel + "|" + a.Creative + "|" + strconv.FormatFloat(a.Bid, 'f', -1, 64)
}

// ValidateArm rejects arms with negative bids, empty identity fields, or an
// unknown platform.
func ValidateArm(a Arm) error {
	if !a.Platform.Valid() {
		return fmt.Errorf("unknown platform %q", a.Platform)
	}
	if strings.TrimSpace(a.Channel) == "" {
		return fmt.Errorf("%w: channel", ErrEmptyField)
	}
	if strings.TrimSpace(a.Creative) == "" {
		return fmt.Errorf("%w: creative", ErrEmptyField)
	}
	if a.Bid < 0 {
		return fmt.Errorf("%w: %.4f", ErrNegativeBid, a.Bid)
	}
	return nil
}
