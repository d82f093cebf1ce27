// Package mmm applies marketing-mix-model adjustments to bandit scores:
// quarterly seasonality per channel, ad-stock carryover per channel, and
// scalar external factors such as holidays. All functions are pure; the
// caller owns the carryover stock state and passes it in.
package mmm

import (
	"fmt"
	"time"
)

// Config is the factor table. Seasonality is keyed quarter then channel
// ("Q4" → "Search" → 1.2). External holds named scalar multipliers applied
// to every arm. Holidays are MM-DD dates on which HolidayMultiplier applies.
type Config struct {
	Seasonality       map[string]map[string]float64
	CarryoverDecay    float64
	CarryoverCap      float64
	External          map[string]float64
	Holidays          []string
	HolidayMultiplier float64
}

// Model evaluates MMM factors against a point in time.
type Model struct {
	cfg Config
}

// New returns a model over the given factor table. Out-of-range carryover
// parameters fall back to neutral values rather than erroring: a decay
// outside (0,1) disables carryover accumulation, a cap below 1 is raised
// to 1.
func New(cfg Config) *Model {
	if cfg.CarryoverDecay <= 0 || cfg.CarryoverDecay >= 1 {
		cfg.CarryoverDecay = 0
	}
	if cfg.CarryoverCap < 1 {
		cfg.CarryoverCap = 1
	}
	if cfg.HolidayMultiplier <= 0 {
		cfg.HolidayMultiplier = 1
	}
	return &Model{cfg: cfg}
}

// Quarter returns the calendar quarter label for t: "Q1" through "Q4".
func Quarter(t time.Time) string {
	return fmt.Sprintf("Q%d", (int(t.Month())-1)/3+1)
}

// Factors is the set of multipliers applied to one arm in one cycle.
// Each is 1.0 when no factor applies.
type Factors struct {
	Seasonality float64
	Carryover   float64
	External    float64
}

// Product returns the combined multiplier.
func (f Factors) Product() float64 {
	return f.Seasonality * f.Carryover * f.External
}

// SeasonalityFor returns the seasonal multiplier for a channel at time t,
// 1.0 when the table has no entry.
func (m *Model) SeasonalityFor(t time.Time, channel string) float64 {
	quarter := Quarter(t)
	channels, ok := m.cfg.Seasonality[quarter]
	if !ok {
		return 1.0
	}
	mult, ok := channels[channel]
	if !ok || mult <= 0 {
		return 1.0
	}
	return mult
}

// CarryoverFor converts a channel's accumulated ad stock into a multiplier.
// Zero stock is neutral.
func (m *Model) CarryoverFor(stock float64) float64 {
	if stock <= 0 {
		return 1.0
	}
	if stock > m.cfg.CarryoverCap {
		stock = m.cfg.CarryoverCap
	}
	return 1.0 + stock
}

// NextStock advances a channel's ad stock by one cycle: the residual effect
// decays by the configured rate, then the cycle's allocation share is added.
// The result is capped so a dominant channel cannot compound without bound.
func (m *Model) NextStock(stock, alloc float64) float64 {
	next := stock*m.cfg.CarryoverDecay + alloc
	if next > m.cfg.CarryoverCap {
		next = m.cfg.CarryoverCap
	}
	if next < 0 {
		next = 0
	}
	return next
}

// ExternalFor returns the product of all configured external multipliers,
// including the holiday multiplier when t falls on a configured MM-DD date.
func (m *Model) ExternalFor(t time.Time) float64 {
	mult := 1.0
	for _, v := range m.cfg.External {
		if v > 0 {
			mult *= v
		}
	}
	if m.isHoliday(t) {
		mult *= m.cfg.HolidayMultiplier
	}
	return mult
}

func (m *Model) isHoliday(t time.Time) bool {
	day := t.Format("01-02")
	for _, h := range m.cfg.Holidays {
		if h == day {
			return true
		}
	}
	return false
}

// FactorsFor bundles all multipliers for one arm: seasonality by channel
// and quarter, carryover from the channel's current stock, and external
// factors for the date.
func (m *Model) FactorsFor(t time.Time, channel string, stock float64) Factors {
	return Factors{
		Seasonality: m.SeasonalityFor(t, channel),
		Carryover:   m.CarryoverFor(stock),
		External:    m.ExternalFor(t),
	}
}
