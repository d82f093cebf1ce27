package domain

import "time"

// MetricSource identifies how a metric row entered the system.
type MetricSource string

const (
	SourcePoll     MetricSource = "poll"
	SourceWebhook  MetricSource = "webhook"
	SourceBackfill MetricSource = "backfill"
)

// Valid reports whether s is a recognized source.
func (s MetricSource) Valid() bool {
	switch s {
	case SourcePoll, SourceWebhook, SourceBackfill:
		return true
	}
	return false
}

// MetricQuality marks whether a row passed anomaly screening.
type MetricQuality string

const (
	QualityOK      MetricQuality = "ok"
	QualitySuspect MetricQuality = "suspect"
)

// Metric is one observation window for one arm. (ArmID, TS, Source) is the
// idempotency key; re-ingesting the same row is a no-op. CTR, CVR, and ROAS
// are derived on read and never stored.
type Metric struct {
	ArmID       int64         `json:"arm_id" db:"arm_id"`
	TS          time.Time     `json:"ts" db:"ts"`
	Source      MetricSource  `json:"source" db:"source"`
	Impressions int64         `json:"impressions" db:"impressions"`
	Clicks      int64         `json:"clicks" db:"clicks"`
	Conversions int64         `json:"conversions" db:"conversions"`
	Cost        float64       `json:"cost" db:"cost"`
	Revenue     float64       `json:"revenue" db:"revenue"`
	Quality     MetricQuality `json:"quality" db:"quality"`
}

// CTR returns clicks per impression, 0 when there are no impressions.
func (m *Metric) CTR() float64 {
	if m.Impressions == 0 {
		return 0
	}
	return float64(m.Clicks) / float64(m.Impressions)
}

// CVR returns conversions per click, 0 when there are no clicks.
func (m *Metric) CVR() float64 {
	if m.Clicks == 0 {
		return 0
	}
	return float64(m.Conversions) / float64(m.Clicks)
}

// ROAS returns revenue per unit cost, 0 when cost is zero.
func (m *Metric) ROAS() float64 {
	if m.Cost <= 0 {
		return 0
	}
	return m.Revenue / m.Cost
}
