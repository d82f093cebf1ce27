// Package telemetry registers the engine's Prometheus metrics. Collectors
// are package-level because the registry is process-global; everything else
// in the engine takes its dependencies explicitly.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts completed decision cycles per campaign outcome.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_cycles_total",
		Help: "Decision cycles completed, by outcome (ok, error, skipped).",
	}, []string{"outcome"})

	// CycleDuration tracks how long a full observe-decide-apply-log cycle takes.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "optimizer_cycle_duration_seconds",
		Help:    "Duration of one campaign decision cycle.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// MetricsIngested counts persisted metric rows by source and quality.
	MetricsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_metrics_ingested_total",
		Help: "Metric rows persisted, by source and quality.",
	}, []string{"source", "quality"})

	// MetricsDuplicate counts idempotent re-submissions that were ignored.
	MetricsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optimizer_metrics_duplicate_total",
		Help: "Metric rows ignored because the idempotency key already existed.",
	})

	// MetricsRejected counts rows that failed validation, by check.
	MetricsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_metrics_rejected_total",
		Help: "Metric rows rejected by the validation pipeline, by check.",
	}, []string{"check"})

	// WebhookRejected counts webhook posts rejected before parsing.
	WebhookRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_webhook_rejected_total",
		Help: "Webhook requests rejected, by reason (signature, malformed, backpressure).",
	}, []string{"platform", "reason"})

	// IntakeDropped counts queued events dropped under backpressure.
	IntakeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optimizer_intake_dropped_total",
		Help: "Webhook hint events dropped from the intake queue under backpressure.",
	})

	// PollFailures counts poll attempts that gave up, by platform and class.
	PollFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_poll_failures_total",
		Help: "Metric poll attempts abandoned, by platform and error class.",
	}, []string{"platform", "class"})

	// AllocationChanges counts change-log rows written, by reason.
	AllocationChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_allocation_changes_total",
		Help: "Allocation change rows appended, by reason.",
	}, []string{"reason"})

	// BidUpdates counts SetBid calls, by platform and result.
	BidUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_bid_updates_total",
		Help: "Bid write-outs to ad platforms, by platform and result.",
	}, []string{"platform", "result"})

	// ActiveCampaigns tracks the number of campaigns with a running cycle task.
	ActiveCampaigns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optimizer_active_campaigns",
		Help: "Campaigns currently driven by a cycle task.",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
