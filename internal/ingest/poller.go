package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/pkg/logger"
	"github.com/ignite/budget-optimizer/internal/platform"
	"github.com/ignite/budget-optimizer/internal/platform/ratelimit"
	"github.com/ignite/budget-optimizer/internal/telemetry"
)

// CampaignSource lists the campaigns whose arms the poller fetches for.
type CampaignSource interface {
	ListCampaignsByStatus(ctx context.Context, statuses ...domain.CampaignStatus) ([]domain.Campaign, error)
}

// Poller drives the polling intake path for one platform. One poller task
// runs per enabled platform; pollers for different platforms run in
// parallel while fetches within one platform serialize on its limiter.
type Poller struct {
	adapter      platform.AdPlatform
	limiter      *ratelimit.Limiter
	pipeline     *Pipeline
	campaigns    CampaignSource
	accountID    string
	interval     time.Duration
	fetchTimeout time.Duration

	// watermarks track the newest successfully ingested window per
	// campaign, advanced only after the whole batch landed.
	mu         sync.Mutex
	watermarks map[int64]time.Time
}

// NewPoller builds a poller for one platform.
func NewPoller(adapter platform.AdPlatform, limiter *ratelimit.Limiter, pipeline *Pipeline, campaigns CampaignSource, accountID string, interval, fetchTimeout time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &Poller{
		adapter:      adapter,
		limiter:      limiter,
		pipeline:     pipeline,
		campaigns:    campaigns,
		accountID:    accountID,
		interval:     interval,
		fetchTimeout: fetchTimeout,
		watermarks:   make(map[int64]time.Time),
	}
}

// Run polls until the context ends. An immediate first pass warms the
// posteriors before the first decision tick.
func (p *Poller) Run(ctx context.Context) {
	logger.Info("poller starting", "platform", p.adapter.Name(), "interval", p.interval.String())
	p.pollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("poller stopping", "platform", p.adapter.Name())
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	// Paused campaigns keep reporting; only decisions stop while paused.
	campaigns, err := p.campaigns.ListCampaignsByStatus(ctx, domain.CampaignActive, domain.CampaignPaused)
	if err != nil {
		logger.Error("poller: listing campaigns failed", "platform", p.adapter.Name(), "error", err)
		return
	}
	for i := range campaigns {
		if ctx.Err() != nil {
			return
		}
		p.pollCampaign(ctx, &campaigns[i])
	}
}

func (p *Poller) pollCampaign(ctx context.Context, camp *domain.Campaign) {
	bindings := p.bindingsFor(camp)
	if len(bindings) == 0 {
		return
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	since := p.watermark(camp.ID)
	metrics, err := p.adapter.FetchMetrics(fetchCtx, p.accountID, bindings, since)
	if err != nil {
		if platform.IsTransient(err) {
			// The retry client already backed off; the next tick will
			// pick the window up again from the same watermark.
			telemetry.PollFailures.WithLabelValues(string(p.adapter.Name()), "transient").Inc()
			logger.Warn("metric fetch failed, will retry next tick",
				"platform", p.adapter.Name(), "campaign_id", camp.ID, "error", err)
			return
		}
		telemetry.PollFailures.WithLabelValues(string(p.adapter.Name()), "permanent").Inc()
		p.pipeline.LogIngestError(ctx, camp.ID, p.adapter.Name(), err)
		return
	}

	newest := since
	for i := range metrics {
		m := &metrics[i]
		if err := p.pipeline.Ingest(ctx, camp.ID, m); err != nil {
			if errors.Is(err, ErrValidation) {
				logger.Warn("poll row rejected",
					"platform", p.adapter.Name(), "arm_id", m.ArmID, "error", err)
				continue
			}
			// Durable-write failure: stop here without advancing the
			// watermark so the rows are re-fetched.
			logger.Error("poll ingest failed", "platform", p.adapter.Name(), "error", err)
			return
		}
		if m.TS.After(newest) {
			newest = m.TS
		}
	}
	p.advanceWatermark(camp.ID, newest)
}

// bindingsFor selects the campaign's arms on this platform. Disabled arms
// keep reporting so their history stays complete.
func (p *Poller) bindingsFor(camp *domain.Campaign) []platform.ArmBinding {
	var out []platform.ArmBinding
	for i := range camp.Arms {
		arm := &camp.Arms[i]
		if arm.Platform != p.adapter.Name() {
			continue
		}
		out = append(out, platform.ArmBinding{
			ArmID:  arm.ID,
			ArmKey: arm.ArmKey(),
			Bid:    arm.Bid,
		})
	}
	return out
}

func (p *Poller) watermark(campaignID int64) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ts, ok := p.watermarks[campaignID]; ok {
		return ts
	}
	// First poll after startup reaches back two intervals so a restart
	// cannot leave a gap; idempotent inserts absorb the overlap.
	return time.Now().UTC().Add(-2 * p.interval)
}

func (p *Poller) advanceWatermark(campaignID int64, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ts.After(p.watermarks[campaignID]) {
		p.watermarks[campaignID] = ts
	}
}
