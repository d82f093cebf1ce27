package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/budget-optimizer/internal/bandit"
	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/pkg/logger"
	"github.com/ignite/budget-optimizer/internal/platform"
	"github.com/ignite/budget-optimizer/internal/repository/postgres"
	"github.com/ignite/budget-optimizer/internal/telemetry"
)

// bidClamp bounds the allocation-driven bid modifier so one hot cycle can
// never move a remote bid more than 2x in either direction.
const (
	bidModifierFloor = 0.5
	bidModifierCeil  = 2.0
)

// cycleRunner drives the observe-decide-apply-log loop for one campaign.
// All of its state is owned by its goroutine; the supervisor talks to it
// only through the hint channel and context cancellation.
type cycleRunner struct {
	sup        *Supervisor
	campaignID int64

	hint chan struct{}
	stop chan struct{}
	done chan struct{}

	tick        int64
	lastCycleAt time.Time
	applied     map[int64]float64
	stocks      map[string]float64
}

// nudge requests an out-of-cycle run. Non-blocking; coalesces with any
// hint already pending.
func (r *cycleRunner) nudge() {
	select {
	case r.hint <- struct{}{}:
	default:
	}
}

// run is the runner goroutine. stop asks for a graceful exit after the
// current cycle; ctx cancellation aborts in-flight work immediately.
func (r *cycleRunner) run(ctx context.Context, stop <-chan struct{}, cadence time.Duration) {
	defer close(r.done)

	// Seed the applied allocation from the newest change rows so the step
	// bound damps against what actually ran before a restart, not against
	// a cold uniform start.
	if allocs, err := r.sup.store.LatestAllocations(ctx, r.campaignID); err == nil && len(allocs) > 0 {
		r.applied = allocs
	} else {
		r.applied = map[int64]float64{}
	}
	r.stocks = map[string]float64{}
	r.lastCycleAt = time.Now().UTC().Add(-cadence)

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		case <-r.hint:
		}
		if finished := r.runCycle(ctx, cadence); finished {
			return
		}
	}
}

// runCycle executes one full cycle. Returns true when the runner should
// stop (campaign finished, gone, or errored).
func (r *cycleRunner) runCycle(ctx context.Context, cadence time.Duration) bool {
	select {
	case r.sup.sem <- struct{}{}:
		defer func() { <-r.sup.sem }()
	case <-ctx.Done():
		return true
	}

	lock := r.sup.newLock(fmt.Sprintf("cycle:%d", r.campaignID), cadence)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		logger.Warn("cycle lock error", "campaign_id", r.campaignID, "error", err)
		telemetry.CyclesTotal.WithLabelValues(outcomeSkipped).Inc()
		return false
	}
	if !ok {
		// Another instance holds this campaign for the current window.
		telemetry.CyclesTotal.WithLabelValues(outcomeSkipped).Inc()
		return false
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			logger.Warn("cycle lock release failed", "campaign_id", r.campaignID, "error", err)
		}
	}()

	start := time.Now()
	stop := r.cycle(ctx, start.UTC())
	elapsed := time.Since(start)
	telemetry.CycleDuration.Observe(elapsed.Seconds())
	if elapsed > cadence {
		logger.Warn("cycle overran its cadence",
			"campaign_id", r.campaignID, "elapsed", elapsed.String(), "cadence", cadence.String())
	}
	return stop
}

func (r *cycleRunner) cycle(ctx context.Context, now time.Time) bool {
	cycleID := uuid.NewString()
	camp, posteriors, err := r.sup.store.LoadCampaign(ctx, r.campaignID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("campaign disappeared, stopping cycle task", "campaign_id", r.campaignID)
			return true
		}
		logger.Error("cycle snapshot load failed", "campaign_id", r.campaignID, "error", err)
		telemetry.CyclesTotal.WithLabelValues(outcomeError).Inc()
		return false
	}

	// Fold pending observations in regardless of status; a paused campaign
	// keeps learning, it just stops reallocating.
	if err := r.absorbPending(ctx, camp, posteriors, now); err != nil {
		return r.lockContention(ctx, now, err)
	}

	switch camp.Status {
	case domain.CampaignActive:
	case domain.CampaignPaused:
		telemetry.CyclesTotal.WithLabelValues(outcomePaused).Inc()
		return false
	default:
		return true
	}

	costs, err := r.sup.store.CycleCosts(ctx, r.campaignID, r.lastCycleAt)
	if err != nil {
		logger.Error("cycle cost lookup failed", "campaign_id", r.campaignID, "error", err)
		telemetry.CyclesTotal.WithLabelValues(outcomeError).Inc()
		return false
	}

	dec, err := bandit.Decide(camp, posteriors, bandit.Context{
		Now:            now,
		CycleTick:      r.tick,
		OldAllocations: r.applied,
		ChannelStocks:  r.stocks,
		LastCycleCost:  costs,
	}, r.sup.params, r.sup.agent, r.sup.model)
	if err != nil {
		return r.decideFailed(ctx, camp, now, err)
	}

	// Journal first: if the process dies between here and the bid
	// write-out, the supervisor replays the journal on the next start.
	if err := r.sup.store.JournalIntended(ctx, r.campaignID, dec.Allocations, now); err != nil {
		logger.Error("journaling intended allocation failed", "campaign_id", r.campaignID, "error", err)
		telemetry.CyclesTotal.WithLabelValues(outcomeError).Inc()
		return false
	}

	for i := range dec.Changes {
		if err := r.sup.store.AppendChange(ctx, &dec.Changes[i]); err != nil {
			logger.Error("appending change row failed",
				"campaign_id", r.campaignID, "arm_id", dec.Changes[i].ArmID, "error", err)
			telemetry.CyclesTotal.WithLabelValues(outcomeError).Inc()
			return false
		}
		telemetry.AllocationChanges.WithLabelValues(dec.Changes[i].Reason).Inc()
	}

	applied := r.writeBids(ctx, camp, dec.Allocations)
	if applied {
		if err := r.sup.store.ClearIntended(ctx, r.campaignID); err != nil {
			logger.Warn("clearing intent journal failed", "campaign_id", r.campaignID, "error", err)
		}
	}

	if dec.NewStatus != camp.Status {
		if err := r.sup.store.UpdateCampaignStatus(ctx, r.campaignID, dec.NewStatus); err != nil {
			logger.Error("status transition failed",
				"campaign_id", r.campaignID, "to", dec.NewStatus, "error", err)
		}
	}

	logger.Info("cycle applied",
		"cycle_id", cycleID, "campaign_id", r.campaignID, "tick", r.tick,
		"arms", len(dec.Allocations), "changes", len(dec.Changes), "bids_ok", applied)

	r.applied = dec.Allocations
	r.stocks = dec.NextStocks
	r.tick++
	r.lastCycleAt = now
	r.sup.cycleFinished()
	telemetry.CyclesTotal.WithLabelValues(outcomeOK).Inc()

	if dec.NewStatus == domain.CampaignCompleted {
		logger.Info("campaign budget exhausted, stopping cycle task", "campaign_id", r.campaignID)
		return true
	}
	return false
}

// absorbPending drains this campaign's queued observations into the
// posterior store and into the agent's side model. Lock timeouts get one
// retry; a retry that times out again is returned so the cycle can
// escalate. Any other write failure is logged and the row is lost to the
// posterior (the metric itself is already durable).
func (r *cycleRunner) absorbPending(ctx context.Context, camp *domain.Campaign, posteriors map[int64]*domain.ArmPosterior, now time.Time) error {
	pending := r.sup.queue.DrainFor(r.campaignID, r.sup.drainBatch)
	if len(pending) == 0 {
		return nil
	}

	arms := make(map[int64]*domain.Arm, len(camp.Arms))
	for i := range camp.Arms {
		arms[camp.Arms[i].ID] = &camp.Arms[i]
	}
	agentCtx := &bandit.Context{
		Now:            now,
		CycleTick:      r.tick,
		OldAllocations: r.applied,
		ChannelStocks:  r.stocks,
	}

	for i := range pending {
		m := &pending[i].Metric
		obs := bandit.ObservationFromMetric(m, r.sup.params.MaxTrialsPerCycle)

		post, err := r.sup.store.UpdatePosterior(ctx, m.ArmID, obs)
		if errors.Is(err, postgres.ErrLockTimeout) {
			post, err = r.sup.store.UpdatePosterior(ctx, m.ArmID, obs)
		}
		if err != nil {
			if errors.Is(err, postgres.ErrLockTimeout) {
				return fmt.Errorf("posterior lock contention on arm %d: %w", m.ArmID, err)
			}
			logger.Error("posterior update failed",
				"campaign_id", r.campaignID, "arm_id", m.ArmID, "error", err)
			continue
		}
		posteriors[m.ArmID] = post

		// The store already folded this observation into the durable
		// posterior; the agent gets a scratch copy so the observation is
		// not applied twice, and only its in-memory side model moves.
		if arm := arms[m.ArmID]; arm != nil {
			scratch := *post
			r.sup.agent.Update(arm, &scratch, agentCtx, obs)
		}
	}
	return nil
}

// lockContention parks the campaign after a posterior lock timed out twice
// in one cycle.
func (r *cycleRunner) lockContention(ctx context.Context, now time.Time, cause error) bool {
	logger.Error("repeated lock contention, campaign halted",
		"campaign_id", r.campaignID, "error", cause)
	telemetry.CyclesTotal.WithLabelValues(outcomeError).Inc()

	note := &domain.AllocationChange{
		CampaignID:  r.campaignID,
		TS:          now,
		Reason:      fmt.Sprintf("%s: %v", domain.ReasonConcurrency, cause),
		Factors:     map[string]float64{},
		MMMFactors:  map[string]float64{},
		InitiatedBy: domain.InitiatedAuto,
	}
	if err := r.sup.store.AppendChange(ctx, note); err != nil {
		logger.Error("recording contention halt failed", "campaign_id", r.campaignID, "error", err)
	}
	telemetry.AllocationChanges.WithLabelValues(domain.ReasonConcurrency).Inc()
	if err := r.sup.store.UpdateCampaignStatus(ctx, r.campaignID, domain.CampaignErrored); err != nil {
		logger.Error("marking campaign errored failed", "campaign_id", r.campaignID, "error", err)
	}
	return true
}

// decideFailed maps a decision error onto the campaign lifecycle. A budget
// invariant breach parks the campaign in errored and leaves a change row
// explaining the halt; anything else is retried next tick.
func (r *cycleRunner) decideFailed(ctx context.Context, camp *domain.Campaign, now time.Time, cause error) bool {
	telemetry.CyclesTotal.WithLabelValues(outcomeError).Inc()

	if errors.Is(cause, domain.ErrBudgetExceeded) {
		logger.Error("budget invariant breached, campaign halted",
			"campaign_id", r.campaignID, "error", cause)
		breach := &domain.AllocationChange{
			CampaignID:  r.campaignID,
			TS:          now,
			Reason:      fmt.Sprintf("%s: %v", domain.ReasonInvariantBreach, cause),
			Factors:     map[string]float64{},
			MMMFactors:  map[string]float64{},
			InitiatedBy: domain.InitiatedAuto,
		}
		if err := r.sup.store.AppendChange(ctx, breach); err != nil {
			logger.Error("recording invariant breach failed", "campaign_id", r.campaignID, "error", err)
		}
		telemetry.AllocationChanges.WithLabelValues(domain.ReasonInvariantBreach).Inc()
		if err := r.sup.store.UpdateCampaignStatus(ctx, r.campaignID, domain.CampaignErrored); err != nil {
			logger.Error("marking campaign errored failed", "campaign_id", r.campaignID, "error", err)
		}
		return true
	}

	if errors.Is(cause, bandit.ErrNoArms) {
		logger.Warn("no enabled arms, skipping cycle", "campaign_id", r.campaignID)
		return false
	}

	logger.Error("decision failed", "campaign_id", r.campaignID, "error", cause)
	return false
}

// writeBids pushes the new allocation to the ad platforms as bid
// modifiers. Returns true only when every write confirmed, which is what
// allows the intent journal to clear.
func (r *cycleRunner) writeBids(ctx context.Context, camp *domain.Campaign, allocs map[int64]float64) bool {
	enabled := 0
	for i := range camp.Arms {
		if !camp.Arms[i].Disabled {
			enabled++
		}
	}
	allOK := true
	for i := range camp.Arms {
		arm := &camp.Arms[i]
		if arm.Disabled {
			continue
		}
		adapter := r.sup.bids.Get(arm.Platform)
		if adapter == nil {
			continue
		}
		newBid := bidFor(arm.Bid, allocs[arm.ID], enabled)
		binding := platform.ArmBinding{ArmID: arm.ID, ArmKey: arm.ArmKey(), Bid: arm.Bid}

		bidCtx, cancel := context.WithTimeout(ctx, r.sup.bidTimeout)
		err := adapter.SetBid(bidCtx, binding, newBid)
		cancel()
		if err != nil {
			telemetry.BidUpdates.WithLabelValues(string(arm.Platform), "error").Inc()
			logger.Error("bid write-out failed",
				"campaign_id", camp.ID, "arm_id", arm.ID, "platform", arm.Platform, "error", err)
			allOK = false
			continue
		}
		telemetry.BidUpdates.WithLabelValues(string(arm.Platform), "ok").Inc()
	}
	return allOK
}

// bidFor scales the arm's base bid by its allocation relative to a
// uniform split, clamped to [0.5x, 2x].
func bidFor(baseBid, alloc float64, enabledArms int) float64 {
	if enabledArms <= 0 {
		return baseBid
	}
	modifier := alloc * float64(enabledArms)
	modifier = math.Max(bidModifierFloor, math.Min(bidModifierCeil, modifier))
	return baseBid * modifier
}
