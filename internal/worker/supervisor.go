package worker

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/budget-optimizer/internal/bandit"
	"github.com/ignite/budget-optimizer/internal/config"
	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/mmm"
	"github.com/ignite/budget-optimizer/internal/pkg/distlock"
	"github.com/ignite/budget-optimizer/internal/pkg/logger"
	"github.com/ignite/budget-optimizer/internal/platform"
	"github.com/ignite/budget-optimizer/internal/telemetry"
)

// rescanInterval is how often the supervisor reconciles its task set with
// the campaign table, picking up newly activated campaigns and retiring
// finished ones.
const rescanInterval = 30 * time.Second

// Supervisor owns one cycle task per active campaign. It replays the
// intent journal on startup, keeps the task set in sync with campaign
// status, fans webhook hints out to the right task, and drains in-flight
// cycles on shutdown.
type Supervisor struct {
	store   Store
	queue   DrainQueue
	bids    BidDirectory
	agent   bandit.Agent
	model   *mmm.Model
	params  bandit.Params
	newLock LockFactory

	sem          chan struct{}
	drainBatch   int
	bidTimeout   time.Duration
	drainTimeout time.Duration
	cycleDefault time.Duration

	mu      sync.Mutex
	runners map[int64]*cycleRunner
	wg      sync.WaitGroup

	startedAt time.Time
	running   atomic.Bool
	cycles    atomic.Int64
}

// New builds a supervisor from the optimizer configuration. redisClient
// and db feed the per-campaign cycle locks; redis may be nil.
func New(store Store, queue DrainQueue, bids BidDirectory, model *mmm.Model, cfg config.OptimizerConfig, redisClient *redis.Client, db *sql.DB) *Supervisor {
	maxCycles := cfg.MaxConcurrentCycles
	if maxCycles <= 0 {
		maxCycles = runtime.NumCPU() * 4
	}
	return &Supervisor{
		store:  store,
		queue:  queue,
		bids:   bids,
		agent:  NewAgent(cfg),
		model:  model,
		params: ParamsFrom(cfg),
		newLock: func(key string, ttl time.Duration) Lock {
			return distlock.NewLock(redisClient, db, key, ttl)
		},
		sem:          make(chan struct{}, maxCycles),
		drainBatch:   500,
		bidTimeout:   cfg.BidUpdateTimeout(),
		drainTimeout: cfg.DrainTimeout(),
		cycleDefault: cfg.CycleDefault(),
		runners:      make(map[int64]*cycleRunner),
	}
}

// NewAgent selects the configured bandit agent.
func NewAgent(cfg config.OptimizerConfig) bandit.Agent {
	if cfg.Agent == "linucb" {
		return bandit.NewLinUCB(cfg.UCBAlpha)
	}
	return bandit.NewThompson()
}

// ParamsFrom maps the optimizer configuration onto the decision params.
func ParamsFrom(cfg config.OptimizerConfig) bandit.Params {
	return bandit.Params{
		MinTrialsForRiskGate: int64(cfg.MinTrialsForRiskGate),
		MaxTrialsPerCycle:    int64(cfg.MaxTrialsPerCycle),
		MaxStep:              cfg.MaxStep,
		MinAllocFloor:        cfg.MinAllocFloor,
		ReportThreshold:      cfg.ReportThreshold,
	}
}

// SetDrainBatch overrides how many pending observations one cycle absorbs.
func (s *Supervisor) SetDrainBatch(n int) {
	if n > 0 {
		s.drainBatch = n
	}
}

// SetLockFactory substitutes the cycle lock implementation. Tests use it
// to avoid Redis and Postgres.
func (s *Supervisor) SetLockFactory(f LockFactory) { s.newLock = f }

// Run blocks until ctx is canceled, then drains. In-flight cycles get
// drainTimeout to finish before their work contexts are cut.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedAt = time.Now().UTC()
	s.running.Store(true)
	defer s.running.Store(false)

	workCtx, abort := context.WithCancel(context.Background())
	defer abort()

	if err := s.reconcile(workCtx); err != nil {
		logger.Error("startup reconcile failed", "error", err)
	}
	s.rescan(workCtx)

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.rescan(workCtx)
		case <-ctx.Done():
			return s.drain(abort)
		}
	}
}

// Hint nudges the campaign's cycle task to run early. A hint for a
// campaign without a task is dropped.
func (s *Supervisor) Hint(campaignID int64) {
	s.mu.Lock()
	r := s.runners[campaignID]
	s.mu.Unlock()
	if r != nil {
		r.nudge()
	}
}

// Stats is the supervisor's live state for the status surface.
type Stats struct {
	Running         bool      `json:"running"`
	StartedAt       time.Time `json:"started_at"`
	CyclesCompleted int64     `json:"cycles_completed"`
	CycleTasks      int       `json:"cycle_tasks"`
}

// Snapshot returns the current supervisor stats.
func (s *Supervisor) Snapshot() Stats {
	s.mu.Lock()
	tasks := len(s.runners)
	s.mu.Unlock()
	return Stats{
		Running:         s.running.Load(),
		StartedAt:       s.startedAt,
		CyclesCompleted: s.cycles.Load(),
		CycleTasks:      tasks,
	}
}

func (s *Supervisor) cycleFinished() { s.cycles.Add(1) }

// rescan aligns the task set with campaign status: a task per active or
// paused campaign, none for anything terminal.
func (s *Supervisor) rescan(ctx context.Context) {
	campaigns, err := s.store.ListCampaignsByStatus(ctx, domain.CampaignActive, domain.CampaignPaused)
	if err != nil {
		logger.Error("campaign rescan failed", "error", err)
		return
	}

	want := make(map[int64]time.Duration, len(campaigns))
	for i := range campaigns {
		cadence := campaigns[i].Cadence()
		if campaigns[i].CadenceMs <= 0 && s.cycleDefault > 0 {
			cadence = s.cycleDefault
		}
		want[campaigns[i].ID] = cadence
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cadence := range want {
		if _, ok := s.runners[id]; ok {
			continue
		}
		s.startRunnerLocked(ctx, id, cadence)
	}
	for id, r := range s.runners {
		select {
		case <-r.done:
			delete(s.runners, id)
			continue
		default:
		}
		if _, ok := want[id]; !ok {
			close(r.stop)
			delete(s.runners, id)
		}
	}
	telemetry.ActiveCampaigns.Set(float64(len(s.runners)))
}

func (s *Supervisor) startRunnerLocked(ctx context.Context, campaignID int64, cadence time.Duration) {
	r := &cycleRunner{
		sup:        s,
		campaignID: campaignID,
		hint:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.runners[campaignID] = r
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.run(ctx, r.stop, cadence)
	}()
	logger.Info("cycle task started", "campaign_id", campaignID, "cadence", cadence.String())
}

// drain asks every task to stop after its current cycle, waits up to the
// drain timeout, then aborts whatever is left.
func (s *Supervisor) drain(abort context.CancelFunc) error {
	s.mu.Lock()
	for _, r := range s.runners {
		select {
		case <-r.done:
		default:
			close(r.stop)
		}
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		logger.Info("all cycle tasks drained")
		return nil
	case <-time.After(s.drainTimeout):
		abort()
		<-finished
		logger.Warn("drain timeout hit, in-flight cycles aborted",
			"timeout", s.drainTimeout.String())
		return fmt.Errorf("drain timed out after %s", s.drainTimeout)
	}
}

// reconcile replays the intent journal left by an interrupted write-out.
// Bid application is idempotent by (arm, bid), so replaying a journal that
// did partially apply is harmless.
func (s *Supervisor) reconcile(ctx context.Context) error {
	campaigns, err := s.store.ListCampaignsByStatus(ctx, domain.CampaignActive, domain.CampaignPaused)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}

	for i := range campaigns {
		campaignID := campaigns[i].ID
		intended, err := s.store.LoadIntended(ctx, campaignID)
		if err != nil {
			logger.Error("loading intent journal failed", "campaign_id", campaignID, "error", err)
			continue
		}
		if len(intended) == 0 {
			continue
		}
		logger.Info("replaying interrupted allocation write-out",
			"campaign_id", campaignID, "arms", len(intended))

		camp, _, err := s.store.LoadCampaign(ctx, campaignID)
		if err != nil {
			logger.Error("loading campaign for replay failed", "campaign_id", campaignID, "error", err)
			continue
		}
		allocs := make(map[int64]float64, len(intended))
		for _, row := range intended {
			allocs[row.ArmID] = row.Alloc
		}

		runner := &cycleRunner{sup: s, campaignID: campaignID}
		if !runner.writeBids(ctx, camp, allocs) {
			// Leave the journal for the next attempt.
			continue
		}

		note := &domain.AllocationChange{
			CampaignID:  campaignID,
			TS:          time.Now().UTC(),
			Reason:      fmt.Sprintf("%s: replayed %d journaled arms", domain.ReasonDrainReconcile, len(intended)),
			Factors:     map[string]float64{},
			MMMFactors:  map[string]float64{},
			InitiatedBy: domain.InitiatedAuto,
		}
		if err := s.store.AppendChange(ctx, note); err != nil {
			logger.Error("recording reconcile failed", "campaign_id", campaignID, "error", err)
		}
		telemetry.AllocationChanges.WithLabelValues(domain.ReasonDrainReconcile).Inc()

		if err := s.store.ClearIntended(ctx, campaignID); err != nil {
			logger.Error("clearing replayed journal failed", "campaign_id", campaignID, "error", err)
		}
	}
	return nil
}

// ensure the registry satisfies the directory interface.
var _ BidDirectory = (*platform.Registry)(nil)
