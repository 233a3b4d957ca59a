// ============================================================================
// embedbot controller - cycle scheduler and orchestrator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Run sync cycles on a timer and on demand, one at a time
//
// Architecture:
//   A single runner goroutine owns EngineState. Everything that mutates it
//   (sync engine, anchor assignment, persistence) runs on that goroutine.
//
//     ticker ─────────┐
//     TriggerCycle ───┼──> runLoop ──> runCycle
//     RunOnStart ─────┘
//
// Cycle phases:
//   Idle → Fetching → Normalizing → Syncing → Persisting → Idle
//
//   1. Fetching     one worker-pool task per region, declaration order
//   2. Normalizing  filter, synthetic normal/error records
//   3. Syncing      render + create-or-edit per region
//   4. Persisting   Store.Save, skipped when the cycle was cancelled
//
// Manual triggers:
//   Requests that arrive while a cycle runs wait on reqCh. When the cycle
//   ends the runner drains every waiting request and answers all of them with
//   one follow-up cycle. A caller always gets a definitive summary or its own
//   context error.
//
// Failure isolation:
//   A failed region never aborts the others. A panic inside a cycle is
//   recovered into the summary and the timer keeps running.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tontonpaa/EmbedBot/internal/filter"
	"github.com/tontonpaa/EmbedBot/internal/logging"
	"github.com/tontonpaa/EmbedBot/internal/metrics"
	"github.com/tontonpaa/EmbedBot/internal/output"
	"github.com/tontonpaa/EmbedBot/internal/render"
	"github.com/tontonpaa/EmbedBot/internal/source"
	"github.com/tontonpaa/EmbedBot/internal/state"
	"github.com/tontonpaa/EmbedBot/internal/storage/journal"
	"github.com/tontonpaa/EmbedBot/internal/syncer"
	"github.com/tontonpaa/EmbedBot/internal/worker"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

var log = logging.New()

var (
	// ErrNotStarted means Start has not been called
	ErrNotStarted = errors.New("controller not started")
	// ErrStopped means the controller is shutting down
	ErrStopped = errors.New("controller stopped")
)

// ============================================================================
// Types
// ============================================================================

// Phase is the runner's current step
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseNormalizing
	PhaseSyncing
	PhasePersisting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseNormalizing:
		return "normalizing"
	case PhaseSyncing:
		return "syncing"
	case PhasePersisting:
		return "persisting"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Config holds scheduling parameters
type Config struct {
	Interval    time.Duration // zero disables the timer
	RunOnStart  bool
	Anchor      string        // preset anchor used until a manual trigger sets one
	Workers     int           // fetch concurrency, 1..4
	TaskTimeout time.Duration // bound on one region fetch
	JournalKeep int           // compact the journal every JournalKeep cycles
}

// Deps are the collaborators of the controller
type Deps struct {
	Bindings  []source.Binding
	Filter    *filter.Filter
	Renderer  *render.Renderer
	Publisher output.Publisher
	Store     state.Store
	Journal   *journal.Journal   // optional
	Metrics   *metrics.Collector // optional
	Sync      syncer.Options
	Now       func() time.Time
}

type request struct {
	anchor string
	reply  chan types.CycleSummary
}

// Controller schedules and runs sync cycles
type Controller struct {
	config Config
	deps   Deps
	pool   *worker.Pool
	engine *syncer.Engine
	names  map[string]string // region key -> display name

	// owned by the runner goroutine after Start
	st      *state.EngineState
	loadErr error

	reqCh  chan request
	phase  atomic.Int32
	mu     sync.RWMutex
	last   *types.CycleSummary
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	loopWg sync.WaitGroup

	lifeMu  sync.Mutex
	started bool
	stopped bool
}

// ============================================================================
// Lifecycle
// ============================================================================

// NewController validates deps and builds a controller.
func NewController(config Config, deps Deps) (*Controller, error) {
	if deps.Filter == nil || deps.Renderer == nil || deps.Publisher == nil || deps.Store == nil {
		return nil, errors.New("controller: filter, renderer, publisher and store are required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.Workers > 4 {
		config.Workers = 4
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 2 * time.Minute
	}

	c := &Controller{
		config: config,
		deps:   deps,
		pool:   worker.NewPool(len(deps.Bindings) + 1),
		names:  make(map[string]string, len(deps.Bindings)),
		reqCh:  make(chan request),
		stopCh: make(chan struct{}),
	}
	for _, b := range deps.Bindings {
		c.names[b.Region.Key] = b.Region.Name
	}

	opts := deps.Sync
	opts.Metrics = deps.Metrics
	if opts.RetiredPage == nil {
		opts.RetiredPage = func(regionKey string, index int) render.Page {
			return deps.Renderer.RetiredPage(regionKey, c.names[regionKey], index, deps.Now())
		}
	}
	c.engine = syncer.New(deps.Publisher, opts)
	return c, nil
}

// Start loads persisted state and the last summary, then starts the runner.
func (c *Controller) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.started {
		return errors.New("controller already started")
	}
	if c.stopped {
		return ErrStopped
	}

	st, err := c.deps.Store.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, state.ErrStateCorrupt):
		// start empty; the first summary reports it
		log.Error("persisted state unreadable, starting empty", "error", err)
		c.loadErr = err
	default:
		return fmt.Errorf("load state: %w", err)
	}
	if st == nil {
		st = state.New()
	}
	c.st = st

	if c.deps.Journal != nil {
		if last, err := c.deps.Journal.Last(); err == nil {
			c.last = &last
		} else if !errors.Is(err, journal.ErrEmpty) {
			log.Warn("journal unreadable", "error", err)
		}
	}

	if err := c.pool.Start(c.config.Workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.started = true

	c.loopWg.Add(1)
	go c.runLoop()

	log.Info("controller started",
		"regions", len(c.deps.Bindings),
		"workers", c.config.Workers,
		"interval", c.config.Interval,
		"slots", len(st.Slots),
		"anchor", st.Anchor)
	return nil
}

// Stop cancels the running cycle, waits for the runner and releases
// the pool, journal and store. Safe to call more than once.
func (c *Controller) Stop() {
	c.lifeMu.Lock()
	if c.stopped {
		c.lifeMu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.lifeMu.Unlock()

	if started {
		c.cancel()
	}
	close(c.stopCh)
	c.loopWg.Wait()
	c.pool.Stop()

	if c.deps.Journal != nil {
		if err := c.deps.Journal.Close(); err != nil {
			log.Warn("close journal", "error", err)
		}
	}
	if err := c.deps.Store.Close(); err != nil {
		log.Warn("close state store", "error", err)
	}
	log.Info("controller stopped")
}

// ============================================================================
// Command surface
// ============================================================================

// TriggerCycle requests a manual cycle and waits for its summary. anchor is
// used only when no anchor is set yet.
func (c *Controller) TriggerCycle(ctx context.Context, anchor string) (types.CycleSummary, error) {
	c.lifeMu.Lock()
	started, stopped := c.started, c.stopped
	c.lifeMu.Unlock()
	if stopped {
		return types.CycleSummary{}, ErrStopped
	}
	if !started {
		return types.CycleSummary{}, ErrNotStarted
	}

	req := request{anchor: anchor, reply: make(chan types.CycleSummary, 1)}
	select {
	case c.reqCh <- req:
	case <-ctx.Done():
		return types.CycleSummary{}, ctx.Err()
	case <-c.stopCh:
		return types.CycleSummary{}, ErrStopped
	}

	select {
	case s := <-req.reply:
		return s, nil
	case <-ctx.Done():
		return types.CycleSummary{}, ctx.Err()
	case <-c.stopCh:
		return types.CycleSummary{}, ErrStopped
	}
}

// LastSummary returns the most recent cycle summary, if any.
func (c *Controller) LastSummary() (types.CycleSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return types.CycleSummary{}, false
	}
	return *c.last, true
}

// Phase reports what the runner is doing.
func (c *Controller) Phase() Phase { return Phase(c.phase.Load()) }

// GetStatus returns a snapshot for status endpoints.
func (c *Controller) GetStatus() map[string]interface{} {
	status := map[string]interface{}{
		"phase":   c.Phase().String(),
		"regions": len(c.deps.Bindings),
		"workers": c.config.Workers,
	}
	if s, ok := c.LastSummary(); ok {
		status["last_cycle_id"] = s.CycleID
		status["last_outcome"] = string(s.Outcome)
		status["last_finished_at"] = s.FinishedAt
	}
	return status
}

// ============================================================================
// Runner
// ============================================================================

func (c *Controller) runLoop() {
	defer c.loopWg.Done()

	var tick <-chan time.Time
	if c.config.Interval > 0 {
		ticker := time.NewTicker(c.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if c.config.RunOnStart {
		c.scheduled(types.TriggerStartup)
	}

	for {
		select {
		case <-c.stopCh:
			return
		case <-tick:
			c.scheduled(types.TriggerTimer)
		case req := <-c.reqCh:
			c.serve([]request{req})
		}
	}
}

// scheduled runs a timer or startup cycle. Without an anchor there is
// nowhere to publish, so the cycle is skipped.
func (c *Controller) scheduled(trigger types.Trigger) {
	if c.st.Anchor == "" && c.config.Anchor == "" {
		log.Info("no anchor yet, skipping cycle", "trigger", trigger)
		return
	}
	c.finish(c.runCycle(trigger, c.config.Anchor))
	// requests queued behind the scheduled cycle share one follow-up
	if pending := c.drain(nil); len(pending) > 0 {
		c.serve(pending)
	}
}

// serve answers a batch of manual requests with one cycle, then repeats for
// whatever queued up meanwhile.
func (c *Controller) serve(batch []request) {
	for len(batch) > 0 {
		anchor := ""
		for _, r := range batch {
			if r.anchor != "" {
				anchor = r.anchor
				break
			}
		}
		summary := c.runCycle(types.TriggerManual, anchor)
		c.finish(summary)
		for _, r := range batch {
			r.reply <- summary
		}
		if len(batch) > 1 {
			log.Info("coalesced manual triggers", "requests", len(batch), "cycle", summary.CycleID)
		}

		if c.ctx.Err() != nil {
			return
		}
		batch = c.drain(nil)
	}
}

func (c *Controller) drain(batch []request) []request {
	for {
		select {
		case r := <-c.reqCh:
			batch = append(batch, r)
		default:
			return batch
		}
	}
}

// finish publishes the summary to readers, the journal and metrics.
func (c *Controller) finish(s types.CycleSummary) {
	c.mu.Lock()
	c.last = &s
	c.mu.Unlock()

	if j := c.deps.Journal; j != nil {
		seq, err := j.Append(s)
		if err != nil {
			log.Error("journal append failed", "cycle", s.CycleID, "error", err)
		} else if keep := c.config.JournalKeep; keep > 0 && seq%uint64(keep) == 0 {
			if err := j.Compact(keep); err != nil {
				log.Warn("journal compaction failed", "error", err)
			}
		}
	}

	c.deps.Metrics.RecordCycle(string(s.Outcome), s.FinishedAt.Sub(s.StartedAt), s.Outcome == types.OutcomeAllSynced)

	log.Info("cycle finished",
		"cycle", s.CycleID,
		"trigger", s.Trigger,
		"outcome", s.Outcome,
		"failed", s.FailedRegions(),
		"duration", s.FinishedAt.Sub(s.StartedAt))
}

func (c *Controller) setPhase(p Phase) { c.phase.Store(int32(p)) }
