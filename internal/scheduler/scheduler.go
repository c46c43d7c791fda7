// Package scheduler decides, once per tick, which backlog features may start,
// how many run simultaneously, and against which worktree context. One
// goroutine owns the run records, the tick, and the event stream; everything
// the tick reads is re-derived from the latest snapshot, never cached.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ldi/foreman/internal/graph"
	"github.com/ldi/foreman/pkg/models"
)

// FeatureStore is the persistence surface the scheduler consumes.
type FeatureStore interface {
	Snapshot(ctx context.Context) ([]*models.Feature, error)
	SetFeatureStatus(ctx context.Context, id string, status models.FeatureStatus) error
	AssignFeatureBranch(ctx context.Context, id, branch string) error
	ResetInProgressFeatures(ctx context.Context) error
	DisableOnChange()
	EnableOnChange()
}

// ContextProvider supplies worktree contexts. The scheduler only reads;
// selection is external mutable state.
type ContextProvider interface {
	Selected(ctx context.Context) (*models.WorktreeContext, error)
	PrimaryBranch(ctx context.Context) (string, error)
}

// AgentRunner is the agent-execution collaborator. StartFeature blocks only
// until the request is accepted, never until the run finishes.
type AgentRunner interface {
	StartFeature(ctx context.Context, f *models.Feature, workDir string) (bool, error)
	Events() <-chan Event
}

// Config holds the runtime-adjustable knobs, read fresh each tick.
type Config struct {
	maxConcurrency atomic.Int64
	blocking       atomic.Bool
}

func NewConfig(maxConcurrency int, blockingEnabled bool) *Config {
	if maxConcurrency <= 0 {
		maxConcurrency = 3
	}
	c := &Config{}
	c.maxConcurrency.Store(int64(maxConcurrency))
	c.blocking.Store(blockingEnabled)
	return c
}

func (c *Config) MaxConcurrency() int { return int(c.maxConcurrency.Load()) }

func (c *Config) SetMaxConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	c.maxConcurrency.Store(int64(n))
}

func (c *Config) BlockingEnabled() bool     { return c.blocking.Load() }
func (c *Config) SetBlockingEnabled(b bool) { c.blocking.Store(b) }

// Scheduler drives the concurrency admission loop for one project.
type Scheduler struct {
	store    FeatureStore
	contexts ContextProvider
	runner   AgentRunner
	cfg      *Config
	tracker  *tracker

	tickInterval time.Duration
	active       atomic.Bool
	stopOnce     sync.Once
	stopCh       chan struct{}
	msgChan      chan tea.Msg

	// failures records errored runs so the tick can hold a feature back
	// until its backoff elapses. Only the loop goroutine touches it.
	failures       map[string]failedRun
	failureBackoff time.Duration

	// ExitWhenIdle makes Run return once nothing is running and nothing is
	// eligible, instead of idling until cancellation.
	ExitWhenIdle bool

	statsMu sync.RWMutex
	started int
	settled int
	failed  int

	isIdle bool
	idleMu sync.Mutex
}

func New(store FeatureStore, contexts ContextProvider, runner AgentRunner, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = NewConfig(3, true)
	}
	return &Scheduler{
		store:          store,
		contexts:       contexts,
		runner:         runner,
		cfg:            cfg,
		tracker:        newTracker(),
		tickInterval:   time.Second,
		stopCh:         make(chan struct{}),
		msgChan:        make(chan tea.Msg, 100),
		failures:       make(map[string]failedRun),
		failureBackoff: 30 * time.Second,
	}
}

type failedRun struct {
	count int
	at    time.Time
}

func (s *Scheduler) Config() *Config { return s.cfg }

// Messages exposes the scheduler's event feed for the TUI.
func (s *Scheduler) Messages() <-chan tea.Msg { return s.msgChan }

// RunRecords returns a copy of the current run records.
func (s *Scheduler) RunRecords() []RunRecord { return s.tracker.Records() }

// Stats returns counts of starts issued, runs settled, and start failures.
func (s *Scheduler) Stats() (started, settled, failed int) {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.started, s.settled, s.failed
}

// Run drives the admission loop until the context is canceled or, with
// ExitWhenIdle, until the board drains. The loop goroutine is the single
// writer for run records: ticks and event handling are serialized here, so
// a tick can never observe a half-applied event.
func (s *Scheduler) Run(ctx context.Context) error {
	// Features orphaned in_progress by a previous process are returned to
	// backlog; their start events, if any arrive, are stale and dropped.
	if err := s.store.ResetInProgressFeatures(ctx); err != nil {
		s.sendMsg(StatusMsg{Message: fmt.Sprintf("Error resetting in_progress features: %v", err)})
	}

	defer close(s.msgChan)

	s.active.Store(true)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	events := s.runner.Events()

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		case <-s.stopCh:
			s.teardown()
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(ev)
		case <-ticker.C:
			eligibleLeft := s.tick(ctx)

			idle := s.tracker.Active() == 0 && eligibleLeft == 0
			s.setIdle(idle)

			if idle && s.ExitWhenIdle {
				s.teardown()
				return nil
			}
		}
	}
}

// Stop disables admission immediately and makes Run return. Safe to call
// from any goroutine, any number of times, even before Run starts. In-flight
// ticks observe the cleared active flag before their next start request.
func (s *Scheduler) Stop() {
	s.active.Store(false)
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// tick runs one admission pass and returns how many eligible features remain
// unadmitted (for idle detection).
func (s *Scheduler) tick(ctx context.Context) int {
	if !s.active.Load() {
		return 0
	}

	slots := s.cfg.MaxConcurrency() - s.tracker.Active()
	if slots <= 0 {
		return 0
	}

	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		s.sendMsg(StatusMsg{Message: fmt.Sprintf("Error reading feature snapshot: %v", err)})
		return 0
	}

	selected, err := s.contexts.Selected(ctx)
	if err != nil {
		s.sendMsg(StatusMsg{Message: fmt.Sprintf("Error reading selected context: %v", err)})
		return 0
	}

	primaryBranch, err := s.contexts.PrimaryBranch(ctx)
	if err != nil {
		s.sendMsg(StatusMsg{Message: fmt.Sprintf("Error reading primary branch: %v", err)})
		return 0
	}

	report := graph.Resolve(snapshot)
	eligible := Eligible(snapshot, selected, primaryBranch, report.Blocked, s.cfg.BlockingEnabled())

	admitted := 0
	for _, f := range eligible {
		if admitted >= slots {
			break
		}
		// Disposal races with an in-flight tick; re-check before every
		// individual start request.
		if !s.active.Load() {
			return 0
		}
		if s.tracker.Has(f.ID) {
			continue
		}
		if s.inBackoff(f.ID) {
			continue
		}

		if err := s.admit(ctx, f, selected); err != nil {
			s.sendMsg(StatusMsg{Message: fmt.Sprintf("Failed to start %s: %v", f.Name, err)})
			s.statsMu.Lock()
			s.failed++
			s.statsMu.Unlock()
			continue
		}
		admitted++
	}

	return len(eligible) - admitted
}

// admit issues one start request and creates its pending record. A feature
// with no branch assignment picks up the primary context's branch first; the
// assignment persists so the feature stays bound to that branch from now on.
func (s *Scheduler) admit(ctx context.Context, f *models.Feature, selected *models.WorktreeContext) error {
	branch := f.BranchName
	workDir := ""
	if selected != nil {
		workDir = selected.Path
	}

	if branch == "" && selected != nil && selected.IsPrimary {
		if err := s.store.AssignFeatureBranch(ctx, f.ID, selected.Branch); err != nil {
			return fmt.Errorf("assign branch: %w", err)
		}
		branch = selected.Branch
		f.BranchName = branch
	}

	accepted, err := s.runner.StartFeature(ctx, f, workDir)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("start request not accepted")
	}

	// The record must exist before the next tick can re-read state.
	if !s.tracker.AddPending(f.ID) {
		return fmt.Errorf("run record already exists")
	}

	if err := s.store.SetFeatureStatus(ctx, f.ID, models.FeatureStatusInProgress); err != nil {
		s.sendMsg(StatusMsg{Message: fmt.Sprintf("Failed to mark %s in_progress: %v", f.Name, err)})
	}

	s.statsMu.Lock()
	s.started++
	s.statsMu.Unlock()

	s.sendMsg(FeatureAdmittedMsg{FeatureID: f.ID, Name: f.Name, Branch: branch})
	return nil
}

func (s *Scheduler) handleEvent(ev Event) {
	switch ev.Type {
	case EventStart:
		// A confirmation with no pending record is stale (teardown or
		// restart happened in between); it never resurrects a record.
		if s.tracker.Confirm(ev.FeatureID) {
			s.sendMsg(FeatureRunningMsg{FeatureID: ev.FeatureID})
		}
	case EventComplete:
		if s.tracker.Settle(ev.FeatureID) {
			delete(s.failures, ev.FeatureID)
			s.statsMu.Lock()
			s.settled++
			s.statsMu.Unlock()
			s.sendMsg(FeatureSettledMsg{FeatureID: ev.FeatureID, Success: true, Detail: ev.Detail})
		}
	case EventError:
		if s.tracker.Settle(ev.FeatureID) {
			fr := s.failures[ev.FeatureID]
			fr.count++
			fr.at = time.Now()
			s.failures[ev.FeatureID] = fr
			s.sendMsg(StatusMsg{Message: fmt.Sprintf("Run for %s failed (attempt %d), retrying after %s", ev.FeatureID, fr.count, s.failureBackoff)})

			s.statsMu.Lock()
			s.settled++
			s.statsMu.Unlock()
			s.sendMsg(FeatureSettledMsg{FeatureID: ev.FeatureID, Success: false, Detail: ev.Detail})

			// Return the failed feature to backlog so a later tick can
			// retry it once the backoff elapses. Fresh context: the loop's
			// may already be canceled.
			resetCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.store.SetFeatureStatus(resetCtx, ev.FeatureID, models.FeatureStatusBacklog); err != nil {
				s.sendMsg(StatusMsg{Message: fmt.Sprintf("Failed to reset feature %s: %v", ev.FeatureID, err)})
			}
			cancel()
		}
	}
}

// teardown clears pending records (their confirmations are no longer
// trusted) and returns those features to backlog. Running records are left
// alone: live agent sessions are not killed by disabling auto mode.
func (s *Scheduler) teardown() {
	s.active.Store(false)

	cleared := s.tracker.ClearPending()
	if len(cleared) == 0 {
		return
	}

	s.store.DisableOnChange()
	defer s.store.EnableOnChange()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range cleared {
		_ = s.store.SetFeatureStatus(cleanupCtx, id, models.FeatureStatusBacklog)
	}
}

// inBackoff reports whether a feature errored too recently to retry.
func (s *Scheduler) inBackoff(id string) bool {
	fr, ok := s.failures[id]
	return ok && time.Since(fr.at) < s.failureBackoff
}

func (s *Scheduler) setIdle(idle bool) {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()

	if s.isIdle != idle {
		s.isIdle = idle
		s.sendMsg(IdleStateMsg{Idle: idle})
	}
}

func (s *Scheduler) sendMsg(msg tea.Msg) {
	select {
	case s.msgChan <- msg:
	case <-time.After(100 * time.Millisecond):
	}
}
