package insight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// SchedulerState is the externally visible state of a Scheduler.
type SchedulerState int

const (
	StateIdle SchedulerState = iota
	StateScheduled
	StateRunning
)

func (s SchedulerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	}
	return fmt.Sprintf("SchedulerState(%d)", int(s))
}

// RunFunc is the work a Scheduler coalesces triggers into.
type RunFunc func(ctx context.Context) error

// SchedulerHooks receives scheduler events. Nil fields are skipped.
type SchedulerHooks struct {
	OnTrigger    func(reason string)
	OnSuperseded func()
	OnFire       func(triggers int)
}

// Scheduler is a trailing-edge debouncer. Every Trigger re-arms a single
// timer for the quiet period; when the timer fires the run executes once.
// Runs never overlap, and a trigger during a run arms a fresh timer so a
// second run follows the first.
type Scheduler struct {
	quiet  time.Duration
	run    RunFunc
	logger log.Logger
	hooks  SchedulerHooks
	base   context.Context

	mu         sync.Mutex
	gen        uint64
	timer      *time.Timer
	pending    int
	lastReason string
	running    bool
	closed     bool

	// runMu serializes runs; held for the duration of each one.
	runMu sync.Mutex
}

// NewScheduler returns an idle scheduler that calls run after quiet has
// elapsed since the most recent Trigger. ctx is the base context runs are
// given; its cancellation is not propagated into an in-flight run.
func NewScheduler(ctx context.Context, quiet time.Duration, run RunFunc, logger log.Logger, hooks SchedulerHooks) *Scheduler {
	if run == nil {
		panic(xerrors.New("scheduler run func is required"))
	}
	if quiet <= 0 {
		panic(xerrors.New("scheduler quiet period must be positive"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Scheduler{
		quiet:  quiet,
		run:    run,
		logger: logger,
		hooks:  hooks,
		base:   context.WithoutCancel(ctx),
	}
}

// Trigger requests a run. It never blocks and never fails; after Close it
// is a no-op.
func (s *Scheduler) Trigger(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.gen++
	gen := s.gen
	superseded := s.timer != nil && s.timer.Stop()
	s.timer = time.AfterFunc(s.quiet, func() { s.fire(gen) })
	s.pending++
	s.lastReason = reason
	s.mu.Unlock()

	if s.hooks.OnTrigger != nil {
		s.hooks.OnTrigger(reason)
	}
	if superseded && s.hooks.OnSuperseded != nil {
		s.hooks.OnSuperseded()
	}
}

// fire runs on the timer goroutine for generation gen. A timer whose Stop
// lost the race with expiry still lands here and declines because a newer
// generation exists.
func (s *Scheduler) fire(gen uint64) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		if s.hooks.OnSuperseded != nil {
			s.hooks.OnSuperseded()
		}
		return
	}
	triggers, reason := s.pending, s.lastReason
	s.timer = nil
	s.pending = 0
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.hooks.OnFire != nil {
		s.hooks.OnFire(triggers)
	}
	s.execute(triggers, reason)
}

func (s *Scheduler) execute(triggers int, reason string) {
	ctx := s.base
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, fmt.Errorf("panic: %v", r), "scheduled run panicked",
				"triggers", triggers, "last_reason", reason)
		}
	}()
	// the run logs and reports its own outcome
	_ = s.run(ctx)
}

// State reports whether the scheduler is idle, has a run armed, or is
// running. A run in progress with a newer timer armed reports Running.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.running:
		return StateRunning
	case s.timer != nil:
		return StateScheduled
	}
	return StateIdle
}

// Close cancels any armed timer and waits for an in-flight run to finish.
// Triggers after Close are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.runMu.Lock()
	s.runMu.Unlock() //nolint:staticcheck // wait for the running run
}
