// Package scheduler runs the assistant's background maintenance loop: a
// single ticker, at a configurable cadence, driving a fixed table of
// periodic tasks (auto-ingest, tamper check, config sync, membership
// refresh, key rotation, nonce cleanup) — spec §4.7.
package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// TaskFunc runs one scheduled task. An error is logged and otherwise
// ignored; it never stops the scheduler.
type TaskFunc func(ctx context.Context) error

// Task pairs a named action with the tick cadence it runs on. Interval=1
// means every tick.
type Task struct {
	Name     string
	Interval int
	Run      TaskFunc
}

// Scheduler drives Tasks off a single ticker and runs an optional tamper
// check on every tick, separately from Tasks because a tamper detection
// must abort the process rather than just log-and-continue.
type Scheduler struct {
	logger       *slog.Logger
	interval     time.Duration
	startupDelay time.Duration
	tasks        []Task
	tamper       *TamperChecker
	exit         func(code int)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithStartupDelay delays the first tick by d.
func WithStartupDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.startupDelay = d }
}

// WithTamperChecker installs the startup tamper-check baseline, run on
// every tick.
func WithTamperChecker(t *TamperChecker) Option {
	return func(s *Scheduler) { s.tamper = t }
}

// withExit overrides the process-exit function; used by tests so a
// detected tamper doesn't kill the test binary.
func withExit(exit func(code int)) Option {
	return func(s *Scheduler) { s.exit = exit }
}

// New creates a Scheduler. interval is the tick cadence (default 60s per
// spec §4.7 if zero is passed).
func New(logger *slog.Logger, interval time.Duration, tasks []Task, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	s := &Scheduler{
		logger:   logger,
		interval: interval,
		tasks:    tasks,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.exit == nil {
		s.exit = defaultExit
	}
	return s
}

// Run blocks, ticking until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	if s.startupDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(s.startupDelay):
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var tick int
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			tick++
			s.runTick(ctx, tick)
		}
	}
}

// Stop halts the scheduler and waits for the in-flight tick, if any, to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) runTick(ctx context.Context, tick int) {
	if s.tamper != nil {
		s.checkTamper(ctx)
	}
	for _, t := range s.tasks {
		if t.Interval <= 0 || tick%t.Interval != 0 {
			continue
		}
		s.runTask(ctx, t)
	}
}

// runTask isolates one task's panic or error so it never takes down the
// ticker — spec §4.7: "one failing sub-task never kills the scheduler."
func (s *Scheduler) runTask(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", "task", t.Name, "panic", r)
		}
	}()
	if err := t.Run(ctx); err != nil {
		s.logger.Error("scheduled task failed", "task", t.Name, "error", err)
	}
}

func (s *Scheduler) checkTamper(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tamper check panicked", "panic", r)
		}
	}()
	changed, err := s.tamper.Check()
	if err != nil {
		s.logger.Error("tamper check error", "error", err)
		return
	}
	if len(changed) == 0 {
		return
	}
	s.logger.Error("CRITICAL: config tamper detected, shutting down", "changed", changed)
	s.exit(78)
}

func defaultExit(code int) {
	os.Exit(code)
}
