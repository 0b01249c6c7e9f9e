// Package scheduler runs the bot's periodic duties on an injectable clock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrDuplicateJob   = errors.New("job already registered")
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// JobFunc is a unit of periodic work. It must return promptly once ctx is
// cancelled.
type JobFunc func(ctx context.Context) error

// Job is a named function fired by a trigger
type Job struct {
	Name    string
	Trigger Trigger
	Run     JobFunc
}

// JobStatus reports the last run of a job
type JobStatus struct {
	Name    string
	Trigger string
	Running bool
	Runs    int
	Skipped int
	LastRun time.Time
	LastErr string
	NextRun time.Time
}

type entry struct {
	job     Job
	running atomic.Bool

	mu      sync.Mutex
	runs    int
	skipped int
	lastRun time.Time
	lastErr error
	nextRun time.Time
}

// Scheduler owns job goroutines from Start until Stop. A job never overlaps
// itself: a trigger firing while the job still runs is skipped.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler
func New(clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:   clk,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	if job.Name == "" || job.Run == nil || job.Trigger == nil {
		return fmt.Errorf("register job %q: name, trigger and func are required", job.Name)
	}
	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("register job %q: %w", job.Name, ErrDuplicateJob)
	}
	s.entries[job.Name] = &entry{job: job}
	return nil
}

// Start launches one loop per job. The loops stop when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)

	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}

	s.logger.Info("scheduler started", "jobs", len(s.entries))
	return nil
}

// Stop cancels all loops and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// TryRun runs a job immediately unless it is already running. It reports
// whether the job ran.
func (s *Scheduler) TryRun(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()

	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

// Status returns the state of every job ordered by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := JobStatus{
			Name:    e.job.Name,
			Trigger: e.job.Trigger.String(),
			Running: e.running.Load(),
			Runs:    e.runs,
			Skipped: e.skipped,
			LastRun: e.lastRun,
			NextRun: e.nextRun,
		}
		if e.lastErr != nil {
			st.LastErr = e.lastErr.Error()
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	for {
		now := s.clock.Now()
		next := e.job.Trigger.Next(now)

		e.mu.Lock()
		e.nextRun = next
		e.mu.Unlock()

		timer := s.clock.Timer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.run(ctx, e); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduled job failed", "job", e.job.Name, "error", err)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry) (ran bool, err error) {
	if !e.running.CompareAndSwap(false, true) {
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		s.logger.Warn("job still running, skipping trigger", "job", e.job.Name)
		return false, nil
	}
	defer e.running.Store(false)

	start := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", e.job.Name, r)
		}
		e.mu.Lock()
		e.runs++
		e.lastRun = start
		e.lastErr = err
		e.mu.Unlock()
		s.logger.Debug("job finished", "job", e.job.Name, "duration", s.clock.Since(start), "error", err)
	}()

	return true, e.job.Run(ctx)
}
