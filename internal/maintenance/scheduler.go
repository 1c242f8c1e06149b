// Package maintenance runs the periodic sweeps on cron schedules.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one named periodic task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

// Status is the run history of one job.
type Status struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Runs         uint64        `json:"runs"`
	Skipped      uint64        `json:"skipped"`
	Panics       uint64        `json:"panics"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
}

// Scheduler wraps a cron runner. Runs of the same job never overlap; a
// tick that finds the job still running is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]Job
	running map[string]bool
	status  map[string]*Status
	started bool
}

// New returns an idle scheduler. Schedules accept six-field cron specs
// (with seconds) and descriptors such as "@every 5m".
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger.With("component", "maintenance"),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]Job),
		running: make(map[string]bool),
		status:  make(map[string]*Status),
	}
}

// Add registers job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("maintenance: job needs a name and a func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("maintenance: duplicate job %q", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() { s.execute(job.Name) }); err != nil {
		return fmt.Errorf("maintenance: schedule %q for %s: %w", job.Schedule, job.Name, err)
	}
	s.jobs[job.Name] = job
	s.status[job.Name] = &Status{Name: job.Name, Schedule: job.Schedule}
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop halts the schedule and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs the named job synchronously. It reports false when no such
// job exists or it is already running.
func (s *Scheduler) RunNow(name string) bool {
	return s.execute(name)
}

func (s *Scheduler) execute(name string) bool {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	st := s.status[name]
	if s.running[name] {
		st.Skipped++
		s.mu.Unlock()
		s.logger.Warn("job skipped: still running", "job", name)
		return false
	}
	s.running[name] = true
	s.mu.Unlock()

	start := time.Now()
	panicked := false
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				panicked = true
				s.logger.Error("job panic", "job", name, "panic", rec, "stack", string(debug.Stack()))
			}
		}()
		job.Run(s.ctx)
	}()
	elapsed := time.Since(start)

	s.mu.Lock()
	delete(s.running, name)
	st.Runs++
	if panicked {
		st.Panics++
	}
	st.LastRun = start
	st.LastDuration = elapsed
	s.mu.Unlock()

	s.logger.Debug("job finished", "job", name, "duration", elapsed)
	return true
}

// Statuses returns a copy of every job's history, sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
