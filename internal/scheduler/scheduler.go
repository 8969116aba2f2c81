// Package scheduler runs a static set of periodic maintenance jobs (timeout
// monitor, retention sweeper) on cron cadences.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one periodic unit of work. Spec is a 5-field cron expression
// (minute hour dom month dow, no descriptors).
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type jobState struct {
	job      Job
	schedule cron.Schedule
	nextRun  time.Time
}

// Scheduler ticks once a minute and runs every job whose cron schedule is
// due, with per-job in-flight dedup so a slow pass never overlaps itself.
type Scheduler struct {
	parser cron.Parser
	logger *slog.Logger

	mu     sync.Mutex
	jobs   []*jobState
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler with no jobs registered.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	schedule, err := s.parser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("parse cron expression %q for job %q: %w", job.Spec, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &jobState{
		job:      job,
		schedule: schedule,
		nextRun:  schedule.Next(time.Now().UTC()),
	})
	return nil
}

// Start launches the background loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	jobs := len(s.jobs)
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", jobs))
	return nil
}

// Stop gracefully shuts down the loop, waiting for the current tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick runs every due job. Due jobs run sequentially within a tick; the
// monitor and sweeper share a store and contention buys nothing.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*jobState, 0, len(s.jobs))
	for _, js := range s.jobs {
		if !js.nextRun.After(now) {
			js.nextRun = js.schedule.Next(now)
			due = append(due, js)
		}
	}
	s.mu.Unlock()

	for _, js := range due {
		if !s.tryAcquire(js.job.Name) {
			s.logger.Warn("job still running, skipping this tick",
				slog.String("job", js.job.Name))
			continue
		}
		s.runJob(ctx, js.job)
		s.release(js.job.Name)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	started := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("scheduled job failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("scheduled job finished",
		slog.String("job", job.Name),
		slog.Duration("took", time.Since(started)))
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// NextRun computes the next fire time for a cron expression, used by status
// surfaces and tests.
func (s *Scheduler) NextRun(spec string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return schedule.Next(from), nil
}
