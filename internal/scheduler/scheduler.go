// Package scheduler drives periodic work off cron expressions. Jobs are
// registered in code; there is no persistent job table.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc executes one run of a scheduled job.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	fn      JobFunc
	entryID cron.EntryID
	running bool
}

// Scheduler wraps a cron runner. A job whose previous run is still in
// flight is skipped rather than stacked; detection runs hold a database
// transaction and must not overlap themselves.
type Scheduler struct {
	cron   *cron.Cron
	jobs   map[string]*job
	mu     sync.Mutex
	logger *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		jobs:   make(map[string]*job),
		logger: logger,
	}
}

// Add registers a named job on the given cron schedule.
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	j := &job{name: name, fn: fn}
	entryID, err := s.cron.AddFunc(schedule, func() {
		s.execute(j)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression for job %q: %w", name, err)
	}

	j.entryID = entryID
	s.jobs[name] = j

	s.logger.Info("scheduled job", "job", name, "schedule", schedule)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop halts scheduling and returns a context that is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// NextRun reports when the named job fires next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(j.entryID)
	if entry.ID == 0 {
		return time.Time{}, false
	}
	return entry.Next, true
}

func (s *Scheduler) execute(j *job) {
	s.mu.Lock()
	if j.running {
		s.mu.Unlock()
		s.logger.Warn("previous run still in progress, skipping", "job", j.name)
		return
	}
	j.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		j.running = false
		s.mu.Unlock()
	}()

	started := time.Now()
	s.logger.Info("executing job", "job", j.name)

	if err := j.fn(context.Background()); err != nil {
		s.logger.Error("job failed",
			"job", j.name,
			"error", err,
			"duration", time.Since(started))
		return
	}

	s.logger.Info("job completed", "job", j.name, "duration", time.Since(started))
}
