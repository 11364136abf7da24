// Package retention runs the periodic cleanup of inactive threads.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/poiesic/forumstore/cache"
	"github.com/robfig/cron/v3"
)

// JobName names the cleanup entry in the schedule.
const JobName = "cleanup"

// ErrAlreadyScheduled is returned by Schedule when the job already exists.
var ErrAlreadyScheduled = errors.New("retention job already scheduled")

// Cleaner is the part of the cache the scheduler drives.
type Cleaner interface {
	CleanupOldThreads(maxAge time.Duration) *cache.CleanupPending
}

// Scheduler triggers cleanup runs on a cron schedule.
type Scheduler struct {
	cleaner    Cleaner
	maxAge     time.Duration
	runTimeout time.Duration
	logger     *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entryID cron.EntryID
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRunTimeout bounds a single cleanup run. Default is 30 minutes.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// WithLocation sets the time zone schedules are evaluated in. Default is
// the local zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.cron = cron.New(cron.WithLocation(loc))
		}
	}
}

// New creates a scheduler that removes threads inactive for longer than
// maxAge. Nothing runs until Schedule and Start are called.
func New(cleaner Cleaner, maxAge time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		cleaner:    cleaner,
		maxAge:     maxAge,
		runTimeout: 30 * time.Minute,
		logger:     slog.Default(),
		cron:       cron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule registers the cleanup job.
// schedule format: standard cron ("0 * * * *") or a descriptor ("@every 1h")
func (s *Scheduler) Schedule(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entryID != 0 {
		return ErrAlreadyScheduled
	}

	entryID, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.RunNow(); err != nil {
			s.logger.Error("scheduled cleanup failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", JobName, err)
	}
	s.entryID = entryID
	s.logger.Info("scheduled retention job", "job", JobName, "schedule", schedule, "max_age", s.maxAge)
	return nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.logger.Debug("starting retention scheduler")
	s.cron.Start()
}

// Stop halts the schedule. The returned context is done once a run in
// progress has finished.
func (s *Scheduler) Stop() context.Context {
	s.logger.Debug("stopping retention scheduler")
	return s.cron.Stop()
}

// NextRun reports when the job fires next, or the zero time if it is not
// scheduled or the scheduler isn't started.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	id := s.entryID
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// RunNow runs a cleanup immediately and waits for it, up to the run
// timeout. Overlapping runs are skipped rather than queued.
func (s *Scheduler) RunNow() (int, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("cleanup already running, skipping", "job", JobName)
		return 0, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	s.logger.Info("starting job", "job", JobName)
	start := time.Now()

	deleted, err := s.cleaner.CleanupOldThreads(s.maxAge).Wait(ctx)
	if err != nil {
		return deleted, fmt.Errorf("job %s: %w", JobName, err)
	}
	s.logger.Info("job completed", "job", JobName, "deleted", deleted, "elapsed", time.Since(start))
	return deleted, nil
}
