/*
Package scheduler runs the daily jobs of the reporting engine.

JOBS:
  - delivery sweep: sends the previous day's daily/weekly/monthly summaries
  - recalculation: re-derives the previous day's aggregates from source records

TIMING:
  Each job fires once per civil day at HH:MM in the fixed civil zone. The next
  fire time is computed from the wall clock before every wait, so a slow run
  never shifts later runs.

LOCKING:
  Every run first takes a run lock named after the job. With redis configured
  the lock holds across replicas; a run that cannot get the lock is skipped.
*/
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/port"

	"go.uber.org/zap"
)

// Job is one task that runs daily at Hour:Minute.
type Job struct {
	Name    string
	Hour    int
	Minute  int
	LockTTL time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler fires jobs once per civil day.
type Scheduler struct {
	loc    *time.Location
	locker port.RunLocker
	logger *zap.Logger
	now    func() time.Time

	jobs []Job

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a scheduler for the given civil zone.
func New(loc *time.Location, locker port.RunLocker, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		loc:    loc,
		locker: locker,
		logger: logger,
		now:    time.Now,
	}
}

// Add registers a job. Jobs added after Start are not scheduled.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.LockTTL <= 0 {
		job.LockTTL = 30 * time.Minute
	}
	s.jobs = append(s.jobs, job)
}

// NextRun returns the first instant strictly after now at hour:minute in loc.
func NextRun(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start launches one goroutine per job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, job := range s.jobs {
		job := job
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Stop cancels pending waits and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler: stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	for {
		now := s.now()
		next := NextRun(now, job.Hour, job.Minute, s.loc)
		s.logger.Info("scheduler: next run", zap.String("job", job.Name), zap.Time("at", next))
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx, job)
		}
	}
}

// RunOnce runs job under its run lock. It reports whether the job ran.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) bool {
	log := s.logger.With(zap.String("job", job.Name))

	unlock, err := s.locker.Obtain(ctx, job.Name, job.LockTTL)
	var locked *domain.ErrLocked
	if errors.As(err, &locked) {
		log.Info("scheduler: run skipped, lock held elsewhere")
		return false
	}
	if err != nil {
		log.Error("scheduler: failed to obtain run lock", zap.Error(err))
		return false
	}
	defer func() {
		if err := unlock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("scheduler: failed to release run lock", zap.Error(err))
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		log.Error("scheduler: run failed", zap.Duration("took", time.Since(start)), zap.Error(err))
		return true
	}
	log.Info("scheduler: run finished", zap.Duration("took", time.Since(start)))
	return true
}
