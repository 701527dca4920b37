// Package scheduler runs the collection jobs on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"osrsprices/internal/observability"
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type entry struct {
	Job
	running atomic.Bool
}

// Scheduler dispatches jobs onto a bounded worker pool. Different jobs may
// overlap; a job whose previous run is still active skips the tick.
type Scheduler struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	workers int
	jobs    []*entry
}

// New creates a new Scheduler running at most workers jobs at once.
func New(logger *slog.Logger, metrics *observability.Metrics, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		logger:  logger,
		metrics: metrics,
		workers: workers,
	}
}

// Add registers a job. It must be called before Run.
func (s *Scheduler) Add(job Job) error {
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: no run function", job.Name)
	}
	s.jobs = append(s.jobs, &entry{Job: job})
	return nil
}

// Run fires every job immediately and then on each interval until ctx is
// cancelled. It returns after in-flight runs have finished.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		return fmt.Errorf("no jobs scheduled")
	}

	pool := pond.NewPool(s.workers, pond.WithContext(ctx))
	defer pool.StopAndWait()

	s.logger.Info("Scheduler: starting", "jobs", len(s.jobs), "workers", s.workers)

	var wg sync.WaitGroup
	for _, e := range s.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, pool, e)
		}()
	}
	wg.Wait()

	s.logger.Info("Scheduler: stopping, waiting for running jobs")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, pool pond.Pool, e *entry) {
	s.dispatch(ctx, pool, e)

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx, pool, e)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, pool pond.Pool, e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		s.metrics.JobsSkipped.WithLabelValues(e.Name).Inc()
		s.logger.Warn("Scheduler: previous run still active, skipping tick", "job", e.Name)
		return
	}

	pool.Submit(func() {
		defer e.running.Store(false)

		start := time.Now()
		if err := e.Run(ctx); err != nil {
			s.logger.Error("Scheduler: job failed", "job", e.Name, "duration", time.Since(start), "error", err)
			return
		}
		s.logger.Debug("Scheduler: job finished", "job", e.Name, "duration", time.Since(start))
	})
}
