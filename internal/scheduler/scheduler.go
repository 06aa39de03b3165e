// Package scheduler runs the periodic settlement jobs: resolving payouts
// stuck in processing and sweeping wallet ledgers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

var (
	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridewallet",
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Scheduled job runs by job and outcome.",
	}, []string{"job", "outcome"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ridewallet",
		Subsystem: "scheduler",
		Name:      "job_duration_seconds",
		Help:      "Duration of scheduled job runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"job"})
)

func init() {
	prometheus.MustRegister(jobRuns, jobDuration)
}

// Job is a unit of scheduled work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler runs jobs on cron specs. Overlapping runs of the same job are
// skipped, and across instances the Lock decides who runs.
type Scheduler struct {
	cron    *cron.Cron
	lock    Lock
	lockTTL time.Duration
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. lock may be nil for single-instance deployments.
func New(lock Lock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if lock == nil {
		lock = LocalLock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		lock:    lock,
		lockTTL: 10 * time.Minute,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return s
}

// Add registers job on spec, which accepts standard five-field cron
// expressions and descriptors such as "@every 5m".
func (s *Scheduler) Add(spec string, job Job) error {
	if _, err := s.cron.AddFunc(spec, func() { s.RunNow(s.ctx, job) }); err != nil {
		return fmt.Errorf("schedule %s on %q: %w", job.Name(), spec, err)
	}
	s.logger.Info("scheduled job registered", "job", job.Name(), "spec", spec)
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them to return
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with jobs still running")
	}
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// RunNow runs job once under the lock. Errors and panics are logged and
// counted, never propagated.
func (s *Scheduler) RunNow(ctx context.Context, job Job) {
	name := job.Name()
	release, ok, err := s.lock.Acquire(ctx, name, s.lockTTL)
	if err != nil {
		s.logger.Error("scheduler lock failed", "job", name, "error", err)
		jobRuns.WithLabelValues(name, "lock_error").Inc()
		return
	}
	if !ok {
		s.logger.Debug("job running elsewhere, skipping", "job", name)
		jobRuns.WithLabelValues(name, "skipped").Inc()
		return
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("scheduler lock release failed", "job", name, "error", err)
		}
	}()

	start := time.Now()
	err = s.safeRun(ctx, job)
	jobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Warn("scheduled job failed", "job", name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		jobRuns.WithLabelValues(name, "failed").Inc()
		return
	}
	jobRuns.WithLabelValues(name, "ok").Inc()
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduled job", "job", job.Name(), "panic", fmt.Sprint(r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx)
}
