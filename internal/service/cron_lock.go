package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/escrow-settlement/config"
	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/domain/model"
	"github.com/target/escrow-settlement/internal/observability/metrics"
	"github.com/target/escrow-settlement/internal/observability/statsd"
)

// releaseTimeout bounds the deferred lock release, which runs detached from the run context.
const releaseTimeout = 10 * time.Second

// CronLockServiceOptions groups dependencies for CronLockService.
type CronLockServiceOptions struct {
	Repo    core.CronJobRepository // Required
	Config  config.LockConfig      // Required: staleness window and run timeout
	Logger  *slog.Logger
	Metrics statsd.Sink
	Now     func() time.Time
}

// CronLockService runs recurring tasks under a persisted single-flight lock.
// At most one instance runs a given job type at a time; a holder that dies is
// reclaimed once its lock is older than the staleness window.
type CronLockService struct {
	repo    core.CronJobRepository
	config  config.LockConfig
	logger  *slog.Logger
	metrics statsd.Sink
	now     func() time.Time
}

// NewCronLockService constructs a CronLockService.
func NewCronLockService(opts CronLockServiceOptions) (*CronLockService, error) {
	if opts.Repo == nil {
		return nil, errors.New("CronJobRepository is required")
	}
	cfg := opts.Config
	cfg.Sanitize()
	now := opts.Now
	if now == nil {
		now = defaultNow
	}
	return &CronLockService{
		repo:    opts.Repo,
		config:  cfg,
		logger:  componentLogger(opts.Logger, "cron_lock"),
		metrics: opts.Metrics,
		now:     now,
	}, nil
}

// Run acquires the lock for jobType and, if acquired, runs fn under the run timeout.
// It returns (false, nil) when another holder owns the lock. The lock is always
// released, including when fn panics or the caller's context is cancelled.
func (s *CronLockService) Run(
	ctx context.Context,
	jobType model.CronJobType,
	fn func(context.Context) error,
) (ran bool, err error) {
	job, acquired, err := s.repo.TryAcquire(ctx, core.AcquireCronJobParams{
		Type:       jobType,
		Now:        s.now(),
		StaleAfter: s.config.StaleAfter,
	})
	if err != nil {
		return false, fmt.Errorf("acquire cron lock %s: %w", jobType, err)
	}
	if !acquired {
		s.logger.DebugContext(ctx, "cron job busy, skipping run", "cron_job_type", jobType)
		metrics.EmitTaskRun(s.metrics, metrics.TaskRun{Task: jobType.String(), Result: metrics.ResultNoop})
		return false, nil
	}

	start := time.Now()
	defer func() {
		if relErr := s.release(ctx, job); relErr != nil {
			err = errors.Join(err, relErr)
		}
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
		}
		metrics.EmitTaskRun(s.metrics, metrics.TaskRun{
			Task:     jobType.String(),
			Result:   result,
			Duration: time.Since(start),
			Err:      err,
		})
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	return true, s.invoke(runCtx, jobType, fn)
}

func (s *CronLockService) invoke(ctx context.Context, jobType model.CronJobType, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "cron job panicked", "cron_job_type", jobType, "panic", r)
			err = fmt.Errorf("cron job %s panicked: %v", jobType, r)
		}
	}()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("cron job %s: %w", jobType, err)
	}
	return nil
}

func (s *CronLockService) release(ctx context.Context, job *model.CronJob) error {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := s.repo.Release(relCtx, core.ReleaseCronJobParams{
		ID:        job.ID,
		StartedAt: job.StartedAt,
		Now:       s.now(),
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrLockLost):
		s.logger.WarnContext(ctx, "cron lock was reclaimed before release",
			"cron_job_type", job.Type,
			"started_at", job.StartedAt,
		)
		return fmt.Errorf("release cron lock %s: %w", job.Type, err)
	default:
		return fmt.Errorf("release cron lock %s: %w", job.Type, err)
	}
}
