// Package scheduler runs the recurring settlement tasks on cron schedules.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/target/escrow-settlement/config"
	"github.com/target/escrow-settlement/internal/domain/model"
	obserrors "github.com/target/escrow-settlement/internal/observability/errors"
	"github.com/target/escrow-settlement/internal/observability/metrics"
	"github.com/target/escrow-settlement/internal/observability/statsd"
	"github.com/target/escrow-settlement/internal/service"
)

// Locker runs fn under the persisted lock of jobType.
type Locker interface {
	Run(ctx context.Context, jobType model.CronJobType, fn func(context.Context) error) (bool, error)
}

// Task is one recurring pipeline stage.
type Task struct {
	JobType model.CronJobType
	// Schedule is a cron expression or descriptor such as "@every 30s".
	Schedule string
	Process  func(ctx context.Context, now time.Time) ([]service.Outcome, error)
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Locker  Locker
	Tasks   []Task
	Logger  *slog.Logger
	Metrics statsd.Sink
	// StartupJitter is the upper bound of a random delay before the first tick.
	StartupJitter time.Duration
	Now           func() time.Time
}

type scheduledTask struct {
	Task
	schedule cron.Schedule
}

// Runner fires each task on its schedule. Overlapping ticks of the same task
// are skipped locally; the persisted lock keeps other instances out.
type Runner struct {
	locker  Locker
	tasks   []scheduledTask
	logger  *slog.Logger
	metrics statsd.Sink
	jitter  time.Duration
	now     func() time.Time
}

// NewRunner validates opts and parses every schedule.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Locker == nil {
		return nil, errors.New("cron locker is required")
	}
	if len(opts.Tasks) == 0 {
		return nil, errors.New("at least one task is required")
	}
	tasks := make([]scheduledTask, 0, len(opts.Tasks))
	seen := make(map[model.CronJobType]bool, len(opts.Tasks))
	for _, t := range opts.Tasks {
		if !t.JobType.Valid() {
			return nil, fmt.Errorf("invalid cron job type %q", t.JobType)
		}
		if seen[t.JobType] {
			return nil, fmt.Errorf("duplicate task %s", t.JobType)
		}
		if t.Process == nil {
			return nil, fmt.Errorf("task %s has no process function", t.JobType)
		}
		sched, err := config.ParseSchedule(t.Schedule)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.JobType, err)
		}
		seen[t.JobType] = true
		tasks = append(tasks, scheduledTask{Task: t, schedule: sched})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Runner{
		locker:  opts.Locker,
		tasks:   tasks,
		logger:  logger.With("component", "scheduler"),
		metrics: opts.Metrics,
		jitter:  opts.StartupJitter,
		now:     now,
	}, nil
}

// Run starts every task and blocks until ctx is cancelled. In-flight ticks
// are waited for before returning.
func (r *Runner) Run(ctx context.Context) error {
	r.waitWithJitter(ctx)
	if ctx.Err() != nil {
		return nil
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(r.logger.Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	for _, t := range r.tasks {
		c.Schedule(t.schedule, cron.FuncJob(func() {
			r.Tick(ctx, t.Task)
		}))
		r.logger.InfoContext(ctx, "task scheduled", "cron_job_type", t.JobType, "schedule", t.Schedule)
	}

	c.Start()
	<-ctx.Done()
	r.logger.InfoContext(ctx, "scheduler stopping", "reason", ctx.Err())
	<-c.Stop().Done()

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Tick runs one pass of task under its lock and reports whether it ran.
func (r *Runner) Tick(ctx context.Context, task Task) bool {
	var outcomes []service.Outcome
	start := time.Now()
	ran, err := r.locker.Run(ctx, task.JobType, func(runCtx context.Context) error {
		var procErr error
		outcomes, procErr = task.Process(runCtx, r.now())
		return procErr
	})
	r.emitTickMetrics(task.JobType, ran, len(outcomes), time.Since(start), err)

	switch {
	case err != nil:
		r.logger.ErrorContext(ctx, "task run failed",
			"cron_job_type", task.JobType,
			"error", err,
			"error_class", obserrors.Classify(err),
		)
	case ran && len(outcomes) > 0:
		r.logger.InfoContext(ctx, "task run complete",
			"cron_job_type", task.JobType,
			"rows", len(outcomes),
			"outcomes", summarize(outcomes),
		)
	}
	return ran
}

func summarize(outcomes []service.Outcome) map[string]int {
	out := make(map[string]int)
	for _, o := range outcomes {
		out[string(o.Kind)]++
	}
	return out
}

func (r *Runner) emitTickMetrics(jobType model.CronJobType, ran bool, rows int, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultError
	case !ran || rows == 0:
		result = metrics.ResultNoop
	}
	tags := map[string]string{
		"task":   jobType.String(),
		"result": result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	r.metrics.Count("scheduler.tick", 1, tags)
	if rows > 0 {
		r.metrics.Count("scheduler.rows", int64(rows), metrics.CloneTags(tags))
	}
	if elapsed > 0 {
		r.metrics.Timing("scheduler.tick_duration", elapsed, metrics.CloneTags(tags))
	}
	if err == nil {
		r.metrics.Gauge("scheduler.last_success_epoch", float64(time.Now().Unix()), map[string]string{"task": jobType.String()})
	}
}

// waitWithJitter delays the first tick by a random amount up to the configured jitter.
func (r *Runner) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.jitter)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		r.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter))) // #nosec G115 - bounded by maxJitter

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
