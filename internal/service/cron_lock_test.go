package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/escrow-settlement/config"
	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/data"
	"github.com/target/escrow-settlement/internal/domain/model"
	"github.com/target/escrow-settlement/internal/observability/metrics"
	"github.com/target/escrow-settlement/internal/observability/statsd"
	"github.com/target/escrow-settlement/internal/testutil"
)

const testJob = model.CronJobTypeProcessEscrowCompletion

func newTestCronLock(t *testing.T, repo core.CronJobRepository, clock *data.FixedTimeProvider) (*CronLockService, *statsd.Recorder) {
	t.Helper()
	rec := &statsd.Recorder{}
	svc, err := NewCronLockService(CronLockServiceOptions{
		Repo:    repo,
		Config:  config.LockConfig{StaleAfter: 10 * time.Minute, RunTimeout: 5 * time.Minute},
		Metrics: rec,
		Now:     clock.Now,
	})
	require.NoError(t, err)
	return svc, rec
}

func TestNewCronLockService_RequiresRepo(t *testing.T) {
	_, err := NewCronLockService(CronLockServiceOptions{})
	require.Error(t, err)
}

func TestCronLockService_RunReleasesLock(t *testing.T) {
	repo := newFakeCronJobRepo()
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	svc, rec := newTestCronLock(t, repo, clock)

	calls := 0
	ran, err := svc.Run(context.Background(), testJob, func(ctx context.Context) error {
		calls++
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline, "run context should carry the run timeout")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, calls)

	job, err := repo.GetByType(context.Background(), testJob)
	require.NoError(t, err)
	assert.False(t, job.Held())

	// Released lock is immediately claimable again.
	ran, err = svc.Run(context.Background(), testJob, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
	assert.EqualValues(t, 2, rec.CountTotal(metrics.MetricTaskRun, map[string]string{"result": metrics.ResultSuccess}))
}

func TestCronLockService_BusySkipsRun(t *testing.T) {
	repo := newFakeCronJobRepo()
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	svc, rec := newTestCronLock(t, repo, clock)

	_, acquired, err := repo.TryAcquire(context.Background(), core.AcquireCronJobParams{
		Type: testJob, Now: clock.Now(), StaleAfter: 10 * time.Minute,
	})
	require.NoError(t, err)
	require.True(t, acquired)

	clock.AddTime(9 * time.Minute)
	ran, err := svc.Run(context.Background(), testJob, func(context.Context) error {
		t.Fatal("fn must not run while another holder owns the lock")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.EqualValues(t, 1, rec.CountTotal(metrics.MetricTaskRun, map[string]string{"result": metrics.ResultNoop}))
}

func TestCronLockService_ReclaimsStaleLock(t *testing.T) {
	repo := newFakeCronJobRepo()
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	svc, _ := newTestCronLock(t, repo, clock)

	_, _, err := repo.TryAcquire(context.Background(), core.AcquireCronJobParams{
		Type: testJob, Now: clock.Now(), StaleAfter: 10 * time.Minute,
	})
	require.NoError(t, err)

	// Holder died without releasing.
	clock.AddTime(10*time.Minute + time.Second)
	ran, err := svc.Run(context.Background(), testJob, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestCronLockService_PanicReleasesLock(t *testing.T) {
	repo := newFakeCronJobRepo()
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	svc, rec := newTestCronLock(t, repo, clock)

	ran, err := svc.Run(context.Background(), testJob, func(context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.True(t, ran)
	assert.Contains(t, err.Error(), "panicked")

	job, err := repo.GetByType(context.Background(), testJob)
	require.NoError(t, err)
	assert.False(t, job.Held())
	assert.EqualValues(t, 1, rec.CountTotal(metrics.MetricTaskRun, map[string]string{"result": metrics.ResultError}))
}

func TestCronLockService_ErrorPropagatesAndReleases(t *testing.T) {
	repo := newFakeCronJobRepo()
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	svc, _ := newTestCronLock(t, repo, clock)

	boom := errors.New("scan failed")
	ran, err := svc.Run(context.Background(), testJob, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.True(t, ran)

	job, err := repo.GetByType(context.Background(), testJob)
	require.NoError(t, err)
	assert.False(t, job.Held())
}

func TestCronLockService_CancelledContextStillReleases(t *testing.T) {
	repo := newFakeCronJobRepo()
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	svc, _ := newTestCronLock(t, repo, clock)

	ctx, cancel := context.WithCancel(context.Background())
	ran, err := svc.Run(ctx, testJob, func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, ran)

	job, err := repo.GetByType(context.Background(), testJob)
	require.NoError(t, err)
	assert.False(t, job.Held())
}

func TestCronLockService_LockLostIsReported(t *testing.T) {
	repo := newFakeCronJobRepo()
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	svc, _ := newTestCronLock(t, repo, clock)

	ran, err := svc.Run(context.Background(), testJob, func(context.Context) error {
		repo.steal(testJob, clock.Now().Add(11*time.Minute))
		return nil
	})
	assert.True(t, ran)
	require.ErrorIs(t, err, core.ErrLockLost)

	// The new holder keeps its claim.
	job, err := repo.GetByType(context.Background(), testJob)
	require.NoError(t, err)
	assert.True(t, job.Held())
}

func TestCronLockService_ConcurrentRunsHaveOneWinner(t *testing.T) {
	repo := newFakeCronJobRepo()
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	svc, _ := newTestCronLock(t, repo, clock)

	const contenders = 8
	release := make(chan struct{})
	results := make(chan bool, contenders)

	var wg sync.WaitGroup
	for range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ran, err := svc.Run(context.Background(), testJob, func(context.Context) error {
				<-release
				return nil
			})
			assert.NoError(t, err)
			results <- ran
		}()
	}

	// Every loser returns while the winner is still blocked.
	for range contenders - 1 {
		assert.False(t, <-results)
	}
	close(release)
	assert.True(t, <-results)
	wg.Wait()
}
