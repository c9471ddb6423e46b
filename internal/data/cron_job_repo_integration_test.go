package data

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/domain/model"
	"github.com/target/escrow-settlement/internal/testutil"
)

func TestCronJobRepo_Integration_AcquireRelease(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := NewCronJobRepoWithTimeProvider(db, NewFixedTimeProvider(now))
		params := core.AcquireCronJobParams{
			Type:       model.CronJobTypeProcessEscrowCompletion,
			Now:        now,
			StaleAfter: 10 * time.Minute,
		}

		job, ok, err := repo.TryAcquire(ctx, params)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, job.Held())
		assert.True(t, job.StartedAt.Equal(now))

		// A live holder blocks a second claim.
		params.Now = now.Add(time.Minute)
		_, ok, err = repo.TryAcquire(ctx, params)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, repo.Release(ctx, core.ReleaseCronJobParams{ID: job.ID, StartedAt: job.StartedAt, Now: now.Add(2 * time.Minute)}))

		stored, err := repo.GetByType(ctx, model.CronJobTypeProcessEscrowCompletion)
		require.NoError(t, err)
		assert.False(t, stored.Held())

		// Released lock is immediately claimable and keeps the single row.
		params.Now = now.Add(3 * time.Minute)
		again, ok, err := repo.TryAcquire(ctx, params)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, job.ID, again.ID)

		var rows int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM cron_jobs`).Scan(&rows))
		assert.Equal(t, 1, rows)
	})
}

func TestCronJobRepo_Integration_StaleReclaim(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := NewCronJobRepo(db)
		params := core.AcquireCronJobParams{Type: model.CronJobTypeProcessOutgoingWebhook, Now: now, StaleAfter: 10 * time.Minute}

		crashed, ok, err := repo.TryAcquire(ctx, params)
		require.NoError(t, err)
		require.True(t, ok)

		params.Now = now.Add(9 * time.Minute)
		_, ok, err = repo.TryAcquire(ctx, params)
		require.NoError(t, err)
		assert.False(t, ok, "lock inside the stale window must stay held")

		params.Now = now.Add(11 * time.Minute)
		reclaimed, ok, err := repo.TryAcquire(ctx, params)
		require.NoError(t, err)
		require.True(t, ok, "stale lock must be reclaimable")
		assert.True(t, reclaimed.StartedAt.After(crashed.StartedAt))

		// The original holder must not release the new claim.
		err = repo.Release(ctx, core.ReleaseCronJobParams{ID: crashed.ID, StartedAt: crashed.StartedAt, Now: params.Now})
		require.ErrorIs(t, err, core.ErrLockLost)

		stored, err := repo.GetByType(ctx, model.CronJobTypeProcessOutgoingWebhook)
		require.NoError(t, err)
		assert.True(t, stored.Held())
	})
}

func TestCronJobRepo_Integration_ConcurrentAcquire(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewCronJobRepo(db)
		now := testutil.TestTime()

		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := repo.TryAcquire(ctx, core.AcquireCronJobParams{
					Type:       model.CronJobTypeProcessIncomingWebhook,
					Now:        now,
					StaleAfter: 10 * time.Minute,
				})
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}

func TestCronJobRepo_GetByType_NotFound(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, err := NewCronJobRepo(db).GetByType(context.Background(), "unknown")
		require.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestCronJobRepo_TryAcquire_Validation(t *testing.T) {
	repo := NewCronJobRepo(nil)
	_, _, err := repo.TryAcquire(context.Background(), core.AcquireCronJobParams{Type: "x"})
	require.Error(t, err)
	_, _, err = repo.TryAcquire(context.Background(), core.AcquireCronJobParams{StaleAfter: time.Minute})
	require.Error(t, err)
}
