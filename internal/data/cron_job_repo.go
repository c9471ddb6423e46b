package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/data/pgxutil"
	"github.com/target/escrow-settlement/internal/domain/model"
)

// CronJobRepo persists the single-flight lock rows for recurring tasks.
type CronJobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewCronJobRepo creates a CronJobRepo backed by db.
func NewCronJobRepo(db *sql.DB) *CronJobRepo {
	return &CronJobRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewCronJobRepoWithTimeProvider creates a CronJobRepo with a custom TimeProvider (useful for testing).
func NewCronJobRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *CronJobRepo {
	return &CronJobRepo{DB: db, timeProvider: tp}
}

const cronJobColumns = `id, cron_job_type, started_at, completed_at, created_at, updated_at`

type cronJobRow struct {
	ID          int64      `db:"id"`
	Type        string     `db:"cron_job_type"`
	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r *cronJobRow) toModel() *model.CronJob {
	return &model.CronJob{
		ID:          r.ID,
		Type:        model.CronJobType(r.Type),
		StartedAt:   r.StartedAt.UTC(),
		CompletedAt: r.CompletedAt,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

// TryAcquire claims the lock for params.Type in a single statement.
// The upsert only overwrites a row that was released or whose holder started before now-StaleAfter.
// Concurrent callers serialise on the unique index, so at most one of them gets a row back.
func (r *CronJobRepo) TryAcquire(ctx context.Context, params core.AcquireCronJobParams) (*model.CronJob, bool, error) {
	if params.Type == "" {
		return nil, false, errors.New("cron job type is required")
	}
	if params.StaleAfter <= 0 {
		return nil, false, fmt.Errorf("stale window must be positive, got %s", params.StaleAfter)
	}
	now := timeOr(params.Now, r.timeProvider)

	query := `
		INSERT INTO cron_jobs (cron_job_type, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, NULL, $2, $2)
		ON CONFLICT (cron_job_type) DO UPDATE
		SET started_at = EXCLUDED.started_at,
			completed_at = NULL,
			updated_at = EXCLUDED.updated_at
		WHERE cron_jobs.completed_at IS NOT NULL
			OR cron_jobs.started_at < $3
		RETURNING ` + cronJobColumns

	row, err := pgxutil.CollectOne[cronJobRow](ctx, r.DB, pgxutil.Query{
		SQL:  query,
		Args: []any{string(params.Type), now, now.Add(-params.StaleAfter)},
	})
	if err != nil {
		return nil, false, fmt.Errorf("acquire cron lock %s: %w", params.Type, err)
	}
	if row == nil {
		return nil, false, nil
	}
	return row.toModel(), true, nil
}

// Release marks the claim identified by (ID, StartedAt) as completed.
// Returns core.ErrLockLost when the row was reclaimed by another holder in the meantime.
func (r *CronJobRepo) Release(ctx context.Context, params core.ReleaseCronJobParams) error {
	now := timeOr(params.Now, r.timeProvider)
	res, err := r.DB.ExecContext(ctx, `
		UPDATE cron_jobs
		SET completed_at = $3, updated_at = $3
		WHERE id = $1 AND started_at = $2 AND completed_at IS NULL`,
		params.ID, params.StartedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("release cron lock %d: %w", params.ID, err)
	}
	return expectOneRow(res, core.ErrLockLost)
}

// GetByType returns the lock row for jobType or core.ErrNotFound.
func (r *CronJobRepo) GetByType(ctx context.Context, jobType model.CronJobType) (*model.CronJob, error) {
	row, err := pgxutil.CollectOne[cronJobRow](ctx, r.DB, pgxutil.Query{
		SQL:  `SELECT ` + cronJobColumns + ` FROM cron_jobs WHERE cron_job_type = $1`,
		Args: []any{string(jobType)},
	})
	if err != nil {
		return nil, fmt.Errorf("get cron job %s: %w", jobType, err)
	}
	if row == nil {
		return nil, core.ErrNotFound
	}
	return row.toModel(), nil
}
