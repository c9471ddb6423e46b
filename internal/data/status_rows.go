package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/target/escrow-settlement/internal/core"
)

// statusTable implements the conditional status updates shared by every retrying entity.
// Each update matches on (id, expected status); no match yields core.ErrStaleTransition.
type statusTable string

type transitionArgs struct {
	id            int64
	from, to      string
	failureDetail *string
	retriesCount  *int
	now           time.Time
}

func (t statusTable) transition(ctx context.Context, db *sql.DB, a transitionArgs) error {
	query := `
		UPDATE ` + string(t) + `
		SET status = $3,
			failure_detail = COALESCE($4::text, failure_detail),
			retries_count = COALESCE($5::int, retries_count),
			updated_at = $6
		WHERE id = $1 AND status = $2`

	res, err := db.ExecContext(ctx, query, a.id, a.from, a.to, a.failureDetail, a.retriesCount, a.now)
	if err != nil {
		return fmt.Errorf("transition %s %d %s->%s: %w", t, a.id, a.from, a.to, err)
	}
	return expectOneRow(res, core.ErrStaleTransition)
}

type retryArgs struct {
	id            int64
	from          string
	retriesCount  int
	waitUntil     time.Time
	failureDetail string
	now           time.Time
}

func (t statusTable) scheduleRetry(ctx context.Context, db *sql.DB, a retryArgs) error {
	query := `
		UPDATE ` + string(t) + `
		SET retries_count = $3,
			wait_until = $4,
			failure_detail = NULLIF($5, ''),
			updated_at = $6
		WHERE id = $1 AND status = $2`

	res, err := db.ExecContext(ctx, query, a.id, a.from, a.retriesCount, a.waitUntil.UTC(), a.failureDetail, a.now)
	if err != nil {
		return fmt.Errorf("schedule retry %s %d: %w", t, a.id, err)
	}
	return expectOneRow(res, core.ErrStaleTransition)
}

func expectOneRow(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return none
	}
	return nil
}

func checkLimit(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("%w, got %d", ErrLimitRequired, limit)
	}
	return nil
}
