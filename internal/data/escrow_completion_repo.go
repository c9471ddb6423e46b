package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/data/pgxutil"
	"github.com/target/escrow-settlement/internal/domain/model"
)

const escrowCompletionTable statusTable = "escrow_completion_tracking"

// EscrowCompletionRepo persists escrow completion tracking rows.
type EscrowCompletionRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewEscrowCompletionRepo creates an EscrowCompletionRepo backed by db.
func NewEscrowCompletionRepo(db *sql.DB) *EscrowCompletionRepo {
	return &EscrowCompletionRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewEscrowCompletionRepoWithTimeProvider creates an EscrowCompletionRepo with a custom TimeProvider.
func NewEscrowCompletionRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *EscrowCompletionRepo {
	return &EscrowCompletionRepo{DB: db, timeProvider: tp}
}

const escrowCompletionColumns = `
	id, chain_id, escrow_address, final_results_url, final_results_hash, failure_detail,
	retries_count, wait_until, status, created_at, updated_at`

type escrowCompletionRow struct {
	ID               int64     `db:"id"`
	ChainID          int64     `db:"chain_id"`
	EscrowAddress    string    `db:"escrow_address"`
	FinalResultsURL  *string   `db:"final_results_url"`
	FinalResultsHash *string   `db:"final_results_hash"`
	FailureDetail    *string   `db:"failure_detail"`
	RetriesCount     int       `db:"retries_count"`
	WaitUntil        time.Time `db:"wait_until"`
	Status           string    `db:"status"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r *escrowCompletionRow) toModel() *model.EscrowCompletion {
	return &model.EscrowCompletion{
		ID:               r.ID,
		ChainID:          r.ChainID,
		EscrowAddress:    r.EscrowAddress,
		FinalResultsURL:  r.FinalResultsURL,
		FinalResultsHash: r.FinalResultsHash,
		FailureDetail:    r.FailureDetail,
		RetriesCount:     r.RetriesCount,
		WaitUntil:        r.WaitUntil.UTC(),
		Status:           model.EscrowCompletionStatus(r.Status),
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func escrowCompletionModels(rows []escrowCompletionRow) []*model.EscrowCompletion {
	out := make([]*model.EscrowCompletion, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out
}

// CreateIfAbsent inserts a pending row that is immediately due.
// When (chain_id, escrow_address) already exists the stored row is returned with created=false.
func (r *EscrowCompletionRepo) CreateIfAbsent(
	ctx context.Context,
	req model.CreateEscrowCompletionRequest,
) (*model.EscrowCompletion, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	now := r.timeProvider.Now().UTC()

	row, err := pgxutil.CollectOne[escrowCompletionRow](ctx, r.DB, pgxutil.Query{
		SQL: `
			INSERT INTO escrow_completion_tracking
				(chain_id, escrow_address, final_results_url, retries_count, wait_until, status, created_at, updated_at)
			VALUES ($1, $2, NULLIF($3, ''), 0, $4, $5, $4, $4)
			ON CONFLICT (chain_id, escrow_address) DO NOTHING
			RETURNING ` + escrowCompletionColumns,
		Args: []any{req.ChainID, req.EscrowAddress, req.FinalResultsURL, now, string(model.EscrowCompletionStatusPending)},
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert escrow completion: %w", err)
	}
	if row != nil {
		return row.toModel(), true, nil
	}

	existing, err := r.GetByEscrow(ctx, req.ChainID, req.EscrowAddress)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByID returns the row or core.ErrNotFound.
func (r *EscrowCompletionRepo) GetByID(ctx context.Context, id int64) (*model.EscrowCompletion, error) {
	row, err := pgxutil.CollectOne[escrowCompletionRow](ctx, r.DB, pgxutil.Query{
		SQL:  `SELECT ` + escrowCompletionColumns + ` FROM escrow_completion_tracking WHERE id = $1`,
		Args: []any{id},
	})
	if err != nil {
		return nil, fmt.Errorf("get escrow completion %d: %w", id, err)
	}
	if row == nil {
		return nil, core.ErrNotFound
	}
	return row.toModel(), nil
}

// GetByEscrow returns the row for the natural key or core.ErrNotFound.
func (r *EscrowCompletionRepo) GetByEscrow(
	ctx context.Context,
	chainID int64,
	escrowAddress string,
) (*model.EscrowCompletion, error) {
	addr, err := model.NormalizeAddress(escrowAddress)
	if err != nil {
		return nil, err
	}
	row, err := pgxutil.CollectOne[escrowCompletionRow](ctx, r.DB, pgxutil.Query{
		SQL: `SELECT ` + escrowCompletionColumns + `
			FROM escrow_completion_tracking WHERE chain_id = $1 AND escrow_address = $2`,
		Args: []any{chainID, addr},
	})
	if err != nil {
		return nil, fmt.Errorf("get escrow completion %d/%s: %w", chainID, addr, err)
	}
	if row == nil {
		return nil, core.ErrNotFound
	}
	return row.toModel(), nil
}

// FindDue returns pending and paid rows whose wait_until has passed, oldest first.
// Terminal rows are never returned.
func (r *EscrowCompletionRepo) FindDue(ctx context.Context, params core.FindDueParams) ([]*model.EscrowCompletion, error) {
	if err := checkLimit(params.Limit); err != nil {
		return nil, err
	}
	rows, err := pgxutil.CollectAll[escrowCompletionRow](ctx, r.DB, pgxutil.Query{
		SQL: `
			SELECT ` + escrowCompletionColumns + `
			FROM escrow_completion_tracking
			WHERE status IN ($1, $2) AND wait_until <= $3
			ORDER BY wait_until ASC, id ASC
			LIMIT $4`,
		Args: []any{
			string(model.EscrowCompletionStatusPending),
			string(model.EscrowCompletionStatusPaid),
			timeOr(params.Now, r.timeProvider),
			params.Limit,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query due escrow completions: %w", err)
	}
	return escrowCompletionModels(rows), nil
}

// SetFinalResults records the final results location once; later calls leave the row untouched.
func (r *EscrowCompletionRepo) SetFinalResults(ctx context.Context, params core.SetFinalResultsParams) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE escrow_completion_tracking
		SET final_results_url = $2, final_results_hash = $3, updated_at = $4
		WHERE id = $1 AND final_results_url IS NULL`,
		params.ID, params.URL, params.Hash, r.timeProvider.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set final results %d: %w", params.ID, err)
	}
	return nil
}

// Transition moves the row from params.From to params.To.
func (r *EscrowCompletionRepo) Transition(ctx context.Context, params core.EscrowTransitionParams) error {
	return escrowCompletionTable.transition(ctx, r.DB, transitionArgs{
		id:            params.ID,
		from:          string(params.From),
		to:            string(params.To),
		failureDetail: params.FailureDetail,
		retriesCount:  params.RetriesCount,
		now:           r.timeProvider.Now().UTC(),
	})
}

// ScheduleRetry records a failed attempt and pushes wait_until forward.
func (r *EscrowCompletionRepo) ScheduleRetry(
	ctx context.Context,
	params core.RetryParams[model.EscrowCompletionStatus],
) error {
	return escrowCompletionTable.scheduleRetry(ctx, r.DB, retryArgs{
		id:            params.ID,
		from:          string(params.From),
		retriesCount:  params.RetriesCount,
		waitUntil:     params.WaitUntil,
		failureDetail: params.FailureDetail,
		now:           r.timeProvider.Now().UTC(),
	})
}
