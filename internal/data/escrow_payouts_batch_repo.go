package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/data/pgxutil"
	"github.com/target/escrow-settlement/internal/domain/model"
)

// EscrowPayoutsBatchRepo persists content-addressed payout batches.
// Payouts and hash are immutable once written; only tx_nonce is ever filled in.
type EscrowPayoutsBatchRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewEscrowPayoutsBatchRepo creates an EscrowPayoutsBatchRepo backed by db.
func NewEscrowPayoutsBatchRepo(db *sql.DB) *EscrowPayoutsBatchRepo {
	return &EscrowPayoutsBatchRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewEscrowPayoutsBatchRepoWithTimeProvider creates an EscrowPayoutsBatchRepo with a custom TimeProvider.
func NewEscrowPayoutsBatchRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *EscrowPayoutsBatchRepo {
	return &EscrowPayoutsBatchRepo{DB: db, timeProvider: tp}
}

const payoutsBatchColumns = `
	id, escrow_completion_tracking_id, payouts, payouts_hash, tx_nonce, created_at, updated_at`

type payoutsBatchRow struct {
	ID                 int64     `db:"id"`
	EscrowCompletionID int64     `db:"escrow_completion_tracking_id"`
	Payouts            []byte    `db:"payouts"`
	PayoutsHash        string    `db:"payouts_hash"`
	TxNonce            *int64    `db:"tx_nonce"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func (r *payoutsBatchRow) toModel() (*model.EscrowPayoutsBatch, error) {
	var payouts []model.Payout
	if err := json.Unmarshal(r.Payouts, &payouts); err != nil {
		return nil, fmt.Errorf("decode payouts of batch %d: %w", r.ID, err)
	}
	b := &model.EscrowPayoutsBatch{
		ID:                 r.ID,
		EscrowCompletionID: r.EscrowCompletionID,
		Payouts:            payouts,
		PayoutsHash:        r.PayoutsHash,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	if r.TxNonce != nil {
		n := uint64(*r.TxNonce) // #nosec G115 -- column has CHECK (tx_nonce >= 0).
		b.TxNonce = &n
	}
	return b, nil
}

// CreateIfAbsent inserts the batch or returns the row already stored for (completion, hash).
func (r *EscrowPayoutsBatchRepo) CreateIfAbsent(
	ctx context.Context,
	params core.CreatePayoutsBatchParams,
) (*model.EscrowPayoutsBatch, bool, error) {
	if params.PayoutsHash == "" {
		return nil, false, errors.New("payouts hash is required")
	}
	now := r.timeProvider.Now().UTC()

	row, err := pgxutil.CollectOne[payoutsBatchRow](ctx, r.DB, pgxutil.Query{
		SQL: `
			INSERT INTO escrow_payouts_batch
				(escrow_completion_tracking_id, payouts, payouts_hash, created_at, updated_at)
			VALUES ($1, $2::jsonb, $3, $4, $4)
			ON CONFLICT (escrow_completion_tracking_id, payouts_hash) DO NOTHING
			RETURNING ` + payoutsBatchColumns,
		Args: []any{params.EscrowCompletionID, string(params.Payouts), params.PayoutsHash, now},
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert payouts batch: %w", err)
	}
	created := row != nil
	if !created {
		row, err = pgxutil.CollectOne[payoutsBatchRow](ctx, r.DB, pgxutil.Query{
			SQL: `SELECT ` + payoutsBatchColumns + ` FROM escrow_payouts_batch
				WHERE escrow_completion_tracking_id = $1 AND payouts_hash = $2`,
			Args: []any{params.EscrowCompletionID, params.PayoutsHash},
		})
		if err != nil {
			return nil, false, fmt.Errorf("select payouts batch: %w", err)
		}
		if row == nil {
			return nil, false, fmt.Errorf("payouts batch %s vanished after conflict: %w", params.PayoutsHash, core.ErrNotFound)
		}
	}
	batch, err := row.toModel()
	if err != nil {
		return nil, false, err
	}
	return batch, created, nil
}

// SetNonce writes tx_nonce when it is unset or already equal.
// Returns (false, nil) when a different nonce is stored and core.ErrNotFound for unknown ids.
func (r *EscrowPayoutsBatchRepo) SetNonce(ctx context.Context, params core.SetBatchNonceParams) (bool, error) {
	if params.Nonce > math.MaxInt64 {
		return false, ErrNonceOutOfRange
	}
	nonce := int64(params.Nonce)

	res, err := r.DB.ExecContext(ctx, `
		UPDATE escrow_payouts_batch
		SET tx_nonce = $2, updated_at = $3
		WHERE id = $1 AND (tx_nonce IS NULL OR tx_nonce = $2)`,
		params.ID, nonce, r.timeProvider.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("set batch nonce %d: %w", params.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err = r.GetByID(ctx, params.ID); err != nil {
		return false, err
	}
	return false, nil
}

// ClearNonce sets tx_nonce back to NULL when it still holds params.Nonce.
func (r *EscrowPayoutsBatchRepo) ClearNonce(ctx context.Context, params core.SetBatchNonceParams) (bool, error) {
	if params.Nonce > math.MaxInt64 {
		return false, ErrNonceOutOfRange
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE escrow_payouts_batch
		SET tx_nonce = NULL, updated_at = $3
		WHERE id = $1 AND tx_nonce = $2`,
		params.ID, int64(params.Nonce), r.timeProvider.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("clear batch nonce %d: %w", params.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// GetByID returns the batch or core.ErrNotFound.
func (r *EscrowPayoutsBatchRepo) GetByID(ctx context.Context, id int64) (*model.EscrowPayoutsBatch, error) {
	row, err := pgxutil.CollectOne[payoutsBatchRow](ctx, r.DB, pgxutil.Query{
		SQL:  `SELECT ` + payoutsBatchColumns + ` FROM escrow_payouts_batch WHERE id = $1`,
		Args: []any{id},
	})
	if err != nil {
		return nil, fmt.Errorf("get payouts batch %d: %w", id, err)
	}
	if row == nil {
		return nil, core.ErrNotFound
	}
	return row.toModel()
}

// ListByCompletion returns every batch of a completion in creation order.
func (r *EscrowPayoutsBatchRepo) ListByCompletion(
	ctx context.Context,
	escrowCompletionID int64,
) ([]*model.EscrowPayoutsBatch, error) {
	rows, err := pgxutil.CollectAll[payoutsBatchRow](ctx, r.DB, pgxutil.Query{
		SQL: `SELECT ` + payoutsBatchColumns + ` FROM escrow_payouts_batch
			WHERE escrow_completion_tracking_id = $1 ORDER BY id ASC`,
		Args: []any{escrowCompletionID},
	})
	if err != nil {
		return nil, fmt.Errorf("list payouts batches of %d: %w", escrowCompletionID, err)
	}
	out := make([]*model.EscrowPayoutsBatch, 0, len(rows))
	for i := range rows {
		b, convErr := rows[i].toModel()
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, b)
	}
	return out, nil
}
