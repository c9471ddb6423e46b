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

const incomingWebhookTable statusTable = "webhook_incoming"

// IncomingWebhookRepo persists webhooks received from oracles.
type IncomingWebhookRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewIncomingWebhookRepo creates an IncomingWebhookRepo backed by db.
func NewIncomingWebhookRepo(db *sql.DB) *IncomingWebhookRepo {
	return &IncomingWebhookRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewIncomingWebhookRepoWithTimeProvider creates an IncomingWebhookRepo with a custom TimeProvider.
func NewIncomingWebhookRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *IncomingWebhookRepo {
	return &IncomingWebhookRepo{DB: db, timeProvider: tp}
}

const incomingWebhookColumns = `
	id, chain_id, escrow_address, event_type, results_url, check_passed,
	status, retries_count, wait_until, failure_detail, created_at, updated_at`

type incomingWebhookRow struct {
	ID            int64     `db:"id"`
	ChainID       int64     `db:"chain_id"`
	EscrowAddress string    `db:"escrow_address"`
	EventType     string    `db:"event_type"`
	ResultsURL    *string   `db:"results_url"`
	CheckPassed   *bool     `db:"check_passed"`
	Status        string    `db:"status"`
	RetriesCount  int       `db:"retries_count"`
	WaitUntil     time.Time `db:"wait_until"`
	FailureDetail *string   `db:"failure_detail"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r *incomingWebhookRow) toModel() *model.IncomingWebhook {
	return &model.IncomingWebhook{
		ID:            r.ID,
		ChainID:       r.ChainID,
		EscrowAddress: r.EscrowAddress,
		EventType:     model.WebhookEventType(r.EventType),
		ResultsURL:    r.ResultsURL,
		CheckPassed:   r.CheckPassed,
		Status:        model.IncomingWebhookStatus(r.Status),
		RetriesCount:  r.RetriesCount,
		WaitUntil:     r.WaitUntil.UTC(),
		FailureDetail: r.FailureDetail,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

// CreateIfAbsent stores a pending webhook unless one exists for (chain_id, escrow_address).
func (r *IncomingWebhookRepo) CreateIfAbsent(
	ctx context.Context,
	req model.IncomingWebhookRequest,
) (*model.IncomingWebhook, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	now := r.timeProvider.Now().UTC()

	row, err := pgxutil.CollectOne[incomingWebhookRow](ctx, r.DB, pgxutil.Query{
		SQL: `
			INSERT INTO webhook_incoming
				(chain_id, escrow_address, event_type, results_url, check_passed,
				 status, retries_count, wait_until, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7, $7)
			ON CONFLICT (chain_id, escrow_address) DO NOTHING
			RETURNING ` + incomingWebhookColumns,
		Args: []any{
			req.ChainID, req.EscrowAddress, string(req.EventType), req.ResultsURL, req.CheckPassed,
			string(model.IncomingWebhookStatusPending), now,
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert incoming webhook: %w", err)
	}
	if row != nil {
		return row.toModel(), true, nil
	}

	row, err = pgxutil.CollectOne[incomingWebhookRow](ctx, r.DB, pgxutil.Query{
		SQL: `SELECT ` + incomingWebhookColumns + `
			FROM webhook_incoming WHERE chain_id = $1 AND escrow_address = $2`,
		Args: []any{req.ChainID, req.EscrowAddress},
	})
	if err != nil {
		return nil, false, fmt.Errorf("select incoming webhook: %w", err)
	}
	if row == nil {
		return nil, false, core.ErrNotFound
	}
	return row.toModel(), false, nil
}

// GetByID returns the webhook or core.ErrNotFound.
func (r *IncomingWebhookRepo) GetByID(ctx context.Context, id int64) (*model.IncomingWebhook, error) {
	row, err := pgxutil.CollectOne[incomingWebhookRow](ctx, r.DB, pgxutil.Query{
		SQL:  `SELECT ` + incomingWebhookColumns + ` FROM webhook_incoming WHERE id = $1`,
		Args: []any{id},
	})
	if err != nil {
		return nil, fmt.Errorf("get incoming webhook %d: %w", id, err)
	}
	if row == nil {
		return nil, core.ErrNotFound
	}
	return row.toModel(), nil
}

// FindDue returns pending webhooks whose wait_until has passed, oldest first.
func (r *IncomingWebhookRepo) FindDue(ctx context.Context, params core.FindDueParams) ([]*model.IncomingWebhook, error) {
	if err := checkLimit(params.Limit); err != nil {
		return nil, err
	}
	rows, err := pgxutil.CollectAll[incomingWebhookRow](ctx, r.DB, pgxutil.Query{
		SQL: `
			SELECT ` + incomingWebhookColumns + `
			FROM webhook_incoming
			WHERE status = $1 AND wait_until <= $2
			ORDER BY wait_until ASC, id ASC
			LIMIT $3`,
		Args: []any{string(model.IncomingWebhookStatusPending), timeOr(params.Now, r.timeProvider), params.Limit},
	})
	if err != nil {
		return nil, fmt.Errorf("query due incoming webhooks: %w", err)
	}
	out := make([]*model.IncomingWebhook, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// Transition moves the webhook from params.From to params.To.
func (r *IncomingWebhookRepo) Transition(ctx context.Context, params core.IncomingWebhookTransitionParams) error {
	return incomingWebhookTable.transition(ctx, r.DB, transitionArgs{
		id:            params.ID,
		from:          string(params.From),
		to:            string(params.To),
		failureDetail: params.FailureDetail,
		retriesCount:  params.RetriesCount,
		now:           r.timeProvider.Now().UTC(),
	})
}

// ScheduleRetry records a failed attempt and pushes wait_until forward.
func (r *IncomingWebhookRepo) ScheduleRetry(
	ctx context.Context,
	params core.RetryParams[model.IncomingWebhookStatus],
) error {
	return incomingWebhookTable.scheduleRetry(ctx, r.DB, retryArgs{
		id:            params.ID,
		from:          string(params.From),
		retriesCount:  params.RetriesCount,
		waitUntil:     params.WaitUntil,
		failureDetail: params.FailureDetail,
		now:           r.timeProvider.Now().UTC(),
	})
}
