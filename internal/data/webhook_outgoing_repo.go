package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/data/pgxutil"
	"github.com/target/escrow-settlement/internal/domain/model"
)

const outgoingWebhookTable statusTable = "webhook_outgoing"

// OutgoingWebhookRepo persists outgoing webhook deliveries keyed by content hash.
type OutgoingWebhookRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewOutgoingWebhookRepo creates an OutgoingWebhookRepo backed by db.
func NewOutgoingWebhookRepo(db *sql.DB) *OutgoingWebhookRepo {
	return &OutgoingWebhookRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewOutgoingWebhookRepoWithTimeProvider creates an OutgoingWebhookRepo with a custom TimeProvider.
func NewOutgoingWebhookRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *OutgoingWebhookRepo {
	return &OutgoingWebhookRepo{DB: db, timeProvider: tp}
}

const outgoingWebhookColumns = `
	id, hash, url, payload, status, retries_count, wait_until, failure_detail, created_at, updated_at`

type outgoingWebhookRow struct {
	ID            int64     `db:"id"`
	Hash          string    `db:"hash"`
	URL           string    `db:"url"`
	Payload       []byte    `db:"payload"`
	Status        string    `db:"status"`
	RetriesCount  int       `db:"retries_count"`
	WaitUntil     time.Time `db:"wait_until"`
	FailureDetail *string   `db:"failure_detail"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r *outgoingWebhookRow) toModel() *model.OutgoingWebhook {
	return &model.OutgoingWebhook{
		ID:            r.ID,
		Hash:          r.Hash,
		URL:           r.URL,
		Payload:       r.Payload,
		Status:        model.OutgoingWebhookStatus(r.Status),
		RetriesCount:  r.RetriesCount,
		WaitUntil:     r.WaitUntil.UTC(),
		FailureDetail: r.FailureDetail,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

// CreateIfAbsent stores a pending delivery unless one with the same hash exists.
func (r *OutgoingWebhookRepo) CreateIfAbsent(
	ctx context.Context,
	params core.CreateOutgoingWebhookParams,
) (*model.OutgoingWebhook, bool, error) {
	if strings.TrimSpace(params.Hash) == "" || strings.TrimSpace(params.URL) == "" {
		return nil, false, errors.New("hash and url are required")
	}
	now := r.timeProvider.Now().UTC()

	row, err := pgxutil.CollectOne[outgoingWebhookRow](ctx, r.DB, pgxutil.Query{
		SQL: `
			INSERT INTO webhook_outgoing
				(hash, url, payload, status, retries_count, wait_until, created_at, updated_at)
			VALUES ($1, $2, $3::jsonb, $4, 0, $5, $5, $5)
			ON CONFLICT (hash) DO NOTHING
			RETURNING ` + outgoingWebhookColumns,
		Args: []any{params.Hash, params.URL, string(params.Payload), string(model.OutgoingWebhookStatusPending), now},
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert outgoing webhook: %w", err)
	}
	if row != nil {
		return row.toModel(), true, nil
	}
	existing, err := r.GetByHash(ctx, params.Hash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByHash returns the delivery or core.ErrNotFound.
func (r *OutgoingWebhookRepo) GetByHash(ctx context.Context, hash string) (*model.OutgoingWebhook, error) {
	row, err := pgxutil.CollectOne[outgoingWebhookRow](ctx, r.DB, pgxutil.Query{
		SQL:  `SELECT ` + outgoingWebhookColumns + ` FROM webhook_outgoing WHERE hash = $1`,
		Args: []any{hash},
	})
	if err != nil {
		return nil, fmt.Errorf("get outgoing webhook %s: %w", hash, err)
	}
	if row == nil {
		return nil, core.ErrNotFound
	}
	return row.toModel(), nil
}

// FindDue returns pending deliveries whose wait_until has passed, oldest first.
func (r *OutgoingWebhookRepo) FindDue(ctx context.Context, params core.FindDueParams) ([]*model.OutgoingWebhook, error) {
	if err := checkLimit(params.Limit); err != nil {
		return nil, err
	}
	rows, err := pgxutil.CollectAll[outgoingWebhookRow](ctx, r.DB, pgxutil.Query{
		SQL: `
			SELECT ` + outgoingWebhookColumns + `
			FROM webhook_outgoing
			WHERE status = $1 AND wait_until <= $2
			ORDER BY wait_until ASC, id ASC
			LIMIT $3`,
		Args: []any{string(model.OutgoingWebhookStatusPending), timeOr(params.Now, r.timeProvider), params.Limit},
	})
	if err != nil {
		return nil, fmt.Errorf("query due outgoing webhooks: %w", err)
	}
	out := make([]*model.OutgoingWebhook, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// Transition moves the delivery from params.From to params.To.
func (r *OutgoingWebhookRepo) Transition(ctx context.Context, params core.OutgoingWebhookTransitionParams) error {
	return outgoingWebhookTable.transition(ctx, r.DB, transitionArgs{
		id:            params.ID,
		from:          string(params.From),
		to:            string(params.To),
		failureDetail: params.FailureDetail,
		retriesCount:  params.RetriesCount,
		now:           r.timeProvider.Now().UTC(),
	})
}

// ScheduleRetry records a failed attempt and pushes wait_until forward.
func (r *OutgoingWebhookRepo) ScheduleRetry(
	ctx context.Context,
	params core.RetryParams[model.OutgoingWebhookStatus],
) error {
	return outgoingWebhookTable.scheduleRetry(ctx, r.DB, retryArgs{
		id:            params.ID,
		from:          string(params.From),
		retriesCount:  params.RetriesCount,
		waitUntil:     params.WaitUntil,
		failureDetail: params.FailureDetail,
		now:           r.timeProvider.Now().UTC(),
	})
}
