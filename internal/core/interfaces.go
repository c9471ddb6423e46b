package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/target/escrow-settlement/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Services depend on these interfaces; internal/data provides the PostgreSQL implementations.

var (
	// ErrStaleTransition is returned when a conditional update matched no row because
	// another worker already moved it out of the expected status.
	ErrStaleTransition = errors.New("row is no longer in the expected status")
	// ErrLockLost is returned when releasing a cron lock that was reclaimed by another holder.
	ErrLockLost = errors.New("cron lock was reclaimed by another holder")
	// ErrNotFound is returned by single-row lookups that match nothing.
	ErrNotFound = errors.New("not found")
)

// FindDueParams bounds a scan for rows eligible for processing.
type FindDueParams struct {
	Now   time.Time
	Limit int
}

// AcquireCronJobParams groups parameters for CronJobRepository.TryAcquire.
type AcquireCronJobParams struct {
	Type       model.CronJobType
	Now        time.Time
	StaleAfter time.Duration
}

// ReleaseCronJobParams identifies the claim being released.
type ReleaseCronJobParams struct {
	ID        int64
	StartedAt time.Time
	Now       time.Time
}

// CronJobRepository persists the single-flight lock for recurring tasks.
type CronJobRepository interface {
	// TryAcquire claims the lock for a job type. Return semantics:
	//   - (job, true, nil): lock claimed (fresh, released, or reclaimed from a stale holder)
	//   - (nil, false, nil): lock held by a live holder
	//   - (nil, false, err): storage failure
	TryAcquire(ctx context.Context, params AcquireCronJobParams) (*model.CronJob, bool, error)
	// Release marks the claim complete. Returns ErrLockLost if started_at no longer matches.
	Release(ctx context.Context, params ReleaseCronJobParams) error
	GetByType(ctx context.Context, jobType model.CronJobType) (*model.CronJob, error)
}

// SetFinalResultsParams records final results on a tracking row.
type SetFinalResultsParams struct {
	ID   int64
	URL  string
	Hash string
}

// EscrowTransitionParams describes a conditional status change.
// FailureDetail and RetriesCount are written only when non-nil.
type EscrowTransitionParams struct {
	ID            int64
	From          model.EscrowCompletionStatus
	To            model.EscrowCompletionStatus
	FailureDetail *string
	RetriesCount  *int
}

// RetryParams schedules another attempt for a row still in status From.
type RetryParams[S ~string] struct {
	ID            int64
	From          S
	RetriesCount  int
	WaitUntil     time.Time
	FailureDetail string
}

// EscrowCompletionRepository persists escrow completion tracking rows.
type EscrowCompletionRepository interface {
	// CreateIfAbsent inserts a pending row unless one exists for (chain_id, escrow_address).
	// The bool reports whether a row was created; the existing row is returned otherwise.
	CreateIfAbsent(ctx context.Context, req model.CreateEscrowCompletionRequest) (*model.EscrowCompletion, bool, error)
	GetByID(ctx context.Context, id int64) (*model.EscrowCompletion, error)
	GetByEscrow(ctx context.Context, chainID int64, escrowAddress string) (*model.EscrowCompletion, error)
	// FindDue returns pending and paid rows with wait_until <= now, oldest first.
	FindDue(ctx context.Context, params FindDueParams) ([]*model.EscrowCompletion, error)
	// SetFinalResults fills final_results_url/hash only when they are not yet set.
	SetFinalResults(ctx context.Context, params SetFinalResultsParams) error
	Transition(ctx context.Context, params EscrowTransitionParams) error
	ScheduleRetry(ctx context.Context, params RetryParams[model.EscrowCompletionStatus]) error
}

// CreatePayoutsBatchParams is the immutable content of a new batch.
type CreatePayoutsBatchParams struct {
	EscrowCompletionID int64
	Payouts            json.RawMessage
	PayoutsHash        string
}

// SetBatchNonceParams records the nonce a batch was (or will be) broadcast with.
type SetBatchNonceParams struct {
	ID    int64
	Nonce uint64
}

// EscrowPayoutsBatchRepository persists content-addressed payout batches.
type EscrowPayoutsBatchRepository interface {
	// CreateIfAbsent inserts the batch unless (completion, hash) exists and returns the stored row.
	CreateIfAbsent(ctx context.Context, params CreatePayoutsBatchParams) (*model.EscrowPayoutsBatch, bool, error)
	// SetNonce writes tx_nonce when it is NULL or already equal to Nonce.
	// Returns (false, nil) when a different nonce is recorded.
	SetNonce(ctx context.Context, params SetBatchNonceParams) (bool, error)
	// ClearNonce unsets tx_nonce when it still equals Nonce, for a batch that was never broadcast.
	// Returns (false, nil) when another nonce or none is recorded.
	ClearNonce(ctx context.Context, params SetBatchNonceParams) (bool, error)
	GetByID(ctx context.Context, id int64) (*model.EscrowPayoutsBatch, error)
	ListByCompletion(ctx context.Context, escrowCompletionID int64) ([]*model.EscrowPayoutsBatch, error)
}

// CreateOutgoingWebhookParams is the immutable content of an outgoing webhook.
type CreateOutgoingWebhookParams struct {
	Hash    string
	URL     string
	Payload json.RawMessage
}

// OutgoingWebhookTransitionParams describes a conditional status change of an outgoing webhook.
type OutgoingWebhookTransitionParams struct {
	ID            int64
	From          model.OutgoingWebhookStatus
	To            model.OutgoingWebhookStatus
	FailureDetail *string
	RetriesCount  *int
}

// OutgoingWebhookRepository persists outgoing webhook deliveries.
type OutgoingWebhookRepository interface {
	CreateIfAbsent(ctx context.Context, params CreateOutgoingWebhookParams) (*model.OutgoingWebhook, bool, error)
	GetByHash(ctx context.Context, hash string) (*model.OutgoingWebhook, error)
	FindDue(ctx context.Context, params FindDueParams) ([]*model.OutgoingWebhook, error)
	Transition(ctx context.Context, params OutgoingWebhookTransitionParams) error
	ScheduleRetry(ctx context.Context, params RetryParams[model.OutgoingWebhookStatus]) error
}

// IncomingWebhookTransitionParams describes a conditional status change of an incoming webhook.
type IncomingWebhookTransitionParams struct {
	ID            int64
	From          model.IncomingWebhookStatus
	To            model.IncomingWebhookStatus
	FailureDetail *string
	RetriesCount  *int
}

// IncomingWebhookRepository persists received webhooks.
type IncomingWebhookRepository interface {
	CreateIfAbsent(ctx context.Context, req model.IncomingWebhookRequest) (*model.IncomingWebhook, bool, error)
	GetByID(ctx context.Context, id int64) (*model.IncomingWebhook, error)
	FindDue(ctx context.Context, params FindDueParams) ([]*model.IncomingWebhook, error)
	Transition(ctx context.Context, params IncomingWebhookTransitionParams) error
	ScheduleRetry(ctx context.Context, params RetryParams[model.IncomingWebhookStatus]) error
}
