package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/domain/model"
)

// ErrEmptyBatch is returned when EnsureBatch is called without payouts.
var ErrEmptyBatch = errors.New("payout batch must contain at least one payout")

// PayoutBatcherOptions groups dependencies for PayoutBatcher.
type PayoutBatcherOptions struct {
	Repo   core.EscrowPayoutsBatchRepository // Required
	Logger *slog.Logger
}

// PayoutBatcher persists content-addressed payout batches and the nonce each is broadcast with.
type PayoutBatcher struct {
	repo   core.EscrowPayoutsBatchRepository
	logger *slog.Logger
}

// NewPayoutBatcher constructs a PayoutBatcher.
func NewPayoutBatcher(opts PayoutBatcherOptions) (*PayoutBatcher, error) {
	if opts.Repo == nil {
		return nil, errors.New("EscrowPayoutsBatchRepository is required")
	}
	return &PayoutBatcher{repo: opts.Repo, logger: componentLogger(opts.Logger, "payout_batcher")}, nil
}

// CanonicalPayouts returns the stored form of payouts and its hash.
// Order is preserved: the same payouts in a different order hash differently.
func CanonicalPayouts(payouts []model.Payout) ([]byte, string, error) {
	normalized := make([]model.Payout, len(payouts))
	for i, p := range payouts {
		if err := p.Validate(); err != nil {
			return nil, "", fmt.Errorf("payout %d: %w", i, err)
		}
		normalized[i] = p
	}
	hash, canonical, err := contentHash(normalized)
	if err != nil {
		return nil, "", err
	}
	return canonical, hash, nil
}

// EnsureBatch returns the batch for (escrowCompletionID, payouts), creating it on first use.
func (b *PayoutBatcher) EnsureBatch(
	ctx context.Context,
	escrowCompletionID int64,
	payouts []model.Payout,
) (*model.EscrowPayoutsBatch, error) {
	if len(payouts) == 0 {
		return nil, ErrEmptyBatch
	}
	canonical, hash, err := CanonicalPayouts(payouts)
	if err != nil {
		return nil, err
	}

	batch, created, err := b.repo.CreateIfAbsent(ctx, core.CreatePayoutsBatchParams{
		EscrowCompletionID: escrowCompletionID,
		Payouts:            canonical,
		PayoutsHash:        hash,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure payouts batch: %w", err)
	}
	if created {
		b.logger.DebugContext(ctx, "payouts batch created",
			"escrow_completion_id", escrowCompletionID,
			"batch_id", batch.ID,
			"payouts_hash", hash,
			"payouts", len(payouts),
		)
	}
	return batch, nil
}

// RecordSubmission persists the nonce for batch before it is broadcast.
// Recording the same nonce again is a no-op; a different nonce yields ErrNonceConflict.
func (b *PayoutBatcher) RecordSubmission(
	ctx context.Context,
	batch *model.EscrowPayoutsBatch,
	nonce uint64,
) (*model.EscrowPayoutsBatch, error) {
	if batch == nil {
		return nil, errors.New("batch is required")
	}
	ok, err := b.repo.SetNonce(ctx, core.SetBatchNonceParams{ID: batch.ID, Nonce: nonce})
	if err != nil {
		return nil, fmt.Errorf("record batch %d nonce: %w", batch.ID, err)
	}
	if !ok {
		existing := "unknown"
		if current, getErr := b.repo.GetByID(ctx, batch.ID); getErr == nil && current.TxNonce != nil {
			existing = fmt.Sprintf("%d", *current.TxNonce)
		}
		return nil, fmt.Errorf("%w: batch %d holds nonce %s, refused %d", ErrNonceConflict, batch.ID, existing, nonce)
	}

	updated := *batch
	updated.TxNonce = &nonce
	return &updated, nil
}

// AbandonSubmission clears the nonce of a batch whose broadcast never left the
// node, so the next attempt reserves a fresh one. Reports whether it was cleared.
func (b *PayoutBatcher) AbandonSubmission(ctx context.Context, batch *model.EscrowPayoutsBatch) (bool, error) {
	if batch == nil || batch.TxNonce == nil {
		return false, nil
	}
	ok, err := b.repo.ClearNonce(ctx, core.SetBatchNonceParams{ID: batch.ID, Nonce: *batch.TxNonce})
	if err != nil {
		return false, fmt.Errorf("clear batch %d nonce: %w", batch.ID, err)
	}
	return ok, nil
}

// ListForCompletion returns every batch created for an escrow completion, oldest first.
func (b *PayoutBatcher) ListForCompletion(ctx context.Context, escrowCompletionID int64) ([]*model.EscrowPayoutsBatch, error) {
	batches, err := b.repo.ListByCompletion(ctx, escrowCompletionID)
	if err != nil {
		return nil, fmt.Errorf("list payouts batches: %w", err)
	}
	return batches, nil
}
