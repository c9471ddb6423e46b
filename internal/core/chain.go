package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/target/escrow-settlement/internal/domain/model"
)

// ChainErrorKind classifies chain client failures for retry decisions.
type ChainErrorKind string

const (
	// ChainErrorTransient is retried with backoff (RPC timeouts, gas spikes, dropped connections).
	ChainErrorTransient ChainErrorKind = "transient"
	// ChainErrorPermanent fails the row immediately (invalid escrow state, reverted call).
	ChainErrorPermanent ChainErrorKind = "permanent"
	// ChainErrorNonceConsumed means a transaction with that nonce was already mined.
	ChainErrorNonceConsumed ChainErrorKind = "nonce_consumed"
	// ChainErrorNotFinal means on-chain state does not yet reflect submitted payouts.
	ChainErrorNotFinal ChainErrorKind = "not_final"
)

// ChainError is the error type returned by ChainClient implementations.
type ChainError struct {
	Kind ChainErrorKind
	Op   string
	Err  error
}

// Error implements error.
func (e *ChainError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chain %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("chain %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *ChainError) Unwrap() error { return e.Err }

// NewChainError wraps err with a classification.
func NewChainError(kind ChainErrorKind, op string, err error) *ChainError {
	return &ChainError{Kind: kind, Op: op, Err: err}
}

func chainErrorKind(err error) (ChainErrorKind, bool) {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// IsPermanent reports whether err is a non-retryable chain failure.
func IsPermanent(err error) bool {
	kind, ok := chainErrorKind(err)
	return ok && kind == ChainErrorPermanent
}

// IsNonceConsumed reports whether the chain rejected a broadcast because the nonce was already used.
func IsNonceConsumed(err error) bool {
	kind, ok := chainErrorKind(err)
	return ok && kind == ChainErrorNonceConsumed
}

// IsNotFinal reports whether the chain has not yet caught up with submitted payouts.
func IsNotFinal(err error) bool {
	kind, ok := chainErrorKind(err)
	return ok && kind == ChainErrorNotFinal
}

// ChainClient is the boundary to the escrow contracts.
type ChainClient interface {
	// GetFinalResults returns the payouts for a completed escrow, sorted by address.
	GetFinalResults(ctx context.Context, chainID int64, escrowAddress string) (model.FinalResults, error)
	// ReserveNonce hands out the next nonce for the signer on chainID.
	ReserveNonce(ctx context.Context, chainID int64) (uint64, error)
	// ReleaseNonce returns a reserved nonce that was never broadcast so it is handed out again.
	// released is false when the chain already holds a transaction with that nonce.
	ReleaseNonce(ctx context.Context, chainID int64, nonce uint64) (released bool, err error)
	// SubmitPayouts broadcasts a bulk payout with sub.Nonce and returns the nonce used.
	SubmitPayouts(ctx context.Context, sub model.PayoutSubmission) (uint64, error)
	// CompleteEscrow finalises the escrow once every payout nonce is mined.
	// Already-complete escrows, and partially paid escrows with nothing left
	// in flight, are a no-op.
	CompleteEscrow(ctx context.Context, fin model.EscrowFinalization) error
	// NotificationURLs returns the webhook URLs of the parties to notify on completion.
	NotificationURLs(ctx context.Context, chainID int64, escrowAddress string) ([]string, error)
}
