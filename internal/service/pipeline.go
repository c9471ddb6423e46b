package service

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // content address, not a security boundary
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/target/escrow-settlement/internal/domain/model"
	"github.com/target/escrow-settlement/internal/observability/metrics"
	"github.com/target/escrow-settlement/internal/observability/notify"
	"github.com/target/escrow-settlement/internal/observability/statsd"
)

// OutcomeKind is the result of processing one due row.
type OutcomeKind string

const (
	OutcomePaid           OutcomeKind = "paid"
	OutcomeCompleted      OutcomeKind = "completed"
	OutcomeSent           OutcomeKind = "sent"
	OutcomeRetryScheduled OutcomeKind = "retry_scheduled"
	OutcomeFailed         OutcomeKind = "failed"
	// OutcomeStale means another worker moved the row first.
	OutcomeStale OutcomeKind = "stale"
	// OutcomeLogicError is an invariant violation. The row is left untouched for inspection.
	OutcomeLogicError OutcomeKind = "logic_error"
	// OutcomeError means even the retry bookkeeping could not be written.
	OutcomeError OutcomeKind = "error"
	// OutcomeSkipped means the run was cancelled before the row was attempted.
	OutcomeSkipped OutcomeKind = "skipped"
)

// Outcome reports what happened to a single row during ProcessDue.
type Outcome struct {
	ID      int64
	Kind    OutcomeKind
	ErrorID string
	Err     error
}

// FailureNotifier receives terminal failures.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, payload notify.FailurePayload)
}

// ErrNonceConflict is returned when a batch already carries a different nonce.
var ErrNonceConflict = errors.New("payout batch already recorded with a different nonce")

// isLogicError reports errors that indicate a broken invariant rather than a
// transient condition. They are surfaced, not retried.
func isLogicError(err error) bool {
	return errors.Is(err, ErrNonceConflict) || errors.Is(err, model.ErrInvalidTransition)
}

func newErrorID() string {
	return uuid.NewString()
}

// failureDetail renders the persisted failure_detail for err.
func failureDetail(err error, errorID string) string {
	return fmt.Sprintf("%s (Error ID: %s)", err.Error(), errorID)
}

// processRows runs fn for every row on a pool of at most concurrency goroutines.
// Rows not yet started when ctx is done are reported as skipped under their id.
func processRows[T any](
	ctx context.Context,
	rows []T,
	concurrency int,
	rowID func(T) int64,
	fn func(context.Context, T) Outcome,
) []Outcome {
	outcomes := make([]Outcome, len(rows))
	var g errgroup.Group
	g.SetLimit(max(concurrency, 1))
	for i, row := range rows {
		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes[i] = Outcome{ID: rowID(row), Kind: OutcomeSkipped, Err: ctx.Err()}
				return nil
			}
			outcomes[i] = fn(ctx, row)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func emitOutcomes(sink statsd.Sink, task string, outcomes []Outcome) {
	for _, o := range outcomes {
		metrics.EmitRowOutcome(sink, task, string(o.Kind))
	}
}

// stableJSON marshals v with object keys sorted at every level.
func stableJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// contentHash returns hex(sha1(stableJSON(v))).
func contentHash(v any) (string, []byte, error) {
	canonical, err := stableJSON(v)
	if err != nil {
		return "", nil, fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha1.Sum(canonical) //nolint:gosec // content address
	return hex.EncodeToString(sum[:]), canonical, nil
}

func defaultNow() time.Time {
	return time.Now().UTC()
}

func componentLogger(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}
