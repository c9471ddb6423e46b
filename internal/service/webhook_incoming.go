package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/escrow-settlement/config"
	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/domain/model"
	"github.com/target/escrow-settlement/internal/domain/retry"
	obserrors "github.com/target/escrow-settlement/internal/observability/errors"
	"github.com/target/escrow-settlement/internal/observability/metrics"
	"github.com/target/escrow-settlement/internal/observability/notify"
	"github.com/target/escrow-settlement/internal/observability/statsd"
)

// ErrInvalidWebhook wraps validation failures of an inbound webhook.
var ErrInvalidWebhook = errors.New("invalid webhook")

// CompletionRecorder starts escrow completion tracking.
type CompletionRecorder interface {
	RecordCompletionDetected(ctx context.Context, chainID int64, escrowAddress, finalResultsURL string) (bool, error)
}

// IncomingWebhookServiceOptions groups dependencies for IncomingWebhookService.
type IncomingWebhookServiceOptions struct {
	Repo     core.IncomingWebhookRepository // Required
	Escrows  CompletionRecorder             // Required for ProcessDue
	Dedup    *core.DedupGuard               // Optional Redis fast path
	Policy   retry.Policy
	Worker   config.WorkerConfig
	Notifier FailureNotifier
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// IncomingWebhookService accepts oracle notifications and turns them into escrow tracking rows.
type IncomingWebhookService struct {
	repo     core.IncomingWebhookRepository
	escrows  CompletionRecorder
	dedup    *core.DedupGuard
	policy   retry.Policy
	worker   config.WorkerConfig
	notifier FailureNotifier
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewIncomingWebhookService constructs an IncomingWebhookService.
func NewIncomingWebhookService(opts IncomingWebhookServiceOptions) (*IncomingWebhookService, error) {
	if opts.Repo == nil {
		return nil, errors.New("IncomingWebhookRepository is required")
	}
	policy := opts.Policy
	if policy.Threshold == 0 {
		policy = retry.DefaultPolicy()
	}
	worker := opts.Worker
	worker.Sanitize()
	return &IncomingWebhookService{
		repo:     opts.Repo,
		escrows:  opts.Escrows,
		dedup:    opts.Dedup,
		policy:   policy,
		worker:   worker,
		notifier: opts.Notifier,
		logger:   componentLogger(opts.Logger, "incoming_webhooks"),
		metrics:  opts.Metrics,
	}, nil
}

// Receive validates and stores an inbound webhook. Duplicates of an escrow
// already received are acknowledged with created=false and a nil row when the
// dedup guard short-circuits them.
func (s *IncomingWebhookService) Receive(
	ctx context.Context,
	req model.IncomingWebhookRequest,
) (*model.IncomingWebhook, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
	}

	key := fmt.Sprintf("incoming:%d:%s", req.ChainID, req.EscrowAddress)
	if s.dedup != nil {
		first, err := s.dedup.FirstSeen(ctx, key)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "dedup guard unavailable, falling back to database", "error", err)
		case !first:
			s.logger.DebugContext(ctx, "duplicate incoming webhook acknowledged",
				"chain_id", req.ChainID,
				"escrow_address", req.EscrowAddress,
			)
			return nil, false, nil
		}
	}

	row, created, err := s.repo.CreateIfAbsent(ctx, req)
	if err != nil {
		if s.dedup != nil {
			if fErr := s.dedup.Forget(ctx, key); fErr != nil {
				s.logger.WarnContext(ctx, "release dedup key", "error", fErr)
			}
		}
		return nil, false, fmt.Errorf("store incoming webhook: %w", err)
	}
	if created {
		s.logger.InfoContext(ctx, "incoming webhook received",
			"webhook_id", row.ID,
			"chain_id", row.ChainID,
			"escrow_address", row.EscrowAddress,
			"event_type", row.EventType,
		)
	}
	return row, created, nil
}

// ProcessDue converts pending incoming webhooks into escrow completion rows.
func (s *IncomingWebhookService) ProcessDue(ctx context.Context, now time.Time) ([]Outcome, error) {
	if s.escrows == nil {
		return nil, errors.New("CompletionRecorder is required to process incoming webhooks")
	}
	rows, err := s.repo.FindDue(ctx, core.FindDueParams{Now: now, Limit: s.worker.BatchSize})
	if err != nil {
		return nil, fmt.Errorf("find due incoming webhooks: %w", err)
	}
	rowID := func(row *model.IncomingWebhook) int64 { return row.ID }
	outcomes := processRows(ctx, rows, s.worker.Concurrency, rowID, func(ctx context.Context, row *model.IncomingWebhook) Outcome {
		return s.processRow(ctx, row, now)
	})
	emitOutcomes(s.metrics, model.CronJobTypeProcessIncomingWebhook.String(), outcomes)
	return outcomes, nil
}

func (s *IncomingWebhookService) processRow(ctx context.Context, row *model.IncomingWebhook, now time.Time) Outcome {
	resultsURL := ""
	if row.ResultsURL != nil {
		resultsURL = *row.ResultsURL
	}
	if _, err := s.escrows.RecordCompletionDetected(ctx, row.ChainID, row.EscrowAddress, resultsURL); err != nil {
		return s.handleFailure(ctx, row, err, now)
	}

	err := s.AdvanceStatus(ctx, row.ID, row.Status, model.IncomingWebhookStatusCompleted)
	switch {
	case errors.Is(err, core.ErrStaleTransition):
		return Outcome{ID: row.ID, Kind: OutcomeStale}
	case errors.Is(err, model.ErrInvalidTransition):
		return s.logicError(ctx, row, err)
	case err != nil:
		return s.handleFailure(ctx, row, err, now)
	}
	return Outcome{ID: row.ID, Kind: OutcomeCompleted}
}

// AdvanceStatus moves an incoming webhook from one status to another after
// validating the transition. It returns core.ErrStaleTransition when the row
// is no longer in status from.
func (s *IncomingWebhookService) AdvanceStatus(
	ctx context.Context,
	id int64,
	from, to model.IncomingWebhookStatus,
) error {
	if err := from.ValidateTransition(to); err != nil {
		return err
	}
	if err := s.repo.Transition(ctx, core.IncomingWebhookTransitionParams{ID: id, From: from, To: to}); err != nil {
		return fmt.Errorf("advance incoming webhook %d: %w", id, err)
	}
	s.logger.InfoContext(ctx, "incoming webhook advanced", "webhook_id", id, "from", from, "to", to)
	return nil
}

func (s *IncomingWebhookService) handleFailure(ctx context.Context, row *model.IncomingWebhook, cause error, now time.Time) Outcome {
	errorID := newErrorID()
	detail := failureDetail(cause, errorID)
	logger := s.logger.With(
		"webhook_id", row.ID,
		"chain_id", row.ChainID,
		"escrow_address", row.EscrowAddress,
		"error_id", errorID,
	)

	decision := s.policy.Next(row.RetriesCount, now)
	retries := decision.RetriesCount
	// A malformed address or chain id never becomes valid.
	permanent := errors.Is(cause, model.ErrInvalidAddress) || core.IsPermanent(cause)
	if permanent {
		retries = row.RetriesCount
	}

	if !permanent && !decision.Exhausted {
		err := s.repo.ScheduleRetry(ctx, core.RetryParams[model.IncomingWebhookStatus]{
			ID:            row.ID,
			From:          row.Status,
			RetriesCount:  decision.RetriesCount,
			WaitUntil:     decision.WaitUntil,
			FailureDetail: detail,
		})
		if errors.Is(err, core.ErrStaleTransition) {
			return Outcome{ID: row.ID, Kind: OutcomeStale, ErrorID: errorID, Err: cause}
		}
		if err != nil {
			logger.ErrorContext(ctx, "schedule incoming webhook retry", "error", err)
			return Outcome{ID: row.ID, Kind: OutcomeError, ErrorID: errorID, Err: errors.Join(cause, err)}
		}
		logger.WarnContext(ctx, "incoming webhook processing failed, retry scheduled",
			"retries_count", decision.RetriesCount,
			"wait_until", decision.WaitUntil,
			"error", cause,
		)
		return Outcome{ID: row.ID, Kind: OutcomeRetryScheduled, ErrorID: errorID, Err: cause}
	}

	if err := row.Status.ValidateTransition(model.IncomingWebhookStatusFailed); err != nil {
		return s.logicError(ctx, row, err)
	}
	err := s.repo.Transition(ctx, core.IncomingWebhookTransitionParams{
		ID:            row.ID,
		From:          row.Status,
		To:            model.IncomingWebhookStatusFailed,
		FailureDetail: &detail,
		RetriesCount:  &retries,
	})
	if errors.Is(err, core.ErrStaleTransition) {
		return Outcome{ID: row.ID, Kind: OutcomeStale, ErrorID: errorID, Err: cause}
	}
	if err != nil {
		logger.ErrorContext(ctx, "mark incoming webhook failed", "error", err)
		return Outcome{ID: row.ID, Kind: OutcomeError, ErrorID: errorID, Err: errors.Join(cause, err)}
	}
	logger.ErrorContext(ctx, "incoming webhook failed", "retries_count", retries, "error", cause)
	if s.notifier != nil {
		s.notifier.NotifyFailure(ctx, notify.FailurePayload{
			Kind:          notify.KindIncomingWebhook,
			EntityID:      row.ID,
			ChainID:       row.ChainID,
			EscrowAddress: row.EscrowAddress,
			ErrorID:       errorID,
			Error:         cause.Error(),
			ErrorClass:    obserrors.Classify(cause),
			RetriesCount:  retries,
			OccurredAt:    now,
		})
	}
	return Outcome{ID: row.ID, Kind: OutcomeFailed, ErrorID: errorID, Err: cause}
}

func (s *IncomingWebhookService) logicError(ctx context.Context, row *model.IncomingWebhook, err error) Outcome {
	errorID := newErrorID()
	s.logger.ErrorContext(ctx, "incoming webhook logic error",
		"webhook_id", row.ID,
		"status", row.Status,
		"error_id", errorID,
		"error", err,
	)
	metrics.EmitLogicError(s.metrics, model.CronJobTypeProcessIncomingWebhook.String(), err)
	return Outcome{ID: row.ID, Kind: OutcomeLogicError, ErrorID: errorID, Err: err}
}
