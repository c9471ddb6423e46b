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

// ErrInvalidCallbackURL is returned by Enqueue for URLs that cannot be delivered to.
var ErrInvalidCallbackURL = errors.New("invalid callback url")

// OutgoingWebhookServiceOptions groups dependencies for OutgoingWebhookService.
type OutgoingWebhookServiceOptions struct {
	Repo     core.OutgoingWebhookRepository // Required
	Sender   core.WebhookSender             // Required for ProcessDue
	Policy   retry.Policy
	Worker   config.WorkerConfig
	Timeout  time.Duration // per delivery; defaults to 30s
	Notifier FailureNotifier
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// OutgoingWebhookService persists and delivers notifications to oracle callback URLs.
type OutgoingWebhookService struct {
	repo     core.OutgoingWebhookRepository
	sender   core.WebhookSender
	policy   retry.Policy
	worker   config.WorkerConfig
	timeout  time.Duration
	notifier FailureNotifier
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewOutgoingWebhookService constructs an OutgoingWebhookService.
func NewOutgoingWebhookService(opts OutgoingWebhookServiceOptions) (*OutgoingWebhookService, error) {
	if opts.Repo == nil {
		return nil, errors.New("OutgoingWebhookRepository is required")
	}
	policy := opts.Policy
	if policy.Threshold == 0 {
		policy = retry.DefaultPolicy()
	}
	worker := opts.Worker
	worker.Sanitize()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OutgoingWebhookService{
		repo:     opts.Repo,
		sender:   opts.Sender,
		policy:   policy,
		worker:   worker,
		timeout:  timeout,
		notifier: opts.Notifier,
		logger:   componentLogger(opts.Logger, "outgoing_webhooks"),
		metrics:  opts.Metrics,
	}, nil
}

// OutgoingWebhookHash is the content address of a delivery: hex(sha1(stableJSON({payload, url}))).
func OutgoingWebhookHash(url string, payload model.OutgoingWebhookPayload) (string, []byte, error) {
	body, err := stableJSON(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encode webhook payload: %w", err)
	}
	hash, _, err := contentHash(map[string]any{"payload": payload, "url": url})
	if err != nil {
		return "", nil, err
	}
	return hash, body, nil
}

// Enqueue persists a pending delivery of payload to url. Enqueuing the same
// (url, payload) again returns the existing row with created=false.
func (s *OutgoingWebhookService) Enqueue(
	ctx context.Context,
	url string,
	payload model.OutgoingWebhookPayload,
) (*model.OutgoingWebhook, bool, error) {
	url, err := model.ValidateCallbackURL(url)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidCallbackURL, err)
	}
	hash, body, err := OutgoingWebhookHash(url, payload)
	if err != nil {
		return nil, false, err
	}

	row, created, err := s.repo.CreateIfAbsent(ctx, core.CreateOutgoingWebhookParams{
		Hash:    hash,
		URL:     url,
		Payload: body,
	})
	if err != nil {
		return nil, false, fmt.Errorf("enqueue outgoing webhook: %w", err)
	}
	if created {
		s.logger.InfoContext(ctx, "outgoing webhook enqueued",
			"webhook_id", row.ID,
			"url", url,
			"event_type", payload.EventType,
			"escrow_address", payload.EscrowAddress,
		)
	}
	return row, created, nil
}

// ProcessDue delivers every pending webhook whose wait_until has passed.
// Only the initial scan can fail; delivery errors become retry bookkeeping.
func (s *OutgoingWebhookService) ProcessDue(ctx context.Context, now time.Time) ([]Outcome, error) {
	if s.sender == nil {
		return nil, errors.New("WebhookSender is required to process outgoing webhooks")
	}
	rows, err := s.repo.FindDue(ctx, core.FindDueParams{Now: now, Limit: s.worker.BatchSize})
	if err != nil {
		return nil, fmt.Errorf("find due outgoing webhooks: %w", err)
	}
	rowID := func(row *model.OutgoingWebhook) int64 { return row.ID }
	outcomes := processRows(ctx, rows, s.worker.Concurrency, rowID, func(ctx context.Context, row *model.OutgoingWebhook) Outcome {
		return s.deliver(ctx, row, now)
	})
	emitOutcomes(s.metrics, model.CronJobTypeProcessOutgoingWebhook.String(), outcomes)
	return outcomes, nil
}

func (s *OutgoingWebhookService) deliver(ctx context.Context, row *model.OutgoingWebhook, now time.Time) Outcome {
	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	sendErr := s.sender.Send(sendCtx, core.WebhookDelivery{URL: row.URL, Body: row.Payload})
	cancel()

	if sendErr != nil {
		return s.handleFailure(ctx, row, sendErr, now)
	}

	if err := row.Status.ValidateTransition(model.OutgoingWebhookStatusSent); err != nil {
		return s.logicError(ctx, row, err)
	}
	err := s.repo.Transition(ctx, core.OutgoingWebhookTransitionParams{
		ID:   row.ID,
		From: row.Status,
		To:   model.OutgoingWebhookStatusSent,
	})
	if errors.Is(err, core.ErrStaleTransition) {
		s.logger.DebugContext(ctx, "outgoing webhook moved by another worker", "webhook_id", row.ID)
		return Outcome{ID: row.ID, Kind: OutcomeStale}
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "mark outgoing webhook sent", "webhook_id", row.ID, "error", err)
		return Outcome{ID: row.ID, Kind: OutcomeError, Err: err}
	}
	s.logger.InfoContext(ctx, "outgoing webhook sent", "webhook_id", row.ID, "url", row.URL)
	return Outcome{ID: row.ID, Kind: OutcomeSent}
}

func (s *OutgoingWebhookService) handleFailure(ctx context.Context, row *model.OutgoingWebhook, cause error, now time.Time) Outcome {
	errorID := newErrorID()
	detail := failureDetail(cause, errorID)
	decision := s.policy.Next(row.RetriesCount, now)

	logger := s.logger.With("webhook_id", row.ID, "url", row.URL, "error_id", errorID)

	if !decision.Exhausted {
		err := s.repo.ScheduleRetry(ctx, core.RetryParams[model.OutgoingWebhookStatus]{
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
			logger.ErrorContext(ctx, "schedule outgoing webhook retry", "error", err)
			return Outcome{ID: row.ID, Kind: OutcomeError, ErrorID: errorID, Err: errors.Join(cause, err)}
		}
		logger.WarnContext(ctx, "outgoing webhook delivery failed, retry scheduled",
			"retries_count", decision.RetriesCount,
			"wait_until", decision.WaitUntil,
			"error", cause,
		)
		return Outcome{ID: row.ID, Kind: OutcomeRetryScheduled, ErrorID: errorID, Err: cause}
	}

	if err := row.Status.ValidateTransition(model.OutgoingWebhookStatusFailed); err != nil {
		return s.logicError(ctx, row, err)
	}
	err := s.repo.Transition(ctx, core.OutgoingWebhookTransitionParams{
		ID:            row.ID,
		From:          row.Status,
		To:            model.OutgoingWebhookStatusFailed,
		FailureDetail: &detail,
		RetriesCount:  &decision.RetriesCount,
	})
	if errors.Is(err, core.ErrStaleTransition) {
		return Outcome{ID: row.ID, Kind: OutcomeStale, ErrorID: errorID, Err: cause}
	}
	if err != nil {
		logger.ErrorContext(ctx, "mark outgoing webhook failed", "error", err)
		return Outcome{ID: row.ID, Kind: OutcomeError, ErrorID: errorID, Err: errors.Join(cause, err)}
	}

	logger.ErrorContext(ctx, "outgoing webhook failed permanently",
		"retries_count", decision.RetriesCount,
		"error", cause,
	)
	if s.notifier != nil {
		s.notifier.NotifyFailure(ctx, notify.FailurePayload{
			Kind:         notify.KindOutgoingWebhook,
			EntityID:     row.ID,
			URL:          row.URL,
			ErrorID:      errorID,
			Error:        cause.Error(),
			ErrorClass:   obserrors.Classify(cause),
			RetriesCount: decision.RetriesCount,
			OccurredAt:   now,
		})
	}
	return Outcome{ID: row.ID, Kind: OutcomeFailed, ErrorID: errorID, Err: cause}
}

func (s *OutgoingWebhookService) logicError(ctx context.Context, row *model.OutgoingWebhook, err error) Outcome {
	errorID := newErrorID()
	s.logger.ErrorContext(ctx, "outgoing webhook logic error",
		"webhook_id", row.ID,
		"status", row.Status,
		"error_id", errorID,
		"error", err,
	)
	metrics.EmitLogicError(s.metrics, model.CronJobTypeProcessOutgoingWebhook.String(), err)
	return Outcome{ID: row.ID, Kind: OutcomeLogicError, ErrorID: errorID, Err: err}
}
