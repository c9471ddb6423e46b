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

// WebhookEnqueuer persists outgoing notifications.
type WebhookEnqueuer interface {
	Enqueue(ctx context.Context, url string, payload model.OutgoingWebhookPayload) (*model.OutgoingWebhook, bool, error)
}

// EscrowCompletionServiceOptions groups dependencies for EscrowCompletionService.
type EscrowCompletionServiceOptions struct {
	Repo     core.EscrowCompletionRepository // Required
	Batcher  *PayoutBatcher                  // Required for ProcessDue
	Chain    core.ChainClient                // Required for ProcessDue
	Webhooks WebhookEnqueuer                 // Required for ProcessDue
	Events   core.EventPublisher             // Optional
	Notifier FailureNotifier                 // Optional
	Policy   retry.Policy
	Escrow   config.EscrowConfig
	Worker   config.WorkerConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// EscrowCompletionService drives escrow completion rows through
// PENDING -> PAID -> COMPLETED, with FAILED reachable from both.
type EscrowCompletionService struct {
	repo     core.EscrowCompletionRepository
	batcher  *PayoutBatcher
	chain    core.ChainClient
	webhooks WebhookEnqueuer
	events   core.EventPublisher
	notifier FailureNotifier
	policy   retry.Policy
	escrow   config.EscrowConfig
	worker   config.WorkerConfig
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewEscrowCompletionService constructs an EscrowCompletionService.
func NewEscrowCompletionService(opts EscrowCompletionServiceOptions) (*EscrowCompletionService, error) {
	if opts.Repo == nil {
		return nil, errors.New("EscrowCompletionRepository is required")
	}
	policy := opts.Policy
	if policy.Threshold == 0 {
		policy = retry.DefaultPolicy()
	}
	escrowCfg := opts.Escrow
	escrowCfg.Sanitize()
	worker := opts.Worker
	worker.Sanitize()
	return &EscrowCompletionService{
		repo:     opts.Repo,
		batcher:  opts.Batcher,
		chain:    opts.Chain,
		webhooks: opts.Webhooks,
		events:   opts.Events,
		notifier: opts.Notifier,
		policy:   policy,
		escrow:   escrowCfg,
		worker:   worker,
		logger:   componentLogger(opts.Logger, "escrow_completion"),
		metrics:  opts.Metrics,
	}, nil
}

// RecordCompletionDetected starts tracking an escrow. Repeated calls for the
// same (chainID, escrowAddress) are no-ops and report created=false.
func (s *EscrowCompletionService) RecordCompletionDetected(
	ctx context.Context,
	chainID int64,
	escrowAddress string,
	finalResultsURL string,
) (bool, error) {
	req := model.CreateEscrowCompletionRequest{
		ChainID:         chainID,
		EscrowAddress:   escrowAddress,
		FinalResultsURL: finalResultsURL,
	}
	if err := req.Validate(); err != nil {
		return false, fmt.Errorf("record escrow completion: %w", err)
	}
	row, created, err := s.repo.CreateIfAbsent(ctx, req)
	if err != nil {
		return false, fmt.Errorf("record escrow completion: %w", err)
	}
	if created {
		s.logger.InfoContext(ctx, "escrow completion detected",
			"escrow_completion_id", row.ID,
			"chain_id", row.ChainID,
			"escrow_address", row.EscrowAddress,
		)
	}
	return created, nil
}

// ProcessDue advances every pending or paid row whose wait_until has passed.
// Only the initial scan can fail; row errors become retry bookkeeping or
// OutcomeLogicError entries.
func (s *EscrowCompletionService) ProcessDue(ctx context.Context, now time.Time) ([]Outcome, error) {
	if s.chain == nil || s.batcher == nil || s.webhooks == nil {
		return nil, errors.New("chain client, payout batcher and webhook enqueuer are required to process escrows")
	}
	rows, err := s.repo.FindDue(ctx, core.FindDueParams{Now: now, Limit: s.worker.BatchSize})
	if err != nil {
		return nil, fmt.Errorf("find due escrow completions: %w", err)
	}
	rowID := func(row *model.EscrowCompletion) int64 { return row.ID }
	outcomes := processRows(ctx, rows, s.worker.Concurrency, rowID, func(ctx context.Context, row *model.EscrowCompletion) Outcome {
		return s.processRow(ctx, row, now)
	})
	emitOutcomes(s.metrics, model.CronJobTypeProcessEscrowCompletion.String(), outcomes)
	return outcomes, nil
}

func (s *EscrowCompletionService) processRow(ctx context.Context, row *model.EscrowCompletion, now time.Time) Outcome {
	attemptCtx, cancel := context.WithTimeout(ctx, s.escrow.AttemptTimeout)
	defer cancel()

	var (
		next  model.EscrowCompletionStatus
		event core.EscrowEventType
		kind  OutcomeKind
		err   error
	)
	switch row.Status {
	case model.EscrowCompletionStatusPending:
		next, event, kind = model.EscrowCompletionStatusPaid, core.EscrowEventPaid, OutcomePaid
		err = s.processPending(attemptCtx, row)
	case model.EscrowCompletionStatusPaid:
		next, event, kind = model.EscrowCompletionStatusCompleted, core.EscrowEventCompleted, OutcomeCompleted
		err = s.processPaid(attemptCtx, row)
	default:
		return s.logicError(ctx, row, fmt.Errorf("%w: due scan returned %s row", model.ErrInvalidTransition, row.Status))
	}
	if err != nil {
		return s.handleFailure(ctx, row, err, now)
	}

	if err := row.Status.ValidateTransition(next); err != nil {
		return s.logicError(ctx, row, err)
	}
	err = s.repo.Transition(ctx, core.EscrowTransitionParams{ID: row.ID, From: row.Status, To: next})
	if errors.Is(err, core.ErrStaleTransition) {
		s.logger.DebugContext(ctx, "escrow completion moved by another worker", "escrow_completion_id", row.ID)
		return Outcome{ID: row.ID, Kind: OutcomeStale}
	}
	if err != nil {
		return s.handleFailure(ctx, row, fmt.Errorf("transition to %s: %w", next, err), now)
	}

	s.logger.InfoContext(ctx, "escrow completion advanced",
		"escrow_completion_id", row.ID,
		"chain_id", row.ChainID,
		"escrow_address", row.EscrowAddress,
		"from", row.Status,
		"to", next,
	)
	s.publish(ctx, core.EscrowEvent{Type: event, ChainID: row.ChainID, EscrowAddress: row.EscrowAddress, OccurredAt: now})
	return Outcome{ID: row.ID, Kind: kind}
}

// processPending computes final results, persists every payout batch with its
// nonce, and broadcasts each batch.
func (s *EscrowCompletionService) processPending(ctx context.Context, row *model.EscrowCompletion) error {
	results, err := s.chain.GetFinalResults(ctx, row.ChainID, row.EscrowAddress)
	if err != nil {
		return err
	}
	if !row.HasFinalResults() && results.URL != "" {
		if err := s.repo.SetFinalResults(ctx, core.SetFinalResultsParams{
			ID:   row.ID,
			URL:  results.URL,
			Hash: results.Hash,
		}); err != nil {
			return fmt.Errorf("store final results: %w", err)
		}
	}

	for _, chunk := range chunkPayouts(results.Payouts, s.escrow.BulkMaxCount) {
		batch, err := s.batcher.EnsureBatch(ctx, row.ID, chunk)
		if err != nil {
			return err
		}
		if err := s.submitBatch(ctx, row, results, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *EscrowCompletionService) submitBatch(
	ctx context.Context,
	row *model.EscrowCompletion,
	results model.FinalResults,
	batch *model.EscrowPayoutsBatch,
) error {
	if !batch.Submitted() {
		nonce, err := s.chain.ReserveNonce(ctx, row.ChainID)
		if err != nil {
			return err
		}
		recorded, err := s.batcher.RecordSubmission(ctx, batch, nonce)
		if err != nil {
			s.releaseNonce(ctx, row, batch.ID, nonce)
			return err
		}
		batch = recorded
	}

	_, err := s.chain.SubmitPayouts(ctx, model.PayoutSubmission{
		ChainID:          row.ChainID,
		EscrowAddress:    row.EscrowAddress,
		Payouts:          batch.Payouts,
		FinalResultsURL:  results.URL,
		FinalResultsHash: results.Hash,
		Nonce:            *batch.TxNonce,
		BatchID:          batch.ID,
	})
	if core.IsNonceConsumed(err) {
		s.logger.InfoContext(ctx, "payouts batch already mined",
			"escrow_completion_id", row.ID,
			"batch_id", batch.ID,
			"tx_nonce", *batch.TxNonce,
		)
		return nil
	}
	if core.IsPermanent(err) {
		s.abandonSubmission(ctx, row, batch)
		return err
	}
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "payouts batch submitted",
		"escrow_completion_id", row.ID,
		"batch_id", batch.ID,
		"tx_nonce", *batch.TxNonce,
		"payouts", len(batch.Payouts),
	)
	return nil
}

// releaseNonce hands back a nonce that no batch ended up recording.
func (s *EscrowCompletionService) releaseNonce(ctx context.Context, row *model.EscrowCompletion, batchID int64, nonce uint64) {
	if _, err := s.chain.ReleaseNonce(ctx, row.ChainID, nonce); err != nil {
		s.logger.WarnContext(ctx, "release unrecorded nonce",
			"escrow_completion_id", row.ID,
			"batch_id", batchID,
			"tx_nonce", nonce,
			"error", err,
		)
	}
}

// abandonSubmission frees the nonce of a batch the node refused before
// broadcast. The nonce returns to the pool first and the batch is cleared
// only when the chain holds no transaction with it.
func (s *EscrowCompletionService) abandonSubmission(ctx context.Context, row *model.EscrowCompletion, batch *model.EscrowPayoutsBatch) {
	nonce := *batch.TxNonce
	logger := s.logger.With(
		"escrow_completion_id", row.ID,
		"batch_id", batch.ID,
		"tx_nonce", nonce,
	)
	released, err := s.chain.ReleaseNonce(ctx, row.ChainID, nonce)
	if err != nil {
		logger.WarnContext(ctx, "release nonce of refused payouts batch", "error", err)
		return
	}
	if !released {
		return
	}
	if _, err := s.batcher.AbandonSubmission(ctx, batch); err != nil {
		logger.WarnContext(ctx, "clear nonce of refused payouts batch", "error", err)
		return
	}
	logger.InfoContext(ctx, "payouts batch refused before broadcast, nonce released")
}

// processPaid finalises the escrow on-chain and enqueues completion webhooks.
func (s *EscrowCompletionService) processPaid(ctx context.Context, row *model.EscrowCompletion) error {
	batches, err := s.batcher.ListForCompletion(ctx, row.ID)
	if err != nil {
		return err
	}
	fin := model.EscrowFinalization{ChainID: row.ChainID, EscrowAddress: row.EscrowAddress}
	for _, b := range batches {
		if b.Submitted() {
			fin.PayoutNonces = append(fin.PayoutNonces, *b.TxNonce)
		}
	}
	if err := s.chain.CompleteEscrow(ctx, fin); err != nil {
		return err
	}
	urls, err := s.chain.NotificationURLs(ctx, row.ChainID, row.EscrowAddress)
	if err != nil {
		return err
	}
	payload := model.OutgoingWebhookPayload{
		ChainID:       row.ChainID,
		EscrowAddress: row.EscrowAddress,
		EventType:     model.WebhookEventEscrowCompleted,
	}
	for _, url := range urls {
		_, _, err := s.webhooks.Enqueue(ctx, url, payload)
		if errors.Is(err, ErrInvalidCallbackURL) {
			s.logger.WarnContext(ctx, "skipping invalid notification url",
				"escrow_completion_id", row.ID,
				"url", url,
				"error", err,
			)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *EscrowCompletionService) handleFailure(
	ctx context.Context,
	row *model.EscrowCompletion,
	cause error,
	now time.Time,
) Outcome {
	if isLogicError(cause) {
		return s.logicError(ctx, row, cause)
	}

	errorID := newErrorID()
	detail := failureDetail(cause, errorID)
	logger := s.logger.With(
		"escrow_completion_id", row.ID,
		"chain_id", row.ChainID,
		"escrow_address", row.EscrowAddress,
		"status", row.Status,
		"error_id", errorID,
	)

	if core.IsPermanent(cause) {
		return s.fail(ctx, row, failure{cause: cause, detail: detail, errorID: errorID, retries: row.RetriesCount, now: now})
	}

	// Waiting for payouts to be mined is not a failed attempt, up to FinalityTimeout.
	awaitingChain := core.IsNotFinal(cause) && now.Before(row.CreatedAt.Add(s.escrow.FinalityTimeout))
	decision := retry.Decision{
		RetriesCount: row.RetriesCount,
		WaitUntil:    now.Add(retry.ComputeBackoff(0, s.policy.BaseInterval)),
	}
	if !awaitingChain {
		decision = s.policy.Next(row.RetriesCount, now)
		if decision.Exhausted {
			return s.fail(ctx, row, failure{cause: cause, detail: detail, errorID: errorID, retries: decision.RetriesCount, now: now})
		}
	}

	err := s.repo.ScheduleRetry(ctx, core.RetryParams[model.EscrowCompletionStatus]{
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
		logger.ErrorContext(ctx, "schedule escrow completion retry", "error", err)
		return Outcome{ID: row.ID, Kind: OutcomeError, ErrorID: errorID, Err: errors.Join(cause, err)}
	}
	level, msg := slog.LevelWarn, "escrow completion attempt failed, retry scheduled"
	if awaitingChain {
		level, msg = slog.LevelInfo, "escrow payouts not final yet, check rescheduled"
	}
	logger.Log(ctx, level, msg,
		"retries_count", decision.RetriesCount,
		"wait_until", decision.WaitUntil,
		"error", cause,
	)
	return Outcome{ID: row.ID, Kind: OutcomeRetryScheduled, ErrorID: errorID, Err: cause}
}

type failure struct {
	cause   error
	detail  string
	errorID string
	retries int
	now     time.Time
}

func (s *EscrowCompletionService) fail(ctx context.Context, row *model.EscrowCompletion, f failure) Outcome {
	if err := row.Status.ValidateTransition(model.EscrowCompletionStatusFailed); err != nil {
		return s.logicError(ctx, row, err)
	}
	err := s.repo.Transition(ctx, core.EscrowTransitionParams{
		ID:            row.ID,
		From:          row.Status,
		To:            model.EscrowCompletionStatusFailed,
		FailureDetail: &f.detail,
		RetriesCount:  &f.retries,
	})
	if errors.Is(err, core.ErrStaleTransition) {
		return Outcome{ID: row.ID, Kind: OutcomeStale, ErrorID: f.errorID, Err: f.cause}
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "mark escrow completion failed",
			"escrow_completion_id", row.ID,
			"error_id", f.errorID,
			"error", err,
		)
		return Outcome{ID: row.ID, Kind: OutcomeError, ErrorID: f.errorID, Err: errors.Join(f.cause, err)}
	}

	s.logger.ErrorContext(ctx, "escrow completion failed",
		"escrow_completion_id", row.ID,
		"chain_id", row.ChainID,
		"escrow_address", row.EscrowAddress,
		"retries_count", f.retries,
		"error_id", f.errorID,
		"error", f.cause,
	)
	s.publish(ctx, core.EscrowEvent{
		Type:          core.EscrowEventFailed,
		ChainID:       row.ChainID,
		EscrowAddress: row.EscrowAddress,
		Detail:        f.detail,
		OccurredAt:    f.now,
	})
	if s.notifier != nil {
		s.notifier.NotifyFailure(ctx, notify.FailurePayload{
			Kind:          notify.KindEscrowCompletion,
			EntityID:      row.ID,
			ChainID:       row.ChainID,
			EscrowAddress: row.EscrowAddress,
			ErrorID:       f.errorID,
			Error:         f.cause.Error(),
			ErrorClass:    obserrors.Classify(f.cause),
			RetriesCount:  f.retries,
			OccurredAt:    f.now,
			Metadata:      map[string]string{"status": row.Status.String()},
		})
	}
	return Outcome{ID: row.ID, Kind: OutcomeFailed, ErrorID: f.errorID, Err: f.cause}
}

func (s *EscrowCompletionService) logicError(ctx context.Context, row *model.EscrowCompletion, err error) Outcome {
	errorID := newErrorID()
	s.logger.ErrorContext(ctx, "escrow completion logic error",
		"escrow_completion_id", row.ID,
		"chain_id", row.ChainID,
		"escrow_address", row.EscrowAddress,
		"status", row.Status,
		"error_id", errorID,
		"error", err,
	)
	metrics.EmitLogicError(s.metrics, model.CronJobTypeProcessEscrowCompletion.String(), err)
	return Outcome{ID: row.ID, Kind: OutcomeLogicError, ErrorID: errorID, Err: err}
}

func (s *EscrowCompletionService) publish(ctx context.Context, event core.EscrowEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "publish escrow event",
			"event_type", event.Type,
			"escrow_address", event.EscrowAddress,
			"error", err,
		)
	}
}

// chunkPayouts splits payouts into consecutive groups of at most size, preserving order.
func chunkPayouts(payouts []model.Payout, size int) [][]model.Payout {
	if size < 1 {
		size = len(payouts)
	}
	var chunks [][]model.Payout
	for start := 0; start < len(payouts); start += size {
		end := min(start+size, len(payouts))
		chunks = append(chunks, payouts[start:end])
	}
	return chunks
}
