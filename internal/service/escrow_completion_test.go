package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/escrow-settlement/config"
	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/domain/model"
	"github.com/target/escrow-settlement/internal/domain/retry"
	"github.com/target/escrow-settlement/internal/mocks"
	"github.com/target/escrow-settlement/internal/observability/metrics"
	"github.com/target/escrow-settlement/internal/observability/notify"
	"github.com/target/escrow-settlement/internal/observability/statsd"
	"github.com/target/escrow-settlement/internal/testutil"
)

const (
	testChainID    = int64(80002)
	testResultsURL = "https://results.example/80002/final-results.json"
	testResultsSum = "5f0c4b7e2d1a9f3e8b6c0d4a2e1f7b9c3d5a8e6f"
)

type escrowFixture struct {
	svc      *EscrowCompletionService
	repo     *fakeEscrowRepo
	batches  *fakeBatchRepo
	outgoing *fakeOutgoingRepo
	chain    *mocks.MockChainClient
	events   *mocks.MockEventPublisher
	notifier *recordingNotifier
	metrics  *statsd.Recorder
}

func newEscrowFixture(t *testing.T, escrowCfg config.EscrowConfig) escrowFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := escrowFixture{
		repo:     newFakeEscrowRepo(),
		batches:  newFakeBatchRepo(),
		outgoing: newFakeOutgoingRepo(),
		chain:    mocks.NewMockChainClient(ctrl),
		events:   mocks.NewMockEventPublisher(ctrl),
		notifier: &recordingNotifier{},
		metrics:  &statsd.Recorder{},
	}
	batcher, err := NewPayoutBatcher(PayoutBatcherOptions{Repo: f.batches})
	require.NoError(t, err)
	webhooks, err := NewOutgoingWebhookService(OutgoingWebhookServiceOptions{Repo: f.outgoing})
	require.NoError(t, err)

	f.svc, err = NewEscrowCompletionService(EscrowCompletionServiceOptions{
		Repo:     f.repo,
		Batcher:  batcher,
		Chain:    f.chain,
		Webhooks: webhooks,
		Events:   f.events,
		Notifier: f.notifier,
		Policy:   retry.DefaultPolicy(),
		Escrow:   escrowCfg,
		Worker:   config.WorkerConfig{Concurrency: 4, BatchSize: 10},
		Metrics:  f.metrics,
	})
	require.NoError(t, err)
	return f
}

func (f escrowFixture) record(t *testing.T, n int) int64 {
	t.Helper()
	created, err := f.svc.RecordCompletionDetected(context.Background(), testChainID, testutil.EscrowAddress(n), "")
	require.NoError(t, err)
	require.True(t, created)
	row, err := f.repo.GetByEscrow(context.Background(), testChainID, testutil.EscrowAddress(n))
	require.NoError(t, err)
	return row.ID
}

func finalResults(payouts []model.Payout) model.FinalResults {
	return model.FinalResults{URL: testResultsURL, Hash: testResultsSum, Payouts: payouts}
}

func TestEscrowCompletionService_RecordCompletionDetectedIsIdempotent(t *testing.T) {
	f := newEscrowFixture(t, config.EscrowConfig{})
	ctx := context.Background()

	created, err := f.svc.RecordCompletionDetected(ctx, testChainID, testutil.EscrowAddress(1), "")
	require.NoError(t, err)
	assert.True(t, created)

	// Mixed-case input normalises to the same key.
	upper := "0x" + "00000000000000000000000000000000" + "00E5C001"
	created, err = f.svc.RecordCompletionDetected(ctx, testChainID, upper, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, f.repo.creates)

	_, err = f.svc.RecordCompletionDetected(ctx, 0, testutil.EscrowAddress(1), "")
	require.Error(t, err)
	_, err = f.svc.RecordCompletionDetected(ctx, testChainID, "0xnope", "")
	require.ErrorIs(t, err, model.ErrInvalidAddress)
}

func TestEscrowCompletionService_EndToEnd(t *testing.T) {
	f := newEscrowFixture(t, config.EscrowConfig{})
	ctx := context.Background()
	id := f.record(t, 1)
	escrow := testutil.EscrowAddress(1)
	payouts := testutil.Payouts(3, "25.5")
	now := testutil.TestTime()

	gomock.InOrder(
		f.chain.EXPECT().GetFinalResults(gomock.Any(), testChainID, escrow).Return(finalResults(payouts), nil),
		f.chain.EXPECT().ReserveNonce(gomock.Any(), testChainID).Return(uint64(7), nil),
		f.chain.EXPECT().SubmitPayouts(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, sub model.PayoutSubmission) (uint64, error) {
				assert.EqualValues(t, 7, sub.Nonce)
				assert.Equal(t, payouts, sub.Payouts)
				assert.Equal(t, testResultsURL, sub.FinalResultsURL)
				assert.Equal(t, testResultsSum, sub.FinalResultsHash)
				return sub.Nonce, nil
			}),
	)
	f.events.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e core.EscrowEvent) error {
			assert.Equal(t, core.EscrowEventPaid, e.Type)
			assert.Equal(t, escrow, e.EscrowAddress)
			return nil
		})

	outcomes, err := f.svc.ProcessDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomePaid, outcomes[0].Kind)

	row := f.repo.get(id)
	assert.Equal(t, model.EscrowCompletionStatusPaid, row.Status)
	require.True(t, row.HasFinalResults())
	assert.Equal(t, testResultsSum, *row.FinalResultsHash)

	batches, err := f.batches.ListByCompletion(ctx, id)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.NotNil(t, batches[0].TxNonce)
	assert.EqualValues(t, 7, *batches[0].TxNonce)

	// Second tick finalises. GetFinalResults is not expected again, so no second batch can appear.
	f.chain.EXPECT().CompleteEscrow(gomock.Any(), model.EscrowFinalization{
		ChainID:       testChainID,
		EscrowAddress: escrow,
		PayoutNonces:  []uint64{7},
	}).Return(nil)
	f.chain.EXPECT().NotificationURLs(gomock.Any(), testChainID, escrow).
		Return([]string{"https://launcher.example/webhook", "not a url", "https://exchange.example/webhook"}, nil)
	f.events.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e core.EscrowEvent) error {
			assert.Equal(t, core.EscrowEventCompleted, e.Type)
			return errors.New("broker unavailable")
		})

	outcomes, err = f.svc.ProcessDue(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeCompleted, outcomes[0].Kind, "publish failures are best effort")
	assert.Equal(t, model.EscrowCompletionStatusCompleted, f.repo.get(id).Status)

	batches, err = f.batches.ListByCompletion(ctx, id)
	require.NoError(t, err)
	assert.Len(t, batches, 1)

	hooks := f.outgoing.all()
	require.Len(t, hooks, 2)
	assert.JSONEq(t,
		`{"chain_id":80002,"escrow_address":"`+escrow+`","event_type":"escrow_completed"}`,
		string(hooks[0].Payload))

	outcomes, err = f.svc.ProcessDue(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.EqualValues(t, 1, f.metrics.CountTotal(metrics.MetricRowOutcome, map[string]string{"outcome": "paid"}))
	assert.EqualValues(t, 1, f.metrics.CountTotal(metrics.MetricRowOutcome, map[string]string{"outcome": "completed"}))
}

func TestEscrowCompletionService_ChunksPayouts(t *testing.T) {
	f := newEscrowFixture(t, config.EscrowConfig{BulkMaxCount: 2})
	ctx := context.Background()
	id := f.record(t, 1)
	payouts := testutil.Payouts(5, "1")

	f.chain.EXPECT().GetFinalResults(gomock.Any(), testChainID, gomock.Any()).Return(finalResults(payouts), nil)
	next := uint64(10)
	f.chain.EXPECT().ReserveNonce(gomock.Any(), testChainID).DoAndReturn(
		func(context.Context, int64) (uint64, error) {
			n := next
			next++
			return n, nil
		}).Times(3)
	var sizes []int
	f.chain.EXPECT().SubmitPayouts(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, sub model.PayoutSubmission) (uint64, error) {
			sizes = append(sizes, len(sub.Payouts))
			return sub.Nonce, nil
		}).Times(3)
	f.events.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	outcomes, err := f.svc.ProcessDue(ctx, testutil.TestTime())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomePaid, outcomes[0].Kind)
	assert.Equal(t, []int{2, 2, 1}, sizes)

	batches, err := f.batches.ListByCompletion(ctx, id)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	for i, b := range batches {
		assert.EqualValues(t, 10+i, *b.TxNonce)
	}
}

func TestEscrowCompletionService_TransientErrorsExhaustRetries(t *testing.T) {
	f := newEscrowFixture(t, config.EscrowConfig{})
	ctx := context.Background()
	id := f.record(t, 1)

	rpcErr := core.NewChainError(core.ChainErrorTransient, "get final results", errors.New("i/o timeout"))
	f.chain.EXPECT().GetFinalResults(gomock.Any(), testChainID, gomock.Any()).Return(model.FinalResults{}, rpcErr).Times(3)
	f.events.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e core.EscrowEvent) error {
			assert.Equal(t, core.EscrowEventFailed, e.Type)
			assert.Contains(t, e.Detail, "Error ID:")
			return nil
		})

	now := testutil.TestTime()
	for i, want := range []OutcomeKind{OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeFailed} {
		outcomes, err := f.svc.ProcessDue(ctx, now)
		require.NoError(t, err)
		require.Len(t, outcomes, 1)
		assert.Equal(t, want, outcomes[0].Kind, "attempt %d", i+1)
		if want == OutcomeRetryScheduled {
			assert.Equal(t, i+1, f.repo.get(id).RetriesCount)
			assert.Equal(t, now.Add(retry.ComputeBackoff(i, retry.DefaultBaseInterval)), f.repo.get(id).WaitUntil)
		}
		now = now.Add(retry.ComputeBackoff(i, retry.DefaultBaseInterval))
	}

	row := f.repo.get(id)
	assert.Equal(t, model.EscrowCompletionStatusFailed, row.Status)
	assert.Equal(t, 3, row.RetriesCount)
	require.NotNil(t, row.FailureDetail)
	assert.Contains(t, *row.FailureDetail, "i/o timeout")

	sent := f.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.KindEscrowCompletion, sent[0].Kind)
	assert.Equal(t, 3, sent[0].RetriesCount)

	// FAILED rows are never processed again.
	outcomes, err := f.svc.ProcessDue(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestEscrowCompletionService_PermanentErrorFailsImmediately(t *testing.T) {
	f := newEscrowFixture(t, config.EscrowConfig{})
	ctx := context.Background()
	id := f.record(t, 1)

	reverted := core.NewChainError(core.ChainErrorPermanent, "get final results", errors.New("escrow is cancelled"))
	f.chain.EXPECT().GetFinalResults(gomock.Any(), testChainID, gomock.Any()).Return(model.FinalResults{}, reverted)
	f.events.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	outcomes, err := f.svc.ProcessDue(ctx, testutil.TestTime())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeFailed, outcomes[0].Kind)

	row := f.repo.get(id)
	assert.Equal(t, model.EscrowCompletionStatusFailed, row.Status)
	assert.Equal(t, 0, row.RetriesCount)
}

func TestEscrowCompletionService_NotFinalKeepsRetryBudget(t *testing.T) {
	f := newEscrowFixture(t, config.EscrowConfig{})
	ctx := context.Background()
	id := f.record(t, 1)
	escrow := testutil.EscrowAddress(1)
	// Two transient failures while PENDING, then paid.
	f.repo.update(id, func(row *model.EscrowCompletion) {
		row.Status = model.EscrowCompletionStatusPaid
		row.RetriesCount = 2
	})

	notFinal := core.NewChainError(core.ChainErrorNotFinal, "complete", errors.New("payouts in flight"))
	gomock.InOrder(
		f.chain.EXPECT().CompleteEscrow(gomock.Any(), gomock.Any()).Return(notFinal),
		f.chain.EXPECT().CompleteEscrow(gomock.Any(), gomock.Any()).Return(nil),
	)
	f.chain.EXPECT().NotificationURLs(gomock.Any(), testChainID, escrow).Return(nil, nil)
	f.events.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e core.EscrowEvent) error {
			assert.Equal(t, core.EscrowEventCompleted, e.Type)
			return nil
		})

	now := testutil.TestTime().Add(30 * time.Second)
	outcomes, err := f.svc.ProcessDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeRetryScheduled, outcomes[0].Kind)

	row := f.repo.get(id)
	assert.Equal(t, model.EscrowCompletionStatusPaid, row.Status)
	assert.Equal(t, 2, row.RetriesCount, "waiting for the chain does not spend a retry")
	assert.Equal(t, now.Add(retry.DefaultBaseInterval), row.WaitUntil)

	outcomes, err = f.svc.ProcessDue(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, outcomes, "not due before wait_until")

	outcomes, err = f.svc.ProcessDue(ctx, row.WaitUntil)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeCompleted, outcomes[0].Kind)
	assert.Equal(t, model.EscrowCompletionStatusCompleted, f.repo.get(id).Status)
	assert.Empty(t, f.notifier.all())
}

func TestEscrowCompletionService_NotFinalPastFinalityTimeoutSpendsRetries(t *testing.T) {
	f := newEscrowFixture(t, config.EscrowConfig{FinalityTimeout: time.Hour})
	ctx := context.Background()
	id := f.record(t, 1)
	require.NoError(t, f.repo.Transition(ctx, core.EscrowTransitionParams{
		ID: id, From: model.EscrowCompletionStatusPending, To: model.EscrowCompletionStatusPaid,
	}))

	notFinal := core.NewChainError(core.ChainErrorNotFinal, "complete", errors.New("payouts in flight"))
	f.chain.EXPECT().CompleteEscrow(gomock.Any(), gomock.Any()).Return(notFinal).Times(2)

	outcomes, err := f.svc.ProcessDue(ctx, testutil.TestTime().Add(59*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryScheduled, outcomes[0].Kind)
	assert.Equal(t, 0, f.repo.get(id).RetriesCount)

	outcomes, err = f.svc.ProcessDue(ctx, testutil.TestTime().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryScheduled, outcomes[0].Kind)
	assert.Equal(t, 1, f.repo.get(id).RetriesCount)
}

func TestEscrowCompletionService_RebroadcastsRecordedNonce(t *testing.T) {
	f := newEscrowFixture(t, config.EscrowConfig{})
	ctx := context.Background()
	id := f.record(t, 1)
	payouts := testutil.Payouts(2, "3")
	now := testutil.TestTime()

	// First attempt: nonce recorded, broadcast lost.
	f.chain.EXPECT().GetFinalResults(gomock.Any(), testChainID, gomock.Any()).Return(finalResults(payouts), nil).Times(2)
	f.chain.EXPECT().ReserveNonce(gomock.Any(), testChainID).Return(uint64(7), nil).Times(1)
	gomock.InOrder(
		f.chain.EXPECT().SubmitPayouts(gomock.Any(), gomock.Any()).
			Return(uint64(0), core.NewChainError(core.ChainErrorTransient, "submit", errors.New("connection reset"))),
		f.chain.EXPECT().SubmitPayouts(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, sub model.PayoutSubmission) (uint64, error) {
				assert.EqualValues(t, 7, sub.Nonce, "same nonce is re-broadcast")
				return 0, core.NewChainError(core.ChainErrorNonceConsumed, "submit", errors.New("nonce too low"))
			}),
	)
	f.events.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	outcomes, err := f.svc.ProcessDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryScheduled, outcomes[0].Kind)

	outcomes, err = f.svc.ProcessDue(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, outcomes[0].Kind)
	assert.Equal(t, model.EscrowCompletionStatusPaid, f.repo.get(id).Status)

	batches, err := f.batches.ListByCompletion(ctx, id)
	require.NoError(t, err)
	assert.Len(t, batches, 1)
}

func TestEscrowCompletionService_NonceConflictIsLogicError(t *testing.T) {
	f := newEscrowFixture(t, config.EscrowConfig{})
	ctx := context.Background()
	id := f.record(t, 1)

	f.batches.onSetNonce = func(batchID int64) { f.batches.forceNonce(batchID, 5) }
	f.chain.EXPECT().GetFinalResults(gomock.Any(), testChainID, gomock.Any()).
		Return(finalResults(testutil.Payouts(1, "1")), nil)
	f.chain.EXPECT().ReserveNonce(gomock.Any(), testChainID).Return(uint64(7), nil)
	f.chain.EXPECT().ReleaseNonce(gomock.Any(), testChainID, uint64(7)).Return(true, nil)

	outcomes, err := f.svc.ProcessDue(ctx, testutil.TestTime())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeLogicError, outcomes[0].Kind)
	require.ErrorIs(t, outcomes[0].Err, ErrNonceConflict)
	assert.NotEmpty(t, outcomes[0].ErrorID)

	row := f.repo.get(id)
	assert.Equal(t, model.EscrowCompletionStatusPending, row.Status, "logic errors leave the row for inspection")
	assert.Equal(t, 0, row.RetriesCount)
	assert.Empty(t, f.notifier.all())
	assert.EqualValues(t, 1, f.metrics.CountTotal(metrics.MetricLogicError, nil))
}

func TestEscrowCompletionService_RecordFailureReleasesNonce(t *testing.T) {
	f := newEscrowFixture(t, config.EscrowConfig{})
	ctx := context.Background()
	id := f.record(t, 1)
	f.batches.setErr = errors.New("connection refused")

	f.chain.EXPECT().GetFinalResults(gomock.Any(), testChainID, gomock.Any()).
		Return(finalResults(testutil.Payouts(1, "1")), nil)
	gomock.InOrder(
		f.chain.EXPECT().ReserveNonce(gomock.Any(), testChainID).Return(uint64(7), nil),
		f.chain.EXPECT().ReleaseNonce(gomock.Any(), testChainID, uint64(7)).Return(true, nil),
	)

	outcomes, err := f.svc.ProcessDue(ctx, testutil.TestTime())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeRetryScheduled, outcomes[0].Kind)
	assert.Equal(t, 1, f.repo.get(id).RetriesCount)
}

// noncePool hands out nonces the way the chain client does, reusing released ones.
type noncePool struct {
	next     uint64
	released []uint64
}

func (p *noncePool) reserve(context.Context, int64) (uint64, error) {
	if len(p.released) > 0 {
		n := p.released[0]
		p.released = p.released[1:]
		return n, nil
	}
	n := p.next
	p.next++
	return n, nil
}

func (p *noncePool) release(_ context.Context, _ int64, n uint64) (bool, error) {
	p.released = append(p.released, n)
	return true, nil
}

func TestEscrowCompletionService_RevertedSubmitFreesNonce(t *testing.T) {
	f := newEscrowFixture(t, config.EscrowConfig{})
	ctx := context.Background()
	reverted := f.record(t, 1)
	now := testutil.TestTime()

	pool := &noncePool{next: 7}
	f.chain.EXPECT().ReserveNonce(gomock.Any(), testChainID).DoAndReturn(pool.reserve).AnyTimes()
	f.chain.EXPECT().ReleaseNonce(gomock.Any(), testChainID, gomock.Any()).DoAndReturn(pool.release).AnyTimes()
	f.chain.EXPECT().GetFinalResults(gomock.Any(), testChainID, gomock.Any()).
		Return(finalResults(testutil.Payouts(1, "1")), nil).Times(2)
	gomock.InOrder(
		f.chain.EXPECT().SubmitPayouts(gomock.Any(), gomock.Any()).Return(uint64(0),
			core.NewChainError(core.ChainErrorPermanent, "bulk_payout", errors.New("estimate gas: execution reverted"))),
		f.chain.EXPECT().SubmitPayouts(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, sub model.PayoutSubmission) (uint64, error) {
				assert.EqualValues(t, 7, sub.Nonce, "the next escrow reuses the freed nonce")
				return sub.Nonce, nil
			}),
	)
	f.events.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	outcomes, err := f.svc.ProcessDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeFailed, outcomes[0].Kind)
	assert.Equal(t, model.EscrowCompletionStatusFailed, f.repo.get(reverted).Status)

	batches, err := f.batches.ListByCompletion(ctx, reverted)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.False(t, batches[0].Submitted(), "the refused batch no longer claims the nonce")

	next := f.record(t, 2)
	outcomes, err = f.svc.ProcessDue(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomePaid, outcomes[0].Kind)

	batches, err = f.batches.ListByCompletion(ctx, next)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.NotNil(t, batches[0].TxNonce)
	assert.EqualValues(t, 7, *batches[0].TxNonce)
	assert.EqualValues(t, 8, pool.next, "no nonce was skipped")
}

func TestEscrowCompletionService_ProcessDueScanError(t *testing.T) {
	f := newEscrowFixture(t, config.EscrowConfig{})
	f.repo.scanErr = errors.New("too many connections")

	_, err := f.svc.ProcessDue(context.Background(), testutil.TestTime())
	require.Error(t, err)
}

func TestEscrowCompletionService_ProcessDueRequiresCollaborators(t *testing.T) {
	svc, err := NewEscrowCompletionService(EscrowCompletionServiceOptions{Repo: newFakeEscrowRepo()})
	require.NoError(t, err)
	_, err = svc.ProcessDue(context.Background(), testutil.TestTime())
	require.Error(t, err)
}

func TestEscrowCompletionService_RowsAreIsolated(t *testing.T) {
	f := newEscrowFixture(t, config.EscrowConfig{})
	ctx := context.Background()
	failing := f.record(t, 1)
	healthy := f.record(t, 2)

	f.chain.EXPECT().GetFinalResults(gomock.Any(), testChainID, testutil.EscrowAddress(1)).
		Return(model.FinalResults{}, core.NewChainError(core.ChainErrorTransient, "get final results", errors.New("rate limited")))
	f.chain.EXPECT().GetFinalResults(gomock.Any(), testChainID, testutil.EscrowAddress(2)).
		Return(finalResults(testutil.Payouts(1, "1")), nil)
	f.chain.EXPECT().ReserveNonce(gomock.Any(), testChainID).Return(uint64(1), nil)
	f.chain.EXPECT().SubmitPayouts(gomock.Any(), gomock.Any()).Return(uint64(1), nil)
	f.events.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	outcomes, err := f.svc.ProcessDue(ctx, testutil.TestTime())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byID := map[int64]OutcomeKind{}
	for _, o := range outcomes {
		byID[o.ID] = o.Kind
	}
	assert.Equal(t, OutcomeRetryScheduled, byID[failing])
	assert.Equal(t, OutcomePaid, byID[healthy])
}
