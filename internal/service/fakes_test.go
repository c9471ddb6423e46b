package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/domain/model"
	"github.com/target/escrow-settlement/internal/observability/notify"
	"github.com/target/escrow-settlement/internal/testutil"
)

// In-memory repositories that honour the conditional-update contracts of the
// Postgres implementations. They let pipeline tests walk rows through several
// ticks without a database.

type fakeCronJobRepo struct {
	mu   sync.Mutex
	jobs map[model.CronJobType]*model.CronJob
}

func newFakeCronJobRepo() *fakeCronJobRepo {
	return &fakeCronJobRepo{jobs: make(map[model.CronJobType]*model.CronJob)}
}

func (r *fakeCronJobRepo) TryAcquire(_ context.Context, p core.AcquireCronJobParams) (*model.CronJob, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[p.Type]
	if ok && job.Held() && job.StartedAt.Add(p.StaleAfter).After(p.Now) {
		return nil, false, nil
	}
	if !ok {
		job = &model.CronJob{ID: int64(len(r.jobs) + 1), Type: p.Type, CreatedAt: p.Now}
		r.jobs[p.Type] = job
	}
	job.StartedAt = p.Now
	job.CompletedAt = nil
	job.UpdatedAt = p.Now
	cp := *job
	return &cp, true, nil
}

func (r *fakeCronJobRepo) Release(_ context.Context, p core.ReleaseCronJobParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.ID != p.ID {
			continue
		}
		if !job.Held() || !job.StartedAt.Equal(p.StartedAt) {
			return core.ErrLockLost
		}
		now := p.Now
		job.CompletedAt = &now
		return nil
	}
	return core.ErrLockLost
}

func (r *fakeCronJobRepo) GetByType(_ context.Context, t model.CronJobType) (*model.CronJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[t]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// steal simulates another instance reclaiming the lock.
func (r *fakeCronJobRepo) steal(t model.CronJobType, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[t]; ok {
		job.StartedAt = at
		job.CompletedAt = nil
	}
}

type fakeEscrowRepo struct {
	mu      sync.Mutex
	rows    map[int64]*model.EscrowCompletion
	nextID  int64
	scanErr error
	creates int
}

func newFakeEscrowRepo() *fakeEscrowRepo {
	return &fakeEscrowRepo{rows: make(map[int64]*model.EscrowCompletion)}
}

func (r *fakeEscrowRepo) CreateIfAbsent(
	_ context.Context,
	req model.CreateEscrowCompletionRequest,
) (*model.EscrowCompletion, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ChainID == req.ChainID && row.EscrowAddress == req.EscrowAddress {
			cp := *row
			return &cp, false, nil
		}
	}
	r.nextID++
	r.creates++
	row := &model.EscrowCompletion{
		ID:            r.nextID,
		ChainID:       req.ChainID,
		EscrowAddress: req.EscrowAddress,
		Status:        model.EscrowCompletionStatusPending,
		CreatedAt:     testutil.TestTime(),
	}
	if req.FinalResultsURL != "" {
		u := req.FinalResultsURL
		row.FinalResultsURL = &u
	}
	r.rows[row.ID] = row
	cp := *row
	return &cp, true, nil
}

func (r *fakeEscrowRepo) GetByID(_ context.Context, id int64) (*model.EscrowCompletion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *fakeEscrowRepo) GetByEscrow(_ context.Context, chainID int64, addr string) (*model.EscrowCompletion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ChainID == chainID && row.EscrowAddress == addr {
			cp := *row
			return &cp, nil
		}
	}
	return nil, core.ErrNotFound
}

func (r *fakeEscrowRepo) FindDue(_ context.Context, p core.FindDueParams) ([]*model.EscrowCompletion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanErr != nil {
		return nil, r.scanErr
	}
	var out []*model.EscrowCompletion
	for _, row := range r.rows {
		due := row.Status == model.EscrowCompletionStatusPending || row.Status == model.EscrowCompletionStatusPaid
		if due && !row.WaitUntil.After(p.Now) {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

func (r *fakeEscrowRepo) SetFinalResults(_ context.Context, p core.SetFinalResultsParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[p.ID]
	if !ok {
		return core.ErrNotFound
	}
	if !row.HasFinalResults() {
		u, h := p.URL, p.Hash
		row.FinalResultsURL, row.FinalResultsHash = &u, &h
	}
	return nil
}

func (r *fakeEscrowRepo) Transition(_ context.Context, p core.EscrowTransitionParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[p.ID]
	if !ok || row.Status != p.From {
		return core.ErrStaleTransition
	}
	row.Status = p.To
	if p.FailureDetail != nil {
		d := *p.FailureDetail
		row.FailureDetail = &d
	}
	if p.RetriesCount != nil {
		row.RetriesCount = *p.RetriesCount
	}
	return nil
}

func (r *fakeEscrowRepo) ScheduleRetry(_ context.Context, p core.RetryParams[model.EscrowCompletionStatus]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[p.ID]
	if !ok || row.Status != p.From {
		return core.ErrStaleTransition
	}
	row.RetriesCount = p.RetriesCount
	row.WaitUntil = p.WaitUntil
	d := p.FailureDetail
	row.FailureDetail = &d
	return nil
}

func (r *fakeEscrowRepo) get(id int64) model.EscrowCompletion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

// update edits a stored row in place, as an earlier run would have left it.
func (r *fakeEscrowRepo) update(id int64, fn func(*model.EscrowCompletion)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.rows[id])
}

type fakeBatchRepo struct {
	mu     sync.Mutex
	rows   []*model.EscrowPayoutsBatch
	setErr error
	// onSetNonce runs before SetNonce applies, under no lock.
	onSetNonce func(id int64)
}

func newFakeBatchRepo() *fakeBatchRepo {
	return &fakeBatchRepo{}
}

func (r *fakeBatchRepo) CreateIfAbsent(
	_ context.Context,
	p core.CreatePayoutsBatchParams,
) (*model.EscrowPayoutsBatch, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.rows {
		if b.EscrowCompletionID == p.EscrowCompletionID && b.PayoutsHash == p.PayoutsHash {
			return cloneBatch(b), false, nil
		}
	}
	var payouts []model.Payout
	if err := json.Unmarshal(p.Payouts, &payouts); err != nil {
		return nil, false, fmt.Errorf("decode payouts: %w", err)
	}
	b := &model.EscrowPayoutsBatch{
		ID:                 int64(len(r.rows) + 1),
		EscrowCompletionID: p.EscrowCompletionID,
		Payouts:            payouts,
		PayoutsHash:        p.PayoutsHash,
	}
	r.rows = append(r.rows, b)
	return cloneBatch(b), true, nil
}

func (r *fakeBatchRepo) SetNonce(_ context.Context, p core.SetBatchNonceParams) (bool, error) {
	if r.onSetNonce != nil {
		r.onSetNonce(p.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setErr != nil {
		return false, r.setErr
	}
	for _, b := range r.rows {
		if b.ID != p.ID {
			continue
		}
		if b.TxNonce != nil && *b.TxNonce != p.Nonce {
			return false, nil
		}
		n := p.Nonce
		b.TxNonce = &n
		return true, nil
	}
	return false, core.ErrNotFound
}

func (r *fakeBatchRepo) ClearNonce(_ context.Context, p core.SetBatchNonceParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.rows {
		if b.ID == p.ID && b.TxNonce != nil && *b.TxNonce == p.Nonce {
			b.TxNonce = nil
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeBatchRepo) GetByID(_ context.Context, id int64) (*model.EscrowPayoutsBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.rows {
		if b.ID == id {
			return cloneBatch(b), nil
		}
	}
	return nil, core.ErrNotFound
}

func (r *fakeBatchRepo) ListByCompletion(_ context.Context, id int64) ([]*model.EscrowPayoutsBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.EscrowPayoutsBatch
	for _, b := range r.rows {
		if b.EscrowCompletionID == id {
			out = append(out, cloneBatch(b))
		}
	}
	return out, nil
}

// forceNonce writes a nonce directly, as a concurrent writer would.
func (r *fakeBatchRepo) forceNonce(id int64, nonce uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.rows {
		if b.ID == id {
			b.TxNonce = &nonce
		}
	}
}

func cloneBatch(b *model.EscrowPayoutsBatch) *model.EscrowPayoutsBatch {
	cp := *b
	cp.Payouts = append([]model.Payout(nil), b.Payouts...)
	if b.TxNonce != nil {
		n := *b.TxNonce
		cp.TxNonce = &n
	}
	return &cp
}

type fakeOutgoingRepo struct {
	mu   sync.Mutex
	rows []*model.OutgoingWebhook
}

func newFakeOutgoingRepo() *fakeOutgoingRepo {
	return &fakeOutgoingRepo{}
}

func (r *fakeOutgoingRepo) CreateIfAbsent(
	_ context.Context,
	p core.CreateOutgoingWebhookParams,
) (*model.OutgoingWebhook, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.rows {
		if w.Hash == p.Hash {
			cp := *w
			return &cp, false, nil
		}
	}
	w := &model.OutgoingWebhook{
		ID:      int64(len(r.rows) + 1),
		Hash:    p.Hash,
		URL:     p.URL,
		Payload: append(json.RawMessage(nil), p.Payload...),
		Status:  model.OutgoingWebhookStatusPending,
	}
	r.rows = append(r.rows, w)
	cp := *w
	return &cp, true, nil
}

func (r *fakeOutgoingRepo) GetByHash(_ context.Context, hash string) (*model.OutgoingWebhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.rows {
		if w.Hash == hash {
			cp := *w
			return &cp, nil
		}
	}
	return nil, core.ErrNotFound
}

func (r *fakeOutgoingRepo) FindDue(_ context.Context, p core.FindDueParams) ([]*model.OutgoingWebhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.OutgoingWebhook
	for _, w := range r.rows {
		if w.Status == model.OutgoingWebhookStatusPending && !w.WaitUntil.After(p.Now) {
			cp := *w
			out = append(out, &cp)
		}
	}
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

func (r *fakeOutgoingRepo) Transition(_ context.Context, p core.OutgoingWebhookTransitionParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.rows {
		if w.ID != p.ID {
			continue
		}
		if w.Status != p.From {
			return core.ErrStaleTransition
		}
		w.Status = p.To
		if p.FailureDetail != nil {
			d := *p.FailureDetail
			w.FailureDetail = &d
		}
		if p.RetriesCount != nil {
			w.RetriesCount = *p.RetriesCount
		}
		return nil
	}
	return core.ErrStaleTransition
}

func (r *fakeOutgoingRepo) ScheduleRetry(_ context.Context, p core.RetryParams[model.OutgoingWebhookStatus]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.rows {
		if w.ID != p.ID {
			continue
		}
		if w.Status != p.From {
			return core.ErrStaleTransition
		}
		w.RetriesCount = p.RetriesCount
		w.WaitUntil = p.WaitUntil
		d := p.FailureDetail
		w.FailureDetail = &d
		return nil
	}
	return core.ErrStaleTransition
}

func (r *fakeOutgoingRepo) all() []model.OutgoingWebhook {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.OutgoingWebhook, 0, len(r.rows))
	for _, w := range r.rows {
		out = append(out, *w)
	}
	return out
}

type fakeIncomingRepo struct {
	mu        sync.Mutex
	rows      []*model.IncomingWebhook
	creates   int
	createErr error
}

func newFakeIncomingRepo() *fakeIncomingRepo {
	return &fakeIncomingRepo{}
}

func (r *fakeIncomingRepo) CreateIfAbsent(
	_ context.Context,
	req model.IncomingWebhookRequest,
) (*model.IncomingWebhook, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	if r.createErr != nil {
		return nil, false, r.createErr
	}
	for _, w := range r.rows {
		if w.ChainID == req.ChainID && w.EscrowAddress == req.EscrowAddress {
			cp := *w
			return &cp, false, nil
		}
	}
	w := &model.IncomingWebhook{
		ID:            int64(len(r.rows) + 1),
		ChainID:       req.ChainID,
		EscrowAddress: req.EscrowAddress,
		EventType:     req.EventType,
		ResultsURL:    req.ResultsURL,
		CheckPassed:   req.CheckPassed,
		Status:        model.IncomingWebhookStatusPending,
	}
	r.rows = append(r.rows, w)
	cp := *w
	return &cp, true, nil
}

func (r *fakeIncomingRepo) GetByID(_ context.Context, id int64) (*model.IncomingWebhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.rows {
		if w.ID == id {
			cp := *w
			return &cp, nil
		}
	}
	return nil, core.ErrNotFound
}

func (r *fakeIncomingRepo) FindDue(_ context.Context, p core.FindDueParams) ([]*model.IncomingWebhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.IncomingWebhook
	for _, w := range r.rows {
		if w.Status == model.IncomingWebhookStatusPending && !w.WaitUntil.After(p.Now) {
			cp := *w
			out = append(out, &cp)
		}
	}
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

func (r *fakeIncomingRepo) Transition(_ context.Context, p core.IncomingWebhookTransitionParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.rows {
		if w.ID != p.ID {
			continue
		}
		if w.Status != p.From {
			return core.ErrStaleTransition
		}
		w.Status = p.To
		if p.FailureDetail != nil {
			d := *p.FailureDetail
			w.FailureDetail = &d
		}
		if p.RetriesCount != nil {
			w.RetriesCount = *p.RetriesCount
		}
		return nil
	}
	return core.ErrStaleTransition
}

func (r *fakeIncomingRepo) ScheduleRetry(_ context.Context, p core.RetryParams[model.IncomingWebhookStatus]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.rows {
		if w.ID != p.ID {
			continue
		}
		if w.Status != p.From {
			return core.ErrStaleTransition
		}
		w.RetriesCount = p.RetriesCount
		w.WaitUntil = p.WaitUntil
		d := p.FailureDetail
		w.FailureDetail = &d
		return nil
	}
	return core.ErrStaleTransition
}

func (r *fakeIncomingRepo) get(id int64) model.IncomingWebhook {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id-1]
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []notify.FailurePayload
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, p notify.FailurePayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
}

func (n *recordingNotifier) all() []notify.FailurePayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.FailurePayload(nil), n.payloads...)
}
