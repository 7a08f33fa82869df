package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahab-io/rasid/internal/model"
	"github.com/sahab-io/rasid/internal/storage"
)

type fakeQueue struct {
	mu        sync.Mutex
	claimable []storage.RetryItem
	succeeded []int64
	failed    map[int64]string
	failState storage.RetryState
	outbox    []storage.OutboxEvent
	audit     []storage.AuditRecord
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{failed: map[int64]string{}, failState: storage.RetryPending}
}

func (q *fakeQueue) ClaimReadyRetries(_ context.Context, limit int, _ time.Duration) ([]storage.RetryItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.claimable) > limit {
		out := q.claimable[:limit]
		q.claimable = q.claimable[limit:]
		return out, nil
	}
	out := q.claimable
	q.claimable = nil
	return out, nil
}

func (q *fakeQueue) MarkRetrySucceeded(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.succeeded = append(q.succeeded, id)
	return nil
}

func (q *fakeQueue) MarkRetryFailed(_ context.Context, id int64, lastError string) (storage.RetryState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = lastError
	return q.failState, nil
}

func (q *fakeQueue) InsertOutboxEvent(_ context.Context, ev *storage.OutboxEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outbox = append(q.outbox, *ev)
	return nil
}

func (q *fakeQueue) AppendAudit(_ context.Context, rec *storage.AuditRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.audit = append(q.audit, *rec)
	return nil
}

func (q *fakeQueue) CleanupRetryQueue(context.Context, time.Duration, time.Duration) (int64, error) {
	return 0, nil
}

func (q *fakeQueue) CleanupFingerprints(context.Context, time.Duration, time.Duration) (int64, error) {
	return 0, nil
}

type fakeSubmitter struct {
	mu    sync.Mutex
	err   error
	calls []string // caseID order of invocation
}

func (f *fakeSubmitter) SubmitQueued(_ context.Context, caseID, _, fingerprint string, _ json.RawMessage) (*model.DraftResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, caseID)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &model.DraftResult{OrderID: "so-" + caseID, Fingerprint: fingerprint}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func item(id int64, caseID string) storage.RetryItem {
	return storage.RetryItem{
		ID: id, CaseID: caseID, TenantID: "t1",
		Fingerprint: "fp-" + caseID,
		Payload:     json.RawMessage(`{"customerId":"cus-1"}`),
		Attempts:    1,
	}
}

func TestSweepOnce_SuccessMarksSucceeded(t *testing.T) {
	q := newFakeQueue()
	q.claimable = []storage.RetryItem{item(1, "case-a"), item(2, "case-b")}
	sub := &fakeSubmitter{}

	s := New(q, sub, Config{}, testLogger())
	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []int64{1, 2}, q.succeeded)
	assert.Empty(t, q.failed)
	assert.Empty(t, q.outbox)
}

func TestSweepOnce_FailureReschedulesWithoutNotification(t *testing.T) {
	q := newFakeQueue()
	q.claimable = []storage.RetryItem{item(1, "case-a")}
	sub := &fakeSubmitter{err: errors.New("accounting down")}

	s := New(q, sub, Config{}, testLogger())
	_, err := s.SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, q.succeeded)
	assert.Equal(t, "accounting down", q.failed[1])
	assert.Empty(t, q.outbox, "a rescheduled item must not notify")
}

func TestSweepOnce_AbandonmentEmitsRetryExhausted(t *testing.T) {
	q := newFakeQueue()
	q.failState = storage.RetryAbandoned
	it := item(7, "case-a")
	it.Attempts = storage.MaxRetryAttempts
	q.claimable = []storage.RetryItem{it}
	sub := &fakeSubmitter{err: errors.New("still down")}

	s := New(q, sub, Config{}, testLogger())
	_, err := s.SweepOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, q.outbox, 1)
	assert.Equal(t, storage.OutboxRetryExhausted, q.outbox[0].Kind)
	assert.Equal(t, "case-a", q.outbox[0].CaseID)

	require.Len(t, q.audit, 1)
	assert.Equal(t, storage.AuditFailed, q.audit[0].Action)
}

func TestSweepOnce_SameCaseItemsRunInOrder(t *testing.T) {
	q := newFakeQueue()
	q.claimable = []storage.RetryItem{item(1, "case-a"), item(2, "case-a"), item(3, "case-a")}
	sub := &fakeSubmitter{}

	s := New(q, sub, Config{Concurrency: 4}, testLogger())
	_, err := s.SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"case-a", "case-a", "case-a"}, sub.calls)
	assert.Equal(t, []int64{1, 2, 3}, q.succeeded)
}

func TestSweepOnce_EmptyQueue(t *testing.T) {
	s := New(newFakeQueue(), &fakeSubmitter{}, Config{}, testLogger())
	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
