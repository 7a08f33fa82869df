package accounting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahab-io/rasid/internal/model"
	"github.com/sahab-io/rasid/internal/storage"
)

// fakeStore is an in-memory DraftStore.
type fakeStore struct {
	fingerprints map[string]*storage.Fingerprint
	queue        []*storage.RetryItem
	outbox       []*storage.OutboxEvent
	audit        []*storage.AuditRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{fingerprints: map[string]*storage.Fingerprint{}}
}

func (s *fakeStore) ReserveFingerprint(_ context.Context, hash, caseID, tenantID string) (*storage.Fingerprint, error) {
	if fp, ok := s.fingerprints[hash]; ok {
		return fp, storage.ErrFingerprintExists
	}
	fp := &storage.Fingerprint{Hash: hash, CaseID: caseID, TenantID: tenantID, State: model.FingerprintInFlight}
	s.fingerprints[hash] = fp
	return fp, nil
}

func (s *fakeStore) GetFingerprint(_ context.Context, hash string) (*storage.Fingerprint, error) {
	fp, ok := s.fingerprints[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return fp, nil
}

func (s *fakeStore) CompleteFingerprint(_ context.Context, hash, orderID string) error {
	fp, ok := s.fingerprints[hash]
	if !ok {
		return storage.ErrNotFound
	}
	fp.State = model.FingerprintCreated
	fp.OrderID = orderID
	return nil
}

func (s *fakeStore) EnqueueRetry(_ context.Context, item *storage.RetryItem) (int64, error) {
	item.ID = int64(len(s.queue) + 1)
	s.queue = append(s.queue, item)
	return item.ID, nil
}

func (s *fakeStore) InsertOutboxEvent(_ context.Context, ev *storage.OutboxEvent) error {
	s.outbox = append(s.outbox, ev)
	return nil
}

func (s *fakeStore) AppendAudit(_ context.Context, rec *storage.AuditRecord) error {
	s.audit = append(s.audit, rec)
	return nil
}

func newTestDrafter(t *testing.T, store *fakeStore, handler http.Handler) *Drafter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, srv.Client(), testLogger())

	d := NewDrafter(client, store, 3, testLogger())
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d
}

func draftHandler(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

var testReq = DraftRequest{
	CustomerID:  "cus-1",
	Lines:       []DraftLine{{ItemID: "itm-1", Quantity: 2, Rate: 10.5}},
	ExternalRef: "case-1",
}

func TestCreateDraft_Success(t *testing.T) {
	store := newFakeStore()
	d := newTestDrafter(t, store, draftHandler(http.StatusCreated, `{"id":"so-1","number":"SO-0001"}`))

	res, err := d.CreateDraft(context.Background(), "case-1", "tenant-a", "fp-1", testReq)
	require.NoError(t, err)
	assert.Equal(t, "so-1", res.OrderID)
	assert.Equal(t, "SO-0001", res.OrderNumber)
	assert.False(t, res.Duplicate)
	assert.False(t, res.Queued)

	assert.Equal(t, model.FingerprintCreated, store.fingerprints["fp-1"].State)
	require.Len(t, store.outbox, 1)
	assert.Equal(t, storage.OutboxDraftCreated, store.outbox[0].Kind)
	require.Len(t, store.audit, 1)
	assert.Equal(t, storage.AuditDraftCreated, store.audit[0].Action)
}

func TestCreateDraft_DuplicateFingerprint(t *testing.T) {
	store := newFakeStore()
	store.fingerprints["fp-1"] = &storage.Fingerprint{
		Hash: "fp-1", CaseID: "case-0", State: model.FingerprintCreated, OrderID: "so-9",
	}
	var calls int
	d := newTestDrafter(t, store, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	res, err := d.CreateDraft(context.Background(), "case-1", "tenant-a", "fp-1", testReq)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "so-9", res.OrderID)
	assert.Zero(t, calls, "duplicate must not reach the API")
}

func TestCreateDraft_OwnInFlightReservationProceeds(t *testing.T) {
	store := newFakeStore()
	store.fingerprints["fp-1"] = &storage.Fingerprint{
		Hash: "fp-1", CaseID: "case-1", State: model.FingerprintInFlight,
	}
	d := newTestDrafter(t, store, draftHandler(http.StatusCreated, `{"id":"so-2","number":"SO-0002"}`))

	res, err := d.CreateDraft(context.Background(), "case-1", "tenant-a", "fp-1", testReq)
	require.NoError(t, err)
	assert.Equal(t, "so-2", res.OrderID)
}

func TestCreateDraft_ForeignInFlightIsTransient(t *testing.T) {
	store := newFakeStore()
	store.fingerprints["fp-1"] = &storage.Fingerprint{
		Hash: "fp-1", CaseID: "case-other", State: model.FingerprintInFlight,
	}
	d := newTestDrafter(t, store, draftHandler(http.StatusCreated, `{}`))

	_, err := d.CreateDraft(context.Background(), "case-1", "tenant-a", "fp-1", testReq)
	assert.True(t, IsTransient(err))
}

func TestCreateDraft_OutageQueues(t *testing.T) {
	store := newFakeStore()
	d := newTestDrafter(t, store, draftHandler(http.StatusServiceUnavailable, ``))

	res, err := d.CreateDraft(context.Background(), "case-1", "tenant-a", "fp-1", testReq)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.NotEmpty(t, res.QueueID)

	require.Len(t, store.queue, 1)
	assert.Equal(t, "fp-1", store.queue[0].Fingerprint)
	require.Len(t, store.outbox, 1)
	assert.Equal(t, storage.OutboxDraftQueued, store.outbox[0].Kind)

	// The reservation stays so nothing else can create this order.
	assert.Equal(t, model.FingerprintInFlight, store.fingerprints["fp-1"].State)
}

func TestCreateDraft_RetriesThrottleThenSucceeds(t *testing.T) {
	store := newFakeStore()
	var calls int
	d := newTestDrafter(t, store, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"so-3","number":"SO-0003"}`))
	}))

	res, err := d.CreateDraft(context.Background(), "case-1", "tenant-a", "fp-1", testReq)
	require.NoError(t, err)
	assert.Equal(t, "so-3", res.OrderID)
	assert.Equal(t, 2, calls)
}

func TestCreateDraft_PermanentRejectionQueuesWithoutRetry(t *testing.T) {
	store := newFakeStore()
	var calls int
	d := newTestDrafter(t, store, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	res, err := d.CreateDraft(context.Background(), "case-1", "tenant-a", "fp-1", testReq)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, calls, "permanent rejection must not retry in-call")
}

func TestSubmitQueued_Success(t *testing.T) {
	store := newFakeStore()
	store.fingerprints["fp-1"] = &storage.Fingerprint{
		Hash: "fp-1", CaseID: "case-1", State: model.FingerprintInFlight,
	}
	d := newTestDrafter(t, store, draftHandler(http.StatusCreated, `{"id":"so-4","number":"SO-0004"}`))

	payload, _ := json.Marshal(testReq)
	res, err := d.SubmitQueued(context.Background(), "case-1", "tenant-a", "fp-1", payload)
	require.NoError(t, err)
	assert.Equal(t, "so-4", res.OrderID)
	assert.Equal(t, model.FingerprintCreated, store.fingerprints["fp-1"].State)
}

func TestSubmitQueued_AlreadyCompletedShortCircuits(t *testing.T) {
	store := newFakeStore()
	store.fingerprints["fp-1"] = &storage.Fingerprint{
		Hash: "fp-1", CaseID: "case-1", State: model.FingerprintCreated, OrderID: "so-5",
	}
	var calls int
	d := newTestDrafter(t, store, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))

	payload, _ := json.Marshal(testReq)
	res, err := d.SubmitQueued(context.Background(), "case-1", "tenant-a", "fp-1", payload)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "so-5", res.OrderID)
	assert.Zero(t, calls)
}
