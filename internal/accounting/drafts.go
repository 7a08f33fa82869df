package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/sahab-io/rasid/internal/model"
	"github.com/sahab-io/rasid/internal/storage"
)

var draftMeter = otel.GetMeterProvider().Meter("rasid/accounting")

// countDraft records one draft outcome: created, duplicate, or queued.
// Best-effort, instruments lazily created.
func countDraft(ctx context.Context, outcome string) {
	if counter, err := draftMeter.Int64Counter("rasid.drafts",
		otelmetric.WithDescription("Draft creation outcomes")); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// DraftStore is the storage surface the Drafter needs: fingerprints for
// idempotency, the retry queue for deferred creation, the outbox and audit
// log for user-visible effects. *storage.DB implements it.
type DraftStore interface {
	ReserveFingerprint(ctx context.Context, hash, caseID, tenantID string) (*storage.Fingerprint, error)
	GetFingerprint(ctx context.Context, hash string) (*storage.Fingerprint, error)
	CompleteFingerprint(ctx context.Context, hash, orderID string) error
	EnqueueRetry(ctx context.Context, item *storage.RetryItem) (int64, error)
	InsertOutboxEvent(ctx context.Context, ev *storage.OutboxEvent) error
	AppendAudit(ctx context.Context, rec *storage.AuditRecord) error
}

// Drafter creates draft sales orders with fingerprint idempotency. A draft is
// created at most once per fingerprint; when the accounting system is down
// the request lands in the retry queue instead of being lost.
type Drafter struct {
	client *Client
	db     DraftStore
	logger *slog.Logger

	maxAttempts int
	baseBackoff time.Duration
	sleep       func(context.Context, time.Duration) error
}

// NewDrafter builds a Drafter. maxAttempts bounds the in-call retries for
// throttles and transient errors (default 3) before the request is queued.
func NewDrafter(client *Client, db DraftStore, maxAttempts int, logger *slog.Logger) *Drafter {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Drafter{
		client:      client,
		db:          db,
		logger:      logger,
		maxAttempts: maxAttempts,
		baseBackoff: time.Second,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// CreateDraft runs the full draft state machine for one approved order:
// fingerprint check, in-flight reservation, POST with bounded retries, then
// either completion, duplicate return, or retry-queue handoff.
func (d *Drafter) CreateDraft(ctx context.Context, caseID, tenantID, fingerprint string, req DraftRequest) (*model.DraftResult, error) {
	fp, err := d.db.ReserveFingerprint(ctx, fingerprint, caseID, tenantID)
	if err != nil && !errors.Is(err, storage.ErrFingerprintExists) {
		return nil, err
	}
	if errors.Is(err, storage.ErrFingerprintExists) {
		switch {
		case fp.State == model.FingerprintCreated:
			d.logger.Info("draft duplicate detected", "case_id", caseID, "fingerprint", fingerprint)
			countDraft(ctx, "duplicate")
			return &model.DraftResult{
				OrderID:     fp.OrderID,
				Duplicate:   true,
				Fingerprint: fingerprint,
			}, nil
		case fp.CaseID == caseID:
			// Our own crashed attempt; we still hold the reservation.
		default:
			// Another case is mid-flight on the same fingerprint; let its
			// attempt settle before this one decides anything.
			return nil, &TransientError{Err: fmt.Errorf("fingerprint %s in flight for case %s", fingerprint, fp.CaseID)}
		}
	}

	resp, err := d.submitWithRetries(ctx, req)
	if err != nil {
		return d.enqueue(ctx, caseID, tenantID, fingerprint, req, err)
	}
	return d.complete(ctx, caseID, tenantID, fingerprint, resp)
}

// SubmitQueued runs one queued attempt for the sweeper: a single POST, no
// in-call retries (the queue's backoff schedule owns pacing).
func (d *Drafter) SubmitQueued(ctx context.Context, caseID, tenantID, fingerprint string, payload json.RawMessage) (*model.DraftResult, error) {
	// The fingerprint may already be completed if a competing path won.
	if fp, err := d.db.GetFingerprint(ctx, fingerprint); err == nil && fp.State == model.FingerprintCreated {
		return &model.DraftResult{OrderID: fp.OrderID, Duplicate: true, Fingerprint: fingerprint}, nil
	}

	var req DraftRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &PermanentError{StatusCode: 0, Body: "malformed queued payload: " + err.Error()}
	}
	resp, err := d.client.PostDraft(ctx, req)
	if err != nil {
		return nil, err
	}
	return d.complete(ctx, caseID, tenantID, fingerprint, resp)
}

func (d *Drafter) submitWithRetries(ctx context.Context, req DraftRequest) (*DraftResponse, error) {
	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		resp, err := d.client.PostDraft(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var throttled *ThrottledError
		switch {
		case errors.As(err, &throttled):
			d.logger.Warn("draft throttled", "retry_after", throttled.RetryAfter, "attempt", attempt+1)
			if err := d.sleep(ctx, throttled.RetryAfter); err != nil {
				return nil, err
			}
		case IsTransient(err):
			backoff := d.baseBackoff * (1 << attempt)
			d.logger.Warn("draft transient failure", "error", err, "backoff", backoff, "attempt", attempt+1)
			if err := d.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		default:
			// Non-transient rejection: no point retrying the same payload.
			return nil, err
		}
	}
	return nil, lastErr
}

// complete finishes a successful POST: fingerprint → created, outbox event,
// audit record.
func (d *Drafter) complete(ctx context.Context, caseID, tenantID, fingerprint string, resp *DraftResponse) (*model.DraftResult, error) {
	if err := d.db.CompleteFingerprint(ctx, fingerprint, resp.OrderID); err != nil {
		return nil, fmt.Errorf("accounting: record draft completion: %w", err)
	}

	result := &model.DraftResult{
		OrderID:     resp.OrderID,
		OrderNumber: resp.OrderNumber,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().UTC(),
	}
	payload, _ := json.Marshal(result)
	if err := d.db.InsertOutboxEvent(ctx, &storage.OutboxEvent{
		CaseID:   caseID,
		TenantID: tenantID,
		Kind:     storage.OutboxDraftCreated,
		Payload:  payload,
	}); err != nil {
		d.logger.Error("draft created but outbox write failed", "case_id", caseID, "error", err)
	}
	if err := d.db.AppendAudit(ctx, &storage.AuditRecord{
		CaseID:   caseID,
		TenantID: tenantID,
		Actor:    "system",
		Action:   storage.AuditDraftCreated,
		Detail:   payload,
	}); err != nil {
		d.logger.Error("draft audit write failed", "case_id", caseID, "error", err)
	}

	d.logger.Info("draft created", "case_id", caseID, "order_id", resp.OrderID)
	countDraft(ctx, "created")
	return result, nil
}

// enqueue hands a failed draft to the retry queue and reports it as queued.
// The fingerprint stays reserved so nothing else can create the same order
// while the queue works through it.
func (d *Drafter) enqueue(ctx context.Context, caseID, tenantID, fingerprint string, req DraftRequest, cause error) (*model.DraftResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("accounting: marshal queued draft: %w", err)
	}

	queueID, err := d.db.EnqueueRetry(ctx, &storage.RetryItem{
		CaseID:      caseID,
		TenantID:    tenantID,
		Fingerprint: fingerprint,
		Payload:     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("accounting: enqueue draft: %w", err)
	}

	detail, _ := json.Marshal(map[string]any{
		"queueId": queueID,
		"error":   cause.Error(),
	})
	if err := d.db.InsertOutboxEvent(ctx, &storage.OutboxEvent{
		CaseID:   caseID,
		TenantID: tenantID,
		Kind:     storage.OutboxDraftQueued,
		Payload:  detail,
	}); err != nil {
		d.logger.Error("draft queued but outbox write failed", "case_id", caseID, "error", err)
	}
	if err := d.db.AppendAudit(ctx, &storage.AuditRecord{
		CaseID:   caseID,
		TenantID: tenantID,
		Actor:    "system",
		Action:   storage.AuditDraftQueued,
		Detail:   detail,
	}); err != nil {
		d.logger.Error("draft queue audit write failed", "case_id", caseID, "error", err)
	}

	d.logger.Warn("draft queued for retry", "case_id", caseID, "queue_id", queueID, "cause", cause)
	countDraft(ctx, "queued")
	return &model.DraftResult{
		Queued:      true,
		QueueID:     strconv.FormatInt(queueID, 10),
		Fingerprint: fingerprint,
	}, nil
}
