// Package sweeper drains the draft retry queue. It periodically claims due
// items, replays each one against the accounting system, and reschedules or
// abandons failures. Items for different cases run in parallel; items for the
// same case run in claim order so a case never has two drafts in flight.
package sweeper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sahab-io/rasid/internal/model"
	"github.com/sahab-io/rasid/internal/storage"
)

// Queue is the retry-queue surface the sweeper drives. *storage.DB
// implements it.
type Queue interface {
	ClaimReadyRetries(ctx context.Context, limit int, lockFor time.Duration) ([]storage.RetryItem, error)
	MarkRetrySucceeded(ctx context.Context, id int64) error
	MarkRetryFailed(ctx context.Context, id int64, lastError string) (storage.RetryState, error)
	InsertOutboxEvent(ctx context.Context, ev *storage.OutboxEvent) error
	AppendAudit(ctx context.Context, rec *storage.AuditRecord) error
	CleanupRetryQueue(ctx context.Context, succeededTTL, abandonedTTL time.Duration) (int64, error)
	CleanupFingerprints(ctx context.Context, staleTTL, completedTTL time.Duration) (int64, error)
}

// Submitter replays one queued draft request.
type Submitter interface {
	SubmitQueued(ctx context.Context, caseID, tenantID, fingerprint string, payload json.RawMessage) (*model.DraftResult, error)
}

// Config tunes the sweep loop. Zero values take the defaults.
type Config struct {
	Interval    time.Duration // poll cadence, default 30s
	BatchSize   int           // items claimed per sweep, default 50
	Concurrency int64         // cases processed in parallel, default 10
	LockFor     time.Duration // claim lease, default 5m

	// Cleanup retention for finished work.
	SucceededTTL time.Duration // default 7 days
	AbandonedTTL time.Duration // default 30 days
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.LockFor <= 0 {
		c.LockFor = 5 * time.Minute
	}
	if c.SucceededTTL <= 0 {
		c.SucceededTTL = 7 * 24 * time.Hour
	}
	if c.AbandonedTTL <= 0 {
		c.AbandonedTTL = 30 * 24 * time.Hour
	}
}

// Sweeper drains the retry queue.
type Sweeper struct {
	queue     Queue
	submitter Submitter
	cfg       Config
	logger    *slog.Logger
}

func New(queue Queue, submitter Submitter, cfg Config, logger *slog.Logger) *Sweeper {
	cfg.defaults()
	return &Sweeper{queue: queue, submitter: submitter, cfg: cfg, logger: logger}
}

// Run polls until ctx is cancelled. Cleanup of finished items piggybacks on
// the sweep loop once an hour.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	s.logger.Info("retry sweeper started", "interval", s.cfg.Interval, "batch", s.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("sweep finished", "processed", n)
			}
		case <-cleanup.C:
			s.runCleanup(ctx)
		}
	}
}

// SweepOnce claims one batch and processes it, returning the number of items
// handled. Items are grouped per case; groups run concurrently under the
// configured limit, items inside a group sequentially.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	items, err := s.queue.ClaimReadyRetries(ctx, s.cfg.BatchSize, s.cfg.LockFor)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	groups := make(map[string][]storage.RetryItem)
	var order []string
	for _, it := range items {
		if _, seen := groups[it.CaseID]; !seen {
			order = append(order, it.CaseID)
		}
		groups[it.CaseID] = append(groups[it.CaseID], it)
	}

	sem := semaphore.NewWeighted(s.cfg.Concurrency)
	for _, caseID := range order {
		if err := sem.Acquire(ctx, 1); err != nil {
			return len(items), err
		}
		go func(batch []storage.RetryItem) {
			defer sem.Release(1)
			for _, it := range batch {
				s.processItem(ctx, it)
			}
		}(groups[caseID])
	}
	// Wait for all groups before returning so the caller sees a quiesced
	// batch and claims never pile up across sweeps.
	if err := sem.Acquire(ctx, s.cfg.Concurrency); err != nil {
		return len(items), err
	}
	sem.Release(s.cfg.Concurrency)
	return len(items), nil
}

func (s *Sweeper) processItem(ctx context.Context, it storage.RetryItem) {
	result, err := s.submitter.SubmitQueued(ctx, it.CaseID, it.TenantID, it.Fingerprint, it.Payload)
	if err != nil {
		s.recordFailure(ctx, it, err)
		return
	}

	if err := s.queue.MarkRetrySucceeded(ctx, it.ID); err != nil {
		s.logger.Error("draft replay succeeded but queue update failed", "queue_id", it.ID, "error", err)
		return
	}
	s.logger.Info("queued draft created",
		"case_id", it.CaseID, "queue_id", it.ID, "order_id", result.OrderID, "attempt", it.Attempts)
}

// recordFailure reschedules the item or, when its attempts are spent, emits
// the retry-exhausted notification so the uploader learns the order never
// made it.
func (s *Sweeper) recordFailure(ctx context.Context, it storage.RetryItem, cause error) {
	state, err := s.queue.MarkRetryFailed(ctx, it.ID, cause.Error())
	if err != nil {
		s.logger.Error("retry bookkeeping failed", "queue_id", it.ID, "error", err)
		return
	}
	if state != storage.RetryAbandoned {
		s.logger.Warn("queued draft failed, rescheduled",
			"case_id", it.CaseID, "queue_id", it.ID, "attempt", it.Attempts, "error", cause)
		return
	}

	s.logger.Error("queued draft abandoned",
		"case_id", it.CaseID, "queue_id", it.ID, "attempts", it.Attempts, "error", cause)

	detail, _ := json.Marshal(map[string]any{
		"queueId":  it.ID,
		"attempts": it.Attempts,
		"error":    cause.Error(),
	})
	if err := s.queue.InsertOutboxEvent(ctx, &storage.OutboxEvent{
		CaseID:   it.CaseID,
		TenantID: it.TenantID,
		Kind:     storage.OutboxRetryExhausted,
		Payload:  detail,
	}); err != nil {
		s.logger.Error("retry-exhausted outbox write failed", "case_id", it.CaseID, "error", err)
	}
	if err := s.queue.AppendAudit(ctx, &storage.AuditRecord{
		CaseID:   it.CaseID,
		TenantID: it.TenantID,
		Actor:    "system",
		Action:   storage.AuditFailed,
		Detail:   detail,
	}); err != nil {
		s.logger.Error("retry-exhausted audit write failed", "case_id", it.CaseID, "error", err)
	}
}

func (s *Sweeper) runCleanup(ctx context.Context) {
	if n, err := s.queue.CleanupRetryQueue(ctx, s.cfg.SucceededTTL, s.cfg.AbandonedTTL); err != nil {
		s.logger.Error("retry queue cleanup failed", "error", err)
	} else if n > 0 {
		s.logger.Info("retry queue cleaned", "deleted", n)
	}
	// Stale in-flight fingerprints unblock after a day; completed ones keep
	// duplicate detection working for the abandoned-item retention window.
	if n, err := s.queue.CleanupFingerprints(ctx, 24*time.Hour, s.cfg.AbandonedTTL); err != nil {
		s.logger.Error("fingerprint cleanup failed", "error", err)
	} else if n > 0 {
		s.logger.Info("fingerprints cleaned", "deleted", n)
	}
}
