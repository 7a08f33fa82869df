package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RetryState is the lifecycle of one queued draft-creation attempt.
type RetryState string

const (
	RetryPending    RetryState = "pending"
	RetryInProgress RetryState = "in-progress"
	RetrySucceeded  RetryState = "succeeded"
	RetryAbandoned  RetryState = "abandoned"
)

// RetryItem is one deferred draft creation, enqueued when the accounting
// system was unavailable at approval time. Payload carries the full draft
// request; Fingerprint ties the item back to its idempotency reservation.
type RetryItem struct {
	ID          int64
	CaseID      string
	TenantID    string
	Fingerprint string
	Payload     json.RawMessage
	State       RetryState
	Attempts    int
	NextAttempt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Retry schedule: 1m, 2m, 4m, ... capped at 1h between attempts; an item
// that exhausts maxRetryAttempts is abandoned and surfaced to the user.
const (
	retryBaseSeconds = 60
	retryCapSeconds  = 3600
	// MaxRetryAttempts is the abandonment threshold for queued drafts.
	MaxRetryAttempts = 10
)

// EnqueueRetry adds a draft request to the retry queue. One pending item per
// fingerprint: re-enqueueing an already queued draft is a no-op returning the
// existing item id.
func (db *DB) EnqueueRetry(ctx context.Context, item *RetryItem) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO retry_queue (case_id, tenant_id, fingerprint, payload, state, next_attempt_at)
		 VALUES ($1, $2, $3, $4::jsonb, 'pending', now())
		 ON CONFLICT (fingerprint) WHERE state IN ('pending', 'in-progress')
		 DO UPDATE SET updated_at = now()
		 RETURNING id`,
		item.CaseID, item.TenantID, item.Fingerprint, []byte(item.Payload),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage: enqueue retry: %w", err)
	}
	return id, nil
}

// ClaimReadyRetries locks and returns up to limit items whose next attempt
// is due, oldest first. Claimed items move to in-progress with a lease of
// lockFor; an in-progress item whose lease has expired belonged to a crashed
// sweeper and is claimable again. Expired leases are re-claimable even past
// the attempts threshold so the item still reaches MarkRetryFailed, which
// owns the transition to abandoned and the user notification that follows.
func (db *DB) ClaimReadyRetries(ctx context.Context, limit int, lockFor time.Duration) ([]RetryItem, error) {
	var items []RetryItem
	err := WithRetry(ctx, claimRetries, claimBackoff, func() error {
		var err error
		items, err = db.claimReadyRetries(ctx, limit, lockFor)
		return err
	})
	return items, err
}

func (db *DB) claimReadyRetries(ctx context.Context, limit int, lockFor time.Duration) ([]RetryItem, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, case_id, tenant_id, fingerprint, payload, state, attempts, next_attempt_at, COALESCE(last_error, ''), created_at, updated_at
		 FROM retry_queue
		 WHERE next_attempt_at <= now()
		   AND ((state = 'pending' AND attempts < $1) OR state = 'in-progress')
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		MaxRetryAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select ready retries: %w", err)
	}
	items, err := scanRetryItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	// Claiming counts as the attempt: attempts increments here so a sweeper
	// that crashes mid-attempt still converges on abandonment.
	if _, err := tx.Exec(ctx,
		`UPDATE retry_queue
		 SET state = 'in-progress',
		     attempts = attempts + 1,
		     last_attempted_at = now(),
		     next_attempt_at = now() + ($2 * interval '1 microsecond'),
		     updated_at = now()
		 WHERE id = ANY($1)`,
		ids, lockFor.Microseconds(),
	); err != nil {
		return nil, fmt.Errorf("storage: lock retries: %w", err)
	}
	for i := range items {
		items[i].Attempts++
		items[i].State = RetryInProgress
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim: %w", err)
	}
	return items, nil
}

// MarkRetrySucceeded finishes a claimed item.
func (db *DB) MarkRetrySucceeded(ctx context.Context, id int64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE retry_queue SET state = 'succeeded', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: mark retry succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRetryFailed records a failed attempt. The next attempt is scheduled
// with exponential backoff computed in SQL (base 60s doubling per attempt,
// capped at 1h); an item that has used all its attempts is abandoned. The
// error history accumulates newest-last.
func (db *DB) MarkRetryFailed(ctx context.Context, id int64, lastError string) (RetryState, error) {
	var state string
	err := db.pool.QueryRow(ctx,
		`UPDATE retry_queue
		 SET last_error = $2,
		     error_history = error_history || to_jsonb(ARRAY[$2]),
		     state = CASE WHEN attempts >= $3 THEN 'abandoned' ELSE 'pending' END,
		     next_attempt_at = now() + (LEAST($4 * POWER(2, GREATEST(attempts - 1, 0)), $5) * interval '1 second'),
		     updated_at = now()
		 WHERE id = $1
		 RETURNING state`,
		id, lastError, MaxRetryAttempts, retryBaseSeconds, retryCapSeconds,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage: mark retry failed: %w", err)
	}
	return RetryState(state), nil
}

// PendingRetryByCase reports whether a case still has queued draft work.
func (db *DB) PendingRetryByCase(ctx context.Context, caseID string) (bool, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM retry_queue
		 WHERE case_id = $1 AND state IN ('pending', 'in-progress')`, caseID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage: pending retry by case: %w", err)
	}
	return n > 0, nil
}

// RetryQueueDepth counts items still waiting for a draft attempt. Feeds the
// rasid.retryqueue.depth gauge.
func (db *DB) RetryQueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM retry_queue WHERE state IN ('pending', 'in-progress')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: retry queue depth: %w", err)
	}
	return n, nil
}

// CleanupRetryQueue prunes finished items: succeeded after succeededTTL,
// abandoned after abandonedTTL.
func (db *DB) CleanupRetryQueue(ctx context.Context, succeededTTL, abandonedTTL time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM retry_queue
		 WHERE (state = 'succeeded' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (state = 'abandoned' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		succeededTTL.Microseconds(), abandonedTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup retry queue: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRetryItems(rows pgx.Rows) ([]RetryItem, error) {
	defer rows.Close()
	var items []RetryItem
	for rows.Next() {
		var it RetryItem
		var state string
		if err := rows.Scan(&it.ID, &it.CaseID, &it.TenantID, &it.Fingerprint, &it.Payload,
			&state, &it.Attempts, &it.NextAttempt, &it.LastError, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan retry item: %w", err)
		}
		it.State = RetryState(state)
		items = append(items, it)
	}
	return items, rows.Err()
}
