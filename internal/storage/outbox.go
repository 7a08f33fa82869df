package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// OutboxEvent is one pending chat notification. Events are written in the
// same transaction as the state change they announce and published FIFO by
// the outbox worker, so no user-visible update is lost to a crash between
// the write and the send.
type OutboxEvent struct {
	ID        int64
	CaseID    string
	TenantID  string
	Kind      string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// Outbox event kinds.
const (
	OutboxCaseUpdate     = "case-update"
	OutboxDraftCreated   = "draft-created"
	OutboxDraftQueued    = "draft-queued"
	OutboxDraftDuplicate = "draft-duplicate"
	OutboxRetryExhausted = "retry-exhausted"
	OutboxCaseFailed     = "case-failed"
)

const maxOutboxAttempts = 10

// InsertOutboxEvent appends one event using the pool.
func (db *DB) InsertOutboxEvent(ctx context.Context, ev *OutboxEvent) error {
	return insertOutboxEvent(ctx, db.pool, ev)
}

// InsertOutboxEventTx appends one event inside an existing transaction.
func (db *DB) InsertOutboxEventTx(ctx context.Context, tx pgx.Tx, ev *OutboxEvent) error {
	return insertOutboxEvent(ctx, tx, ev)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertOutboxEvent(ctx context.Context, q execer, ev *OutboxEvent) error {
	_, err := q.Exec(ctx,
		`INSERT INTO notification_outbox (case_id, tenant_id, kind, payload)
		 VALUES ($1, $2, $3, $4::jsonb)`,
		ev.CaseID, ev.TenantID, ev.Kind, []byte(ev.Payload),
	)
	if err != nil {
		return fmt.Errorf("storage: insert outbox event: %w", err)
	}
	return nil
}

// ClaimOutboxEvents locks and returns up to limit unprocessed events, oldest
// first, skipping rows another publisher already holds.
func (db *DB) ClaimOutboxEvents(ctx context.Context, limit int, lockFor time.Duration) ([]OutboxEvent, error) {
	var events []OutboxEvent
	err := WithRetry(ctx, claimRetries, claimBackoff, func() error {
		var err error
		events, err = db.claimOutboxEvents(ctx, limit, lockFor)
		return err
	})
	return events, err
}

func (db *DB) claimOutboxEvents(ctx context.Context, limit int, lockFor time.Duration) ([]OutboxEvent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin outbox claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, case_id, tenant_id, kind, payload, attempts, created_at
		 FROM notification_outbox
		 WHERE processed_at IS NULL
		   AND (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select outbox events: %w", err)
	}
	events, err := scanOutboxEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE notification_outbox
		 SET locked_until = now() + ($2 * interval '1 microsecond')
		 WHERE id = ANY($1)`,
		ids, lockFor.Microseconds(),
	); err != nil {
		return nil, fmt.Errorf("storage: lock outbox events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit outbox claim: %w", err)
	}
	return events, nil
}

// MarkOutboxProcessed finishes a published event.
func (db *DB) MarkOutboxProcessed(ctx context.Context, id int64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE notification_outbox SET processed_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: mark outbox processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOutboxFailed counts a failed publish attempt and releases the lock so
// the event retries on the next poll.
func (db *DB) MarkOutboxFailed(ctx context.Context, id int64, lastError string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE notification_outbox
		 SET attempts = attempts + 1, last_error = $2, locked_until = NULL
		 WHERE id = $1`,
		id, lastError,
	)
	if err != nil {
		return fmt.Errorf("storage: mark outbox failed: %w", err)
	}
	return nil
}

// OutboxDepth counts events not yet delivered to the bot. Feeds the
// rasid.outbox.depth gauge.
func (db *DB) OutboxDepth(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM notification_outbox WHERE processed_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: outbox depth: %w", err)
	}
	return n, nil
}

func scanOutboxEvents(rows pgx.Rows) ([]OutboxEvent, error) {
	defer rows.Close()
	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.CaseID, &e.TenantID, &e.Kind, &e.Payload, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
