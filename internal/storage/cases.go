package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sahab-io/rasid/internal/model"
)

// CreateCase inserts a new case in status processing. The caller supplies the
// case id (it doubles as the workflow id), so a crashed-and-retried start is
// a no-op: the second insert hits the primary key and returns the stored row.
func (db *DB) CreateCase(ctx context.Context, c *model.Case) (*model.Case, error) {
	source, err := json.Marshal(c.Source)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal case source: %w", err)
	}

	// Zero rows affected means the case already existed; read either way.
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO cases (id, tenant_id, status, source, workflow_id, version)
		 VALUES ($1, $2, $3, $4::jsonb, $5, 1)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.TenantID, string(c.Status), source, c.WorkflowID,
	); err != nil {
		return nil, fmt.Errorf("storage: create case: %w", err)
	}
	return db.GetCase(ctx, c.ID)
}

// GetCase loads one case by id.
func (db *DB) GetCase(ctx context.Context, id string) (*model.Case, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, status, source, order_doc, draft, workflow_id, version, created_at, updated_at
		 FROM cases WHERE id = $1`, id)
	return scanCase(row)
}

// UpdateCase persists a mutated case guarded by its version: the write only
// lands if nobody else updated the row since it was read. On success the
// in-memory version is bumped to match the stored row.
func (db *DB) UpdateCase(ctx context.Context, c *model.Case) error {
	var orderDoc, draft []byte
	var err error
	if c.Order != nil {
		if orderDoc, err = json.Marshal(c.Order); err != nil {
			return fmt.Errorf("storage: marshal case order: %w", err)
		}
	}
	if c.Draft != nil {
		if draft, err = json.Marshal(c.Draft); err != nil {
			return fmt.Errorf("storage: marshal case draft: %w", err)
		}
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE cases
		 SET status = $2,
		     order_doc = $3::jsonb,
		     draft = $4::jsonb,
		     version = version + 1,
		     updated_at = now()
		 WHERE id = $1 AND version = $5`,
		c.ID, string(c.Status), nullable(orderDoc), nullable(draft), c.Version,
	)
	if err != nil {
		return fmt.Errorf("storage: update case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the case is gone or the version moved under us.
		if _, err := db.GetCase(ctx, c.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

// SetCaseStatus transitions a case's status without touching the order
// snapshot. Used by workflow activities for pure state moves.
func (db *DB) SetCaseStatus(ctx context.Context, id string, status model.CaseStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE cases SET status = $2, version = version + 1, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("storage: set case status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetChatRef resolves the chat thread a case's notifications belong to,
// without loading the whole order snapshot.
func (db *DB) GetChatRef(ctx context.Context, caseID string) (model.ChatRef, error) {
	var raw []byte
	err := db.pool.QueryRow(ctx,
		`SELECT source->'chat' FROM cases WHERE id = $1`, caseID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ChatRef{}, ErrNotFound
	}
	if err != nil {
		return model.ChatRef{}, fmt.Errorf("storage: get chat ref: %w", err)
	}
	var chat model.ChatRef
	if err := json.Unmarshal(raw, &chat); err != nil {
		return model.ChatRef{}, fmt.Errorf("storage: unmarshal chat ref: %w", err)
	}
	return chat, nil
}

// ListCases returns a tenant's cases for an uploader, newest first.
func (db *DB) ListCases(ctx context.Context, tenantID, uploader string, f model.CaseFilter) ([]*model.Case, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	since := f.Since
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}

	query := `SELECT id, tenant_id, status, source, order_doc, draft, workflow_id, version, created_at, updated_at
		 FROM cases
		 WHERE tenant_id = $1 AND source->>'uploader' = $2 AND created_at >= $3`
	args := []any{tenantID, uploader, since}
	if f.Status != "" {
		query += ` AND status = $4`
		args = append(args, string(f.Status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list cases: %w", err)
	}
	defer rows.Close()

	var out []*model.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*model.Case, error) {
	var (
		c        model.Case
		status   string
		source   []byte
		orderDoc []byte
		draft    []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &status, &source, &orderDoc, &draft,
		&c.WorkflowID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan case: %w", err)
	}

	c.Status = model.CaseStatus(status)
	if err := json.Unmarshal(source, &c.Source); err != nil {
		return nil, fmt.Errorf("storage: unmarshal case source: %w", err)
	}
	if len(orderDoc) > 0 {
		c.Order = &model.CanonicalOrder{}
		if err := json.Unmarshal(orderDoc, c.Order); err != nil {
			return nil, fmt.Errorf("storage: unmarshal case order: %w", err)
		}
	}
	if len(draft) > 0 {
		c.Draft = &model.DraftResult{}
		if err := json.Unmarshal(draft, c.Draft); err != nil {
			return nil, fmt.Errorf("storage: unmarshal case draft: %w", err)
		}
	}
	return &c, nil
}

// nullable maps an empty JSON payload to SQL NULL.
func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
