package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sahab-io/rasid/internal/model"
)

// Fingerprint is one reservation in the draft-idempotency table. A draft is
// created at most once per fingerprint: the reservation is taken before the
// accounting call and completed (or released) after.
type Fingerprint struct {
	Hash      string
	CaseID    string
	TenantID  string
	State     model.FingerprintState
	OrderID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReserveFingerprint claims a fingerprint for draft creation.
//
// The INSERT ... ON CONFLICT DO NOTHING makes the reservation atomic across
// instances: exactly one caller wins. Losers get ErrFingerprintExists plus
// the stored record so they can report the duplicate (completed) or back off
// (still in flight).
func (db *DB) ReserveFingerprint(ctx context.Context, hash, caseID, tenantID string) (*Fingerprint, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO draft_fingerprints (hash, case_id, tenant_id, state)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (hash) DO NOTHING`,
		hash, caseID, tenantID, string(model.FingerprintInFlight),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: reserve fingerprint: %w", err)
	}
	existing, err := db.GetFingerprint(ctx, hash)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		return existing, nil
	}
	return existing, ErrFingerprintExists
}

// CompleteFingerprint marks a reservation created, recording the accounting
// order id the draft landed as.
func (db *DB) CompleteFingerprint(ctx context.Context, hash, orderID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE draft_fingerprints
		 SET state = $2, order_id = $3, updated_at = now()
		 WHERE hash = $1`,
		hash, string(model.FingerprintCreated), orderID,
	)
	if err != nil {
		return fmt.Errorf("storage: complete fingerprint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseFingerprint drops an in-flight reservation after a definitive
// failure so a corrected resubmission can try again. Completed reservations
// are never released.
func (db *DB) ReleaseFingerprint(ctx context.Context, hash string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM draft_fingerprints WHERE hash = $1 AND state = $2`,
		hash, string(model.FingerprintInFlight),
	)
	if err != nil {
		return fmt.Errorf("storage: release fingerprint: %w", err)
	}
	return nil
}

// GetFingerprint loads one fingerprint record.
func (db *DB) GetFingerprint(ctx context.Context, hash string) (*Fingerprint, error) {
	var fp Fingerprint
	var state string
	var orderID *string
	err := db.pool.QueryRow(ctx,
		`SELECT hash, case_id, tenant_id, state, order_id, created_at, updated_at
		 FROM draft_fingerprints WHERE hash = $1`, hash,
	).Scan(&fp.Hash, &fp.CaseID, &fp.TenantID, &state, &orderID, &fp.CreatedAt, &fp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get fingerprint: %w", err)
	}
	fp.State = model.FingerprintState(state)
	if orderID != nil {
		fp.OrderID = *orderID
	}
	return &fp, nil
}

// CleanupFingerprints removes stale in-flight reservations. A reservation
// older than staleTTL belongs to a crashed run; dropping it unblocks retries.
// Completed records stay for the duplicate-window lifetime of the fingerprint
// (the date bucket rotates them out naturally), pruned after completedTTL.
func (db *DB) CleanupFingerprints(ctx context.Context, staleTTL, completedTTL time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM draft_fingerprints
		 WHERE (state = 'in-flight' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (state = 'created' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		staleTTL.Microseconds(), completedTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup fingerprints: %w", err)
	}
	return tag.RowsAffected(), nil
}
