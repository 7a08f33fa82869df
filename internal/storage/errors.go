package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrVersionConflict is returned when an optimistic-concurrency update
	// raced a newer write; callers should re-read and retry.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrFingerprintExists is returned when a draft fingerprint is already
	// reserved or completed; the order must not be created again.
	ErrFingerprintExists = errors.New("storage: fingerprint exists")
)
