package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Claim transactions race between sweeper and publisher instances; when
// Postgres reports a transient conflict the claim is retried a few times
// before the error surfaces to the caller's poll loop.
const (
	claimRetries = 3
	claimBackoff = 25 * time.Millisecond
)

// transientPG reports whether err is a Postgres serialization failure
// (40001) or deadlock (40P01). Both roll the transaction back cleanly and
// are safe to rerun.
func transientPG(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// WithRetry runs fn, rerunning it on transient Postgres conflicts up to
// maxRetries times with jittered exponential backoff starting at baseDelay.
// Any other error returns immediately.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !transientPG(err) || attempt == maxRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
}
