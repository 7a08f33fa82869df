package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransientPG(t *testing.T) {
	assert.True(t, transientPG(&pgconn.PgError{Code: "40001"}))
	assert.True(t, transientPG(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, transientPG(fmt.Errorf("storage: claim: %w", &pgconn.PgError{Code: "40001"})))

	assert.False(t, transientPG(&pgconn.PgError{Code: "23505"}), "unique violation is not transient")
	assert.False(t, transientPG(errors.New("connection refused")))
	assert.False(t, transientPG(nil))
}

func TestWithRetry_ReturnsAfterTransientConflictClears(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40P01"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_NonTransientErrorIsImmediate(t *testing.T) {
	calls := 0
	sentinel := errors.New("boom")
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestWithRetry_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, 5, time.Minute, func() error {
		return &pgconn.PgError{Code: "40001"}
	})
	assert.ErrorIs(t, err, context.Canceled)
}
