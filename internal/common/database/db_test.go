package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	wrap := func(code string) error {
		return fmt.Errorf("append transitions INV-1: %w", &pgconn.PgError{Code: code})
	}

	assert.True(t, IsUniqueViolation(wrap("23505")))
	assert.True(t, IsForeignKeyViolation(wrap("23503")))
	assert.True(t, IsSerializationFailure(wrap("40001")))
	assert.False(t, IsUniqueViolation(wrap("40001")))
	assert.False(t, IsSerializationFailure(errors.New("40001")))

	assert.True(t, IsNotFound(fmt.Errorf("get invoice: %w", pgx.ErrNoRows)))
	assert.False(t, IsNotFound(errors.New("no rows")))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	conflict := &pgconn.PgError{Code: "40001"}

	t.Run("retries serialization failures", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, 3, func() error {
			calls++
			if calls < 3 {
				return conflict
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, 2, func() error {
			calls++
			return conflict
		})
		require.Error(t, err)
		assert.True(t, IsSerializationFailure(err))
		assert.Equal(t, 2, calls)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := Retry(ctx, 5, func() error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})
}
