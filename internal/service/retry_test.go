package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryOptimistic_SucceedsAfterMismatch(t *testing.T) {
	calls := 0
	err := RetryOptimistic(context.Background(), 3, func(context.Context) error {
		calls++
		if calls < 3 {
			return ErrVersionMismatch
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOptimistic_ExhaustsToWriteConflict(t *testing.T) {
	calls := 0
	err := RetryOptimistic(context.Background(), 3, func(context.Context) error {
		calls++
		return ErrVersionMismatch
	})
	require.ErrorIs(t, err, ErrWriteConflict)
	assert.NotErrorIs(t, err, ErrVersionMismatch)
	assert.Equal(t, 3, calls)
}

func TestRetryOptimistic_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	err := RetryOptimistic(context.Background(), 3, func(context.Context) error {
		calls++
		return errStorageDown
	})
	require.ErrorIs(t, err, errStorageDown)
	assert.Equal(t, 1, calls)
}

func TestRetryOptimistic_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryOptimistic(ctx, 3, func(context.Context) error {
		return ErrVersionMismatch
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, ErrWriteConflict))
}

func TestRetryOptimistic_MinimumOneAttempt(t *testing.T) {
	calls := 0
	err := RetryOptimistic(context.Background(), 0, func(context.Context) error {
		calls++
		return ErrVersionMismatch
	})
	require.ErrorIs(t, err, ErrWriteConflict)
	assert.Equal(t, 1, calls)
}
