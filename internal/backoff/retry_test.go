package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantBackoffPolicy(t *testing.T) {
	policy := NewConstantBackoffPolicy(10 * time.Millisecond)
	policy.MaxRetries = 2

	interval, err := policy.ComputeNextInterval(0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, interval)

	interval, err = policy.ComputeNextInterval(1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, interval)

	_, err = policy.ComputeNextInterval(2, 0, nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestExponentialBackoffPolicyCapsAtMaxInterval(t *testing.T) {
	policy := NewExponentialBackoffPolicy(10 * time.Millisecond)
	policy.MaxInterval = 25 * time.Millisecond

	interval, err := policy.ComputeNextInterval(0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, interval)

	interval, err = policy.ComputeNextInterval(3, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 25*time.Millisecond, interval)
}

func TestRetrierNextWaitsThenSucceeds(t *testing.T) {
	retrier := NewRetrier(NewConstantBackoffPolicy(10 * time.Millisecond))

	start := time.Now()
	err := retrier.Next(context.Background(), errors.New("boom"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestRetrierNextHonorsContextCancellation(t *testing.T) {
	retrier := NewRetrier(NewConstantBackoffPolicy(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retrier.Next(ctx, errors.New("boom"))
	assert.ErrorIs(t, err, ErrOperationCanceled)
}

func TestRetrierResetClearsState(t *testing.T) {
	policy := NewConstantBackoffPolicy(time.Millisecond)
	policy.MaxRetries = 1
	retrier := NewRetrier(policy)

	require.NoError(t, retrier.Next(context.Background(), nil))
	assert.ErrorIs(t, retrier.Next(context.Background(), nil), ErrRetriesExhausted)

	retrier.Reset()
	assert.NoError(t, retrier.Next(context.Background(), nil))
}
