package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill/pkg/autherr"
)

// fastConfig keeps the test suite quick without changing the loop shape.
func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:       maxAttempts,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          10 * time.Millisecond,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	result := Do(context.Background(), "test", fastConfig(2), func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	require.True(t, result.OK())
	assert.Equal(t, "ok", result.Value)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 0, result.RetryCount)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	calls := 0
	result := Do(context.Background(), "test", fastConfig(2), func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection refused")
		}
		return 42, nil
	})

	require.True(t, result.OK())
	assert.Equal(t, 42, result.Value)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 2, result.RetryCount)
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	result := Do(context.Background(), "test", fastConfig(2), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("connection refused")
	})

	// MaxAttempts retries after the initial try: three executions total.
	assert.Equal(t, 3, calls)
	require.False(t, result.OK())
	assert.Equal(t, autherr.KindNetworkError, result.Err.Kind)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 2, result.RetryCount)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	result := Do(context.Background(), "test", fastConfig(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, autherr.New(autherr.KindAccessDenied, "not on the allowlist")
	})

	assert.Equal(t, 1, calls)
	require.False(t, result.OK())
	assert.Equal(t, autherr.KindAccessDenied, result.Err.Kind)
	assert.False(t, result.Err.Retryable)
	assert.Equal(t, 0, result.RetryCount)
}

func TestDoRetriesTransientConfigError(t *testing.T) {
	calls := 0
	result := Do(context.Background(), "test", fastConfig(1), func(ctx context.Context) (int, error) {
		calls++
		return 0, autherr.New(autherr.KindConfigError, "policy fetch failed").Transient()
	})

	// The instance-level override makes the ConfigError retryable.
	assert.Equal(t, 2, calls)
	require.False(t, result.OK())
	assert.Equal(t, autherr.KindConfigError, result.Err.Kind)
	assert.True(t, result.Err.Retryable)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	result := Do(ctx, "test", fastConfig(5), func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("connection refused")
	})

	assert.Equal(t, 1, calls)
	require.False(t, result.OK())
}

func TestDoRecoversPanic(t *testing.T) {
	result := Do(context.Background(), "test", fastConfig(0), func(ctx context.Context) (int, error) {
		panic("unexpected state")
	})

	require.False(t, result.OK())
	assert.Equal(t, autherr.KindOAuthFailed, result.Err.Kind)
	assert.Contains(t, result.Err.Message, "unexpected state")
	assert.Equal(t, 1, result.Attempts)
}

func TestDoAttemptTimeout(t *testing.T) {
	cfg := fastConfig(0)
	cfg.AttemptTimeout = 20 * time.Millisecond

	result := Do(context.Background(), "test", cfg, func(ctx context.Context) (int, error) {
		select {
		case <-time.After(time.Second):
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})

	require.False(t, result.OK())
	assert.Equal(t, autherr.KindNetworkError, result.Err.Kind)
	assert.True(t, result.Err.Retryable)
}

func TestWithTimeoutReturnsValue(t *testing.T) {
	v, err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) (string, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestWithTimeoutAbandonsStuckOperation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		// Ignores the context on purpose.
		<-release
		return 1, nil
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	classified := autherr.Classify(err)
	assert.Equal(t, autherr.KindNetworkError, classified.Kind)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestWithTimeoutPassesThroughCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithTimeout(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}
