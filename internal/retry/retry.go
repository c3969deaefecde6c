// Package retry implements the generic retry/backoff/timeout engine wrapped
// around every network-facing authentication operation.
//
// The engine retries with deterministic exponential backoff (no jitter, so
// tests can predict delays exactly), classifies every failure through the
// autherr taxonomy, and stops immediately on non-retryable errors. Callers
// receive a Result carrying the final value or classified error plus the
// number of retries actually consumed; intermediate failures are never
// surfaced.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"quill/pkg/autherr"
	"quill/pkg/logging"
)

// Config is the per-call retry policy. It is a value object with no
// identity.
type Config struct {
	// MaxAttempts is the number of retries after the initial try, so an
	// operation runs at most MaxAttempts+1 times.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// BackoffMultiplier scales the delay after each retry.
	BackoffMultiplier float64

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// AttemptTimeout bounds each individual attempt. Zero means no
	// per-attempt bound beyond the caller's context.
	AttemptTimeout time.Duration
}

// DefaultConfig is the policy for ordinary network operations.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       2,
		BaseDelay:         500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Second,
		AttemptTimeout:    10 * time.Second,
	}
}

// Conservative is the tighter budget used for once-per-session operations
// like broker initialization and background refresh: two attempts total.
func Conservative() Config {
	return Config{
		MaxAttempts:       1,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Second,
		AttemptTimeout:    10 * time.Second,
	}
}

// Result is the outcome of a retried operation.
type Result[T any] struct {
	// Value is the operation's result when Err is nil.
	Value T

	// Err is the final classified failure, or nil on success.
	Err *autherr.Error

	// Attempts is the number of times the operation actually ran.
	Attempts int

	// RetryCount is the number of retries consumed (Attempts - 1).
	RetryCount int
}

// OK reports whether the operation eventually succeeded.
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// Do runs op under the given policy. The label names the operation in logs.
//
// Each attempt is bounded by cfg.AttemptTimeout; exceeding it surfaces as a
// retryable NetworkError. A panic inside op is recovered and classified.
// Context cancellation stops the loop without further attempts.
func Do[T any](ctx context.Context, label string, cfg Config, op func(context.Context) (T, error)) Result[T] {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = cfg.BaseDelay
	schedule.Multiplier = cfg.BackoffMultiplier
	schedule.MaxInterval = cfg.MaxDelay
	schedule.RandomizationFactor = 0
	schedule.Reset()

	var result Result[T]

	for attempt := 0; ; attempt++ {
		value, err := runAttempt(ctx, cfg.AttemptTimeout, op)
		result.Attempts = attempt + 1
		result.RetryCount = attempt

		if err == nil {
			result.Value = value
			result.Err = nil
			return result
		}

		classified := autherr.Classify(err)
		result.Err = classified

		if !classified.Retryable {
			logging.Debug("Retry", "%s failed with non-retryable %s after %d attempt(s)",
				label, classified.Kind, result.Attempts)
			return result
		}
		if attempt >= cfg.MaxAttempts {
			logging.Debug("Retry", "%s exhausted retry budget: %d attempt(s), last error: %s",
				label, result.Attempts, classified.Kind)
			return result
		}
		if ctx.Err() != nil {
			return result
		}

		delay := schedule.NextBackOff()
		logging.Debug("Retry", "%s attempt %d failed (%s), retrying in %s",
			label, result.Attempts, classified.Kind, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result
		}
	}
}

// WithTimeout runs op with a hard deadline. If op neither returns nor
// honors the deadline within timeout, the wait is abandoned and a retryable
// NetworkError is returned. Cancellation of the parent context is passed
// through unchanged.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- outcome{zero, autherr.ClassifyValue(r)}
			}
		}()
		v, err := op(tctx)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			var zero T
			return zero, autherr.Newf(autherr.KindNetworkError, "operation timed out after %s", timeout)
		}
		return o.value, o.err
	case <-tctx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, autherr.Newf(autherr.KindNetworkError, "operation timed out after %s", timeout)
	}
}

// runAttempt executes a single attempt, applying the per-attempt timeout and
// converting panics into classified errors.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = autherr.ClassifyValue(r)
		}
	}()

	if timeout > 0 {
		return WithTimeout(ctx, timeout, op)
	}
	return op(ctx)
}
