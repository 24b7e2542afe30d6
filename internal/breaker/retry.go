package breaker

import (
	"context"
	"errors"
	"time"
)

// ExecuteWithRetry runs fn behind the breaker, retrying retryable errors up
// to maxRetries times with the breaker's backoff. Once retries are exhausted
// or the breaker opens between attempts, the last error from fn is returned
// unchanged. If the first attempt is refused, the *OpenError is returned.
func ExecuteWithRetry(ctx context.Context, b *Breaker, maxRetries int, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, b, maxRetries, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is ExecuteWithRetry for functions that return a value
func Do[T any](ctx context.Context, b *Breaker, maxRetries int, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := b.Allow(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			b.RecordSuccess()
			return result, nil
		}

		switch {
		case errors.Is(err, context.Canceled) || ctx.Err() != nil:
			b.release()
			return zero, err
		case countsAsFailure(err):
			b.RecordFailure(err)
		default:
			b.RecordSuccess()
			return zero, err
		}

		lastErr = err
		if attempt >= maxRetries {
			return zero, lastErr
		}

		delay := b.BackoffDelay(attempt)
		b.logger.Debug("retrying after failure", "attempt", attempt+1, "delay", delay, "error", err)
		if !sleep(ctx, delay) {
			return zero, lastErr
		}
	}
}

// sleep waits for d or until ctx is done; it reports whether d elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Sleep is the context-aware wait used by callers that apply the
// breaker's backoff outside ExecuteWithRetry
func Sleep(ctx context.Context, d time.Duration) bool {
	return sleep(ctx, d)
}
