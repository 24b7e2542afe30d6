package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

func fastConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		BaseDelay:        time.Millisecond,
		Multiplier:       2,
		MaxDelay:         5 * time.Millisecond,
		JitterFactor:     0.1,
	}
}

func TestExecuteWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	b := New("remote", fastConfig())
	calls := 0
	err := ExecuteWithRetry(context.Background(), b, 3, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{Code: 503}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Metrics().ConsecutiveFailures)
}

func TestExecuteWithRetry_SurfacesOriginalError(t *testing.T) {
	b := New("remote", fastConfig())
	original := &StatusError{Code: 502, Body: "bad gateway"}
	calls := 0
	err := ExecuteWithRetry(context.Background(), b, 2, func(ctx context.Context) error {
		calls++
		return original
	})

	assert.Equal(t, 3, calls)
	assert.Same(t, original, err)
}

func TestExecuteWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	b := New("remote", fastConfig())
	bad := &StatusError{Code: 400}
	calls := 0
	err := ExecuteWithRetry(context.Background(), b, 5, func(ctx context.Context) error {
		calls++
		return bad
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, bad, err)
	assert.Equal(t, 0, b.Metrics().ConsecutiveFailures)
}

func TestExecuteWithRetry_BreakerOpensMidRetry(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 2
	b := New("remote", cfg)
	original := &StatusError{Code: 503}
	calls := 0
	err := ExecuteWithRetry(context.Background(), b, 10, func(ctx context.Context) error {
		calls++
		return original
	})

	assert.Equal(t, 2, calls)
	assert.Same(t, original, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestExecuteWithRetry_OpenBreakerFailsFast(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 1
	b := New("remote", cfg)
	b.RecordFailure(&StatusError{Code: 503})

	called := false
	err := ExecuteWithRetry(context.Background(), b, 3, func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.True(t, errors.Is(err, domain.ErrProviderUnavailable))
}

func TestExecuteWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	b := New("remote", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	original := &StatusError{Code: 503}
	done := make(chan error, 1)
	go func() {
		done <- ExecuteWithRetry(ctx, b, 3, func(ctx context.Context) error { return original })
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.Same(t, original, err)
	case <-time.After(time.Second):
		t.Fatal("ExecuteWithRetry did not return after cancellation")
	}
}

func TestExecuteWithRetry_CancelReleasesProbe(t *testing.T) {
	clock := newFakeClock()
	cfg := fastConfig()
	cfg.FailureThreshold = 1
	cfg.ResetTimeout = time.Second
	b := New("remote", cfg, WithClock(clock.Now))
	b.RecordFailure(&StatusError{Code: 503})
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ExecuteWithRetry(ctx, b, 0, func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.CanExecute(), "probe slot should be free again")
}

func TestDo_ReturnsValue(t *testing.T) {
	b := New("remote", fastConfig())
	got, err := Do(context.Background(), b, 1, func(ctx context.Context) (string, error) {
		return "sess-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got)
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(fastConfig())
	a := r.Get("remote")
	assert.Same(t, a, r.Get("remote"))
	r.Get("claude-cli")

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "claude-cli", snaps[0].Name)
	assert.Equal(t, "closed", snaps[1].State)
}
