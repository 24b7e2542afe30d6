package breaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = &StatusError{Code: 503}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New("remote", Config{FailureThreshold: 3, ResetTimeout: time.Minute}, WithClock(clock.Now))

	for i := 0; i < 2; i++ {
		require.True(t, b.CanExecute())
		b.RecordFailure(errBoom)
		assert.Equal(t, StateClosed, b.State())
	}
	b.RecordFailure(errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := New("remote", Config{FailureThreshold: 2})
	b.RecordFailure(errBoom)
	b.RecordSuccess()
	b.RecordFailure(errBoom)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Metrics().ConsecutiveFailures)
}

func TestBreaker_SingleProbeAfterResetTimeout(t *testing.T) {
	clock := newFakeClock()
	b := New("remote", Config{FailureThreshold: 1, ResetTimeout: time.Minute}, WithClock(clock.Now))
	b.RecordFailure(errBoom)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(59 * time.Second)
	assert.False(t, b.CanExecute())

	clock.Advance(time.Second)
	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.CanExecute() {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), allowed)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		outcome func(*Breaker)
		want    State
	}{
		{"success closes", func(b *Breaker) { b.RecordSuccess() }, StateClosed},
		{"failure reopens", func(b *Breaker) { b.RecordFailure(errBoom) }, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			b := New("remote", Config{FailureThreshold: 5, ResetTimeout: time.Second}, WithClock(clock.Now))
			for i := 0; i < 5; i++ {
				b.RecordFailure(errBoom)
			}
			clock.Advance(time.Second)
			require.True(t, b.CanExecute())
			require.Equal(t, StateHalfOpen, b.State())

			tt.outcome(b)
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreaker_SuccessThresholdAboveOne(t *testing.T) {
	clock := newFakeClock()
	b := New("remote", Config{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: time.Second}, WithClock(clock.Now))
	b.RecordFailure(errBoom)
	clock.Advance(time.Second)

	require.True(t, b.CanExecute())
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	require.True(t, b.CanExecute())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_BackoffDelay(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, JitterFactor: 0.1}

	tests := []struct {
		attempt int
		rand    float64
		want    time.Duration
	}{
		{0, 0.5, 100 * time.Millisecond},
		{1, 0.5, 200 * time.Millisecond},
		{3, 0.5, 800 * time.Millisecond},
		{4, 0.5, time.Second},
		{10, 0.5, time.Second},
		{0, 0.0, 90 * time.Millisecond},
		{4, 0.0, 900 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt%d_rand%.1f", tt.attempt, tt.rand), func(t *testing.T) {
			r := tt.rand
			b := New("remote", cfg, WithRand(func() float64 { return r }))
			assert.InDelta(t, float64(tt.want), float64(b.BackoffDelay(tt.attempt)), float64(time.Microsecond))
		})
	}
}

func TestBreaker_BackoffStaysWithinJitterBand(t *testing.T) {
	b := New("remote", DefaultConfig())
	for i := 0; i < 100; i++ {
		d := b.BackoffDelay(2)
		assert.GreaterOrEqual(t, d, 360*time.Millisecond)
		assert.LessOrEqual(t, d, 440*time.Millisecond)
	}
}

func TestBreaker_AllowReturnsOpenError(t *testing.T) {
	clock := newFakeClock()
	b := New("remote", Config{FailureThreshold: 1, ResetTimeout: 10 * time.Second}, WithClock(clock.Now))
	b.RecordFailure(errBoom)
	clock.Advance(4 * time.Second)

	err := b.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)

	after, ok := RetryAfterOf(fmt.Errorf("wrapped: %w", err))
	require.True(t, ok)
	assert.Equal(t, 6*time.Second, after)
}

func TestBreaker_StateChangeHook(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	b := New("remote", Config{FailureThreshold: 1}, WithStateChange(func(name string, from, to State) {
		mu.Lock()
		seen = append(seen, name+":"+from.String()+"->"+to.String())
		mu.Unlock()
	}))
	b.RecordFailure(errBoom)
	b.Reset()

	assert.Equal(t, []string{"remote:closed->open", "remote:open->closed"}, seen)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &StatusError{Code: 429}, true},
		{"500", &StatusError{Code: 500}, true},
		{"502", &StatusError{Code: 502}, true},
		{"503 wrapped", fmt.Errorf("create session: %w", &StatusError{Code: 503}), true},
		{"504", &StatusError{Code: 504}, true},
		{"400", &StatusError{Code: 400}, false},
		{"401", &StatusError{Code: 401}, false},
		{"404", &StatusError{Code: 404}, false},
		{"net timeout", timeoutErr{}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"open breaker", &OpenError{Name: "x"}, false},
		{"plain", errors.New("bad prompt"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
