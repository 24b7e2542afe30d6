// Package breaker isolates failing dependencies behind a circuit breaker
// with exponential backoff and jitter.
package breaker

import (
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/logging"
)

// State of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls thresholds and the backoff curve
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // consecutive half-open successes that close it
	ResetTimeout     time.Duration // time after the last failure before a probe is allowed
	BaseDelay        time.Duration
	Multiplier       float64
	MaxDelay         time.Duration
	JitterFactor     float64
}

// DefaultConfig returns the standard breaker settings
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		ResetTimeout:     60 * time.Second,
		BaseDelay:        100 * time.Millisecond,
		Multiplier:       2,
		MaxDelay:         30 * time.Second,
		JitterFactor:     0.1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.JitterFactor < 0 || c.JitterFactor >= 1 {
		c.JitterFactor = d.JitterFactor
	}
	return c
}

// StateChangeFunc observes breaker transitions. It runs after the
// breaker's lock is released.
type StateChangeFunc func(name string, from, to State)

// Option customizes a Breaker
type Option func(*Breaker)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithRand overrides the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(b *Breaker) { b.rand = fn }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithStateChange registers a transition observer
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker guards one dependency. All methods are safe for concurrent use.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	rand     func() float64
	logger   *slog.Logger
	onChange StateChangeFunc

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	probeInFlight   bool
	lastFailure     time.Time
	lastStateChange time.Time
}

// New creates a closed breaker
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
		rand: rand.Float64,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrDiscard(b.logger).With("component", "breaker", "breaker", name)
	b.lastStateChange = b.now()
	return b
}

// Name returns the dependency name
func (b *Breaker) Name() string { return b.name }

// Config returns the effective configuration
func (b *Breaker) Config() Config { return b.cfg }

// CanExecute reports whether a call may proceed. In the open state it
// moves to half-open once the reset timeout has elapsed; in half-open a
// single probe is admitted until its result is recorded.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	from := b.state
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
			b.setState(StateHalfOpen)
			b.successes = 0
			b.probeInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// Allow is CanExecute returning an *OpenError when the call is refused
func (b *Breaker) Allow() error {
	if b.CanExecute() {
		return nil
	}
	return &OpenError{Name: b.name, RetryAfter: b.retryAfter()}
}

func (b *Breaker) retryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		return b.cfg.BaseDelay
	}
	wait := b.cfg.ResetTimeout - b.now().Sub(b.lastFailure)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// RecordSuccess resets the failure streak and may close a half-open circuit
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		b.probeInFlight = false
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
			b.successes = 0
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.logger.Info("circuit closed, dependency recovered")
	}
	b.notify(from, to)
}

// RecordFailure extends the failure streak. A closed circuit opens at the
// failure threshold; a half-open circuit reopens immediately.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.successes = 0
		b.probeInFlight = false
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		b.logger.Warn("circuit opened", "from", from.String(), "consecutive_failures", failures, "error", err)
	}
	b.notify(from, to)
}

// release frees a half-open probe slot without recording an outcome
func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
	b.mu.Unlock()
}

// State returns the current state without side effects
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BackoffDelay returns the wait before retry attempt n (0-based):
// min(max, base*multiplier^n) scaled by a random factor in [1-jitter, 1+jitter].
func (b *Breaker) BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(b.cfg.BaseDelay) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if raw > float64(b.cfg.MaxDelay) || math.IsInf(raw, 1) {
		raw = float64(b.cfg.MaxDelay)
	}
	if b.cfg.JitterFactor > 0 {
		raw *= 1 + b.cfg.JitterFactor*(2*b.rand()-1)
	}
	return time.Duration(raw)
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastStateChange     time.Time `json:"last_state_change"`
}

// Metrics returns a snapshot of the breaker's counters
func (b *Breaker) Metrics() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		HalfOpenSuccesses:   b.successes,
		LastFailure:         b.lastFailure,
		LastStateChange:     b.lastStateChange,
	}
}

// Reset forces the breaker closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.setState(StateClosed)
	b.failures = 0
	b.successes = 0
	b.probeInFlight = false
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

// setState must be called with mu held
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	b.lastStateChange = b.now()
}

func (b *Breaker) notify(from, to State) {
	if from == to || b.onChange == nil {
		return
	}
	b.onChange(b.name, from, to)
}
