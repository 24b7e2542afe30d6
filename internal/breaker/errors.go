package breaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

// OpenError is returned when a breaker refuses a call
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is makes OpenError match domain.ErrProviderUnavailable
func (e *OpenError) Is(target error) bool {
	return target == domain.ErrProviderUnavailable
}

// StatusError reports a non-2xx HTTP response from a dependency
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// RetryAfterOf extracts the retry hint from an OpenError anywhere in the chain
func RetryAfterOf(err error) (time.Duration, bool) {
	var open *OpenError
	if errors.As(err, &open) {
		return open.RetryAfter, true
	}
	return 0, false
}

// IsRetryable classifies errors: network, timeout and connection errors
// plus HTTP 429 and 5xx are retryable, everything else is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var open *OpenError
	if errors.As(err, &open) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var status *StatusError
	if errors.As(err, &status) {
		return status.Code == 429 || status.Code >= 500
	}

	var marked interface{ Retryable() bool }
	if errors.As(err, &marked) {
		return marked.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// countsAsFailure reports whether err says something about the
// dependency's health. Client errors mean the dependency answered.
func countsAsFailure(err error) bool {
	return IsRetryable(err)
}
