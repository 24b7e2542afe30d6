package domain

import (
	"context"
	"errors"
)

var (
	// ErrInvalidSpec marks bad job parameters. Never retried.
	ErrInvalidSpec = errors.New("invalid job spec")
	// ErrNotFound marks an unknown job, cycle or task.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an illegal lifecycle transition.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrProviderUnavailable is returned while a circuit breaker is open.
	ErrProviderUnavailable = errors.New("execution provider unavailable")
	// ErrTaskFailure is isolated to one task.
	ErrTaskFailure = errors.New("task failed")
	// ErrCycleFailure counts toward the job's failure budget.
	ErrCycleFailure = errors.New("cycle failed")
	// ErrJobFatal ends a job in the error state.
	ErrJobFatal = errors.New("job failed fatally")
	// ErrCancelled is reported for work abandoned by cancellation.
	ErrCancelled = errors.New("cancelled")
	// ErrShutdown is the cancellation cause of a process shutdown. Work
	// stopped for it stays resumable.
	ErrShutdown = errors.New("orchestrator shutting down")
)

// ShuttingDown reports whether ctx was cancelled by a process shutdown
// rather than by a job cancel
func ShuttingDown(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrShutdown)
}
