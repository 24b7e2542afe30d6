// Package notify tells people when a job needs attention: it finished,
// failed, was cancelled or was parked after a restart.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/logging"
)

// Level is the severity of a notification
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

// Notification is one message about a job
type Notification struct {
	Title   string
	Message string
	Level   Level
	JobID   string
	Branch  string
}

// Notifier delivers notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Multi sends to several notifiers
type Multi []Notifier

// Send delivers n to every notifier and joins their errors
func (m Multi) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForJob builds the notification for job having just moved to its current
// status. Transitions nobody needs to hear about report false.
func ForJob(job *domain.Job, reason string) (Notification, bool) {
	n := Notification{JobID: job.ID, Branch: job.WorkingBranch}
	cycles := fmt.Sprintf("after %d cycle(s)", job.CurrentCycle)

	switch job.Status {
	case domain.JobCompleted:
		n.Level = LevelSuccess
		n.Title = "Job completed"
		n.Message = fmt.Sprintf("%s finished %s: %s", job.RepositoryURL, cycles, reason)
	case domain.JobError:
		n.Level = LevelError
		n.Title = "Job failed"
		n.Message = fmt.Sprintf("%s stopped %s: %s", job.RepositoryURL, cycles, job.LastError)
	case domain.JobCancelled:
		n.Level = LevelWarning
		n.Title = "Job cancelled"
		n.Message = fmt.Sprintf("%s cancelled %s", job.RepositoryURL, cycles)
	case domain.JobPaused:
		// only pauses caused by an error, which is then the reason
		if job.LastError == "" || reason != job.LastError {
			return n, false
		}
		n.Level = LevelWarning
		n.Title = "Job paused"
		n.Message = fmt.Sprintf("%s needs a resume: %s", job.RepositoryURL, job.LastError)
	default:
		return n, false
	}
	return n, true
}

// Option customizes a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTimeout bounds each delivery. Defaults to 30s.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithQueueSize sets how many notifications may wait for delivery
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.size = n }
}

// Dispatcher delivers notifications on its own goroutine so callers
// holding locks never wait on a webhook. A nil *Dispatcher drops
// everything.
type Dispatcher struct {
	n       Notifier
	logger  *slog.Logger
	timeout time.Duration
	size    int

	mu     sync.RWMutex
	closed bool
	queue  chan Notification
	done   chan struct{}
}

// NewDispatcher starts delivering to n
func NewDispatcher(n Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		n:       n,
		timeout: 30 * time.Second,
		size:    64,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrDiscard(d.logger).With("component", "notify")
	d.queue = make(chan Notification, d.size)
	go d.run()
	return d
}

// Enqueue schedules n for delivery. It never blocks; a full queue or a
// closed dispatcher drops n and reports false.
func (d *Dispatcher) Enqueue(n Notification) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- n:
		return true
	default:
		d.logger.Warn("notification dropped, queue full", "job_id", n.JobID, "title", n.Title)
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.n.Send(ctx, n); err != nil {
			d.logger.Warn("notification failed", "job_id", n.JobID, "title", n.Title, "error", err)
		}
		cancel()
	}
}

// Close stops accepting notifications and waits for queued ones
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
