// Package scheduler runs a cycle's tasks against an execution provider
// with bounded concurrency, per-task retries and cooperative cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/breaker"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/metrics"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/provider"
)

const cancelledReason = "cancelled"

// Store persists task progress
type Store interface {
	UpdateTask(t *domain.Task) error
}

// Publisher receives the events of running tasks
type Publisher interface {
	Publish(ctx context.Context, jobID string, event domain.ExecutionEvent) error
}

// Config bounds task execution
type Config struct {
	// MaxParallel applies when the job does not set its own bound
	MaxParallel int
	// RetryLimit is the number of retries after the first failed attempt
	RetryLimit int
	// GracePeriod is how long interrupted sessions may take to stop
	GracePeriod time.Duration
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records task outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Run carries what a batch needs to know about its job and cycle
type Run struct {
	Job         *domain.Job
	Cycle       *domain.Cycle
	Provider    provider.Provider
	Credentials provider.Credentials
	// Backoff returns the delay before retry n. Typically the provider
	// breaker's BackoffDelay.
	Backoff func(attempt int) time.Duration
	// Prompt renders the instructions for a task
	Prompt func(t *domain.Task) string
}

// BatchResult tallies the terminal states reached by a batch
type BatchResult struct {
	Launched  int
	Completed int
	Failed    int
	Skipped   int
}

// Add accumulates other into r
func (r *BatchResult) Add(other BatchResult) {
	r.Launched += other.Launched
	r.Completed += other.Completed
	r.Failed += other.Failed
	r.Skipped += other.Skipped
}

// Scheduler executes batches of tasks
type Scheduler struct {
	store   Store
	events  Publisher
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Scheduler
func New(store Store, events Publisher, cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = domain.DefaultMaxParallelTasks
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	s := &Scheduler{store: store, events: events, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger).With("component", "scheduler")
	return s
}

// RunBatch executes every task of batch and returns once each one has
// reached a terminal state. Task failures never abort siblings. When ctx
// is cancelled no further task starts, running sessions are interrupted,
// and whatever is still running after the grace period is marked failed.
// A shutdown instead stops polling at once and leaves started tasks
// running, with their session ids, for recovery.
func (s *Scheduler) RunBatch(ctx context.Context, run Run, batch Batch) BatchResult {
	limit := run.Job.MaxParallelTasks
	if limit <= 0 {
		limit = s.cfg.MaxParallel
	}
	if !batch.Parallel {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))

	// Sessions get their own context so an interrupt can finish gracefully
	// before they are torn down.
	runCtx, force := context.WithCancel(context.WithoutCancel(ctx))
	defer force()

	tr := newTracker(s.store, s.logger)
	var (
		mu     sync.Mutex
		result BatchResult
		g      errgroup.Group
	)

	for i, t := range batch.Tasks {
		if err := sem.Acquire(ctx, 1); err != nil || ctx.Err() != nil {
			if err == nil {
				sem.Release(1)
			}
			if domain.ShuttingDown(ctx) {
				break
			}
			for _, rest := range batch.Tasks[i:] {
				if s.skip(ctx, run, tr, *rest) {
					mu.Lock()
					result.Skipped++
					mu.Unlock()
				}
			}
			break
		}

		mu.Lock()
		result.Launched++
		mu.Unlock()

		task := *t
		g.Go(func() error {
			defer sem.Release(1)
			status, ok := s.runTask(ctx, runCtx, run, tr, &task)
			if !ok {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case domain.TaskCompleted:
				result.Completed++
			case domain.TaskFailed:
				result.Failed++
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if domain.ShuttingDown(ctx) {
			// remote sessions keep running; Recover resumes them
			force()
			<-done
			break
		}
		s.interruptAll(run, tr)
		timer := time.NewTimer(s.cfg.GracePeriod)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			force()
			abandoned := tr.abandon(s.now(), func(t *domain.Task) { s.publishStatus(ctx, run, t) })
			for _, t := range abandoned {
				s.metrics.TaskFinished(string(t.Status), 0)
			}
			s.logger.Warn("abandoned tasks after grace period",
				"job_id", run.Job.ID, "cycle", run.Cycle.Number, "count", len(abandoned))
			mu.Lock()
			result.Failed += len(abandoned)
			mu.Unlock()
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return result
}

// SkipPending marks tasks that never started as skipped
func (s *Scheduler) SkipPending(ctx context.Context, run Run, tasks []*domain.Task) int {
	tr := newTracker(s.store, s.logger)
	n := 0
	for _, t := range tasks {
		if t.Status != domain.TaskPending {
			continue
		}
		if s.skip(ctx, run, tr, *t) {
			n++
		}
	}
	return n
}

func (s *Scheduler) skip(ctx context.Context, run Run, tr *tracker, t domain.Task) bool {
	now := s.now().UTC()
	t.Status = domain.TaskSkipped
	t.ErrorMessage = cancelledReason
	t.CompletedAt = &now
	if !tr.commit(&t, func(t *domain.Task) { s.publishStatus(ctx, run, t) }) {
		return false
	}
	s.metrics.TaskFinished(string(t.Status), 0)
	return true
}

// runTask drives one task through its attempts. ok is false when the
// task was abandoned and its outcome already recorded elsewhere, or left
// running by a shutdown.
func (s *Scheduler) runTask(ctx, runCtx context.Context, run Run, tr *tracker, t *domain.Task) (domain.TaskStatus, bool) {
	log := s.logger.With("job_id", run.Job.ID, "cycle", run.Cycle.Number, "task", t.Number)
	started := s.now().UTC()
	t.Status = domain.TaskRunning
	t.StartedAt = &started
	t.CompletedAt = nil
	tr.register(t)
	defer tr.unregister(t.ID)
	if !tr.save(t) {
		return "", false
	}
	s.publishStatus(ctx, run, t)
	log.Info("task started", "parallel", t.CanRunParallel, "resume", t.SessionID != "")

	stopped := func(err error) (domain.TaskStatus, bool) {
		if domain.ShuttingDown(ctx) {
			log.Info("task left running for recovery", "session_id", t.SessionID)
			return "", false
		}
		return s.finish(ctx, run, tr, t, nil, err, started)
	}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return stopped(errors.New(cancelledReason))
		}

		res, err := s.attempt(ctx, runCtx, run, tr, t)
		if err == nil {
			return s.finish(ctx, run, tr, t, res, nil, started)
		}
		if ctx.Err() != nil || errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled) {
			return stopped(fmt.Errorf("%s: %w", cancelledReason, err))
		}
		if attempt >= s.cfg.RetryLimit {
			log.Warn("task failed", "attempts", attempt+1, "error", err)
			return s.finish(ctx, run, tr, t, nil, err, started)
		}

		delay := s.retryDelay(run, attempt, err)
		t.RetryCount++
		t.ErrorMessage = err.Error()
		announce := func(t *domain.Task) {
			ev := s.statusEvent(run, t)
			ev.Text = fmt.Sprintf("retry %d of %d in %s", t.RetryCount, s.cfg.RetryLimit, delay.Round(time.Millisecond))
			ev.Error = err.Error()
			s.publish(ctx, run.Job.ID, ev)
		}
		if !tr.commit(t, announce) {
			return "", false
		}
		s.metrics.TaskRetried()
		log.Info("retrying task", "retry", t.RetryCount, "delay", delay, "error", err)

		if !breaker.Sleep(ctx, delay) {
			return stopped(errors.New(cancelledReason))
		}
	}
}

func (s *Scheduler) attempt(ctx, runCtx context.Context, run Run, tr *tracker, t *domain.Task) (*provider.Result, error) {
	sink := func(ev domain.ExecutionEvent) {
		ev.JobID = run.Job.ID
		ev.CycleID = run.Cycle.ID
		ev.TaskID = t.ID
		if ev.Type == domain.EventSessionCreated && ev.SessionID != "" {
			tr.setSession(t.ID, ev.SessionID)
		}
		s.publish(ctx, run.Job.ID, ev)
	}

	params := provider.ExecuteParams{
		UserID:        run.Job.OwnerID,
		JobID:         run.Job.ID,
		TaskID:        t.ID,
		SessionID:     t.SessionID,
		RepositoryURL: run.Job.RepositoryURL,
		BaseBranch:    run.Job.BaseBranch,
		Branch:        t.Branch,
		Credentials:   run.Credentials,
	}

	var (
		res *provider.Result
		err error
	)
	if t.SessionID != "" {
		params.Prompt = resumePrompt(t)
		res, err = run.Provider.Resume(runCtx, params, sink)
	} else {
		params.Prompt = run.Prompt(t)
		res, err = run.Provider.Execute(runCtx, params, sink)
	}

	if sid := tr.session(t.ID); sid != "" && sid != t.SessionID {
		t.SessionID = sid
		tr.save(t)
	}
	return res, err
}

func (s *Scheduler) finish(ctx context.Context, run Run, tr *tracker, t *domain.Task, res *provider.Result, err error, started time.Time) (domain.TaskStatus, bool) {
	now := s.now().UTC()
	t.CompletedAt = &now
	if err != nil {
		t.Status = domain.TaskFailed
		t.ErrorMessage = err.Error()
	} else {
		t.Status = domain.TaskCompleted
		t.ErrorMessage = ""
		t.ResultSummary = summarize(res.Output)
		t.FilesModified = res.FilesModified
		t.Commits = res.Commits
		if res.SessionID != "" {
			t.SessionID = res.SessionID
		}
		if res.Branch != "" {
			t.Branch = res.Branch
		}
	}
	if !tr.commit(t, func(t *domain.Task) { s.publishStatus(ctx, run, t) }) {
		return "", false
	}
	s.metrics.TaskFinished(string(t.Status), now.Sub(started))
	s.logger.Info("task finished",
		"job_id", run.Job.ID, "cycle", run.Cycle.Number, "task", t.Number,
		"status", t.Status, "retries", t.RetryCount)
	return t.Status, true
}

func (s *Scheduler) retryDelay(run Run, attempt int, err error) time.Duration {
	if d, ok := breaker.RetryAfterOf(err); ok {
		return d
	}
	if run.Backoff != nil {
		return run.Backoff(attempt)
	}
	return breaker.New("scheduler", breaker.DefaultConfig()).BackoffDelay(attempt)
}

func (s *Scheduler) interruptAll(run Run, tr *tracker) {
	for _, sid := range tr.sessions() {
		run.Provider.Interrupt(sid, run.Credentials)
	}
	s.logger.Info("interrupting running sessions", "job_id", run.Job.ID, "cycle", run.Cycle.Number)
}

func (s *Scheduler) statusEvent(run Run, t *domain.Task) domain.ExecutionEvent {
	ev := domain.NewEvent(domain.EventTaskStatus, domain.SourceScheduler, s.now())
	ev.JobID = run.Job.ID
	ev.CycleID = run.Cycle.ID
	ev.TaskID = t.ID
	ev.SessionID = t.SessionID
	ev.Branch = t.Branch
	ev.Status = string(t.Status)
	ev.Text = t.Label()
	ev.Error = t.ErrorMessage
	return ev
}

func (s *Scheduler) publishStatus(ctx context.Context, run Run, t *domain.Task) {
	s.publish(ctx, run.Job.ID, s.statusEvent(run, t))
}

// publish outlives job cancellation so the final statuses reach the log
func (s *Scheduler) publish(ctx context.Context, jobID string, ev domain.ExecutionEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), jobID, ev); err != nil {
		s.logger.Warn("publishing event failed", "job_id", jobID, "type", ev.Type, "error", err)
	}
}

func resumePrompt(t *domain.Task) string {
	if t.ErrorMessage == "" {
		return "Continue working on the task until it is complete."
	}
	return fmt.Sprintf("The previous attempt stopped with this error:\n\n%s\n\nContinue working on the task until it is complete.", t.ErrorMessage)
}

func summarize(output string) string {
	const max = 4000
	if len(output) <= max {
		return output
	}
	return output[:max] + "..."
}
