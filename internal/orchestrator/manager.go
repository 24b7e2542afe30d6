// Package orchestrator owns the job state machine and the per-job control
// loops that drive the cycle engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/broadcast"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/cycle"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/metrics"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/notify"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/provider"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/store"
)

// cancelMargin is added to the grace period while Cancel waits for a loop
const cancelMargin = 5 * time.Second

// Store is the persistence the manager needs
type Store interface {
	CreateJob(job *domain.Job) error
	UpdateJob(job *domain.Job) error
	GetJob(id string) (*domain.Job, error)
	ListJobs(filter store.JobFilter) ([]*domain.Job, error)
	ListNonTerminalJobs() ([]*domain.Job, error)
	ListCycles(jobID string) ([]*domain.Cycle, error)
	ListJobTasks(jobID string) ([]*domain.Task, error)
	ResetRunningTasks(jobID string) (int, error)
}

// Config bounds job limits and cancellation
type Config struct {
	MaxCyclesCap        int
	MaxTimeLimitMinutes int
	GracePeriod         time.Duration
	// Backoff is the task retry delay schedule handed to the scheduler
	Backoff func(attempt int) time.Duration
}

// Option customizes a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records transitions and active loops
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithNotifier reports finished and parked jobs through d
func WithNotifier(d *notify.Dispatcher) Option {
	return func(m *Manager) { m.notifier = d }
}

// WithIDs overrides job id generation
func WithIDs(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// Manager is the job lifecycle manager. Each running job has one runner
// whose goroutine drives the cycle engine; the runner holds the
// authoritative copy of the job while it exists.
type Manager struct {
	store     Store
	events    *broadcast.Broadcaster
	engine    *cycle.Engine
	providers *provider.Registry
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	notifier  *notify.Dispatcher
	now       func() time.Time
	newID     func() string

	ctx    context.Context
	stop   context.CancelCauseFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	loops  map[string]*runner
	closed bool
}

// New creates a Manager
func New(st Store, events *broadcast.Broadcaster, engine *cycle.Engine, providers *provider.Registry, cfg Config, opts ...Option) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	ctx, stop := context.WithCancelCause(context.Background())
	m := &Manager{
		store:     st,
		events:    events,
		engine:    engine,
		providers: providers,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
		ctx:       ctx,
		stop:      stop,
		loops:     make(map[string]*runner),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDiscard(m.logger).With("component", "lifecycle")
	return m
}

// Create validates spec and persists a pending job owned by ownerID
func (m *Manager) Create(ctx context.Context, ownerID string, spec domain.JobSpec) (*domain.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if m.cfg.MaxCyclesCap > 0 && spec.MaxCycles != nil && *spec.MaxCycles > m.cfg.MaxCyclesCap {
		return nil, fmt.Errorf("%w: max_cycles must be at most %d", domain.ErrInvalidSpec, m.cfg.MaxCyclesCap)
	}
	if m.cfg.MaxTimeLimitMinutes > 0 && spec.TimeLimitMinutes != nil && *spec.TimeLimitMinutes > m.cfg.MaxTimeLimitMinutes {
		return nil, fmt.Errorf("%w: time_limit_minutes must be at most %d", domain.ErrInvalidSpec, m.cfg.MaxTimeLimitMinutes)
	}
	if _, err := m.providers.Get(spec.Provider); err != nil {
		return nil, err
	}

	job := domain.NewJob(m.newID(), ownerID, spec, m.now().UTC())
	if job.Provider == "" {
		job.Provider = m.providers.Default()
	}
	if err := m.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	m.metrics.JobTransition(string(job.Status))
	m.announce(ctx, job, "created")
	m.logger.Info("job created", "job_id", job.ID, "owner", ownerID, "repository", job.RepositoryURL, "provider", job.Provider)
	return job, nil
}

// Start moves a pending or paused job to running and launches its loop
func (m *Manager) Start(ctx context.Context, jobID string, creds provider.Credentials) (*domain.Job, error) {
	return m.run(ctx, jobID, creds, "started", domain.JobPending, domain.JobPaused)
}

// Resume moves a paused job back to running. The loop continues the open
// cycle from its first unfinished batch.
func (m *Manager) Resume(ctx context.Context, jobID string, creds provider.Credentials) (*domain.Job, error) {
	return m.run(ctx, jobID, creds, "resumed", domain.JobPaused)
}

func (m *Manager) run(ctx context.Context, jobID string, creds provider.Credentials, reason string, from ...domain.JobStatus) (*domain.Job, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, errors.New("lifecycle manager is shut down")
		}

		if r := m.loops[jobID]; r != nil {
			r.mu.Lock()
			switch {
			case r.job.Status == domain.JobRunning:
				job := r.job
				r.mu.Unlock()
				m.mu.Unlock()
				return &job, nil
			case r.job.Status == domain.JobPaused && !r.exiting && !r.cancelRequested && allowed(domain.JobPaused, from):
				// the loop has not reached a pause point yet
				r.pause = false
				err := m.apply(ctx, &r.job, domain.JobRunning, reason)
				job := r.job
				r.mu.Unlock()
				m.mu.Unlock()
				return &job, err
			}
			done := r.done
			r.mu.Unlock()
			m.mu.Unlock()

			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		job, err := m.launch(ctx, jobID, creds, reason, from)
		m.mu.Unlock()
		return job, err
	}
}

// launch starts a loop for a job that has none. Caller holds m.mu.
func (m *Manager) launch(ctx context.Context, jobID string, creds provider.Credentials, reason string, from []domain.JobStatus) (*domain.Job, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobRunning && !allowed(job.Status, from) {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidState, job.ID, job.Status)
	}
	p, err := m.providers.Get(job.Provider)
	if err != nil {
		return nil, err
	}
	if err := m.apply(ctx, job, domain.JobRunning, reason); err != nil {
		return nil, err
	}
	m.spawn(job, cycle.Params{Provider: p, Credentials: creds, Backoff: m.cfg.Backoff})
	copied := *job
	return &copied, nil
}

// spawn registers a runner for job and starts its goroutine. Caller holds m.mu.
func (m *Manager) spawn(job *domain.Job, params cycle.Params) {
	ctx, cancel := context.WithCancel(m.ctx)
	r := &runner{
		m:      m,
		job:    *job,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.loops[job.ID] = r
	m.wg.Add(1)
	go r.loop(ctx, params)
}

// Pause asks a running job to stop after its current batch drains. The
// status becomes paused immediately; tasks already in flight finish.
func (m *Manager) Pause(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r := m.loops[jobID]; r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.job.Status == domain.JobPaused {
			job := r.job
			return &job, nil
		}
		if r.cancelRequested {
			return nil, fmt.Errorf("%w: job %s is being cancelled", domain.ErrInvalidState, jobID)
		}
		if err := m.apply(ctx, &r.job, domain.JobPaused, "pause requested"); err != nil {
			return nil, err
		}
		r.pause = true
		job := r.job
		return &job, nil
	}

	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if err := m.apply(ctx, job, domain.JobPaused, "paused"); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel stops a non-terminal job. Running sessions are interrupted and
// the call returns once the loop has wound down or the grace period
// plus a margin has passed.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	if r := m.loops[jobID]; r != nil {
		r.mu.Lock()
		if r.job.Status.IsTerminal() {
			job := r.job
			r.mu.Unlock()
			m.mu.Unlock()
			if job.Status == domain.JobCancelled {
				return &job, nil
			}
			return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidState, jobID, job.Status)
		}
		r.cancelRequested = true
		r.mu.Unlock()
		m.mu.Unlock()

		r.cancel()
		timer := time.NewTimer(m.cfg.GracePeriod + cancelMargin)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-timer.C:
			m.logger.Warn("control loop did not stop in time", "job_id", jobID)
			r.mu.Lock()
			if err := m.apply(ctx, &r.job, domain.JobCancelled, "cancelled"); err != nil {
				m.logger.Error("forcing cancellation", "job_id", jobID, "error", err)
			}
			r.mu.Unlock()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		job, err := m.Get(jobID)
		if err != nil {
			return nil, err
		}
		if job.Status != domain.JobCancelled {
			// the loop reached another terminal state first
			return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidState, jobID, job.Status)
		}
		return job, nil
	}
	defer m.mu.Unlock()

	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == domain.JobCancelled {
		return job, nil
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidState, jobID, job.Status)
	}
	if err := m.engine.Abandon(ctx, *job); err != nil {
		m.logger.Warn("closing open cycle", "job_id", jobID, "error", err)
	}
	if err := m.apply(ctx, job, domain.JobCancelled, "cancelled"); err != nil {
		return nil, err
	}
	return job, nil
}

// Get returns the freshest view of a job
func (m *Manager) Get(jobID string) (*domain.Job, error) {
	m.mu.Lock()
	r := m.loops[jobID]
	m.mu.Unlock()
	if r != nil {
		job := r.Job()
		return &job, nil
	}
	return m.store.GetJob(jobID)
}

// List returns jobs matching filter
func (m *Manager) List(filter store.JobFilter) ([]*domain.Job, error) {
	return m.store.ListJobs(filter)
}

// Cycles returns a job's cycles in order
func (m *Manager) Cycles(jobID string) ([]*domain.Cycle, error) {
	if _, err := m.store.GetJob(jobID); err != nil {
		return nil, err
	}
	return m.store.ListCycles(jobID)
}

// Tasks returns every task of a job ordered by cycle and number
func (m *Manager) Tasks(jobID string) ([]*domain.Task, error) {
	if _, err := m.store.GetJob(jobID); err != nil {
		return nil, err
	}
	return m.store.ListJobTasks(jobID)
}

// Active returns the number of live control loops
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loops)
}

// RecoveryReport summarizes what Recover did
type RecoveryReport struct {
	Resumed    int
	Paused     int
	TasksReset int
}

// Recover picks up jobs left non-terminal by a previous process. Tasks
// stuck in running go back to pending. Running jobs are restarted when
// creds carries a token and paused otherwise.
func (m *Manager) Recover(ctx context.Context, creds provider.Credentials) (RecoveryReport, error) {
	var report RecoveryReport
	jobs, err := m.store.ListNonTerminalJobs()
	if err != nil {
		return report, fmt.Errorf("listing jobs to recover: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range jobs {
		if _, ok := m.loops[job.ID]; ok {
			continue
		}
		log := m.logger.With("job_id", job.ID)
		n, err := m.store.ResetRunningTasks(job.ID)
		if err != nil {
			log.Error("resetting interrupted tasks", "error", err)
		}
		report.TasksReset += n

		if job.Status != domain.JobRunning {
			continue
		}
		if creds.Token == "" {
			job.LastError = "interrupted by restart"
		} else if p, err := m.providers.Get(job.Provider); err != nil {
			job.LastError = err.Error()
		} else {
			m.spawn(job, cycle.Params{Provider: p, Credentials: creds, Backoff: m.cfg.Backoff})
			m.announce(ctx, job, "recovered after restart")
			report.Resumed++
			log.Info("job recovered", "tasks_reset", n)
			continue
		}
		if err := m.apply(ctx, job, domain.JobPaused, job.LastError); err != nil {
			log.Error("pausing interrupted job", "error", err)
			continue
		}
		report.Paused++
		log.Info("job paused after restart", "tasks_reset", n)
	}
	return report, nil
}

// Shutdown stops every control loop without changing persisted job
// status, so the jobs are picked up again by Recover.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop(domain.ErrShutdown)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for control loops: %w", ctx.Err())
	}
}

// apply moves job to status to, persists it and announces the change.
// Requesting the current status is a no-op. The caller holds whatever
// lock guards job.
func (m *Manager) apply(ctx context.Context, job *domain.Job, to domain.JobStatus, reason string) error {
	if job.Status == to {
		return nil
	}
	if !job.Status.CanTransition(to) {
		return fmt.Errorf("%w: job %s cannot go from %s to %s", domain.ErrInvalidState, job.ID, job.Status, to)
	}

	prev := *job
	now := m.now().UTC()
	job.Status = to
	switch {
	case to == domain.JobRunning && job.StartedAt == nil:
		job.StartedAt = &now
	case to.IsTerminal():
		job.CompletedAt = &now
	}
	if err := m.store.UpdateJob(job); err != nil {
		*job = prev
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}

	m.metrics.JobTransition(string(to))
	m.logger.Info("job status changed", "job_id", job.ID, "from", prev.Status, "to", to, "reason", reason)
	m.announce(ctx, job, reason)
	if to.IsTerminal() {
		m.events.MarkTerminal(job.ID)
	}
	if n, ok := notify.ForJob(job, reason); ok {
		m.notifier.Enqueue(n)
	}
	return nil
}

// announce publishes a job_status event carrying job's current status
func (m *Manager) announce(ctx context.Context, job *domain.Job, reason string) {
	ev := domain.NewEvent(domain.EventJobStatus, domain.SourceLifecycle, m.now())
	ev.JobID = job.ID
	ev.Status = string(job.Status)
	ev.Text = reason
	if job.Status == domain.JobError {
		ev.Error = job.LastError
	}
	m.publish(ctx, job.ID, ev)
}

func (m *Manager) publish(ctx context.Context, jobID string, ev domain.ExecutionEvent) {
	if err := m.events.Publish(context.WithoutCancel(ctx), jobID, ev); err != nil {
		m.logger.Warn("publishing event failed", "job_id", jobID, "type", ev.Type, "error", err)
	}
}

func allowed(s domain.JobStatus, from []domain.JobStatus) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}
