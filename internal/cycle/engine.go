// Package cycle runs a job's discovery, execution, convergence and update
// loop until the goal is met, a limit is reached, or the loop is told to
// stop.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/breaker"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/metrics"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/parser"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/prompts"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/provider"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/scheduler"
)

// DefaultMaxTasksPerCycle caps how many tasks one discovery may add
const DefaultMaxTasksPerCycle = 8

// Outcome is why the control loop returned
type Outcome int

const (
	// OutcomeCompleted means the goal was met or a limit was reached
	OutcomeCompleted Outcome = iota
	// OutcomePaused means a pause request was honoured at a batch or cycle boundary
	OutcomePaused
	// OutcomeCancelled means the job context was cancelled
	OutcomeCancelled
	// OutcomeFatal means the cycle failure budget is exhausted
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomePaused:
		return "paused"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Store is the persistence the engine needs
type Store interface {
	CreateCycle(c *domain.Cycle) error
	UpdateCycle(c *domain.Cycle) error
	ListCycles(jobID string) ([]*domain.Cycle, error)
	OpenCycle(jobID string) (*domain.Cycle, error)
	NextCycleNumber(jobID string) (int, error)
	LatestLearnings(jobID string) (string, error)
	CreateTasks(tasks []*domain.Task) error
	ListTasks(cycleID string) ([]*domain.Task, error)
	UpdateTask(t *domain.Task) error
}

// Control is the engine's handle on the job it drives. The lifecycle
// manager owns the job record; the engine reads snapshots and applies
// changes through Update.
type Control interface {
	Job() domain.Job
	Update(fn func(j *domain.Job)) error
	// ShouldPause reports whether a pause was requested. A true result
	// commits the loop to exit.
	ShouldPause() bool
}

// Config tunes the failure policy
type Config struct {
	FailureBudget    int
	RetryDelay       time.Duration
	MaxTasksPerCycle int
}

// Params carries the per-run collaborators
type Params struct {
	Provider    provider.Provider
	Credentials provider.Credentials
	Backoff     func(attempt int) time.Duration
}

// Option customizes an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records cycle outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs overrides id generation
func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// Engine drives cycles for running jobs
type Engine struct {
	store   Store
	events  scheduler.Publisher
	sched   *scheduler.Scheduler
	prompts *prompts.Loader
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// New creates an Engine
func New(store Store, events scheduler.Publisher, sched *scheduler.Scheduler, loader *prompts.Loader, cfg Config, opts ...Option) *Engine {
	if cfg.FailureBudget <= 0 {
		cfg.FailureBudget = 3
	}
	if cfg.MaxTasksPerCycle <= 0 {
		cfg.MaxTasksPerCycle = DefaultMaxTasksPerCycle
	}
	if loader == nil {
		loader = prompts.NewLoader()
	}
	e := &Engine{
		store:   store,
		events:  events,
		sched:   sched,
		prompts: loader,
		cfg:     cfg,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDiscard(e.logger).With("component", "cycle")
	return e
}

// Run executes cycles until the job is done or must stop. An open cycle
// left by an earlier run is continued with its pending tasks.
func (e *Engine) Run(ctx context.Context, ctl Control, p Params) (Outcome, error) {
	for {
		job := ctl.Job()
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}
		if job.ConsecutiveFailures >= e.cfg.FailureBudget {
			return OutcomeFatal, fmt.Errorf("%w: %d consecutive cycle failures, last: %s",
				domain.ErrJobFatal, job.ConsecutiveFailures, job.LastError)
		}

		open, err := e.store.OpenCycle(job.ID)
		if err != nil {
			return OutcomeFatal, fmt.Errorf("%w: loading open cycle: %v", domain.ErrJobFatal, err)
		}
		if open == nil {
			if job.CyclesExhausted() || job.TimeExhausted(e.now()) {
				if job.ConsecutiveFailures > 0 {
					return OutcomeFatal, fmt.Errorf("%w: limits reached after a failed cycle: %s",
						domain.ErrJobFatal, job.LastError)
				}
				e.logger.Info("job limits reached", "job_id", job.ID, "cycles", job.CurrentCycle)
				return OutcomeCompleted, nil
			}
			if ctl.ShouldPause() {
				return OutcomePaused, nil
			}
		}

		outcome, done, err := e.runCycle(ctx, ctl, p, open)
		if done {
			return outcome, err
		}
	}
}

// runCycle executes one cycle. done reports whether the loop must return.
func (e *Engine) runCycle(ctx context.Context, ctl Control, p Params, cycle *domain.Cycle) (Outcome, bool, error) {
	job := ctl.Job()
	log := e.logger.With("job_id", job.ID)

	if cycle == nil {
		number, err := e.store.NextCycleNumber(job.ID)
		if err != nil {
			return OutcomeFatal, true, fmt.Errorf("%w: numbering cycle: %v", domain.ErrJobFatal, err)
		}
		cycle = &domain.Cycle{
			ID:        e.newID(),
			JobID:     job.ID,
			Number:    number,
			Phase:     domain.PhaseDiscovery,
			StartedAt: e.now().UTC(),
		}
		if err := e.store.CreateCycle(cycle); err != nil {
			return OutcomeFatal, true, fmt.Errorf("%w: creating cycle: %v", domain.ErrJobFatal, err)
		}
		log.Info("cycle started", "cycle", cycle.Number)
	} else {
		log.Info("continuing open cycle", "cycle", cycle.Number, "phase", cycle.Phase)
	}
	log = log.With("cycle", cycle.Number)

	tasks, err := e.store.ListTasks(cycle.ID)
	if err != nil {
		return OutcomeFatal, true, fmt.Errorf("%w: loading tasks: %v", domain.ErrJobFatal, err)
	}

	if cycle.Phase == domain.PhaseDiscovery && len(tasks) == 0 {
		e.publishPhase(ctx, cycle)
		report, err := e.discover(ctx, job, cycle, p)
		if err != nil {
			if domain.ShuttingDown(ctx) {
				return OutcomeCancelled, true, nil
			}
			if ctx.Err() != nil {
				e.closeCancelled(cycle)
				return OutcomeCancelled, true, nil
			}
			return e.failCycle(ctx, ctl, cycle, err)
		}

		cycle.Summary = strings.TrimSpace(report.Summary)
		cycle.Learnings = strings.TrimSpace(report.Learnings)
		tasks = report.ToTasks(cycle, job.WorkingBranch, e.newID, e.cfg.MaxTasksPerCycle)
		cycle.TasksDiscovered = len(tasks)
		cycle.GoalMet = report.Complete || len(tasks) == 0

		if report.TaskList != "" {
			if err := ctl.Update(func(j *domain.Job) { j.TaskList = report.TaskList }); err != nil {
				log.Warn("saving task list failed", "error", err)
			}
		}
		if len(tasks) > 0 {
			if err := e.store.CreateTasks(tasks); err != nil {
				return e.failCycle(ctx, ctl, cycle, fmt.Errorf("saving discovered tasks: %w", err))
			}
		}
		cycle.Phase = domain.PhaseExecution
		if err := e.store.UpdateCycle(cycle); err != nil {
			return e.failCycle(ctx, ctl, cycle, fmt.Errorf("saving cycle: %w", err))
		}
		log.Info("discovery finished", "tasks", len(tasks), "complete", report.Complete)
	}

	if len(tasks) > 0 {
		if cycle.Phase != domain.PhaseExecution {
			cycle.Phase = domain.PhaseExecution
			if err := e.store.UpdateCycle(cycle); err != nil {
				log.Warn("saving cycle phase failed", "error", err)
			}
		}
		e.publishPhase(ctx, cycle)

		run := scheduler.Run{
			Job:         &job,
			Cycle:       cycle,
			Provider:    p.Provider,
			Credentials: p.Credentials,
			Backoff:     p.Backoff,
			Prompt:      e.taskPrompt(job, cycle),
		}
		for i, batch := range scheduler.Plan(tasks) {
			if ctx.Err() != nil {
				return e.cancelCycle(ctx, run, cycle)
			}
			if ctl.ShouldPause() {
				log.Info("paused between batches", "next_batch", i+1)
				return OutcomePaused, true, nil
			}
			res := e.sched.RunBatch(ctx, run, batch)
			log.Debug("batch drained", "batch", i+1, "completed", res.Completed, "failed", res.Failed, "skipped", res.Skipped)
		}
		if ctx.Err() != nil {
			return e.cancelCycle(ctx, run, cycle)
		}
		if ctl.ShouldPause() {
			log.Info("paused before convergence")
			return OutcomePaused, true, nil
		}
	}

	// Convergence
	cycle.Phase = domain.PhaseConvergence
	e.publishPhase(ctx, cycle)
	if err := e.tally(cycle); err != nil {
		return e.failCycle(ctx, ctl, cycle, err)
	}

	// Update
	cycle.Phase = domain.PhaseUpdate
	e.publishPhase(ctx, cycle)
	completedAt := e.now().UTC()
	cycle.CompletedAt = &completedAt
	if cycle.Summary == "" {
		cycle.Summary = fmt.Sprintf("%d tasks: %d completed, %d failed", cycle.TasksDiscovered, cycle.TasksCompleted, cycle.TasksFailed)
	}
	if err := e.store.UpdateCycle(cycle); err != nil {
		cycle.CompletedAt = nil
		return e.failCycle(ctx, ctl, cycle, fmt.Errorf("saving cycle: %w", err))
	}
	if err := ctl.Update(func(j *domain.Job) {
		j.CurrentCycle = cycle.Number
		j.ConsecutiveFailures = 0
	}); err != nil {
		return OutcomeFatal, true, fmt.Errorf("%w: saving job progress: %v", domain.ErrJobFatal, err)
	}
	e.metrics.CycleFinished(string(domain.CycleCompleted))
	log.Info("cycle finished",
		"launched", cycle.TasksLaunched, "completed", cycle.TasksCompleted, "failed", cycle.TasksFailed, "goal_met", cycle.GoalMet)

	if cycle.GoalMet {
		return OutcomeCompleted, true, nil
	}
	return 0, false, nil
}

func (e *Engine) discover(ctx context.Context, job domain.Job, cycle *domain.Cycle, p Params) (*parser.Report, error) {
	learnings, err := e.store.LatestLearnings(job.ID)
	if err != nil {
		return nil, fmt.Errorf("loading learnings: %w", err)
	}
	prompt, err := e.prompts.BuildDiscoveryPrompt(prompts.DiscoveryData{
		CycleNumber:     cycle.Number,
		RepositoryURL:   job.RepositoryURL,
		BaseBranch:      job.BaseBranch,
		WorkingBranch:   job.WorkingBranch,
		Goal:            job.GoalDocument,
		TaskList:        job.TaskList,
		Learnings:       learnings,
		PreviousSummary: e.previousSummary(job.ID, cycle.Number),
		MaxTasks:        e.cfg.MaxTasksPerCycle,
	})
	if err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		sessionID string
	)
	sink := func(ev domain.ExecutionEvent) {
		ev.JobID = job.ID
		ev.CycleID = cycle.ID
		if ev.Type == domain.EventSessionCreated && ev.SessionID != "" {
			mu.Lock()
			sessionID = ev.SessionID
			mu.Unlock()
		}
		e.publish(ctx, job.ID, ev)
	}
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		sid := sessionID
		mu.Unlock()
		if sid != "" {
			p.Provider.Interrupt(sid, p.Credentials)
		}
	})
	defer stop()

	res, err := p.Provider.Execute(ctx, provider.ExecuteParams{
		UserID:        job.OwnerID,
		JobID:         job.ID,
		Prompt:        prompt,
		RepositoryURL: job.RepositoryURL,
		BaseBranch:    job.BaseBranch,
		Branch:        job.WorkingBranch,
		Credentials:   p.Credentials,
	}, sink)
	if err != nil {
		return nil, fmt.Errorf("discovery session: %w", err)
	}
	report, err := parser.ParseReport(res.Output)
	if err != nil {
		return nil, fmt.Errorf("discovery output: %w", err)
	}
	return report, nil
}

// failCycle closes cycle as failed and charges the job's failure budget
func (e *Engine) failCycle(ctx context.Context, ctl Control, cycle *domain.Cycle, cause error) (Outcome, bool, error) {
	err := fmt.Errorf("%w: cycle %d: %v", domain.ErrCycleFailure, cycle.Number, cause)

	ev := domain.NewEvent(domain.EventError, domain.SourceCycle, e.now())
	ev.JobID = cycle.JobID
	ev.CycleID = cycle.ID
	ev.ErrorCode = "cycle_failure"
	ev.Error = err.Error()
	e.publish(ctx, cycle.JobID, ev)

	now := e.now().UTC()
	cycle.Error = cause.Error()
	cycle.CompletedAt = &now
	if uerr := e.store.UpdateCycle(cycle); uerr != nil {
		e.logger.Error("saving failed cycle", "job_id", cycle.JobID, "cycle", cycle.Number, "error", uerr)
	}
	e.metrics.CycleFinished(string(domain.CycleFailed))

	var failures int
	if uerr := ctl.Update(func(j *domain.Job) {
		j.CurrentCycle = cycle.Number
		j.ErrorCount++
		j.ConsecutiveFailures++
		j.LastError = err.Error()
		failures = j.ConsecutiveFailures
	}); uerr != nil {
		return OutcomeFatal, true, fmt.Errorf("%w: saving failure: %v", domain.ErrJobFatal, uerr)
	}
	e.logger.Warn("cycle failed", "job_id", cycle.JobID, "cycle", cycle.Number,
		"consecutive_failures", failures, "budget", e.cfg.FailureBudget, "error", cause)

	if failures >= e.cfg.FailureBudget {
		return OutcomeFatal, true, fmt.Errorf("%w: %d consecutive cycle failures: %v", domain.ErrJobFatal, failures, err)
	}
	if !breaker.Sleep(ctx, e.cfg.RetryDelay) {
		return OutcomeCancelled, true, nil
	}
	return 0, false, nil
}

// cancelCycle skips the tasks that never started and closes the cycle.
// A shutdown leaves the cycle and its tasks as they are.
func (e *Engine) cancelCycle(ctx context.Context, run scheduler.Run, cycle *domain.Cycle) (Outcome, bool, error) {
	if domain.ShuttingDown(ctx) {
		// left open for Recover
		return OutcomeCancelled, true, nil
	}
	tasks, err := e.store.ListTasks(cycle.ID)
	if err != nil {
		e.logger.Error("loading tasks for cancellation", "job_id", cycle.JobID, "error", err)
	} else {
		e.sched.SkipPending(ctx, run, tasks)
	}
	if err := e.tally(cycle); err != nil {
		e.logger.Warn("counting tasks failed", "job_id", cycle.JobID, "error", err)
	}
	e.closeCancelled(cycle)
	return OutcomeCancelled, true, nil
}

// Abandon closes job's open cycle, if any, as cancelled and skips the
// tasks that never started. It is used for jobs that have no control
// loop, such as paused ones.
func (e *Engine) Abandon(ctx context.Context, job domain.Job) error {
	open, err := e.store.OpenCycle(job.ID)
	if err != nil {
		return fmt.Errorf("loading open cycle: %w", err)
	}
	if open == nil {
		return nil
	}
	e.cancelCycle(ctx, scheduler.Run{Job: &job, Cycle: open}, open)
	return nil
}

func (e *Engine) closeCancelled(cycle *domain.Cycle) {
	now := e.now().UTC()
	cycle.Error = "cancelled"
	cycle.CompletedAt = &now
	if err := e.store.UpdateCycle(cycle); err != nil {
		e.logger.Error("closing cancelled cycle", "job_id", cycle.JobID, "cycle", cycle.Number, "error", err)
	}
}

// tally recounts the cycle's task outcomes from the store
func (e *Engine) tally(cycle *domain.Cycle) error {
	tasks, err := e.store.ListTasks(cycle.ID)
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}
	cycle.TasksDiscovered = len(tasks)
	cycle.TasksLaunched, cycle.TasksCompleted, cycle.TasksFailed = 0, 0, 0
	var failed []string
	for _, t := range tasks {
		if t.StartedAt != nil {
			cycle.TasksLaunched++
		}
		switch t.Status {
		case domain.TaskCompleted:
			cycle.TasksCompleted++
		case domain.TaskFailed:
			cycle.TasksFailed++
			failed = append(failed, fmt.Sprintf("- %s failed: %s", t.Description, firstLine(t.ErrorMessage)))
		}
	}
	if len(failed) > 0 {
		note := "Failed tasks in cycle " + fmt.Sprint(cycle.Number) + ":\n" + strings.Join(failed, "\n")
		if !strings.Contains(cycle.Learnings, note) {
			cycle.Learnings = strings.TrimSpace(cycle.Learnings + "\n\n" + note)
		}
	}
	return nil
}

func (e *Engine) previousSummary(jobID string, number int) string {
	cycles, err := e.store.ListCycles(jobID)
	if err != nil {
		return ""
	}
	for i := len(cycles) - 1; i >= 0; i-- {
		c := cycles[i]
		if c.Number < number && c.Status() == domain.CycleCompleted {
			return c.Summary
		}
	}
	return ""
}

func (e *Engine) taskPrompt(job domain.Job, cycle *domain.Cycle) func(t *domain.Task) string {
	return func(t *domain.Task) string {
		prompt, err := e.prompts.BuildTaskPrompt(prompts.TaskData{
			Number:        t.Number,
			CycleNumber:   cycle.Number,
			RepositoryURL: job.RepositoryURL,
			Branch:        t.Branch,
			Description:   t.Description,
			Context:       t.Context,
			Goal:          job.GoalDocument,
		})
		if err != nil {
			e.logger.Warn("rendering task prompt failed", "error", err)
			return t.Description + "\n\n" + t.Context
		}
		return prompt
	}
}

func (e *Engine) publishPhase(ctx context.Context, cycle *domain.Cycle) {
	ev := domain.NewEvent(domain.EventCyclePhase, domain.SourceCycle, e.now())
	ev.JobID = cycle.JobID
	ev.CycleID = cycle.ID
	ev.Status = string(cycle.Phase)
	ev.Text = fmt.Sprintf("cycle %d: %s", cycle.Number, cycle.Phase)
	e.publish(ctx, cycle.JobID, ev)
}

func (e *Engine) publish(ctx context.Context, jobID string, ev domain.ExecutionEvent) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(context.WithoutCancel(ctx), jobID, ev); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("publishing event failed", "job_id", jobID, "type", ev.Type, "error", err)
	}
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	return s
}
