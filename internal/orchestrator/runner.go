package orchestrator

import (
	"context"
	"sync"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/cycle"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

// runner is one job's control loop. It implements cycle.Control.
type runner struct {
	m      *Manager
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	job             domain.Job
	pause           bool
	exiting         bool // the engine saw the pause and is returning
	cancelRequested bool
}

func (r *runner) loop(ctx context.Context, params cycle.Params) {
	m := r.m
	defer m.wg.Done()
	defer close(r.done)
	defer r.cancel()

	jobID := r.Job().ID
	producing := m.events.BeginProducing(jobID)
	m.metrics.JobLoopStarted()

	outcome, err := m.engine.Run(ctx, r, params)
	m.logger.Info("control loop stopped", "job_id", jobID, "outcome", outcome)
	r.finish(context.WithoutCancel(ctx), outcome, err)

	producing()
	m.metrics.JobLoopStopped()

	m.mu.Lock()
	if m.loops[jobID] == r {
		delete(m.loops, jobID)
	}
	m.mu.Unlock()
}

// finish applies the loop's outcome to the job
func (r *runner) finish(ctx context.Context, outcome cycle.Outcome, err error) {
	m := r.m
	r.mu.Lock()
	defer r.mu.Unlock()
	job := &r.job
	log := m.logger.With("job_id", job.ID)
	if job.Status.IsTerminal() {
		return
	}

	switch {
	case outcome == cycle.OutcomeFatal:
		job.LastError = err.Error()
		ev := domain.NewEvent(domain.EventError, domain.SourceLifecycle, m.now())
		ev.JobID = job.ID
		ev.ErrorCode = "job_fatal"
		ev.Error = job.LastError
		m.publish(ctx, job.ID, ev)
		if aerr := m.apply(ctx, job, domain.JobError, "failure budget exhausted"); aerr != nil {
			// paused jobs keep their status; the budget check fails them on resume
			log.Warn("job failure recorded without transition", "status", job.Status, "error", aerr)
			if serr := m.store.UpdateJob(job); serr != nil {
				log.Error("saving job error", "error", serr)
			}
		}
	case outcome == cycle.OutcomeCompleted:
		if aerr := m.apply(ctx, job, domain.JobCompleted, "goal met or limits reached"); aerr != nil {
			log.Info("completion deferred", "status", job.Status, "error", aerr)
		}
	case r.cancelRequested:
		if aerr := m.engine.Abandon(ctx, *job); aerr != nil {
			log.Warn("closing open cycle", "error", aerr)
		}
		if aerr := m.apply(ctx, job, domain.JobCancelled, "cancelled"); aerr != nil {
			log.Error("cancelling job", "error", aerr)
		}
	}
}

// Job returns a snapshot of the job
func (r *runner) Job() domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

// Update applies fn to the job and persists the result
func (r *runner) Update(fn func(j *domain.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.job
	fn(&r.job)
	if err := r.m.store.UpdateJob(&r.job); err != nil {
		r.job = prev
		return err
	}
	return nil
}

// ShouldPause reports a pending pause request and commits the loop to exit
func (r *runner) ShouldPause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pause {
		r.exiting = true
	}
	return r.pause
}
