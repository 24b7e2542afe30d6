package domain

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobError     JobStatus = "error"
)

// jobTransitions lists every legal edge of the job state machine.
// Terminal states have no outgoing edges.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobCancelled},
	JobRunning: {JobPaused, JobCancelled, JobCompleted, JobError},
	JobPaused:  {JobRunning, JobCancelled},
}

// IsTerminal reports whether no transition may leave this status
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobError
}

// Valid reports whether s is a known job status
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobPaused, JobCompleted, JobCancelled, JobError:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CyclePhase is the step a cycle is currently in
type CyclePhase string

const (
	PhaseDiscovery   CyclePhase = "discovery"
	PhaseExecution   CyclePhase = "execution"
	PhaseConvergence CyclePhase = "convergence"
	PhaseUpdate      CyclePhase = "update"
)

// CycleStatus is derived from a cycle's completion fields
type CycleStatus string

const (
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
)

// TaskStatus represents the execution state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// IsTerminal reports whether the task will not run again in its cycle
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// Priority orders tasks within a cycle. Lower values run first.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
)
