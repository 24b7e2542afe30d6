package domain

import "time"

// Cycle is one discovery/execution/convergence/update iteration of a job
type Cycle struct {
	ID              string
	JobID           string
	Number          int
	Phase           CyclePhase
	TasksDiscovered int
	TasksLaunched   int
	TasksCompleted  int
	TasksFailed     int
	Summary         string
	Learnings       string
	Error           string
	// GoalMet is set when discovery reported the goal as reached
	GoalMet         bool
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// Status derives the cycle's state from its completion fields
func (c *Cycle) Status() CycleStatus {
	switch {
	case c.CompletedAt == nil:
		return CycleRunning
	case c.Error != "":
		return CycleFailed
	default:
		return CycleCompleted
	}
}

// IsTerminal reports whether the cycle has finished, successfully or not
func (c *Cycle) IsTerminal() bool {
	return c.CompletedAt != nil
}
