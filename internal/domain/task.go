package domain

import (
	"fmt"
	"time"
)

// Task is one unit of agent work within a cycle
type Task struct {
	ID             string
	CycleID        string
	JobID          string
	Number         int
	Description    string
	Context        string
	Priority       Priority
	CanRunParallel bool
	SessionID      string
	Branch         string
	Status         TaskStatus
	ResultSummary  string
	FilesModified  []string
	Commits        []string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ErrorMessage   string
	RetryCount     int
}

// Label is a short human-readable reference used in logs and prompts
func (t *Task) Label() string {
	return fmt.Sprintf("task #%d (%s)", t.Number, t.Priority)
}

// TaskBranch returns the per-task branch derived from the job's working branch
func TaskBranch(workingBranch string, cycleNumber, taskNumber int) string {
	return fmt.Sprintf("%s/c%d-t%d", workingBranch, cycleNumber, taskNumber)
}
