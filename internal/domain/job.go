package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultMaxParallelTasks applies when a spec leaves the bound unset
	DefaultMaxParallelTasks = 3
	// MaxParallelTasksLimit is the largest accepted parallelism bound
	MaxParallelTasksLimit = 32
)

// Job is one orchestration run against a repository/branch pair
type Job struct {
	ID               string
	OwnerID          string
	RepositoryURL    string
	BaseBranch       string
	WorkingBranch    string
	GoalDocument     string
	TaskList         string
	Status           JobStatus
	CurrentCycle     int
	MaxCycles        int // 0 means unbounded
	TimeLimitMinutes int // 0 means unbounded
	MaxParallelTasks int
	Provider         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	LastError        string
	ErrorCount       int
	// ConsecutiveFailures counts cycle-level failures since the last good cycle
	ConsecutiveFailures int
}

// CyclesExhausted reports whether the job has used all of its cycles
func (j *Job) CyclesExhausted() bool {
	return j.MaxCycles > 0 && j.CurrentCycle >= j.MaxCycles
}

// TimeExhausted reports whether the job's time limit has elapsed at now
func (j *Job) TimeExhausted(now time.Time) bool {
	if j.TimeLimitMinutes <= 0 || j.StartedAt == nil {
		return false
	}
	return now.Sub(*j.StartedAt) >= time.Duration(j.TimeLimitMinutes)*time.Minute
}

// JobSpec holds the caller-supplied parameters for a new job.
// Pointer fields are optional; nil selects the default.
type JobSpec struct {
	RepositoryURL    string `json:"repository_url"`
	BaseBranch       string `json:"base_branch"`
	WorkingBranch    string `json:"working_branch,omitempty"`
	GoalDocument     string `json:"goal_document"`
	TaskList         string `json:"task_list,omitempty"`
	MaxCycles        *int   `json:"max_cycles,omitempty"`
	TimeLimitMinutes *int   `json:"time_limit_minutes,omitempty"`
	MaxParallelTasks *int   `json:"max_parallel_tasks,omitempty"`
	Provider         string `json:"provider,omitempty"`
}

// Validate checks required fields and limit ranges
func (s *JobSpec) Validate() error {
	var missing []string
	if strings.TrimSpace(s.RepositoryURL) == "" {
		missing = append(missing, "repository_url")
	}
	if strings.TrimSpace(s.BaseBranch) == "" {
		missing = append(missing, "base_branch")
	}
	if strings.TrimSpace(s.GoalDocument) == "" {
		missing = append(missing, "goal_document")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidSpec, strings.Join(missing, ", "))
	}

	if s.MaxCycles != nil && *s.MaxCycles <= 0 {
		return fmt.Errorf("%w: max_cycles must be positive, got %d", ErrInvalidSpec, *s.MaxCycles)
	}
	if s.TimeLimitMinutes != nil && *s.TimeLimitMinutes <= 0 {
		return fmt.Errorf("%w: time_limit_minutes must be positive, got %d", ErrInvalidSpec, *s.TimeLimitMinutes)
	}
	if s.MaxParallelTasks != nil {
		n := *s.MaxParallelTasks
		if n <= 0 || n > MaxParallelTasksLimit {
			return fmt.Errorf("%w: max_parallel_tasks must be in 1..%d, got %d", ErrInvalidSpec, MaxParallelTasksLimit, n)
		}
	}
	return nil
}

// NewJob builds a pending job from a validated spec
func NewJob(id, ownerID string, spec JobSpec, now time.Time) *Job {
	job := &Job{
		ID:               id,
		OwnerID:          ownerID,
		RepositoryURL:    strings.TrimSpace(spec.RepositoryURL),
		BaseBranch:       strings.TrimSpace(spec.BaseBranch),
		WorkingBranch:    strings.TrimSpace(spec.WorkingBranch),
		GoalDocument:     spec.GoalDocument,
		TaskList:         spec.TaskList,
		Status:           JobPending,
		MaxParallelTasks: DefaultMaxParallelTasks,
		Provider:         spec.Provider,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if spec.MaxCycles != nil {
		job.MaxCycles = *spec.MaxCycles
	}
	if spec.TimeLimitMinutes != nil {
		job.TimeLimitMinutes = *spec.TimeLimitMinutes
	}
	if spec.MaxParallelTasks != nil {
		job.MaxParallelTasks = *spec.MaxParallelTasks
	}
	if job.WorkingBranch == "" {
		job.WorkingBranch = DefaultWorkingBranch(id)
	}
	return job
}

// DefaultWorkingBranch derives a working branch name from a job id
func DefaultWorkingBranch(jobID string) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return "cycle-orch/" + short
}
