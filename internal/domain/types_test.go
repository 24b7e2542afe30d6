package domain

import (
	"errors"
	"testing"
	"time"
)

func TestJobStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobPending, JobRunning, true},
		{JobPending, JobCancelled, true},
		{JobPending, JobPaused, false},
		{JobPending, JobCompleted, false},
		{JobRunning, JobPaused, true},
		{JobRunning, JobCancelled, true},
		{JobRunning, JobCompleted, true},
		{JobRunning, JobError, true},
		{JobRunning, JobPending, false},
		{JobPaused, JobRunning, true},
		{JobPaused, JobCancelled, true},
		{JobPaused, JobCompleted, false},
		{JobCompleted, JobRunning, false},
		{JobCancelled, JobRunning, false},
		{JobError, JobRunning, false},
		{JobError, JobCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobCompleted, JobCancelled, JobError} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobPending, JobRunning, JobPaused} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		input   string
		want    Priority
		wantErr bool
	}{
		{"P0", P0, false},
		{"p1", P1, false},
		{"2", P2, false},
		{"high", P0, false},
		{"", P1, false},
		{"urgent", P1, true},
	}

	for _, tt := range tests {
		got, err := ParsePriority(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePriority(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func intPtr(n int) *int { return &n }

func TestJobSpec_Validate(t *testing.T) {
	valid := JobSpec{RepositoryURL: "https://git.example/repo.git", BaseBranch: "main", GoalDocument: "do it"}

	tests := []struct {
		name   string
		mutate func(*JobSpec)
		ok     bool
	}{
		{"valid", func(*JobSpec) {}, true},
		{"missing repo", func(s *JobSpec) { s.RepositoryURL = " " }, false},
		{"missing branch", func(s *JobSpec) { s.BaseBranch = "" }, false},
		{"missing goal", func(s *JobSpec) { s.GoalDocument = "" }, false},
		{"zero cycles", func(s *JobSpec) { s.MaxCycles = intPtr(0) }, false},
		{"negative time", func(s *JobSpec) { s.TimeLimitMinutes = intPtr(-5) }, false},
		{"parallel too high", func(s *JobSpec) { s.MaxParallelTasks = intPtr(MaxParallelTasksLimit + 1) }, false},
		{"parallel zero", func(s *JobSpec) { s.MaxParallelTasks = intPtr(0) }, false},
		{"all limits set", func(s *JobSpec) {
			s.MaxCycles = intPtr(4)
			s.TimeLimitMinutes = intPtr(60)
			s.MaxParallelTasks = intPtr(2)
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			tt.mutate(&spec)
			err := spec.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidSpec) {
				t.Fatalf("Validate() = %v, want ErrInvalidSpec", err)
			}
		})
	}
}

func TestNewJob_Defaults(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	job := NewJob("0123456789abcdef", "owner", JobSpec{RepositoryURL: "r", BaseBranch: "main", GoalDocument: "g"}, now)

	if job.Status != JobPending {
		t.Errorf("Status = %v, want pending", job.Status)
	}
	if job.MaxParallelTasks != DefaultMaxParallelTasks {
		t.Errorf("MaxParallelTasks = %d, want %d", job.MaxParallelTasks, DefaultMaxParallelTasks)
	}
	if job.WorkingBranch != "cycle-orch/01234567" {
		t.Errorf("WorkingBranch = %q", job.WorkingBranch)
	}
	if job.CyclesExhausted() {
		t.Error("unbounded job should never exhaust cycles")
	}
}

func TestJob_Limits(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	job := &Job{MaxCycles: 2, CurrentCycle: 2, TimeLimitMinutes: 10, StartedAt: &start}

	if !job.CyclesExhausted() {
		t.Error("expected cycles exhausted")
	}
	if job.TimeExhausted(start.Add(9 * time.Minute)) {
		t.Error("time should not be exhausted after 9m")
	}
	if !job.TimeExhausted(start.Add(10 * time.Minute)) {
		t.Error("time should be exhausted after 10m")
	}
}

func TestCycle_Status(t *testing.T) {
	now := time.Now()
	c := &Cycle{}
	if c.Status() != CycleRunning {
		t.Errorf("Status = %v, want running", c.Status())
	}
	c.CompletedAt = &now
	if c.Status() != CycleCompleted {
		t.Errorf("Status = %v, want completed", c.Status())
	}
	c.Error = "discovery failed"
	if c.Status() != CycleFailed {
		t.Errorf("Status = %v, want failed", c.Status())
	}
}

func TestExecutionEvent_EndsJob(t *testing.T) {
	e := ExecutionEvent{Type: EventJobStatus, Status: string(JobCancelled)}
	if !e.EndsJob() {
		t.Error("cancelled job_status should end the job")
	}
	e.Status = string(JobPaused)
	if e.EndsJob() {
		t.Error("paused job_status should not end the job")
	}
	e = ExecutionEvent{Type: EventCompleted, Status: string(JobCompleted)}
	if e.EndsJob() {
		t.Error("provider completed event is not a job terminal event")
	}
}
