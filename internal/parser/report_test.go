package parser

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

func TestParseReport_FencedYAML(t *testing.T) {
	output := "I looked at the repository.\n\n```yaml\n" + `complete: false
summary: "login page exists, callback missing"
learnings: "uses chi router"
task_list: |
  - [x] login page
  - [ ] callback
tasks:
  - description: Add OAuth callback handler
    context: internal/auth
    priority: P0
    parallel: true
  - description: Update docs
    priority: low
` + "```\nDone."

	r, err := ParseReport(output)
	if err != nil {
		t.Fatalf("ParseReport() error = %v", err)
	}
	if r.Complete {
		t.Error("Complete = true, want false")
	}
	if r.Learnings != "uses chi router" {
		t.Errorf("Learnings = %q", r.Learnings)
	}
	if len(r.Tasks) != 2 {
		t.Fatalf("len(Tasks) = %d, want 2", len(r.Tasks))
	}
	if !r.Tasks[0].Parallel || r.Tasks[1].Parallel {
		t.Errorf("Parallel flags = %v, %v; want true, false", r.Tasks[0].Parallel, r.Tasks[1].Parallel)
	}
}

func TestParseReport_Formats(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantTasks int
		wantDone  bool
	}{
		{"json block", "```json\n{\"complete\": true, \"summary\": \"all done\", \"tasks\": []}\n```", 0, true},
		{"bare fence", "```\ntasks:\n  - description: one\n```", 1, false},
		{"last block wins", "```yaml\ntasks:\n  - description: draft\n```\nrevised:\n```yaml\ntasks:\n  - description: a\n  - description: b\n```", 2, false},
		{"frontmatter", "---\ncomplete: true\n---\nNothing left to do.", 0, true},
		{"bare document", "complete: false\ntasks:\n  - description: only task\n", 1, false},
		{"block without report falls back", "```go\nfmt.Println()\n```\n```yaml\ncomplete: true\n```", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseReport(tt.output)
			if err != nil {
				t.Fatalf("ParseReport() error = %v", err)
			}
			if len(r.Tasks) != tt.wantTasks {
				t.Errorf("len(Tasks) = %d, want %d", len(r.Tasks), tt.wantTasks)
			}
			if r.Complete != tt.wantDone {
				t.Errorf("Complete = %v, want %v", r.Complete, tt.wantDone)
			}
		})
	}
}

func TestParseReport_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"prose only", "I could not decide what to do."},
		{"missing description", "```yaml\ntasks:\n  - context: x\n```"},
		{"bad priority", "```yaml\ntasks:\n  - description: a\n    priority: P7\n```"},
		{"unrelated yaml", "```yaml\nname: demo\n```"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReport(tt.output)
			if !errors.Is(err, ErrNoReport) {
				t.Errorf("ParseReport() error = %v, want ErrNoReport", err)
			}
		})
	}
}

func TestReport_ToTasks(t *testing.T) {
	r := &Report{Tasks: []TaskSpec{
		{Description: " first ", Priority: "P2", Parallel: true},
		{Description: "second", Priority: ""},
		{Description: "third", Priority: "high"},
	}}
	cycle := &domain.Cycle{ID: "c1", JobID: "j1", Number: 4}
	n := 0
	newID := func() string { n++; return fmt.Sprintf("id-%d", n) }

	tasks := r.ToTasks(cycle, "work", newID, 2)
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2 (limited)", len(tasks))
	}
	first := tasks[0]
	if first.ID != "id-1" || first.Number != 1 || first.Description != "first" {
		t.Errorf("first task = %+v", first)
	}
	if first.Priority != domain.P2 || !first.CanRunParallel {
		t.Errorf("first task priority/parallel = %v/%v", first.Priority, first.CanRunParallel)
	}
	if first.Branch != "work/c4-t1" {
		t.Errorf("Branch = %q, want work/c4-t1", first.Branch)
	}
	if tasks[1].Priority != domain.P1 {
		t.Errorf("default priority = %v, want P1", tasks[1].Priority)
	}
	if first.Status != domain.TaskPending || first.JobID != "j1" || first.CycleID != "c1" {
		t.Errorf("task ownership/status = %+v", first)
	}
}
