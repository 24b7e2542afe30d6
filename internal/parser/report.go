// Package parser extracts the structured discovery report from an agent's
// free-form output.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

// ErrNoReport is returned when the output holds no parsable report
var ErrNoReport = errors.New("no discovery report found")

// Report is the planning result of a discovery session
type Report struct {
	Complete  bool       `yaml:"complete"`
	Summary   string     `yaml:"summary"`
	Learnings string     `yaml:"learnings"`
	TaskList  string     `yaml:"task_list"`
	Tasks     []TaskSpec `yaml:"tasks"`
}

// TaskSpec is one task proposed by discovery
type TaskSpec struct {
	Description string `yaml:"description"`
	Context     string `yaml:"context"`
	Priority    string `yaml:"priority"`
	Parallel    bool   `yaml:"parallel"`
}

// ParseReport finds the report in output. The last fenced YAML or JSON
// block wins; a leading frontmatter block or a bare YAML document are
// accepted as well.
func ParseReport(output string) (*Report, error) {
	var candidates []string
	blocks := fencedBlocks(output)
	for i := len(blocks) - 1; i >= 0; i-- {
		candidates = append(candidates, blocks[i])
	}
	if fm, ok := frontmatter([]byte(output)); ok {
		candidates = append(candidates, string(fm))
	}
	candidates = append(candidates, output)

	var lastErr error
	for _, c := range candidates {
		report, err := decode(c)
		if err == nil {
			return report, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrNoReport, lastErr)
}

func decode(text string) (*Report, error) {
	var probe map[string]any
	if err := yaml.Unmarshal([]byte(text), &probe); err != nil {
		return nil, err
	}
	_, hasTasks := probe["tasks"]
	_, hasComplete := probe["complete"]
	if !hasTasks && !hasComplete {
		return nil, errors.New("document has neither tasks nor complete")
	}

	var r Report
	if err := yaml.Unmarshal([]byte(text), &r); err != nil {
		return nil, err
	}
	for i, t := range r.Tasks {
		if strings.TrimSpace(t.Description) == "" {
			return nil, fmt.Errorf("task %d has no description", i+1)
		}
		if _, err := domain.ParsePriority(t.Priority); err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
	}
	return &r, nil
}

// fencedBlocks returns the bodies of ```yaml, ```yml, ```json and bare
// fenced blocks in order of appearance
func fencedBlocks(output string) []string {
	var (
		blocks []string
		body   []string
		open   bool
		keep   bool
	)
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			if open {
				body = append(body, line)
			}
			continue
		}
		if open {
			if keep {
				blocks = append(blocks, strings.Join(body, "\n"))
			}
			open, body = false, nil
			continue
		}
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))) {
		case "", "yaml", "yml", "json":
			keep = true
		default:
			keep = false
		}
		open = true
	}
	return blocks
}

// frontmatter returns the YAML between leading --- delimiters
func frontmatter(content []byte) ([]byte, bool) {
	content = bytes.TrimLeft(content, " \t\r\n")
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return nil, false
	}
	rest := content[4:]
	end := bytes.Index(rest, []byte("\n---"))
	if end == -1 {
		return nil, false
	}
	return rest[:end], true
}

// ToTasks converts the proposed tasks into pending task records of cycle,
// numbered from 1, capped at limit when limit is positive.
func (r *Report) ToTasks(cycle *domain.Cycle, workingBranch string, newID func() string, limit int) []*domain.Task {
	specs := r.Tasks
	if limit > 0 && len(specs) > limit {
		specs = specs[:limit]
	}
	tasks := make([]*domain.Task, 0, len(specs))
	for i, spec := range specs {
		prio, _ := domain.ParsePriority(spec.Priority)
		number := i + 1
		tasks = append(tasks, &domain.Task{
			ID:             newID(),
			CycleID:        cycle.ID,
			JobID:          cycle.JobID,
			Number:         number,
			Description:    strings.TrimSpace(spec.Description),
			Context:        strings.TrimSpace(spec.Context),
			Priority:       prio,
			CanRunParallel: spec.Parallel,
			Branch:         domain.TaskBranch(workingBranch, cycle.Number, number),
			Status:         domain.TaskPending,
		})
	}
	return tasks
}
