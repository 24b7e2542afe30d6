package scheduler

import (
	"sort"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

// Batch is a group of tasks that may be in flight at the same time
type Batch struct {
	Priority domain.Priority
	Parallel bool
	Tasks    []*domain.Task
}

// Plan orders the pending tasks of a cycle into batches. Tiers run P0
// first. Within a tier the parallel-eligible tasks form one batch and
// every sequential-only task follows as a batch of its own.
func Plan(tasks []*domain.Task) []Batch {
	var pending []*domain.Task
	for _, t := range tasks {
		if t.Status == domain.TaskPending {
			pending = append(pending, t)
		}
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].Number < pending[j].Number
	})

	var batches []Batch
	for start := 0; start < len(pending); {
		tier := pending[start].Priority
		end := start
		for end < len(pending) && pending[end].Priority == tier {
			end++
		}

		var parallel, sequential []*domain.Task
		for _, t := range pending[start:end] {
			if t.CanRunParallel {
				parallel = append(parallel, t)
			} else {
				sequential = append(sequential, t)
			}
		}
		if len(parallel) > 0 {
			batches = append(batches, Batch{Priority: tier, Parallel: true, Tasks: parallel})
		}
		for _, t := range sequential {
			batches = append(batches, Batch{Priority: tier, Tasks: []*domain.Task{t}})
		}
		start = end
	}
	return batches
}
