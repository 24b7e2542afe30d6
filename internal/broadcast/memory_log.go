package broadcast

import (
	"context"
	"sync"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

// MemoryLog is an in-process EventLog, used when no durable log is
// configured and in tests.
type MemoryLog struct {
	mu     sync.Mutex
	seq    int64
	events map[string][]domain.ExecutionEvent
}

// NewMemoryLog creates an empty log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{events: make(map[string][]domain.ExecutionEvent)}
}

// AppendEvent stores event and assigns its Seq
func (l *MemoryLog) AppendEvent(_ context.Context, jobID string, event *domain.ExecutionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	event.Seq = l.seq
	l.events[jobID] = append(l.events[jobID], *event)
	return nil
}

// ListEvents returns the job's events with seq > afterSeq
func (l *MemoryLog) ListEvents(_ context.Context, jobID string, afterSeq int64) ([]domain.ExecutionEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.ExecutionEvent
	for _, e := range l.events[jobID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeleteEvents drops the logs of the given jobs
func (l *MemoryLog) DeleteEvents(_ context.Context, jobIDs []string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, id := range jobIDs {
		n += int64(len(l.events[id]))
		delete(l.events, id)
	}
	return n, nil
}
