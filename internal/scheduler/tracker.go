package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

// tracker serializes task writes within a batch and remembers running
// tasks so they can be interrupted or abandoned
type tracker struct {
	store  Store
	logger *slog.Logger

	mu        sync.Mutex
	running   map[string]bool
	last      map[string]domain.Task
	sessionID map[string]string
	final     map[string]bool
}

func newTracker(store Store, logger *slog.Logger) *tracker {
	return &tracker{
		store:     store,
		logger:    logger,
		running:   make(map[string]bool),
		last:      make(map[string]domain.Task),
		sessionID: make(map[string]string),
		final:     make(map[string]bool),
	}
}

func (tr *tracker) register(t *domain.Task) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.running[t.ID] = true
	tr.last[t.ID] = *t
	if t.SessionID != "" {
		tr.sessionID[t.ID] = t.SessionID
	}
}

func (tr *tracker) unregister(id string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.running, id)
}

func (tr *tracker) setSession(id, sessionID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sessionID[id] = sessionID
}

func (tr *tracker) session(id string) string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.sessionID[id]
}

func (tr *tracker) sessions() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []string
	for id := range tr.running {
		if sid := tr.sessionID[id]; sid != "" {
			out = append(out, sid)
		}
	}
	return out
}

// save persists a snapshot of t unless the task already reached a
// terminal state. A store error is logged and the batch carries on.
func (tr *tracker) save(t *domain.Task) bool {
	return tr.commit(t, nil)
}

// commit is save with announce run before the write, so the status event
// precedes the stored record
func (tr *tracker) commit(t *domain.Task, announce func(*domain.Task)) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.final[t.ID] {
		return false
	}
	snapshot := *t
	tr.last[t.ID] = snapshot
	if snapshot.Status.IsTerminal() {
		tr.final[t.ID] = true
	}
	if announce != nil {
		announce(&snapshot)
	}
	tr.persist(&snapshot)
	return true
}

// abandon marks every still-running task failed, announcing each before
// it is written, and returns the records
func (tr *tracker) abandon(now time.Time, announce func(*domain.Task)) []*domain.Task {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	now = now.UTC()
	var out []*domain.Task
	for id := range tr.running {
		if tr.final[id] {
			continue
		}
		t := tr.last[id]
		t.Status = domain.TaskFailed
		t.ErrorMessage = cancelledReason
		t.CompletedAt = &now
		if sid := tr.sessionID[id]; sid != "" {
			t.SessionID = sid
		}
		tr.final[id] = true
		announce(&t)
		tr.persist(&t)
		out = append(out, &t)
	}
	return out
}

func (tr *tracker) persist(t *domain.Task) {
	if tr.store == nil {
		return
	}
	if err := tr.store.UpdateTask(t); err != nil {
		tr.logger.Error("saving task failed", "task_id", t.ID, "status", t.Status, "error", err)
	}
}
