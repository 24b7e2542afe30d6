package broadcast

import (
	"errors"
	"sync"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

// ErrMailboxClosed is returned by Push after Close
var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is an unbounded per-subscriber queue. Push never blocks, so a
// slow reader cannot stall publishers, and nothing is dropped.
type Mailbox struct {
	mu     sync.Mutex
	items  []domain.ExecutionEvent
	ready  chan struct{}
	closed bool
}

// NewMailbox creates an empty mailbox
func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Push enqueues an event. It satisfies Callback.
func (m *Mailbox) Push(e domain.ExecutionEvent) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	m.items = append(m.items, e)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return nil
}

// Ready is signalled after at least one Push since the last Drain
func (m *Mailbox) Ready() <-chan struct{} {
	return m.ready
}

// Drain removes and returns every queued event
func (m *Mailbox) Drain() []domain.ExecutionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// Close makes further pushes fail
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
