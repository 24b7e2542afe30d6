// Package broadcast fans a job's events out to live subscribers and lets
// late subscribers replay the persisted history before switching to live.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/metrics"
)

// EventLog is the durable per-job event history
type EventLog interface {
	AppendEvent(ctx context.Context, jobID string, event *domain.ExecutionEvent) error
	ListEvents(ctx context.Context, jobID string, afterSeq int64) ([]domain.ExecutionEvent, error)
}

// Callback receives events for one subscriber. Returning an error or
// panicking removes the subscriber. Callbacks run synchronously inside
// Publish and must not publish themselves.
type Callback func(domain.ExecutionEvent) error

// Option configures a Broadcaster
type Option func(*Broadcaster)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// WithMetrics records publish and subscriber counts
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// Broadcaster is the process-wide registry of per-job hubs
type Broadcaster struct {
	log     EventLog
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	hubs   map[string]*hub
	nextID uint64
}

type subscription struct {
	token        uint64
	subscriberID string
	cb           Callback
}

// hub holds one job's subscribers. Lock order: publishMu, then
// Broadcaster.mu, then subsMu.
type hub struct {
	publishMu sync.Mutex

	subsMu    sync.Mutex
	subs      map[uint64]*subscription
	producers int
	terminal  bool
}

// New creates a broadcaster persisting through log. A nil log keeps
// events live-only.
func New(log EventLog, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		log:  log,
		hubs: make(map[string]*hub),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrDiscard(b.logger).With("component", "broadcast")
	return b
}

// getHub returns the job's hub, creating it. Caller holds b.mu.
func (b *Broadcaster) getHub(jobID string) *hub {
	h, ok := b.hubs[jobID]
	if !ok {
		h = &hub{subs: make(map[uint64]*subscription)}
		b.hubs[jobID] = h
	}
	return h
}

func (b *Broadcaster) lookup(jobID string) *hub {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getHub(jobID)
}

// Subscribe registers cb for events published on jobID from now on.
// The returned function unsubscribes and is safe to call more than once.
func (b *Broadcaster) Subscribe(jobID, subscriberID string, cb Callback) func() {
	b.mu.Lock()
	h := b.getHub(jobID)
	token := b.add(h, subscriberID, cb)
	b.mu.Unlock()
	return b.unsubscribeFunc(jobID, h, token)
}

// SubscribeWithReplay returns every persisted event for jobID and
// registers cb for everything published afterwards. No event is both
// replayed and delivered live, and none falls between the two. A history
// that already holds the terminal job_status marks the hub terminal.
func (b *Broadcaster) SubscribeWithReplay(ctx context.Context, jobID, subscriberID string, cb Callback) ([]domain.ExecutionEvent, func(), error) {
	for {
		h := b.lookup(jobID)
		h.publishMu.Lock()

		var history []domain.ExecutionEvent
		if b.log != nil {
			var err error
			history, err = b.log.ListEvents(ctx, jobID, 0)
			if err != nil {
				h.publishMu.Unlock()
				return nil, nil, fmt.Errorf("loading event history for job %s: %w", jobID, err)
			}
		}

		b.mu.Lock()
		if b.hubs[jobID] != h {
			// swept between lookup and lock
			b.mu.Unlock()
			h.publishMu.Unlock()
			continue
		}
		token := b.add(h, subscriberID, cb)
		if endsJob(history) {
			h.subsMu.Lock()
			h.terminal = true
			h.subsMu.Unlock()
		}
		b.mu.Unlock()
		h.publishMu.Unlock()

		return history, b.unsubscribeFunc(jobID, h, token), nil
	}
}

func endsJob(events []domain.ExecutionEvent) bool {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EndsJob() {
			return true
		}
	}
	return false
}

// add registers a subscription. Caller holds b.mu.
func (b *Broadcaster) add(h *hub, subscriberID string, cb Callback) uint64 {
	b.nextID++
	token := b.nextID
	h.subsMu.Lock()
	h.subs[token] = &subscription{token: token, subscriberID: subscriberID, cb: cb}
	h.subsMu.Unlock()
	b.metrics.SubscribersChanged(1)
	return token
}

func (b *Broadcaster) unsubscribeFunc(jobID string, h *hub, token uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() { b.remove(jobID, h, token) })
	}
}

func (b *Broadcaster) remove(jobID string, h *hub, token uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h.subsMu.Lock()
	_, ok := h.subs[token]
	delete(h.subs, token)
	h.subsMu.Unlock()
	if ok {
		b.metrics.SubscribersChanged(-1)
	}
	b.dropIfIdle(jobID, h)
}

// dropIfIdle removes a terminal hub with no subscribers and no
// producers. Caller holds b.mu.
func (b *Broadcaster) dropIfIdle(jobID string, h *hub) {
	h.subsMu.Lock()
	idle := h.terminal && len(h.subs) == 0 && h.producers == 0
	h.subsMu.Unlock()
	if idle && b.hubs[jobID] == h {
		delete(b.hubs, jobID)
	}
}

// Publish persists event to the job's log and then invokes every
// registered callback in registration order. A failing callback is
// logged and removed. A persistence error is returned after the event
// has still been delivered live.
func (b *Broadcaster) Publish(ctx context.Context, jobID string, event domain.ExecutionEvent) error {
	if event.JobID == "" {
		event.JobID = jobID
	}

	h := b.lookup(jobID)
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	var persistErr error
	if b.log != nil {
		if err := b.log.AppendEvent(ctx, jobID, &event); err != nil {
			persistErr = fmt.Errorf("persisting %s event for job %s: %w", event.Type, jobID, err)
			b.logger.Warn("event not persisted", "job_id", jobID, "type", event.Type, "error", err)
		}
	}

	h.subsMu.Lock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subsMu.Unlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].token < subs[j].token })

	for _, s := range subs {
		if err := deliver(s.cb, event); err != nil {
			b.logger.Warn("removing failed subscriber", "job_id", jobID, "subscriber", s.subscriberID, "error", err)
			h.subsMu.Lock()
			_, ok := h.subs[s.token]
			delete(h.subs, s.token)
			h.subsMu.Unlock()
			if ok {
				b.metrics.SubscribersChanged(-1)
			}
		}
	}

	b.metrics.EventPublished()
	return persistErr
}

func deliver(cb Callback, event domain.ExecutionEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return cb(event)
}

// Sink adapts Publish to a domain.EventSink bound to one job. Persistence
// errors are logged by Publish and otherwise ignored.
func (b *Broadcaster) Sink(ctx context.Context, jobID string) domain.EventSink {
	return func(e domain.ExecutionEvent) {
		_ = b.Publish(ctx, jobID, e)
	}
}

// BeginProducing marks a producer session as streaming for jobID until
// the returned function is called.
func (b *Broadcaster) BeginProducing(jobID string) func() {
	b.mu.Lock()
	h := b.getHub(jobID)
	h.subsMu.Lock()
	h.producers++
	h.subsMu.Unlock()
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			h.subsMu.Lock()
			h.producers--
			h.subsMu.Unlock()
			b.dropIfIdle(jobID, h)
		})
	}
}

// IsActive reports whether at least one producer is streaming for jobID
func (b *Broadcaster) IsActive(jobID string) bool {
	b.mu.Lock()
	h, ok := b.hubs[jobID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	return h.producers > 0
}

// MarkTerminal records that jobID will produce no further events, so its
// hub can be dropped once the last subscriber leaves.
func (b *Broadcaster) MarkTerminal(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.getHub(jobID)
	h.subsMu.Lock()
	h.terminal = true
	h.subsMu.Unlock()
	b.dropIfIdle(jobID, h)
}

// SubscriberCount returns the number of live subscribers for jobID
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.Lock()
	h, ok := b.hubs[jobID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	return len(h.subs)
}

// Sweep drops idle terminal hubs and returns how many were removed
func (b *Broadcaster) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	before := len(b.hubs)
	for jobID, h := range b.hubs {
		b.dropIfIdle(jobID, h)
	}
	return before - len(b.hubs)
}

// Len returns the number of tracked jobs
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.hubs)
}
