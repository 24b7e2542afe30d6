// Package provider abstracts the remote agent backends that execute tasks.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

// Credentials is an opaque bearer credential forwarded to the backend
type Credentials struct {
	Token string
}

// String hides the token from logs
func (c Credentials) String() string {
	if c.Token == "" {
		return "<none>"
	}
	return "<redacted>"
}

// ExecuteParams describes one agent session. Cancellation is carried by
// the context passed alongside.
type ExecuteParams struct {
	UserID        string
	JobID         string
	TaskID        string
	SessionID     string // required by Resume
	Prompt        string
	RepositoryURL string
	BaseBranch    string
	Branch        string
	Model         string
	Credentials   Credentials
}

// Result summarizes a finished session
type Result struct {
	SessionID     string
	RemoteURL     string
	Branch        string
	CostUSD       float64
	Duration      time.Duration
	Output        string
	FilesModified []string
	Commits       []string
}

// Provider runs agent sessions. Execute and Resume emit connected, a
// creating-session message, session_created, the normalized backend
// events and finally completed or error.
type Provider interface {
	Name() string
	Execute(ctx context.Context, params ExecuteParams, onEvent domain.EventSink) (*Result, error)
	Resume(ctx context.Context, params ExecuteParams, onEvent domain.EventSink) (*Result, error)
	// Interrupt asks the backend to stop a session. It never blocks and
	// failures are only logged.
	Interrupt(sessionID string, creds Credentials)
}

// Registry maps provider names to implementations
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p. The first registered provider is the default.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.fallback == "" {
		r.fallback = p.Name()
	}
}

// SetDefault selects the provider used for an empty selector
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidSpec, name)
	}
	r.fallback = name
	return nil
}

// Get resolves a selector. Empty selects the default.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidSpec, name)
	}
	return p, nil
}

// Default returns the default provider name
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Names lists registered providers
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// emitter stamps events with the provider's source tag and session id
type emitter struct {
	sink      domain.EventSink
	now       func() time.Time
	sessionID string
}

func (e *emitter) emit(ev domain.ExecutionEvent) {
	if e.sink == nil {
		return
	}
	if ev.Source == "" {
		ev.Source = domain.SourceProvider
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	if ev.SessionID == "" {
		ev.SessionID = e.sessionID
	}
	e.sink(ev)
}

func (e *emitter) event(typ domain.EventType) domain.ExecutionEvent {
	return domain.NewEvent(typ, domain.SourceProvider, e.now())
}

func (e *emitter) fail(err error, code string) {
	ev := e.event(domain.EventError)
	ev.Error = err.Error()
	ev.ErrorCode = code
	e.emit(ev)
}
