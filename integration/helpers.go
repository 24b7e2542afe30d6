//go:build integration

package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/breaker"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/broadcast"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/cycle"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/provider"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/store"
	"github.com/hochfrequenz/agent-cycle-orchestrator/web/api"
)

const (
	owner = "alice"
	token = "remote-secret"
)

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// sessionAPI is a scripted stand-in for the remote agent backend. The
// first discovery session proposes plannedTasks, later ones report the
// goal as met. Task sessions finish immediately unless held.
type sessionAPI struct {
	plannedTasks string

	mu          sync.Mutex
	sessions    map[string]string // session id -> task id, "" for discovery
	discovery   map[string]int    // session id -> discovery number
	discoveries int
	created     int
	tokens      []string
	interrupted []string
	resumed     []string
	heldPolls   int
	hold        chan struct{}
}

func newSessionAPI(plannedTasks string) *sessionAPI {
	return &sessionAPI{
		plannedTasks: plannedTasks,
		sessions:     make(map[string]string),
		discovery:    make(map[string]int),
	}
}

// holdTasks keeps task sessions running until the returned func is called
func (a *sessionAPI) holdTasks() (release func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hold = make(chan struct{})
	var once sync.Once
	hold := a.hold
	return func() { once.Do(func() { close(hold) }) }
}

func (a *sessionAPI) held() bool {
	a.mu.Lock()
	hold := a.hold
	a.mu.Unlock()
	if hold == nil {
		return false
	}
	select {
	case <-hold:
		return false
	default:
		return true
	}
}

func (a *sessionAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Branch   string            `json:"branch"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.created++
		id := fmt.Sprintf("sess-%d", a.created)
		a.sessions[id] = req.Metadata["task_id"]
		a.tokens = append(a.tokens, r.Header.Get("Authorization"))
		a.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{
			"session_id": id,
			"url":        "https://agents.example/" + id,
			"branch":     req.Branch,
		})
	})
	mux.HandleFunc("GET /v1/sessions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		a.mu.Lock()
		taskID, ok := a.sessions[id]
		a.mu.Unlock()
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		page := map[string]any{"status": "completed", "duration_ms": 50, "total_cost_usd": 0.01}
		switch {
		case taskID == "":
			page["result"] = a.discoveryResult(id)
		case a.held():
			a.mu.Lock()
			a.heldPolls++
			a.mu.Unlock()
			page["status"] = "running"
		default:
			page["result"] = "implemented " + taskID
			page["files_modified"] = []string{"main.go"}
			page["commits"] = []string{"abc123 " + taskID}
		}
		json.NewEncoder(w).Encode(page)
	})
	mux.HandleFunc("POST /v1/sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		a.mu.Lock()
		_, ok := a.sessions[id]
		if ok {
			a.resumed = append(a.resumed, id)
		}
		a.mu.Unlock()
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"url": "https://agents.example/" + id})
	})
	mux.HandleFunc("POST /v1/sessions/{id}/interrupt", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.interrupted = append(a.interrupted, r.PathValue("id"))
		a.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

// discoveryResult answers once per discovery session, however often it
// is polled
func (a *sessionAPI) discoveryResult(sessionID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, seen := a.discovery[sessionID]
	if !seen {
		a.discoveries++
		n = a.discoveries
		a.discovery[sessionID] = n
	}
	if n == 1 && a.plannedTasks != "" {
		return "Plan for this cycle:\n\n```yaml\nsummary: first pass\nlearnings: tests live in ./internal\n" + a.plannedTasks + "```\n"
	}
	return "```yaml\ncomplete: true\nsummary: goal met\n```\n"
}

func (a *sessionAPI) discoveryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.discoveries
}

// stack is a full orchestrator behind a real HTTP server
type stack struct {
	store   *store.Store
	feed    *broadcast.Broadcaster
	manager *orchestrator.Manager
	server  *httptest.Server
}

func newStack(t *testing.T, dbPath string, backend *httptest.Server) *stack {
	t.Helper()
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}

	bc := breaker.DefaultConfig()
	bc.BaseDelay = time.Millisecond
	bc.MaxDelay = 5 * time.Millisecond
	br := breaker.New("remote", bc)

	providers := provider.NewRegistry()
	providers.Register(provider.NewRemote(provider.RemoteConfig{
		Name:           "remote",
		BaseURL:        backend.URL,
		PollInterval:   5 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
		SessionTimeout: 30 * time.Second,
		RetryAttempts:  1,
	}, br))

	feed := broadcast.New(st)
	sched := scheduler.New(st, feed, scheduler.Config{MaxParallel: 2, RetryLimit: 1, GracePeriod: 500 * time.Millisecond})
	engine := cycle.New(st, feed, sched, nil, cycle.Config{FailureBudget: 2, RetryDelay: 10 * time.Millisecond})
	manager := orchestrator.New(st, feed, engine, providers, orchestrator.Config{
		MaxCyclesCap:        10,
		MaxTimeLimitMinutes: 60,
		GracePeriod:         500 * time.Millisecond,
		Backoff:             br.BackoffDelay,
	})
	server := httptest.NewServer(api.NewServer(manager, feed, "").Handler())

	s := &stack{store: st, feed: feed, manager: manager, server: server}
	t.Cleanup(s.close)
	return s
}

// close stops the control loops the way a process exit would
func (s *stack) close() {
	if s.server == nil {
		return
	}
	s.server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.manager.Shutdown(ctx)
	s.store.Close()
	s.server = nil
}

func (s *stack) call(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, s.server.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(api.OwnerHeader, owner)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// follow reads the job's event stream until the server closes it
func (s *stack) follow(t *testing.T, jobID string) []domain.ExecutionEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.URL+"/api/jobs/"+jobID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(api.OwnerHeader, owner)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("opening event stream: %v", err)
	}
	defer resp.Body.Close()

	var events []domain.ExecutionEvent
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev domain.ExecutionEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decoding event %q: %v", data, err)
		}
		events = append(events, ev)
		if ev.EndsJob() {
			break
		}
	}
	if ctx.Err() != nil {
		t.Fatalf("event stream did not end: %d events read", len(events))
	}
	return events
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
