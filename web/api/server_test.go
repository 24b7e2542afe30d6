package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/broadcast"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/provider"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/store"
)

type mockLifecycle struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	actionErr  error
	lastCreds  provider.Credentials
	lastAction string
	lastFilter store.JobFilter
}

func newMockLifecycle(jobs ...*domain.Job) *mockLifecycle {
	m := &mockLifecycle{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *mockLifecycle) Create(_ context.Context, ownerID string, spec domain.JobSpec) (*domain.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job := domain.NewJob(fmt.Sprintf("job-%d", len(m.jobs)+1), ownerID, spec, time.Now())
	m.jobs[job.ID] = job
	return job, nil
}

func (m *mockLifecycle) act(action, id string, creds provider.Credentials, to domain.JobStatus) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAction = action
	m.lastCreds = creds
	if m.actionErr != nil {
		return nil, m.actionErr
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	job.Status = to
	return job, nil
}

func (m *mockLifecycle) Start(_ context.Context, id string, creds provider.Credentials) (*domain.Job, error) {
	return m.act("start", id, creds, domain.JobRunning)
}

func (m *mockLifecycle) Pause(_ context.Context, id string) (*domain.Job, error) {
	return m.act("pause", id, provider.Credentials{}, domain.JobPaused)
}

func (m *mockLifecycle) Resume(_ context.Context, id string, creds provider.Credentials) (*domain.Job, error) {
	return m.act("resume", id, creds, domain.JobRunning)
}

func (m *mockLifecycle) Cancel(_ context.Context, id string) (*domain.Job, error) {
	return m.act("cancel", id, provider.Credentials{}, domain.JobCancelled)
}

func (m *mockLifecycle) Get(id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	copied := *job
	return &copied, nil
}

func (m *mockLifecycle) List(filter store.JobFilter) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = filter
	var out []*domain.Job
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *mockLifecycle) Cycles(id string) ([]*domain.Cycle, error) {
	return []*domain.Cycle{{ID: "c1", JobID: id, Number: 1, Phase: domain.PhaseExecution}}, nil
}

func (m *mockLifecycle) Tasks(id string) ([]*domain.Task, error) {
	return []*domain.Task{{ID: "t1", JobID: id, CycleID: "c1", Number: 1, Description: "build", Priority: domain.P0, Status: domain.TaskRunning}}, nil
}

func (m *mockLifecycle) Active() int { return 1 }

func testJob(id, owner string, status domain.JobStatus) *domain.Job {
	return &domain.Job{
		ID: id, OwnerID: owner, RepositoryURL: "https://github.com/acme/app",
		BaseBranch: "main", WorkingBranch: "cycle-orch/" + id, GoalDocument: "goal",
		Status: status, MaxParallelTasks: 3,
	}
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCreateJobHandler(t *testing.T) {
	jobs := newMockLifecycle()
	server := NewServer(jobs, broadcast.New(broadcast.NewMemoryLog()), ":0")

	body := `{"repository_url":"https://github.com/acme/app","base_branch":"main","goal_document":"do it","max_cycles":2}`
	w := do(t, server.Handler(), "POST", "/api/jobs", body, map[string]string{OwnerHeader: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want 201: %s", w.Code, w.Body)
	}
	var job JobResponse
	json.NewDecoder(w.Body).Decode(&job)
	if job.OwnerID != "alice" || job.Status != "pending" || job.MaxCycles != 2 {
		t.Errorf("job = %+v", job)
	}

	tests := []struct {
		name string
		body string
	}{
		{"missing fields", `{"repository_url":"x"}`},
		{"bad json", `{`},
		{"unknown field", `{"repository_url":"x","base_branch":"main","goal_document":"g","color":"red"}`},
	}
	for _, tt := range tests {
		w := do(t, server.Handler(), "POST", "/api/jobs", tt.body, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: Status = %d, want 400", tt.name, w.Code)
		}
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", domain.ErrInvalidSpec), http.StatusBadRequest},
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", domain.ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("x: %w", domain.ErrProviderUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestGetJobHandler_Ownership(t *testing.T) {
	jobs := newMockLifecycle(testJob("j1", "alice", domain.JobRunning))
	server := NewServer(jobs, broadcast.New(nil), ":0")

	if w := do(t, server.Handler(), "GET", "/api/jobs/j1", "", map[string]string{OwnerHeader: "alice"}); w.Code != http.StatusOK {
		t.Errorf("owner: Status = %d, want 200", w.Code)
	}
	if w := do(t, server.Handler(), "GET", "/api/jobs/j1", "", map[string]string{OwnerHeader: "bob"}); w.Code != http.StatusNotFound {
		t.Errorf("other owner: Status = %d, want 404", w.Code)
	}
	if w := do(t, server.Handler(), "GET", "/api/jobs/nope", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing: Status = %d, want 404", w.Code)
	}
}

func TestJobActionHandler(t *testing.T) {
	jobs := newMockLifecycle(testJob("j1", "alice", domain.JobPending))
	server := NewServer(jobs, broadcast.New(nil), ":0")

	w := do(t, server.Handler(), "POST", "/api/jobs/j1/start", "", map[string]string{"Authorization": "Bearer tok-123"})
	if w.Code != http.StatusOK {
		t.Fatalf("start: Status = %d, want 200: %s", w.Code, w.Body)
	}
	if jobs.lastCreds.Token != "tok-123" {
		t.Errorf("credential = %q, want tok-123", jobs.lastCreds.Token)
	}
	var job JobResponse
	json.NewDecoder(w.Body).Decode(&job)
	if job.Status != "running" {
		t.Errorf("Status = %s, want running", job.Status)
	}

	for _, action := range []string{"pause", "resume", "cancel"} {
		if w := do(t, server.Handler(), "POST", "/api/jobs/j1/"+action, "", nil); w.Code != http.StatusOK {
			t.Errorf("%s: Status = %d, want 200", action, w.Code)
		}
		if jobs.lastAction != action {
			t.Errorf("lastAction = %s, want %s", jobs.lastAction, action)
		}
	}

	if w := do(t, server.Handler(), "POST", "/api/jobs/j1/explode", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown action: Status = %d, want 404", w.Code)
	}

	jobs.actionErr = fmt.Errorf("%w: job j1 is cancelled", domain.ErrInvalidState)
	if w := do(t, server.Handler(), "POST", "/api/jobs/j1/start", "", nil); w.Code != http.StatusConflict {
		t.Errorf("invalid state: Status = %d, want 409", w.Code)
	}
}

func TestListJobsHandler(t *testing.T) {
	jobs := newMockLifecycle(testJob("j1", "alice", domain.JobRunning), testJob("j2", "alice", domain.JobPaused))
	server := NewServer(jobs, broadcast.New(nil), ":0")

	w := do(t, server.Handler(), "GET", "/api/jobs?status=running,paused&limit=5", "", map[string]string{OwnerHeader: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var list []JobResponse
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 2 {
		t.Errorf("job count = %d, want 2", len(list))
	}
	f := jobs.lastFilter
	if f.OwnerID != "alice" || f.Limit != 5 || len(f.Statuses) != 2 {
		t.Errorf("filter = %+v", f)
	}

	if w := do(t, server.Handler(), "GET", "/api/jobs?status=sleeping", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad status: Status = %d, want 400", w.Code)
	}
	if w := do(t, server.Handler(), "GET", "/api/jobs?limit=-1", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: Status = %d, want 400", w.Code)
	}
}

func TestCyclesTasksAndStatusHandlers(t *testing.T) {
	jobs := newMockLifecycle(testJob("j1", "alice", domain.JobRunning))
	server := NewServer(jobs, broadcast.New(nil), ":0")

	var cycles []CycleResponse
	json.NewDecoder(do(t, server.Handler(), "GET", "/api/jobs/j1/cycles", "", nil).Body).Decode(&cycles)
	if len(cycles) != 1 || cycles[0].Status != string(domain.CycleRunning) {
		t.Errorf("cycles = %+v", cycles)
	}

	var tasks []TaskResponse
	json.NewDecoder(do(t, server.Handler(), "GET", "/api/jobs/j1/tasks", "", nil).Body).Decode(&tasks)
	if len(tasks) != 1 || tasks[0].Priority != "P0" {
		t.Errorf("tasks = %+v", tasks)
	}

	var status StatusResponse
	json.NewDecoder(do(t, server.Handler(), "GET", "/api/status", "", nil).Body).Decode(&status)
	if status.ActiveLoops != 1 || status.Jobs["running"] != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "cycle_orch_jobs_active 0\n")
	})
	server := NewServer(newMockLifecycle(), broadcast.New(nil), ":0", WithMetricsHandler(metrics))
	w := do(t, server.Handler(), "GET", "/metrics", "", nil)
	if !strings.Contains(w.Body.String(), "cycle_orch_jobs_active") {
		t.Errorf("metrics body = %q", w.Body)
	}
}

func event(typ domain.EventType, status string) domain.ExecutionEvent {
	ev := domain.NewEvent(typ, domain.SourceScheduler, time.Now())
	ev.Status = status
	return ev
}

type sseEvent struct {
	id   string
	name string
	data domain.ExecutionEvent
}

// readSSE parses the stream until EOF
func readSSE(t *testing.T, resp *http.Response, out chan<- sseEvent) {
	defer close(out)
	scanner := bufio.NewScanner(resp.Body)
	var cur sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.data); err != nil {
				t.Errorf("bad data line %q: %v", line, err)
			}
		case line == "" && cur.name != "":
			out <- cur
			cur = sseEvent{}
		}
	}
}

func waitSubscribed(t *testing.T, feed *broadcast.Broadcaster, jobID string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for feed.SubscriberCount(jobID) != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count never reached %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSEHandler_ReplayThenLive(t *testing.T) {
	ctx := context.Background()
	feed := broadcast.New(broadcast.NewMemoryLog())
	jobs := newMockLifecycle(testJob("j1", "alice", domain.JobRunning))
	server := NewServer(jobs, feed, ":0")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	feed.Publish(ctx, "j1", event(domain.EventConnected, ""))
	feed.Publish(ctx, "j1", event(domain.EventTaskStatus, "running"))

	resp, err := http.Get(ts.URL + "/api/jobs/j1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := make(chan sseEvent, 16)
	go readSSE(t, resp, events)
	waitSubscribed(t, feed, "j1", 1)

	feed.Publish(ctx, "j1", event(domain.EventTaskStatus, "completed"))
	feed.Publish(ctx, "j1", event(domain.EventJobStatus, "completed"))
	feed.Publish(ctx, "j1", event(domain.EventMessage, "after the end"))

	var got []string
	for ev := range events {
		got = append(got, ev.name+":"+ev.data.Status+"#"+ev.id)
	}
	want := []string{"connected:#1", "task_status:running#2", "task_status:completed#3", "job_status:completed#4"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}

	waitSubscribed(t, feed, "j1", 0)
}

func TestSSEHandler_FinishedJobClosesAfterReplay(t *testing.T) {
	ctx := context.Background()
	feed := broadcast.New(broadcast.NewMemoryLog())
	jobs := newMockLifecycle(testJob("j1", "alice", domain.JobCancelled))
	server := NewServer(jobs, feed, ":0")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	feed.Publish(ctx, "j1", event(domain.EventMessage, ""))
	feed.Publish(ctx, "j1", event(domain.EventJobStatus, "cancelled"))

	resp, err := http.Get(ts.URL + "/api/jobs/j1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	events := make(chan sseEvent, 16)
	readSSE(t, resp, events)

	var names []string
	for ev := range events {
		names = append(names, ev.name)
	}
	if strings.Join(names, ",") != "message,job_status" {
		t.Errorf("events = %v", names)
	}
	if n := feed.Len(); n != 0 {
		t.Errorf("finished job still tracked after its viewer left: %d hubs", n)
	}
}

func TestSSEHandler_SynthesizesTerminalEvent(t *testing.T) {
	feed := broadcast.New(broadcast.NewMemoryLog())
	job := testJob("j1", "alice", domain.JobError)
	job.LastError = "budget exhausted"
	server := NewServer(newMockLifecycle(job), feed, ":0")

	w := do(t, server.Handler(), "GET", "/api/jobs/j1/events", "", nil)
	body := w.Body.String()
	if !strings.Contains(body, "event: job_status") || !strings.Contains(body, "budget exhausted") {
		t.Errorf("body = %q", body)
	}
	if n := feed.Len(); n != 0 {
		t.Errorf("hubs = %d after the stream closed, want 0", n)
	}
}

func TestSSEHandler_LastEventID(t *testing.T) {
	ctx := context.Background()
	feed := broadcast.New(broadcast.NewMemoryLog())
	server := NewServer(newMockLifecycle(testJob("j1", "alice", domain.JobCompleted)), feed, ":0")
	for i := 0; i < 3; i++ {
		feed.Publish(ctx, "j1", event(domain.EventMessage, fmt.Sprint(i)))
	}
	feed.Publish(ctx, "j1", event(domain.EventJobStatus, "completed"))

	w := do(t, server.Handler(), "GET", "/api/jobs/j1/events", "", map[string]string{"Last-Event-ID": "2"})
	body := w.Body.String()
	if strings.Contains(body, "id: 1\n") || strings.Contains(body, "id: 2\n") {
		t.Errorf("replayed events the client already had: %q", body)
	}
	if !strings.Contains(body, "id: 3\n") || !strings.Contains(body, "id: 4\n") {
		t.Errorf("missing events after Last-Event-ID: %q", body)
	}
}

func TestSSEHandler_ClientDisconnectUnsubscribes(t *testing.T) {
	feed := broadcast.New(broadcast.NewMemoryLog())
	server := NewServer(newMockLifecycle(testJob("j1", "alice", domain.JobRunning)), feed, ":0")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/jobs/j1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	waitSubscribed(t, feed, "j1", 1)
	cancel()
	resp.Body.Close()
	waitSubscribed(t, feed, "j1", 0)
}

func TestWSHandler(t *testing.T) {
	ctx := context.Background()
	feed := broadcast.New(broadcast.NewMemoryLog())
	server := NewServer(newMockLifecycle(testJob("j1", "alice", domain.JobRunning)), feed, ":0")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	feed.Publish(ctx, "j1", event(domain.EventConnected, ""))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/jobs/j1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitSubscribed(t, feed, "j1", 1)

	feed.Publish(ctx, "j1", event(domain.EventJobStatus, "completed"))

	var got []domain.EventType
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("read error = %v, want normal closure", err)
			}
			break
		}
		var ev domain.ExecutionEvent
		if err := json.NewDecoder(bytes.NewReader(data)).Decode(&ev); err != nil {
			t.Fatal(err)
		}
		got = append(got, ev.Type)
	}
	if len(got) != 2 || got[0] != domain.EventConnected || got[1] != domain.EventJobStatus {
		t.Errorf("events = %v", got)
	}
}
