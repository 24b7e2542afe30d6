package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/breaker"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

func TestForJob(t *testing.T) {
	tests := []struct {
		name      string
		status    domain.JobStatus
		lastError string
		reason    string
		want      Level
		notify    bool
	}{
		{"completed", domain.JobCompleted, "", "goal met", LevelSuccess, true},
		{"error", domain.JobError, "failure budget exhausted", "fatal", LevelError, true},
		{"cancelled", domain.JobCancelled, "", "cancelled", LevelWarning, true},
		{"paused by restart", domain.JobPaused, "interrupted by restart", "interrupted by restart", LevelWarning, true},
		{"paused by user", domain.JobPaused, "", "pause requested", 0, false},
		{"paused by user after an error", domain.JobPaused, "interrupted by restart", "pause requested", 0, false},
		{"running", domain.JobRunning, "", "started", 0, false},
	}
	for _, tt := range tests {
		job := &domain.Job{ID: "j1", RepositoryURL: "https://github.com/acme/app", WorkingBranch: "cycle-orch/j1",
			Status: tt.status, LastError: tt.lastError, CurrentCycle: 3}
		n, ok := ForJob(job, tt.reason)
		if ok != tt.notify {
			t.Errorf("%s: notify = %v, want %v", tt.name, ok, tt.notify)
			continue
		}
		if !ok {
			continue
		}
		if n.Level != tt.want {
			t.Errorf("%s: Level = %d, want %d", tt.name, n.Level, tt.want)
		}
		if n.JobID != "j1" || n.Branch != "cycle-orch/j1" {
			t.Errorf("%s: notification = %+v", tt.name, n)
		}
		if tt.lastError != "" && !strings.Contains(n.Message, tt.lastError) {
			t.Errorf("%s: Message %q lacks the error", tt.name, n.Message)
		}
	}
}

func TestSlack_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := NewSlack(server.URL, nil).Send(context.Background(), Notification{
		Title: "Job completed", Message: "done", Level: LevelSuccess, JobID: "j1", Branch: "cycle-orch/j1",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got.Text != "Job completed" || len(got.Attachments) != 1 {
		t.Fatalf("payload = %+v", got)
	}
	if att := got.Attachments[0]; att.Color != "good" || att.Title != "j1 (cycle-orch/j1)" {
		t.Errorf("attachment = %+v", att)
	}
}

func TestSlack_RetriesThroughBreaker(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	br := breaker.New("slack", breaker.Config{
		FailureThreshold: 5, SuccessThreshold: 1, ResetTimeout: time.Second,
		BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond,
	})
	if err := NewSlack(server.URL, br).Send(context.Background(), Notification{Title: "x"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestSlack_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer server.Close()

	br := breaker.New("slack", breaker.Config{
		FailureThreshold: 5, SuccessThreshold: 1, ResetTimeout: time.Second,
		BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond,
	})
	err := NewSlack(server.URL, br).Send(context.Background(), Notification{Title: "x"})
	var status *breaker.StatusError
	if !errors.As(err, &status) || status.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want a 400 StatusError", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestSlackColor(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelSuccess, "good"},
		{LevelWarning, "warning"},
		{LevelError, "danger"},
		{LevelInfo, "#439FE0"},
	}
	for _, tt := range tests {
		if got := SlackColor(tt.level); got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestDesktopCommand(t *testing.T) {
	n := Notification{Title: `Job "x" done`, Message: "ok", Level: LevelError}

	name, args, ok := desktopCommand("darwin", n)
	if !ok || name != "osascript" || !strings.Contains(args[1], `with title "Job \"x\" done"`) {
		t.Errorf("darwin = %s %v", name, args)
	}
	name, args, ok = desktopCommand("linux", n)
	if !ok || name != "notify-send" || args[1] != "dialog-error" {
		t.Errorf("linux = %s %v", name, args)
	}
	if _, _, ok := desktopCommand("plan9", n); ok {
		t.Error("unsupported OS should be skipped")
	}
}

func TestDesktop_Disabled(t *testing.T) {
	d := NewDesktop(false)
	d.command = func(context.Context, string, ...string) error {
		t.Error("disabled notifier ran a command")
		return nil
	}
	if err := d.Send(context.Background(), Notification{Title: "x"}); err != nil {
		t.Fatal(err)
	}
}

type recorder struct {
	mu    sync.Mutex
	sent  []Notification
	err   error
	block chan struct{}
}

func (r *recorder) Send(ctx context.Context, n Notification) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestMulti(t *testing.T) {
	a := &recorder{}
	b := &recorder{err: errors.New("webhook down")}
	err := Multi{a, b}.Send(context.Background(), Notification{Title: "Test"})
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("calls = %d, %d, want 1, 1", a.count(), b.count())
	}
	if err == nil || !strings.Contains(err.Error(), "webhook down") {
		t.Errorf("err = %v", err)
	}
}

func TestDispatcher_DeliversAndDrainsOnClose(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)
	for i := 0; i < 5; i++ {
		if !d.Enqueue(Notification{Title: "n"}) {
			t.Fatal("Enqueue refused")
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec.count() != 5 {
		t.Errorf("delivered = %d, want 5", rec.count())
	}
	if d.Enqueue(Notification{Title: "late"}) {
		t.Error("closed dispatcher accepted a notification")
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	d := NewDispatcher(rec, WithQueueSize(1))

	accepted := 0
	for i := 0; i < 5; i++ {
		if d.Enqueue(Notification{Title: "n"}) {
			accepted++
		}
	}
	if accepted < 1 || accepted > 2 {
		t.Errorf("accepted = %d, want 1 or 2", accepted)
	}
	close(rec.block)
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec.count() != accepted {
		t.Errorf("delivered = %d, want %d", rec.count(), accepted)
	}
}

func TestDispatcher_Nil(t *testing.T) {
	var d *Dispatcher
	if d.Enqueue(Notification{}) {
		t.Error("nil dispatcher accepted a notification")
	}
	if err := d.Close(context.Background()); err != nil {
		t.Error(err)
	}
}
