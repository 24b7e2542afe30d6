package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/store"
)

type countingSweeper struct{ calls int }

func (s *countingSweeper) Sweep() int {
	s.calls++
	return 2
}

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 3 * * *", false},
		{"0 12 * * 1-5", false},
		{"*/5 * * * *", false},
		{"invalid", true},
		{"0 0 3 * * *", true}, // seconds field not accepted
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, nil, nil, Config{}); err == nil {
		t.Error("empty cron should error")
	}
	if _, err := New(nil, nil, nil, Config{Cron: "nope"}); err == nil {
		t.Error("bad cron should error")
	}
	if _, err := New(nil, nil, nil, Config{Cron: "0 3 * * *", Retention: -time.Hour}); err == nil {
		t.Error("negative retention should error")
	}
}

func addJob(t *testing.T, st *store.Store, id string, status domain.JobStatus, completedAt *time.Time) {
	t.Helper()
	now := time.Now().UTC()
	job := &domain.Job{
		ID:               id,
		OwnerID:          "owner",
		RepositoryURL:    "https://github.com/acme/app",
		BaseBranch:       "main",
		WorkingBranch:    "cycle-orch/" + id,
		GoalDocument:     "goal",
		Status:           status,
		MaxParallelTasks: 3,
		CreatedAt:        now,
		UpdatedAt:        now,
		CompletedAt:      completedAt,
	}
	if err := st.CreateJob(job); err != nil {
		t.Fatalf("CreateJob(%s): %v", id, err)
	}
	for i := 0; i < 3; i++ {
		ev := domain.NewEvent(domain.EventMessage, domain.SourceProvider, now)
		if err := st.AppendEvent(context.Background(), id, &ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
}

func TestJanitor_Prune(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-2 * time.Hour)
	addJob(t, st, "old-done", domain.JobCompleted, &old)
	addJob(t, st, "old-cancelled", domain.JobCancelled, &old)
	addJob(t, st, "recent-done", domain.JobCompleted, &recent)
	addJob(t, st, "running", domain.JobRunning, nil)

	sweeper := &countingSweeper{}
	j, err := New(st, st, sweeper, Config{Cron: "0 3 * * *", Retention: 30 * 24 * time.Hour},
		WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}

	res, err := j.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	want := Result{Jobs: 2, Events: 6, Swept: 2}
	if res != want {
		t.Errorf("Prune() = %+v, want %+v", res, want)
	}
	if sweeper.calls != 1 {
		t.Errorf("Sweep called %d times, want 1", sweeper.calls)
	}

	for id, wantEvents := range map[string]int{"old-done": 0, "old-cancelled": 0, "recent-done": 3, "running": 3} {
		events, err := st.ListEvents(context.Background(), id, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != wantEvents {
			t.Errorf("%s has %d events, want %d", id, len(events), wantEvents)
		}
	}

	// jobs themselves are kept
	if _, err := st.GetJob("old-done"); err != nil {
		t.Errorf("GetJob(old-done) error = %v", err)
	}

	res, err = j.Prune(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Events != 0 {
		t.Errorf("second Prune() deleted %d events, want 0", res.Events)
	}
}

func TestJanitor_ShouldRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	j, err := New(nil, nil, nil, Config{Cron: "0 3 * * *"}, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	wantNext := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	if next := j.NextRun(); !next.Equal(wantNext) {
		t.Errorf("NextRun() = %v, want %v", next, wantNext)
	}
	if j.ShouldRun() {
		t.Error("ShouldRun() before the scheduled time")
	}

	now = now.Add(45 * time.Minute)
	if !j.ShouldRun() {
		t.Error("ShouldRun() should be true after the scheduled time")
	}

	j.markRunning()
	if j.ShouldRun() {
		t.Error("ShouldRun() while a pass is running")
	}
	j.markComplete()
	if j.ShouldRun() {
		t.Error("ShouldRun() right after a pass")
	}
	if next := j.NextRun(); !next.Equal(wantNext.Add(24 * time.Hour)) {
		t.Errorf("NextRun() after pass = %v, want next day", next)
	}
}

func TestJanitor_StartStops(t *testing.T) {
	j, err := New(nil, nil, nil, Config{Cron: "0 3 * * *", Tick: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()
	j.Stop()
	j.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
