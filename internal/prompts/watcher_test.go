package prompts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcher_ReloadsChangedOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "cycle"), 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, TaskTemplate)
	if err := os.WriteFile(path, []byte("first version"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(dir)
	w, err := NewWatcher(loader, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 10 * time.Millisecond
	if got := len(w.Watched()); got != 2 {
		t.Errorf("watched %d directories, want 2", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() {
		cancel()
		<-w.Done()
	}()

	out, err := loader.Execute(TaskTemplate, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "first version" {
		t.Fatalf("rendered %q", out)
	}

	if err := os.WriteFile(path, []byte("second version"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		out, err := loader.Execute(TaskTemplate, nil)
		return err == nil && out == "second version"
	})
}

func TestWatcher_RemovedOverrideFallsBackToEmbedded(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "cycle"), 0o755)
	path := filepath.Join(dir, DiscoveryTemplate)
	os.WriteFile(path, []byte("custom discovery"), 0o644)

	loader := NewLoader(dir)
	w, err := NewWatcher(loader, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() {
		cancel()
		<-w.Done()
	}()

	if _, meta, _ := loader.LoadTemplate(DiscoveryTemplate); meta != nil {
		t.Fatalf("override should have no frontmatter, got %+v", meta)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, meta, err := loader.LoadTemplate(DiscoveryTemplate)
		return err == nil && meta != nil && meta.ID == "discovery"
	})
}

func TestWatcher_MissingDirectory(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent"))
	w, err := NewWatcher(loader, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.watcher.Close()
	if got := w.Watched(); len(got) != 0 {
		t.Errorf("watched %v, want nothing", got)
	}
}

func TestWatcher_IgnoresNonTemplates(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(dir)
	w, err := NewWatcher(loader, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.watcher.Close()

	w.handle(fsnotify.Event{Name: filepath.Join(dir, "notes.txt"), Op: fsnotify.Write})
	w.handle(fsnotify.Event{Name: filepath.Join(dir, "task.md"), Op: fsnotify.Chmod})
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) != 0 || w.timer != nil {
		t.Error("irrelevant change scheduled a reload")
	}
}
