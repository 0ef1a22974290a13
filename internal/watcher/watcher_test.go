package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/logdna/agent/internal/rules"
)

func collectEvents(t *testing.T, sink <-chan Event, timeout time.Duration, want int) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(timeout)
	for len(got) < want {
		select {
		case ev := <-sink:
			got = append(got, ev)
		case <-deadline:
			return got
		}
	}
	return got
}

// TestStartupScanEmitsInitiateForPreExistingFile covers spec S2's first
// half: a file present before the agent starts produces Initiate, not
// New.
func TestStartupScanEmitsInitiateForPreExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.log")
	if err := os.WriteFile(path, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewBuilder().AddDirectory(dir).Build()
	if err != nil {
		t.Fatalf("build watcher: %v", err)
	}

	sink := make(chan Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, sink) }()

	got := collectEvents(t, sink, 2*time.Second, 1)
	if len(got) != 1 || got[0].Type != Initiate || got[0].Path != path {
		t.Fatalf("got %+v, want single Initiate(%s)", got, path)
	}

	cancel()
	<-done
}

// TestCreateNewFileEmitsNew covers spec S1: a file created after the
// watcher starts produces New.
func TestCreateNewFileEmitsNew(t *testing.T) {
	dir := t.TempDir()
	w, err := NewBuilder().AddDirectory(dir).WithLoopInterval(50 * time.Millisecond).Build()
	if err != nil {
		t.Fatalf("build watcher: %v", err)
	}

	sink := make(chan Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, sink) }()

	time.Sleep(50 * time.Millisecond) // let the startup scan finish

	path := filepath.Join(dir, "a.log")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := collectEvents(t, sink, 2*time.Second, 1)
	if len(got) != 1 || got[0].Type != New || got[0].Path != path {
		t.Fatalf("got %+v, want single New(%s)", got, path)
	}

	cancel()
	<-done
}

// TestRulesExcludeFiltersCreatedFile covers spec S6: an excluded file
// produces no New event, while an included one does.
func TestRulesExcludeFiltersCreatedFile(t *testing.T) {
	dir := t.TempDir()
	r := rules.New()
	if err := r.AddInclusionGlob("**/*.log"); err != nil {
		t.Fatal(err)
	}
	if err := r.AddExclusionGlob("**/*.debug.log"); err != nil {
		t.Fatal(err)
	}

	w, err := NewBuilder().AddDirectory(dir).WithRules(r).WithLoopInterval(50 * time.Millisecond).Build()
	if err != nil {
		t.Fatalf("build watcher: %v", err)
	}

	sink := make(chan Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, sink) }()
	time.Sleep(50 * time.Millisecond)

	mustWrite := func(name string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("x.log")
	mustWrite("y.debug.log")
	mustWrite("z.txt")

	got := collectEvents(t, sink, time.Second, 1)
	if len(got) != 1 || got[0].Path != filepath.Join(dir, "x.log") {
		t.Fatalf("got %+v, want single New event for x.log only", got)
	}

	cancel()
	<-done
}

// TestDeleteDirectoryRemovesDescendantWatches exercises the DELETE_SELF
// on a directory translation: deleting a watched subdirectory emits
// Delete for its tracked descendant files.
func TestDeleteDirectoryRemovesDescendantWatches(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	filePath := filepath.Join(sub, "f.log")
	if err := os.WriteFile(filePath, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewBuilder().AddDirectory(dir).WithLoopInterval(50 * time.Millisecond).Build()
	if err != nil {
		t.Fatalf("build watcher: %v", err)
	}

	sink := make(chan Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, sink) }()

	// Drain the startup Initiate for f.log.
	collectEvents(t, sink, time.Second, 1)

	if err := os.RemoveAll(sub); err != nil {
		t.Fatal(err)
	}

	got := collectEvents(t, sink, 2*time.Second, 1)
	foundFileDelete := false
	for _, ev := range got {
		if ev.Type == Delete && ev.Path == filePath {
			foundFileDelete = true
		}
	}
	if !foundFileDelete {
		t.Fatalf("got %+v, want a Delete event for %s", got, filePath)
	}

	cancel()
	<-done
}
