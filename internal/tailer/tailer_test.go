package tailer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/logdna/agent/internal/pipeline"
	"github.com/logdna/agent/internal/watcher"
)

func collectLines(t *testing.T, sink <-chan pipeline.LineRecord, timeout time.Duration) []pipeline.LineRecord {
	t.Helper()
	var got []pipeline.LineRecord
	deadline := time.After(timeout)
	for {
		select {
		case l, ok := <-sink:
			if !ok {
				return got
			}
			got = append(got, l)
		case <-deadline:
			return got
		}
	}
}

func runOne(tr *Tailer, ev watcher.Event, sink chan pipeline.LineRecord) {
	src := make(chan watcher.Event, 1)
	src <- ev
	close(src)
	tr.Run(src, sink)
}

// TestNewFileAppend covers spec S1: a brand new file with two complete
// lines yields exactly those two lines, offset 0 to start.
func TestNewFileAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	if err := os.WriteFile(path, []byte("hello\nworld\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr := New(nil)
	sink := make(chan pipeline.LineRecord, 8)
	runOne(tr, watcher.Event{Type: watcher.New, Path: path}, sink)
	close(sink)

	got := collectLines(t, sink, time.Second)
	if len(got) != 2 || got[0].Line != "hello" || got[1].Line != "world" {
		t.Fatalf("got %+v", got)
	}
}

// TestInitiateSkipsHistoricalContent covers spec S2: Initiate sets the
// offset to current length and emits nothing; a subsequent Write ships
// only the newly appended line.
func TestInitiateSkipsHistoricalContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.log")
	if err := os.WriteFile(path, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr := New(nil)
	sink := make(chan pipeline.LineRecord, 8)

	src := make(chan watcher.Event, 2)
	src <- watcher.Event{Type: watcher.Initiate, Path: path}
	close(src)
	tr.Run(src, sink)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("new\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	src2 := make(chan watcher.Event, 1)
	src2 <- watcher.Event{Type: watcher.Write, Path: path}
	close(src2)
	tr.Run(src2, sink)
	close(sink)

	got := collectLines(t, sink, time.Second)
	if len(got) != 1 || got[0].Line != "new" {
		t.Fatalf("got %+v, want single line %q", got, "new")
	}
}

// TestPartialLineBuffered covers spec S3: an unterminated write emits
// nothing, and the eventual newline yields the full accumulated line.
func TestPartialLineBuffered(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.log")
	if err := os.WriteFile(path, []byte("ab"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr := New(nil)
	sink := make(chan pipeline.LineRecord, 8)

	src := make(chan watcher.Event, 1)
	src <- watcher.Event{Type: watcher.New, Path: path}
	close(src)
	tr.Run(src, sink)

	if got := collectLines(t, sink, 100*time.Millisecond); len(got) != 0 {
		t.Fatalf("expected no emission for partial line, got %+v", got)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("c\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	src2 := make(chan watcher.Event, 1)
	src2 <- watcher.Event{Type: watcher.Write, Path: path}
	close(src2)
	tr.Run(src2, sink)
	close(sink)

	got := collectLines(t, sink, time.Second)
	if len(got) != 1 || got[0].Line != "abc" {
		t.Fatalf("got %+v, want single line %q", got, "abc")
	}
}

// TestTruncationResetsOffset covers spec S4: after truncation, the first
// reopen emits nothing (offset reset to new length), and a subsequent
// write is emitted normally.
func TestTruncationResetsOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d.log")
	if err := os.WriteFile(path, []byte("aaa\nbbb\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr := New(nil)
	sink := make(chan pipeline.LineRecord, 8)
	runOne(tr, watcher.Event{Type: watcher.New, Path: path}, sink)

	got := collectLines(t, sink, time.Second)
	if len(got) != 2 {
		t.Fatalf("expected 2 lines before truncation, got %+v", got)
	}

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}

	// First reopen after truncation: offset 8 > length 0, so the offset is
	// reset to 0 and nothing is emitted.
	sinkReset := make(chan pipeline.LineRecord, 8)
	runOne(tr, watcher.Event{Type: watcher.Write, Path: path}, sinkReset)
	close(sinkReset)
	if got := collectLines(t, sinkReset, 100*time.Millisecond); len(got) != 0 {
		t.Fatalf("expected no emission on the reopen that detects truncation, got %+v", got)
	}

	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink2 := make(chan pipeline.LineRecord, 8)
	runOne(tr, watcher.Event{Type: watcher.Write, Path: path}, sink2)
	close(sink2)

	got2 := collectLines(t, sink2, time.Second)
	if len(got2) != 1 || got2[0].Line != "x" {
		t.Fatalf("got %+v, want single line %q after truncation reset", got2, "x")
	}
}

// TestDeleteDropsOffsetEntry covers the Delete lifecycle: no partial line
// survives, and the offset entry is gone (a later Write with no Initiate
// or New is simply ignored since no offset is tracked).
func TestDeleteDropsOffsetEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "e.log")
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr := New(nil)
	sink := make(chan pipeline.LineRecord, 8)
	runOne(tr, watcher.Event{Type: watcher.New, Path: path}, sink)
	_ = collectLines(t, sink, time.Second)

	sink2 := make(chan pipeline.LineRecord, 8)
	runOne(tr, watcher.Event{Type: watcher.Delete, Path: path}, sink2)
	close(sink2)
	if got := collectLines(t, sink2, 100*time.Millisecond); len(got) != 0 {
		t.Fatalf("delete should emit nothing, got %+v", got)
	}
	if _, ok := tr.bucketFor(path).offsets[path]; ok {
		t.Fatalf("offset entry for %s still present after Delete", path)
	}
}
