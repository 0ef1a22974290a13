// Package tailer maintains a per-file byte offset table and turns Watcher
// lifecycle events into complete, newline-terminated LineRecords (spec
// §4.3). Grounded on the teacher's internal/scheduler (fixed-size worker
// pool draining a channel, one goroutine per worker) and
// internal/input/streaming.go (buffered, streaming line reads that never
// load a whole file into memory) — generalized from gogrep's one-shot
// bufio.Scanner read to an offset-resuming tail that must distinguish a
// genuinely unterminated trailing read from end-of-file.
package tailer

import (
	"bufio"
	"errors"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/logdna/agent/internal/agentlog"
	"github.com/logdna/agent/internal/pipeline"
	"github.com/logdna/agent/internal/watcher"
)

// offsetBucket is one shard of the per-path offset table, serializing
// concurrent tail(path) calls for the same file per spec §5's "per-key
// locking" requirement, mirroring a sharded-map pattern.
type offsetBucket struct {
	mu      sync.Mutex
	offsets map[string]uint64
}

const bucketCount = 64

// Tailer owns the offset table and the worker pool that drains Watcher
// events into LineRecords.
type Tailer struct {
	buckets [bucketCount]*offsetBucket
	workers int
	logger  *agentlog.Logger
}

// New creates a Tailer with a worker pool sized to the host's CPU count
// (minimum 1), per spec §4.3 Concurrency.
func New(logger *agentlog.Logger) *Tailer {
	t := &Tailer{
		workers: max(runtime.NumCPU(), 1),
		logger:  logger,
	}
	for i := range t.buckets {
		t.buckets[i] = &offsetBucket{offsets: make(map[string]uint64)}
	}
	return t
}

func (t *Tailer) bucketFor(path string) *offsetBucket {
	h := fnv32(path)
	return t.buckets[h%bucketCount]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// Run drains events from src and emits LineRecords on sink until src is
// closed. It fans events out to a fixed worker pool so that distinct
// files tail in parallel, while events for the same file serialize inside
// the offset bucket lock (spec §4.3 Concurrency, §5 Shared resources).
func (t *Tailer) Run(src <-chan watcher.Event, sink chan<- pipeline.LineRecord) {
	var wg sync.WaitGroup
	for range t.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range src {
				t.handle(ev, sink)
			}
		}()
	}
	wg.Wait()
}

func (t *Tailer) handle(ev watcher.Event, sink chan<- pipeline.LineRecord) {
	b := t.bucketFor(ev.Path)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Type {
	case watcher.Initiate:
		length, err := fileLength(ev.Path)
		if err != nil {
			t.logWarn("initiate stat failed for %s: %v", ev.Path, err)
			return
		}
		b.offsets[ev.Path] = length
	case watcher.New:
		b.offsets[ev.Path] = 0
		t.tailLocked(ev.Path, b, sink)
	case watcher.Write:
		t.tailLocked(ev.Path, b, sink)
	case watcher.Delete:
		delete(b.offsets, ev.Path)
	}
}

func fileLength(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

// tailLocked implements the tail(path) procedure from spec §4.3. The
// caller holds b.mu.
func (t *Tailer) tailLocked(path string, b *offsetBucket, sink chan<- pipeline.LineRecord) {
	offset, ok := b.offsets[path]
	if !ok {
		t.logWarn("tail called with no offset entry for %s", path)
		return
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.logWarn("stat failed during tail of %s: %v", path, err)
		return
	}
	length := uint64(fi.Size())

	if offset > length {
		t.logWarn("truncation detected for %s: offset %d > length %d", path, offset, length)
		b.offsets[path] = length
		return
	}
	if offset == length {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		t.logWarn("open failed during tail of %s: %v", path, err)
		return
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		t.logWarn("seek failed during tail of %s: %v", path, err)
		return
	}

	r := bufio.NewReaderSize(f, 64*1024)
	newOffset := offset
	for {
		raw, err := r.ReadBytes('\n')
		if len(raw) > 0 && raw[len(raw)-1] == '\n' {
			line := raw[:len(raw)-1]
			decoded := decodeUTF8(line)
			sink <- pipeline.LineRecord{File: path, Line: decoded}
			newOffset += uint64(len(raw))
			continue
		}
		// Either err != nil with no trailing newline (EOF mid-line) or an
		// I/O error: neither advances the offset past this point. The
		// remaining bytes are re-read from the last good offset on the
		// next Write (spec §4.3 step 5 and Failure semantics).
		if err != nil && !errors.Is(err, io.EOF) {
			t.logWarn("read error during tail of %s: %v", path, err)
		}
		break
	}
	b.offsets[path] = newOffset
}

// decodeUTF8 returns s with any invalid UTF-8 byte sequences replaced by
// U+FFFD, never dropping bytes, per spec §4.3 step 5 and §7 "Silent
// correction".
func decodeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
			b = b[1:]
			continue
		}
		sb.WriteRune(r)
		b = b[size:]
	}
	return sb.String()
}
