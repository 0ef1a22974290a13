// Package retry durably spools IngestBody values that the Client failed
// to send, and periodically reinjects them (spec §4.5). Grounded on the
// teacher's use of github.com/google/uuid for collision-free generated
// names (the teacher uses it for scheduler job IDs) and on the repo-wide
// pattern of os.OpenFile with explicit flags for exclusive file creation;
// the egress scan's non-recursive directory read follows the same
// raw-getdents-free plain os.ReadDir style the teacher uses outside its
// performance-critical walker.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/logdna/agent/internal/agentlog"
	"github.com/logdna/agent/internal/pipeline"
)

// scanInterval is the egress loop's fixed scan period (spec §4.5 Egress).
const scanInterval = 15 * time.Second

// minAge is the minimum file age before an entry is eligible for
// reinjection (spec §4.5 Egress, invariant §8.6).
const minAge = 15 * time.Second

// wireEntry is the on-disk JSON shape of a spooled body (spec §4.5
// Ingress: "canonical JSON (body as {lines:[...]})").
type wireEntry struct {
	Lines []pipeline.LineRecord `json:"lines"`
}

// Retry owns the spool directory and runs the ingress and egress loops.
// attempts is a process-lifetime reinjection counter used only to enrich
// log messages; the on-disk file name carries no attempt history across
// restarts (a re-spooled body gets a fresh UUID), so this is best-effort.
type Retry struct {
	spoolDir string
	logger   *agentlog.Logger
	attempts atomic.Int64
}

// New creates a Retry rooted at spoolDir, creating the directory if it
// does not exist. A failure to create the directory is fatal at startup
// per spec §7.
func New(spoolDir string, logger *agentlog.Logger) (*Retry, error) {
	if err := os.MkdirAll(spoolDir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool dir %s: %w", spoolDir, err)
	}
	return &Retry{spoolDir: spoolDir, logger: logger}, nil
}

// RunIngress persists every body received from failedBodies to the spool
// directory until failedBodies is closed (spec §4.5 Ingress).
func (r *Retry) RunIngress(failedBodies <-chan pipeline.IngestBody) {
	for body := range failedBodies {
		if err := r.persist(body); err != nil {
			r.logWarn("failed to persist retry body: %v", err)
		}
	}
}

// persist writes body to {spool_dir}/{unix_ts}_{uuid}.retry, create,
// write-only, exclusive, mode 0600 (spec §4.5 Ingress).
func (r *Retry) persist(body pipeline.IngestBody) error {
	name := fmt.Sprintf("%d_%s.retry", time.Now().Unix(), uuid.NewString())
	path := filepath.Join(r.spoolDir, name)

	data, err := json.Marshal(wireEntry{Lines: body.Lines()})
	if err != nil {
		return fmt.Errorf("marshal spool entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create spool file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write spool file %s: %w", path, err)
	}
	return nil
}

// RunEgress scans the spool directory every 15s, reinjecting eligible
// entries into reinjectSink, until ctx is canceled (spec §4.5 Egress).
func (r *Retry) RunEgress(ctx context.Context, reinjectSink chan<- pipeline.IngestBody) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	r.scanOnce(ctx, reinjectSink)
	for {
		select {
		case <-ticker.C:
			r.scanOnce(ctx, reinjectSink)
		case <-ctx.Done():
			return
		}
	}
}

// scanOnce performs one non-recursive pass over the spool directory.
func (r *Retry) scanOnce(ctx context.Context, reinjectSink chan<- pipeline.IngestBody) {
	entries, err := os.ReadDir(r.spoolDir)
	if err != nil {
		r.logWarn("spool scan failed: %v", err)
		return
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, ok := parseSpoolName(entry.Name())
		if !ok {
			continue
		}
		age := now.Sub(time.Unix(ts, 0))
		if age < minAge {
			continue
		}
		r.reinject(ctx, entry.Name(), reinjectSink)
	}
}

// parseSpoolName strictly parses "{timestamp}_{uuid}.retry", per spec
// §4.5 and the Open Question in §9: the timestamp is exactly the
// substring before the first '_' and must be a decimal integer, and the
// remainder before ".retry" must be a syntactically valid UUID, so a name
// is not accepted merely because something precedes an underscore.
func parseSpoolName(name string) (int64, bool) {
	const suffix = ".retry"
	if !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	trimmed := strings.TrimSuffix(name, suffix)
	idx := strings.IndexByte(trimmed, '_')
	if idx < 0 {
		return 0, false
	}
	tsPart, uuidPart := trimmed[:idx], trimmed[idx+1:]
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, false
	}
	if _, err := uuid.Parse(uuidPart); err != nil {
		return 0, false
	}
	return ts, true
}

// reinject reads, deserializes, and pushes one spool file's body onto
// reinjectSink, unlinking the file on success or on deserialization
// failure (spec §4.5 Egress, invariant §8.7).
func (r *Retry) reinject(ctx context.Context, name string, reinjectSink chan<- pipeline.IngestBody) {
	path := filepath.Join(r.spoolDir, name)

	data, err := os.ReadFile(path)
	if err != nil {
		r.logWarn("failed to read spool file %s: %v", path, err)
		return
	}

	var we wireEntry
	if err := json.Unmarshal(data, &we); err != nil {
		r.logWarn("failed to deserialize spool file %s, discarding: %v", path, err)
		os.Remove(path)
		return
	}

	body := pipeline.NewIngestBody(we.Lines)
	n := r.attempts.Add(1)
	select {
	case reinjectSink <- body:
		r.logWarn("retry attempt %d: reinjected %s", n, name)
	case <-ctx.Done():
		return
	}

	if err := os.Remove(path); err != nil {
		r.logWarn("failed to unlink spool file %s after reinject: %v", path, err)
	}
}

func (r *Retry) logWarn(format string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(fmt.Sprintf(format, args...))
	}
}
