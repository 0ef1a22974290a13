package middleware

import (
	"testing"

	"github.com/logdna/agent/internal/pipeline"
)

type recordingDownstream struct {
	received []pipeline.LineRecord
}

func (r *recordingDownstream) Receive(line pipeline.LineRecord) {
	r.received = append(r.received, line)
}

func TestBroadcastNoDownstreamsIsNoop(t *testing.T) {
	e := NewExecutor()
	e.Broadcast(pipeline.LineRecord{File: "/var/log/a.log", Line: "hello"})
}

func TestBroadcastFansOutToEveryDownstream(t *testing.T) {
	e := NewExecutor()
	var a, b recordingDownstream
	e.Register(&a)
	e.Register(&b)

	line := pipeline.LineRecord{File: "/var/log/a.log", Line: "hello"}
	e.Broadcast(line)

	if len(a.received) != 1 || a.received[0].File != line.File || a.received[0].Line != line.Line {
		t.Errorf("downstream a did not receive the broadcast line: %+v", a.received)
	}
	if len(b.received) != 1 || b.received[0].File != line.File || b.received[0].Line != line.Line {
		t.Errorf("downstream b did not receive the broadcast line: %+v", b.received)
	}
}

func TestTagStamperJoinsTagsIntoLabels(t *testing.T) {
	out := make(chan pipeline.LineRecord, 1)
	stamper := NewTagStamper([]string{"prod", "us-east"}, out)

	e := NewExecutor()
	e.Register(stamper)
	e.Broadcast(pipeline.LineRecord{File: "/var/log/a.log", Line: "hello"})

	got := <-out
	if got.Labels["tags"] != "prod,us-east" {
		t.Errorf("Labels[tags] = %q, want %q", got.Labels["tags"], "prod,us-east")
	}
}

func TestTagStamperNoTagsLeavesLabelsUntouched(t *testing.T) {
	out := make(chan pipeline.LineRecord, 1)
	stamper := NewTagStamper(nil, out)

	e := NewExecutor()
	e.Register(stamper)
	e.Broadcast(pipeline.LineRecord{File: "/var/log/a.log", Line: "hello"})

	got := <-out
	if _, ok := got.Labels["tags"]; ok {
		t.Errorf("expected no tags label, got %+v", got.Labels)
	}
}

func TestTagStamperPreservesExistingLabels(t *testing.T) {
	out := make(chan pipeline.LineRecord, 1)
	stamper := NewTagStamper([]string{"prod"}, out)

	e := NewExecutor()
	e.Register(stamper)
	e.Broadcast(pipeline.LineRecord{
		File:   "/var/log/a.log",
		Line:   "hello",
		Labels: map[string]string{"pod": "web-1"},
	})

	got := <-out
	if got.Labels["pod"] != "web-1" || got.Labels["tags"] != "prod" {
		t.Errorf("Labels = %+v, want pod=web-1 and tags=prod", got.Labels)
	}
}
