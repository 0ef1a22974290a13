// Package middleware provides the named-interface Executor the spec's
// out-of-scope Kubernetes enrichment middleware would plug into (§1, §9).
// The original this spec was distilled from has a documented bug in its
// "send to all downstream" branch: it dereferences an empty sender list.
// This implementation is the corrected version: Broadcast ranges over
// registered downstreams and is a no-op when none are registered.
package middleware

import (
	"strings"

	"github.com/logdna/agent/internal/pipeline"
)

// Downstream receives enriched line records.
type Downstream interface {
	Receive(pipeline.LineRecord)
}

// Executor broadcasts each line it processes to every registered
// downstream. It does not itself enrich lines; enrichment is done by the
// registered Downstreams (such as TagStamper). Kubernetes enrichment
// (symlink rewriting, pod-label lookup) is out of scope and not provided.
type Executor struct {
	downstreams []Downstream
}

// NewExecutor creates an Executor with no registered downstreams.
func NewExecutor() *Executor {
	return &Executor{}
}

// Register adds a downstream to receive broadcast lines.
func (e *Executor) Register(d Downstream) {
	e.downstreams = append(e.downstreams, d)
}

// Broadcast sends line to every registered downstream. With zero
// downstreams registered, this is a no-op: the line is simply dropped,
// matching the corrected behavior called out in spec §9.
func (e *Executor) Broadcast(line pipeline.LineRecord) {
	for _, d := range e.downstreams {
		d.Receive(line)
	}
}

// TagStamper is an enrichment Downstream: it stamps a
// comma-joined "tags" label onto every line it receives, then forwards the
// enriched line to Out. It is the concrete Downstream the Tailer->Client
// edge registers with an Executor to satisfy the tags-enrichment feature
// (spec §4 SUPPLEMENTED FEATURES), mirroring the original_source
// k8s metadata-stamping pattern without the Kubernetes lookup itself.
type TagStamper struct {
	tags string
	Out  chan<- pipeline.LineRecord
}

// NewTagStamper creates a TagStamper that joins tags with commas and
// forwards enriched lines to out. An empty tags slice stamps no label.
func NewTagStamper(tags []string, out chan<- pipeline.LineRecord) *TagStamper {
	return &TagStamper{tags: strings.Join(tags, ","), Out: out}
}

// Receive stamps line.Labels["tags"] (when any tags were configured) and
// forwards the result to Out.
func (s *TagStamper) Receive(line pipeline.LineRecord) {
	if s.tags != "" {
		labels := make(map[string]string, len(line.Labels)+1)
		for k, v := range line.Labels {
			labels[k] = v
		}
		labels["tags"] = s.tags
		line.Labels = labels
	}
	s.Out <- line
}
