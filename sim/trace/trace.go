// Package trace provides dispatch-trace recording for the simulation core.
// It stores pure data types and has no dependency on sim/; the determinism
// and golden tests compare recorded traces across runs.
package trace

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Dispatch captures one activity dispatch: the cycle the clock advanced to,
// the activity kind, and the ordering key. LinkID and Payload are set for
// events only.
type Dispatch struct {
	Time     uint64 `json:"time"`
	Kind     string `json:"kind"`
	LinkID   uint64 `json:"link_id,omitempty"`
	Priority uint8  `json:"priority"`
	Sequence uint64 `json:"sequence"`
	Payload  string `json:"payload,omitempty"`
}

// Recorder accumulates dispatch records in execution order.
type Recorder struct {
	Dispatches []Dispatch
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{Dispatches: make([]Dispatch, 0)}
}

// Record appends one dispatch.
func (r *Recorder) Record(d Dispatch) {
	r.Dispatches = append(r.Dispatches, d)
}

// Events returns only the event dispatches, in execution order.
func (r *Recorder) Events() []Dispatch {
	out := make([]Dispatch, 0, len(r.Dispatches))
	for _, d := range r.Dispatches {
		if d.Kind == "event" {
			out = append(out, d)
		}
	}
	return out
}

// Since returns the dispatches at or after the given cycle.
func (r *Recorder) Since(cycle uint64) []Dispatch {
	out := make([]Dispatch, 0)
	for _, d := range r.Dispatches {
		if d.Time >= cycle {
			out = append(out, d)
		}
	}
	return out
}

// String renders one line per dispatch, stable across runs for identical
// execution order.
func (r *Recorder) String() string {
	var sb strings.Builder
	for _, d := range r.Dispatches {
		fmt.Fprintf(&sb, "t=%d %s", d.Time, d.Kind)
		if d.Kind == "event" {
			fmt.Fprintf(&sb, " link=%d", d.LinkID)
		}
		fmt.Fprintf(&sb, " prio=%d", d.Priority)
		if d.Payload != "" {
			fmt.Fprintf(&sb, " payload=%s", d.Payload)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// CanonicalJSON returns the indented JSON form used by golden-file tests.
func (r *Recorder) CanonicalJSON() ([]byte, error) {
	return json.MarshalIndent(r.Dispatches, "", "  ")
}
