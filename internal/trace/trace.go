package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// RunTrace is the canonical record of one pipeline run.
//
// Invariants:
//   - Events are in the order the run produced them. The pipeline is
//     sequential, so this order is the logical order.
//   - No timestamps, durations, host names or error strings: two runs over
//     the same inputs with the same area outcomes produce the same events.
//
// JSON serialization uses custom marshalers to fix field order and omit
// absent optional fields.
type RunTrace struct {
	// Base is the street name of the run.
	Base   string
	Events []Event
}

// EventKind is the stable discriminator for Event. The string values are
// part of the trace's canonical bytes; do not rename.
type EventKind string

const (
	EventStateChanged     EventKind = "StateChanged"
	EventAreaProduced     EventKind = "AreaProduced"
	EventAreaMissing      EventKind = "AreaMissing"
	EventResultPublished  EventKind = "ResultPublished"
	EventWorkspaceRemoved EventKind = "WorkspaceRemoved"
	EventWorkspaceKept    EventKind = "WorkspaceKept"

	// EventGroupFailed records the facility's failure verdict for the job
	// group. Path is the group name.
	EventGroupFailed EventKind = "GroupFailed"
)

// Event is a single logical transition or decision.
type Event struct {
	Kind EventKind

	// From and To are pipeline states. Required for EventStateChanged.
	From string
	To   string

	// Stage names the failed stage on a transition to the failed state.
	Stage string

	// Area is the area index of area events.
	Area *int

	// Path is a file or directory the event refers to, relative to the
	// input directory where possible.
	Path string

	// Reason is a stable reason code: "Incomplete" on a published partial
	// result, "JobFailed" on an area whose job exited non-zero.
	Reason string
}

// StateChanged returns a state transition event.
func StateChanged(from, to string) Event {
	return Event{Kind: EventStateChanged, From: from, To: to}
}

// AreaEvent returns an area event of the given kind.
func AreaEvent(kind EventKind, area int) Event {
	a := area
	return Event{Kind: kind, Area: &a}
}

// Validate checks basic invariants and returns a descriptive error.
func (t *RunTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.Base == "" {
		return errors.New("base is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		switch e.Kind {
		case EventStateChanged:
			if e.From == "" || e.To == "" {
				return fmt.Errorf("events[%d]: from and to are required for kind %q", i, e.Kind)
			}
		case EventAreaProduced, EventAreaMissing:
			if e.Area == nil || *e.Area < 0 {
				return fmt.Errorf("events[%d]: area is required for kind %q", i, e.Kind)
			}
		}
	}
	return nil
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
func (t RunTrace) CanonicalJSON() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&t)
}

// Hash returns the deterministic trace hash (sha256 hex) of the canonical JSON bytes.
func (t RunTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON ensures canonical field ordering.
func (t RunTrace) MarshalJSON() ([]byte, error) {
	if t.Base == "" {
		return nil, errors.New("base is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"base":`)
	bb, _ := json.Marshal(t.Base)
	buf.Write(bb)

	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON ensures canonical field ordering and omission of empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')

	// kind (always first)
	buf.WriteString(`"kind":`)
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	writeString := func(key, v string) {
		if v == "" {
			return
		}
		buf.WriteString(`,"` + key + `":`)
		b, _ := json.Marshal(v)
		buf.Write(b)
	}
	writeString("from", e.From)
	writeString("to", e.To)
	writeString("stage", e.Stage)
	if e.Area != nil {
		fmt.Fprintf(&buf, `,"area":%d`, *e.Area)
	}
	writeString("path", e.Path)
	writeString("reason", e.Reason)

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
