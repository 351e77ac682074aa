package session

import "github.com/civetdb/civet/hlc"

// EventKind classifies a session lifecycle transition worth publishing.
// Routine check-ins are deliberately not events.
type EventKind string

const (
	EventInvalidated EventKind = "invalidated"
	EventKilled      EventKind = "killed"
	EventStepUp      EventKind = "step_up"
	EventQuiesce     EventKind = "quiesce"
)

// Event is one session lifecycle transition
type Event struct {
	Kind EventKind     `msgpack:"k" json:"kind"`
	SID  string        `msgpack:"s,omitempty" json:"sid,omitempty"`
	TS   hlc.Timestamp `msgpack:"t" json:"ts"`
}

// EventSink receives lifecycle events. Implementations must not block; the
// catalog emits events while holding no locks but on request paths.
type EventSink interface {
	Publish(ev Event)
}

// NoopSink discards events
type NoopSink struct{}

func (NoopSink) Publish(Event) {}
