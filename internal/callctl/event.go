package callctl

import "time"

// StateChange is the immutable record of one committed transition. Exactly
// one is produced per transition and handed to the sink before the
// triggering path returns.
type StateChange struct {
	ID        string    `json:"id"`
	Extension string    `json:"extension"`
	Previous  State     `json:"-"`
	Current   State     `json:"-"`
	Peer      string    `json:"peer,omitempty"`
	CallRef   string    `json:"call_ref,omitempty"`
	At        time.Time `json:"timestamp"`

	// String forms for wire consumers; kept alongside the typed fields so
	// the JSON stays readable.
	PreviousName string `json:"previous"`
	CurrentName  string `json:"current"`
}

// Sink receives state changes for fan-out to monitors. Publish must not
// block and must never fail the caller: delivery is best effort.
type Sink interface {
	Publish(StateChange)
}

// NopSink discards all state changes.
type NopSink struct{}

func (NopSink) Publish(StateChange) {}
