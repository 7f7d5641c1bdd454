package policy

import (
	"github.com/nbd-wtf/go-nostr"
)

// Action is the decision an external write policy takes on an event
// before it reaches the writer.
type Action int

const (
	// Accept lets the event continue to the writer.
	Accept Action = iota
	// Reject refuses the event; the client receives OK false with the
	// policy's message prefixed "blocked:".
	Reject
	// ShadowReject acknowledges the event with OK true but never stores
	// or fans it out.
	ShadowReject
)

// Decision carries the action plus an optional human-readable message.
type Decision struct {
	Action Action
	Msg    string
}

// WritePolicy is the pre-persistence hook. Implementations are external
// collaborators; the relay only threads their decision through the
// ingest pipeline.
type WritePolicy interface {
	Check(event *nostr.Event, sourceIP string) Decision
}

// AcceptAll is the default policy when none is configured.
type AcceptAll struct{}

func (AcceptAll) Check(event *nostr.Event, sourceIP string) Decision {
	return Decision{Action: Accept}
}
