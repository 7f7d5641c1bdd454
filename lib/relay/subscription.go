package relay

import (
	"fmt"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
)

// MaxSubIDSize is the longest accepted subscription id.
const MaxSubIDSize = 64

// ValidateSubID enforces the wire rules for subscription ids: 1-64
// bytes, printable ASCII, no quote or backslash (they would need JSON
// escaping and some clients get that wrong).
func ValidateSubID(subID string) error {
	if len(subID) == 0 || len(subID) > MaxSubIDSize {
		return fmt.Errorf("invalid subscription id length")
	}
	for i := 0; i < len(subID); i++ {
		c := subID[i]
		if c < 0x20 || c >= 0x7f || c == '"' || c == '\\' {
			return fmt.Errorf("invalid character in subscription id")
		}
	}
	return nil
}

// Subscription is a connection-owned, client-named live query: a filter
// group plus the high-water mark of events already considered for it.
type Subscription struct {
	ConnID  uint64
	SubID   string
	Filters nostr.Filters

	// latestQuad is the highest quadID whose delivery to this
	// subscription has been considered. Seeded at hand-off with the
	// scan's snapshot bound so live fan-out neither misses nor repeats.
	latestQuad atomic.Uint64

	cancelled atomic.Bool
}

func NewSubscription(connID uint64, subID string, filters nostr.Filters) *Subscription {
	return &Subscription{
		ConnID:  connID,
		SubID:   subID,
		Filters: filters,
	}
}

func (s *Subscription) LatestQuad() uint64 {
	return s.latestQuad.Load()
}

func (s *Subscription) SetLatestQuad(quad uint64) {
	s.latestQuad.Store(quad)
}

// Cancel marks the subscription dead. Pending scans notice at their
// next yield; monitors drop it on their next touch.
func (s *Subscription) Cancel() {
	s.cancelled.Store(true)
}

func (s *Subscription) Cancelled() bool {
	return s.cancelled.Load()
}

// Sender delivers relay-generated frames to one client connection. The
// implementation (the websocket layer) must preserve the order of
// calls made from a single goroutine.
type Sender interface {
	ConnID() uint64
	SendEvent(subID string, ev *nostr.Event)
	SendEOSE(subID string)
	SendOK(eventID string, ok bool, reason string)
	SendNotice(msg string)
}
