package eventstore

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// EphemeralCache holds recently admitted ephemeral events. They are
// never written to the store: the writer hands them straight to the
// monitors with a synthetic quadID, and this cache only keeps them
// alive for their configured lifetime so late NEG sessions or
// diagnostics can still see them before the sweep.
type EphemeralCache struct {
	entries *xsync.MapOf[string, ephemeralEntry]
}

type ephemeralEntry struct {
	event   *nostr.Event
	expires time.Time
}

func NewEphemeralCache() *EphemeralCache {
	return &EphemeralCache{
		entries: xsync.NewMapOf[string, ephemeralEntry](),
	}
}

// Add records an ephemeral event with the given lifetime.
func (c *EphemeralCache) Add(ev *nostr.Event, lifetime time.Duration) {
	c.entries.Store(ev.ID, ephemeralEntry{
		event:   ev,
		expires: time.Now().Add(lifetime),
	})
}

// Get returns a cached ephemeral event if it is still alive.
func (c *EphemeralCache) Get(id string) *nostr.Event {
	entry, ok := c.entries.Load(id)
	if !ok || time.Now().After(entry.expires) {
		return nil
	}
	return entry.event
}

// Size returns the number of cached entries, expired or not.
func (c *EphemeralCache) Size() int {
	return c.entries.Size()
}

// Sweep purges expired entries and returns how many were removed.
func (c *EphemeralCache) Sweep() int {
	now := time.Now()
	removed := 0
	c.entries.Range(func(id string, entry ephemeralEntry) bool {
		if now.After(entry.expires) {
			c.entries.Delete(id)
			removed++
		}
		return true
	})
	return removed
}

// RunSweeper purges expired entries every interval until stop is closed.
func (c *EphemeralCache) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-stop:
			return
		}
	}
}
