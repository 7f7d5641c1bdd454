package relay

import (
	"github.com/nbd-wtf/go-nostr"
	"go.etcd.io/bbolt"

	"github.com/quadstr/quadstr/lib/eventstore"
	"github.com/quadstr/quadstr/lib/logging"
	"github.com/quadstr/quadstr/lib/metrics"
	"github.com/quadstr/quadstr/lib/store"
)

// publishedEvent is one committed (or ephemeral) event fanned out to
// every monitor partition in commit order.
type publishedEvent struct {
	quad  uint64
	event *nostr.Event
}

type monitorCommand struct {
	addSub     *monitorSub
	removeSub  *subRef
	removeConn uint64
}

type monitorSub struct {
	sub    *Subscription
	sender Sender
}

type subRef struct {
	connID uint64
	subID  string
}

// monitor is one live fan-out partition. Connections are assigned to a
// partition by connID, so each subscription is owned by exactly one
// goroutine and needs no locking.
type monitor struct {
	idx    int
	events *eventstore.EventStore

	eventCh   chan publishedEvent
	commandCh chan monitorCommand

	// connID -> subID -> live subscription. Touched only by run().
	subs map[uint64]map[string]*monitorSub
}

func newMonitor(idx int, events *eventstore.EventStore, queueSize int) *monitor {
	return &monitor{
		idx:       idx,
		events:    events,
		eventCh:   make(chan publishedEvent, queueSize),
		commandCh: make(chan monitorCommand, queueSize),
		subs:      make(map[uint64]map[string]*monitorSub),
	}
}

func (m *monitor) run(shutdown <-chan struct{}, done func()) {
	defer done()
	for {
		// Commands first so removals take effect before the next batch of
		// deliveries.
		select {
		case cmd := <-m.commandCh:
			m.handleCommand(cmd)
			continue
		default:
		}

		select {
		case cmd := <-m.commandCh:
			m.handleCommand(cmd)
		case pub := <-m.eventCh:
			m.deliver(pub)
		case <-shutdown:
			return
		}
	}
}

func (m *monitor) handleCommand(cmd monitorCommand) {
	switch {
	case cmd.addSub != nil:
		m.addSub(cmd.addSub)
	case cmd.removeSub != nil:
		conn := m.subs[cmd.removeSub.connID]
		if ms, ok := conn[cmd.removeSub.subID]; ok {
			ms.sub.Cancel()
			delete(conn, cmd.removeSub.subID)
			metrics.ActiveSubscriptions.Dec()
		}
		if len(conn) == 0 {
			delete(m.subs, cmd.removeSub.connID)
		}
	case cmd.removeConn != 0:
		for _, ms := range m.subs[cmd.removeConn] {
			ms.sub.Cancel()
			metrics.ActiveSubscriptions.Dec()
		}
		delete(m.subs, cmd.removeConn)
	}
}

// addSub registers a handed-off subscription. Events committed between
// the scan's snapshot and this moment were published before the
// subscription existed, so they are replayed from the log first; the
// latestQuad gate then makes queue deliveries exactly-once.
func (m *monitor) addSub(ms *monitorSub) {
	if ms.sub.Cancelled() {
		return
	}

	if err := m.catchUp(ms); err != nil {
		logging.Errorf("monitor %d: catch-up for sub %s failed: %v", m.idx, ms.sub.SubID, err)
	}

	conn, ok := m.subs[ms.sub.ConnID]
	if !ok {
		conn = make(map[string]*monitorSub)
		m.subs[ms.sub.ConnID] = conn
	}
	conn[ms.sub.SubID] = ms
	metrics.ActiveSubscriptions.Inc()
}

// catchUp replays committed events with quadID above the subscription's
// high-water mark. Ephemeral events published in this window are not in
// the log and cannot be replayed; their delivery is best-effort.
func (m *monitor) catchUp(ms *monitorSub) error {
	return m.events.Store().View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(store.BucketEvents).Cursor()
		start := store.EncodeQuad(ms.sub.LatestQuad() + 1)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			quad := store.DecodeQuad(k)
			var rec eventstore.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if eventstore.MatchGroup(ms.sub.Filters, rec.Event) {
				ms.sender.SendEvent(ms.sub.SubID, rec.Event)
			}
			ms.sub.SetLatestQuad(quad)
		}
		return nil
	})
}

// deliver fans one published event out to every matching live
// subscription in this partition.
func (m *monitor) deliver(pub publishedEvent) {
	for _, conn := range m.subs {
		for subID, ms := range conn {
			if ms.sub.Cancelled() {
				delete(conn, subID)
				metrics.ActiveSubscriptions.Dec()
				continue
			}
			if pub.quad <= ms.sub.LatestQuad() {
				continue
			}
			// Advance even on a miss: every quad up to here has now been
			// considered for this subscription.
			ms.sub.SetLatestQuad(pub.quad)
			if eventstore.MatchGroup(ms.sub.Filters, pub.event) {
				ms.sender.SendEvent(ms.sub.SubID, pub.event)
			}
		}
	}
}
