package websocket

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/quadstr/quadstr/lib/eventstore"
	"github.com/quadstr/quadstr/lib/negentropy"
	"github.com/quadstr/quadstr/lib/relay"
	"github.com/quadstr/quadstr/lib/store"
)

// testConn builds a Conn without a socket: no write pump runs, frames
// pile up in the outbound queue for inspection.
func testConn() *Conn {
	return &Conn{
		id:          1,
		out:         make(chan outFrame, 64),
		closed:      make(chan struct{}),
		negSessions: make(map[string]*negSession),
	}
}

func (c *Conn) nextFrame(t *testing.T) outFrame {
	t.Helper()
	select {
	case frame := <-c.out:
		return frame
	case <-time.After(time.Second):
		t.Fatal("no outbound frame")
		return outFrame{}
	}
}

func testServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	es, err := eventstore.New(s)
	require.NoError(t, err)

	r := relay.New(es, nil, relay.Config{
		IngesterThreads:   2,
		ReqWorkerThreads:  2,
		ReqMonitorThreads: 2,

		IngesterQueue:  64,
		WriterQueue:    64,
		ReqWorkerQueue: 64,
		MonitorQueue:   64,

		BatchSize:     10,
		BatchWindow:   5 * time.Millisecond,
		CommitRetries: 3,

		RejectOlderSeconds: 94608000,
		RejectNewerSeconds: 900,
		MaxTagCount:        100,
		MaxTagValueSize:    1024,

		EphemeralLifetime: time.Minute,
		EphemeralSweep:    50 * time.Millisecond,

		MaxSubsPerConn:  2,
		TimesliceBudget: 10 * time.Millisecond,
		MaxFilterLimit:  100,
	})
	r.Start()
	t.Cleanup(r.Stop)

	return &Server{
		relay:         r,
		events:        es,
		outboundQueue: 64,
		negEnabled:    true,
		negMaxEvents:  1000,
		negFrameLimit: 0,
	}
}

func seedEvents(t *testing.T, es *eventstore.EventStore, n int) []*nostr.Event {
	t.Helper()
	var events []*nostr.Event
	err := es.Store().Update(func(tx *bbolt.Tx) error {
		for i := 1; i <= n; i++ {
			ev := &nostr.Event{
				ID:        fmt.Sprintf("%064x", i),
				PubKey:    fmt.Sprintf("%064x", 100),
				Kind:      1,
				CreatedAt: nostr.Timestamp(1700000000 + i),
				Sig:       fmt.Sprintf("%0128x", i),
			}
			out, err := es.Install(tx, ev, time.Now().Unix())
			if err != nil {
				return err
			}
			require.Equal(t, eventstore.Stored, out.Kind)
			events = append(events, ev)
		}
		return nil
	})
	require.NoError(t, err)
	return events
}

func TestNegOpenAnswersNegMsg(t *testing.T) {
	srv := testServer(t)
	seedEvents(t, srv.events, 20)
	conn := testConn()

	// A client with nothing: initiate over an empty set
	clientNeg, err := negentropy.NewNegentropy(sealedEmptyVector(t), 0)
	require.NoError(t, err)
	initial, err := clientNeg.Initiate()
	require.NoError(t, err)

	msg := fmt.Sprintf(`["NEG-OPEN","s1",{"kinds":[1]},"%s"]`, hex.EncodeToString(initial))
	srv.dispatch(conn, []byte(msg))

	frame := conn.nextFrame(t)
	assert.Equal(t, "NEG-MSG", frame.verb)
	require.Len(t, conn.negSessions, 1)

	// Drive the session to completion: the client must learn every id
	var have, need []string
	var parts []string
	require.NoError(t, json.Unmarshal(frame.data, &parts))
	require.Len(t, parts, 3)

	for round := 0; round < 50; round++ {
		reply, err := hex.DecodeString(parts[2])
		require.NoError(t, err)

		next, err := clientNeg.ReconcileWithIDs(reply, &have, &need)
		require.NoError(t, err)
		if next == nil {
			break
		}

		srv.dispatch(conn, []byte(fmt.Sprintf(`["NEG-MSG","s1","%s"]`, hex.EncodeToString(next))))
		frame = conn.nextFrame(t)
		require.Equal(t, "NEG-MSG", frame.verb)
		require.NoError(t, json.Unmarshal(frame.data, &parts))
	}

	assert.Empty(t, have)
	assert.Len(t, need, 20)
}

func sealedEmptyVector(t *testing.T) *negentropy.Vector {
	t.Helper()
	v := negentropy.NewVector()
	require.NoError(t, v.Seal())
	return v
}

func TestNegOpenDisabled(t *testing.T) {
	srv := testServer(t)
	srv.negEnabled = false
	conn := testConn()

	srv.dispatch(conn, []byte(`["NEG-OPEN","s1",{"kinds":[1]},"61"]`))

	frame := conn.nextFrame(t)
	assert.Equal(t, "NEG-ERR", frame.verb)
}

func TestNegOpenTooManyResults(t *testing.T) {
	srv := testServer(t)
	srv.negMaxEvents = 5
	seedEvents(t, srv.events, 10)
	conn := testConn()

	clientNeg, err := negentropy.NewNegentropy(sealedEmptyVector(t), 0)
	require.NoError(t, err)
	initial, err := clientNeg.Initiate()
	require.NoError(t, err)

	srv.dispatch(conn, []byte(fmt.Sprintf(`["NEG-OPEN","s1",{"kinds":[1]},"%s"]`, hex.EncodeToString(initial))))

	frame := conn.nextFrame(t)
	assert.Equal(t, "NEG-ERR", frame.verb)
	var parts []string
	require.NoError(t, json.Unmarshal(frame.data, &parts))
	assert.Equal(t, "RESULTS_TOO_BIG", parts[2])
}

func TestNegMsgWithoutSession(t *testing.T) {
	srv := testServer(t)
	conn := testConn()

	srv.dispatch(conn, []byte(`["NEG-MSG","nosuch","61"]`))

	frame := conn.nextFrame(t)
	assert.Equal(t, "NEG-ERR", frame.verb)
}

func TestNegCloseDropsSession(t *testing.T) {
	srv := testServer(t)
	seedEvents(t, srv.events, 3)
	conn := testConn()

	clientNeg, err := negentropy.NewNegentropy(sealedEmptyVector(t), 0)
	require.NoError(t, err)
	initial, err := clientNeg.Initiate()
	require.NoError(t, err)

	srv.dispatch(conn, []byte(fmt.Sprintf(`["NEG-OPEN","s1",{"kinds":[1]},"%s"]`, hex.EncodeToString(initial))))
	conn.nextFrame(t)
	require.Len(t, conn.negSessions, 1)

	srv.dispatch(conn, []byte(`["NEG-CLOSE","s1"]`))
	assert.Empty(t, conn.negSessions)
}

// A NEG-CLOSE must only tear down the reconciliation session. A REQ
// subscription sharing the same id stays live.
func TestNegCloseLeavesReqSubscription(t *testing.T) {
	srv := testServer(t)
	seedEvents(t, srv.events, 3)
	conn := testConn()
	srv.relay.Register(conn)
	defer srv.relay.Unregister(conn.id)

	srv.dispatch(conn, []byte(`["REQ","s1",{"kinds":[1]}]`))
	var verbs []string
	for i := 0; i < 4; i++ {
		frame := conn.nextFrame(t)
		verbs = append(verbs, frame.verb)
	}
	assert.Equal(t, []string{"EVENT", "EVENT", "EVENT", "EOSE"}, verbs)

	clientNeg, err := negentropy.NewNegentropy(sealedEmptyVector(t), 0)
	require.NoError(t, err)
	initial, err := clientNeg.Initiate()
	require.NoError(t, err)

	srv.dispatch(conn, []byte(fmt.Sprintf(`["NEG-OPEN","s1",{"kinds":[1]},"%s"]`, hex.EncodeToString(initial))))
	require.Equal(t, "NEG-MSG", conn.nextFrame(t).verb)
	require.Len(t, conn.negSessions, 1)

	srv.dispatch(conn, []byte(`["NEG-CLOSE","s1"]`))
	require.Empty(t, conn.negSessions)

	// The subscription must still deliver live events.
	sk := nostr.GeneratePrivateKey()
	ev := &nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Now(),
		Content:   "still here",
		Tags:      nostr.Tags{},
	}
	require.NoError(t, ev.Sign(sk))
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	srv.dispatch(conn, []byte(fmt.Sprintf(`["EVENT",%s]`, data)))
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		got[conn.nextFrame(t).verb] = true
	}
	assert.True(t, got["OK"], "missing OK for the published event")
	assert.True(t, got["EVENT"], "subscription did not survive NEG-CLOSE")
}

func TestSubscriptionCapNotice(t *testing.T) {
	srv := testServer(t)
	conn := testConn()
	srv.relay.Register(conn)
	defer srv.relay.Unregister(conn.id)

	srv.dispatch(conn, []byte(`["REQ","a",{"kinds":[1]}]`))
	require.Equal(t, "EOSE", conn.nextFrame(t).verb)
	srv.dispatch(conn, []byte(`["REQ","b",{"kinds":[1]}]`))
	require.Equal(t, "EOSE", conn.nextFrame(t).verb)

	srv.dispatch(conn, []byte(`["REQ","c",{"kinds":[1]}]`))
	frame := conn.nextFrame(t)
	require.Equal(t, "NOTICE", frame.verb)

	var parts []string
	require.NoError(t, json.Unmarshal(frame.data, &parts))
	require.Len(t, parts, 2)
	assert.True(t, strings.HasPrefix(parts[1], "rate-limited:"), "got %q", parts[1])
}

func TestNegOpenBadSubID(t *testing.T) {
	srv := testServer(t)
	conn := testConn()

	srv.dispatch(conn, []byte(`["NEG-OPEN","bad\"sub",{"kinds":[1]},"61"]`))

	frame := conn.nextFrame(t)
	assert.Equal(t, "NEG-ERR", frame.verb)
}

func TestDispatchUnknownVerb(t *testing.T) {
	srv := testServer(t)
	conn := testConn()

	srv.dispatch(conn, []byte(`["BOGUS","x"]`))

	frame := conn.nextFrame(t)
	assert.Equal(t, "NOTICE", frame.verb)
}

func TestDispatchGarbage(t *testing.T) {
	srv := testServer(t)
	conn := testConn()

	srv.dispatch(conn, []byte(`not json at all`))

	frame := conn.nextFrame(t)
	assert.Equal(t, "NOTICE", frame.verb)
}
