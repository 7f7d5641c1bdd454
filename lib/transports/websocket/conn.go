package websocket

import (
	"sync"
	"sync/atomic"

	"github.com/gofiber/contrib/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	"github.com/quadstr/quadstr/lib/logging"
	"github.com/quadstr/quadstr/lib/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// connIDCounter hands out connection ids. Starts at 1; zero is never a
// valid id.
var connIDCounter atomic.Uint64

// outFrame is one queued outbound message with its verb for telemetry.
type outFrame struct {
	verb string
	data []byte
}

// Conn wraps one websocket client. All writes go through a bounded
// queue drained by a single pump goroutine, so the relay pools never
// block on a slow socket and frames from one sender keep their order.
type Conn struct {
	id       uint64
	ws       *websocket.Conn
	remoteIP string

	out       chan outFrame
	closeOnce sync.Once
	closed    chan struct{}

	// negentropy sessions by subscription id. Owned by the read loop.
	negSessions map[string]*negSession
}

func newConn(ws *websocket.Conn, queueSize int) *Conn {
	c := &Conn{
		id:          connIDCounter.Add(1),
		ws:          ws,
		remoteIP:    ws.RemoteAddr().String(),
		out:         make(chan outFrame, queueSize),
		closed:      make(chan struct{}),
		negSessions: make(map[string]*negSession),
	}
	go c.writePump()
	return c
}

func (c *Conn) ConnID() uint64 {
	return c.id
}

// close makes the read loop and the pump exit. Idempotent.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

func (c *Conn) writePump() {
	for {
		select {
		case frame := <-c.out:
			if err := c.ws.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				c.close()
				return
			}
			metrics.RelayMessages.WithLabelValues(frame.verb).Inc()
		case <-c.closed:
			return
		}
	}
}

// send queues one frame. A full queue means the client cannot keep up;
// the connection is dropped rather than letting it stall a relay pool.
func (c *Conn) send(verb string, data []byte) {
	select {
	case c.out <- outFrame{verb: verb, data: data}:
	case <-c.closed:
	default:
		logging.Warnf("conn %d: outbound queue full, dropping connection", c.id)
		c.close()
	}
}

func (c *Conn) sendJSON(verb string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Errorf("conn %d: failed to encode %s frame: %v", c.id, verb, err)
		return
	}
	c.send(verb, data)
}

func (c *Conn) SendEvent(subID string, ev *nostr.Event) {
	c.sendJSON("EVENT", nostr.EventEnvelope{SubscriptionID: &subID, Event: *ev})
}

func (c *Conn) SendEOSE(subID string) {
	env := nostr.EOSEEnvelope(subID)
	c.sendJSON("EOSE", &env)
}

func (c *Conn) SendOK(eventID string, ok bool, reason string) {
	c.sendJSON("OK", nostr.OKEnvelope{EventID: eventID, OK: ok, Reason: reason})
}

func (c *Conn) SendNotice(msg string) {
	env := nostr.NoticeEnvelope(msg)
	c.sendJSON("NOTICE", &env)
}

func (c *Conn) sendNegMsg(subID string, msgHex string) {
	c.sendJSON("NEG-MSG", []string{"NEG-MSG", subID, msgHex})
}

func (c *Conn) sendNegErr(subID string, reason string) {
	c.sendJSON("NEG-ERR", []string{"NEG-ERR", subID, reason})
}
