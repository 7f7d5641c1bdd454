package websocket

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/quadstr/quadstr/lib/eventstore"
	"github.com/quadstr/quadstr/lib/logging"
	"github.com/quadstr/quadstr/lib/metrics"
	"github.com/quadstr/quadstr/lib/relay"
)

// rawMessage is used for frames nostr.ParseMessage does not know,
// currently the NEG-* family.
type rawMessage []jsonRawValue

type jsonRawValue []byte

func (v *jsonRawValue) UnmarshalJSON(data []byte) error {
	*v = append((*v)[:0], data...)
	return nil
}

// Server binds the relay core to fiber and the nostr wire protocol.
type Server struct {
	relay  *relay.Relay
	events *eventstore.EventStore

	outboundQueue int
	negEnabled    bool
	negMaxEvents  int
	negFrameLimit int
}

func NewServer(r *relay.Relay, events *eventstore.EventStore) *Server {
	return &Server{
		relay:         r,
		events:        events,
		outboundQueue: viper.GetInt("subscriptions.outbound_queue"),
		negEnabled:    viper.GetBool("negentropy.enabled"),
		negMaxEvents:  viper.GetInt("negentropy.max_sync_events"),
		negFrameLimit: viper.GetInt("negentropy.frame_size_limit"),
	}
}

func (s *Server) BuildServer() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Middleware for handling relay information requests
	app.Use(handleRelayInfoRequests)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))

	app.Get("/", websocket.New(s.handleConnection))

	return app
}

func StartServer(app *fiber.App) error {
	addr := fmt.Sprintf("%s:%d", viper.GetString("server.bind_address"), viper.GetInt("server.port"))
	logging.Infof("Listening on %s", addr)
	return app.Listen(addr)
}

func handleRelayInfoRequests(c *fiber.Ctx) error {
	if c.Method() == "GET" && c.Get("Accept") == "application/nostr+json" {
		c.Set("Access-Control-Allow-Origin", "*")
		return c.JSON(GetRelayInfo())
	}
	return c.Next()
}

func GetRelayInfo() NIP11RelayInfo {
	return NIP11RelayInfo{
		Name:          viper.GetString("relay.name"),
		Description:   viper.GetString("relay.description"),
		Pubkey:        viper.GetString("relay.pubkey"),
		Contact:       viper.GetString("relay.contact"),
		SupportedNIPs: viper.GetIntSlice("relay.supported_nips"),
		Software:      viper.GetString("relay.software"),
		Version:       viper.GetString("relay.version"),
		Limitation: &NIP11Limits{
			MaxSubscriptions: viper.GetInt("subscriptions.max_per_connection"),
			MaxLimit:         viper.GetInt("subscriptions.max_filter_limit"),
			MaxSubidLength:   relay.MaxSubIDSize,
		},
	}
}

func (s *Server) handleConnection(ws *websocket.Conn) {
	conn := newConn(ws, s.outboundQueue)
	s.relay.Register(conn)
	defer func() {
		conn.close()
		conn.releaseNegSessions()
		s.relay.Unregister(conn.id)
	}()

	for {
		select {
		case <-s.relay.Done():
			return
		case <-conn.closed:
			return
		default:
		}

		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(conn, message)
	}
}

// isNegFrame reports whether the first array element starts with
// "NEG-".
func isNegFrame(message []byte) bool {
	i := bytes.IndexByte(message, '"')
	return i >= 0 && bytes.HasPrefix(message[i+1:], []byte("NEG-"))
}

// dispatch routes one inbound frame. The NEG-* family is decoded by
// hand and must be picked off first: nostr.ParseMessage matches labels
// by substring and would hand NEG-CLOSE to the CLOSE path. Everything
// else goes through nostr.ParseMessage.
func (s *Server) dispatch(c *Conn, message []byte) {
	if isNegFrame(message) {
		s.dispatchRaw(c, message)
		return
	}

	env := nostr.ParseMessage(message)
	if env == nil {
		s.dispatchRaw(c, message)
		return
	}

	switch env := env.(type) {
	case *nostr.EventEnvelope:
		metrics.ClientMessages.WithLabelValues("EVENT").Inc()
		s.relay.SubmitEvent(c, &env.Event, c.remoteIP)

	case *nostr.ReqEnvelope:
		metrics.ClientMessages.WithLabelValues("REQ").Inc()
		if err := s.relay.OpenSubscription(c, env.SubscriptionID, env.Filters); err != nil {
			if errors.Is(err, relay.ErrTooManySubscriptions) {
				c.SendNotice(fmt.Sprintf("rate-limited: %v", err))
			} else {
				c.SendNotice(fmt.Sprintf("error: %v", err))
			}
		}

	case *nostr.CloseEnvelope:
		metrics.ClientMessages.WithLabelValues("CLOSE").Inc()
		s.relay.CloseSubscription(c.id, string(*env))

	default:
		c.SendNotice("error: unsupported message")
	}
}

func (s *Server) dispatchRaw(c *Conn, message []byte) {
	var parts rawMessage
	if err := json.Unmarshal(message, &parts); err != nil || len(parts) < 2 {
		c.SendNotice("error: could not parse message")
		return
	}

	var verb, subID string
	if err := json.Unmarshal(parts[0], &verb); err != nil {
		c.SendNotice("error: could not parse message")
		return
	}
	if err := json.Unmarshal(parts[1], &subID); err != nil {
		c.SendNotice("error: could not parse message")
		return
	}

	if strings.HasPrefix(verb, "NEG-") {
		metrics.ClientMessages.WithLabelValues(verb).Inc()
	}

	switch verb {
	case "NEG-OPEN":
		if len(parts) != 4 {
			c.sendNegErr(subID, "invalid: malformed NEG-OPEN")
			return
		}
		var initialHex string
		if err := json.Unmarshal(parts[3], &initialHex); err != nil {
			c.sendNegErr(subID, "invalid: malformed NEG-OPEN")
			return
		}
		s.handleNegOpen(c, subID, parts[2], initialHex)

	case "NEG-MSG":
		if len(parts) != 3 {
			c.sendNegErr(subID, "invalid: malformed NEG-MSG")
			return
		}
		var msgHex string
		if err := json.Unmarshal(parts[2], &msgHex); err != nil {
			c.sendNegErr(subID, "invalid: malformed NEG-MSG")
			return
		}
		s.handleNegMsg(c, subID, msgHex)

	case "NEG-CLOSE":
		s.handleNegClose(c, subID)

	default:
		c.SendNotice("error: unsupported message")
	}
}
