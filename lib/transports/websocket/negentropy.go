package websocket

import (
	"encoding/hex"
	"errors"

	"github.com/nbd-wtf/go-nostr"

	"github.com/quadstr/quadstr/lib/eventstore"
	"github.com/quadstr/quadstr/lib/logging"
	"github.com/quadstr/quadstr/lib/metrics"
	"github.com/quadstr/quadstr/lib/negentropy"
	"github.com/quadstr/quadstr/lib/relay"
)

// negSession is one open reconciliation, responder side. Sessions live
// in the connection's read loop, so no locking.
type negSession struct {
	neg *negentropy.Negentropy
}

// handleNegOpen serves ["NEG-OPEN", subid, filter, initialMsg]: build
// the (created_at, id) snapshot for the filter, run the first
// reconciliation round and answer with NEG-MSG.
func (s *Server) handleNegOpen(c *Conn, subID string, filterRaw []byte, initialHex string) {
	if !s.negEnabled {
		c.sendNegErr(subID, "blocked: negentropy sync disabled")
		return
	}
	if err := relay.ValidateSubID(subID); err != nil {
		c.sendNegErr(subID, "invalid: bad subscription id")
		return
	}

	var filter nostr.Filter
	if err := json.Unmarshal(filterRaw, &filter); err != nil {
		c.sendNegErr(subID, "invalid: malformed filter")
		return
	}
	initialMsg, err := hex.DecodeString(initialHex)
	if err != nil {
		c.sendNegErr(subID, "invalid: malformed message")
		return
	}

	items, err := s.events.SyncItems(filter, s.negMaxEvents)
	if err != nil {
		var tooMany eventstore.ErrTooManyEvents
		if errors.As(err, &tooMany) {
			c.sendNegErr(subID, "RESULTS_TOO_BIG")
			return
		}
		logging.Errorf("conn %d: sync snapshot failed: %v", c.id, err)
		c.sendNegErr(subID, "error: could not build snapshot")
		return
	}

	vec := negentropy.NewVector()
	for _, item := range items {
		if err := vec.Insert(uint64(item.CreatedAt), item.ID[:]); err != nil {
			c.sendNegErr(subID, "error: could not build snapshot")
			return
		}
	}
	if err := vec.Seal(); err != nil {
		c.sendNegErr(subID, "error: could not build snapshot")
		return
	}

	neg, err := negentropy.NewNegentropy(vec, s.negFrameLimit)
	if err != nil {
		c.sendNegErr(subID, "error: could not open session")
		return
	}

	reply, err := neg.Reconcile(initialMsg)
	if err != nil {
		c.sendNegErr(subID, "invalid: malformed message")
		return
	}

	// A re-used subid replaces the previous session
	if _, ok := c.negSessions[subID]; !ok {
		metrics.NegentropySessions.Inc()
	}
	c.negSessions[subID] = &negSession{neg: neg}

	c.sendNegMsg(subID, hex.EncodeToString(reply))
}

// handleNegMsg continues an open session with the next round.
func (s *Server) handleNegMsg(c *Conn, subID string, msgHex string) {
	session, ok := c.negSessions[subID]
	if !ok {
		c.sendNegErr(subID, "closed: no such session")
		return
	}

	msg, err := hex.DecodeString(msgHex)
	if err != nil {
		c.sendNegErr(subID, "invalid: malformed message")
		return
	}

	reply, err := session.neg.Reconcile(msg)
	if err != nil {
		c.dropNegSession(subID)
		c.sendNegErr(subID, "invalid: malformed message")
		return
	}

	c.sendNegMsg(subID, hex.EncodeToString(reply))
}

func (s *Server) handleNegClose(c *Conn, subID string) {
	c.dropNegSession(subID)
}

func (c *Conn) dropNegSession(subID string) {
	if _, ok := c.negSessions[subID]; ok {
		delete(c.negSessions, subID)
		metrics.NegentropySessions.Dec()
	}
}

// releaseNegSessions drops every session at disconnect.
func (c *Conn) releaseNegSessions() {
	for subID := range c.negSessions {
		c.dropNegSession(subID)
	}
}
