package relay

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	"github.com/quadstr/quadstr/lib/eventstore"
	"github.com/quadstr/quadstr/lib/policy"
	"github.com/quadstr/quadstr/lib/signing"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ingestJob is one EVENT submission awaiting validation.
type ingestJob struct {
	conn     Sender
	event    *nostr.Event
	sourceIP string
}

// runIngester validates submitted events in parallel: structural
// checks, id recomputation, schnorr signature, freshness window, then
// the write policy. Rejections answer OK-false directly; survivors are
// handed to the writer.
func (r *Relay) runIngester(idx int) {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.ingestCh:
			r.ingest(job)
		case <-r.shutdown:
			return
		}
	}
}

func (r *Relay) ingest(job ingestJob) {
	ev := job.event

	if reason := r.validateEvent(ev); reason != "" {
		job.conn.SendOK(ev.ID, false, reason)
		return
	}

	decision := r.policy.Check(ev, job.sourceIP)
	switch decision.Action {
	case policy.Reject:
		reason := decision.Msg
		if reason == "" {
			reason = "blocked: not accepted"
		}
		job.conn.SendOK(ev.ID, false, reason)
		return
	case policy.ShadowReject:
		// Pretend success, store nothing
		job.conn.SendOK(ev.ID, true, "")
		return
	}

	select {
	case r.writeCh <- writeJob{conn: job.conn, event: ev}:
	case <-r.shutdown:
	}
}

// validateEvent returns a non-empty OK-false reason when the event must
// not be admitted.
func (r *Relay) validateEvent(ev *nostr.Event) string {
	if len(ev.ID) != 64 || len(ev.PubKey) != 64 {
		return "invalid: malformed id or pubkey"
	}
	if len(ev.Sig) != 128 {
		return "invalid: malformed signature"
	}
	if ev.Kind < 0 || ev.Kind > 65535 {
		return "invalid: kind out of range"
	}

	if len(ev.Tags) > r.cfg.MaxTagCount {
		return fmt.Sprintf("invalid: too many tags (max %d)", r.cfg.MaxTagCount)
	}
	for _, tag := range ev.Tags {
		for _, field := range tag {
			if len(field) > r.cfg.MaxTagValueSize {
				return fmt.Sprintf("invalid: tag field too long (max %d)", r.cfg.MaxTagValueSize)
			}
		}
	}

	now := time.Now().Unix()
	createdAt := int64(ev.CreatedAt)
	if r.cfg.RejectOlderSeconds > 0 && createdAt < now-r.cfg.RejectOlderSeconds {
		return "invalid: created_at too far in the past"
	}
	if r.cfg.RejectNewerSeconds > 0 && createdAt > now+r.cfg.RejectNewerSeconds {
		return "invalid: created_at too far in the future"
	}

	if ev.GetID() != ev.ID {
		return "invalid: id does not match event fields"
	}
	if err := signing.VerifyEventID(ev.PubKey, ev.Sig, ev.ID); err != nil {
		return "invalid: bad signature"
	}

	return ""
}

// okReason maps an install outcome to the OK line sent back.
func okReason(out eventstore.Outcome) (bool, string) {
	switch out.Kind {
	case eventstore.Stored, eventstore.Replaced:
		return true, ""
	case eventstore.Duplicate:
		return true, "duplicate: already have this event"
	case eventstore.Shadowed:
		return true, "duplicate: have a newer replacement"
	case eventstore.Rejected:
		return false, out.Reason
	default:
		return false, "error: unknown outcome"
	}
}
