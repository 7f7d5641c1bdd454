package eventstore

import (
	"bytes"
	"fmt"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"
	"go.etcd.io/bbolt"

	"github.com/quadstr/quadstr/lib/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OutcomeKind enumerates what Install did with an event.
type OutcomeKind int

const (
	Stored OutcomeKind = iota
	Duplicate
	Replaced
	Shadowed
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Replaced:
		return "replaced"
	case Shadowed:
		return "shadowed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the result of installing one event.
type Outcome struct {
	Kind OutcomeKind
	// Quad is set for Stored and Replaced.
	Quad uint64
	// Reason is set for Rejected.
	Reason string
}

// Record is the primary-table row: the event plus its admission time.
type Record struct {
	Event      *nostr.Event `json:"event"`
	ReceivedAt int64        `json:"received_at"`
}

// EventStore layers the relay's schema and invariants over the raw
// key-value store. All mutation happens inside the writer's open
// transaction; reads open their own snapshots.
type EventStore struct {
	store    *store.Store
	lastQuad atomic.Uint64

	Ephemeral *EphemeralCache
}

// New opens the event store over an already-open Store and recovers
// lastQuadID as the maximum quadID present in the primary table.
func New(s *store.Store) (*EventStore, error) {
	es := &EventStore{
		store:     s,
		Ephemeral: NewEphemeralCache(),
	}

	err := s.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(store.BucketEvents).Cursor()
		k, _ := c.Last()
		if k != nil {
			es.lastQuad.Store(store.DecodeQuad(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to recover lastQuadID: %w", err)
	}

	return es, nil
}

// Store exposes the underlying key-value store for readers.
func (es *EventStore) Store() *store.Store {
	return es.store
}

// LastQuadID returns the highest quadID handed out so far, including
// synthetic ids given to ephemeral events.
func (es *EventStore) LastQuadID() uint64 {
	return es.lastQuad.Load()
}

// NextQuadID allocates the next quadID. Strictly increasing; ties are
// impossible because allocation is a single atomic counter.
func (es *EventStore) NextQuadID() uint64 {
	return es.lastQuad.Add(1)
}

// Install writes one event into the open write transaction. Ephemeral
// kinds never reach this point; the writer short-circuits them.
//
// Algorithm:
//  1. byId hit => Duplicate, no writes.
//  2. replaceable/addressable kinds: an existing winner that is newer
//     (or equal created_at with greater id) shadows the event; an older
//     winner is deleted and the install reported as Replaced.
//  3. allocate quadID, insert primary row and every index row.
//  4. kind-5 deletions additionally remove each e-tag target authored
//     by the same pubkey; the deletion event itself is stored normally
//     so it can be re-broadcast.
func (es *EventStore) Install(tx *bbolt.Tx, ev *nostr.Event, receivedAt int64) (Outcome, error) {
	idBytes := store.IDBytes(ev.ID)
	pkBytes := store.IDBytes(ev.PubKey)
	if idBytes == nil || pkBytes == nil {
		return Outcome{Kind: Rejected, Reason: "invalid: malformed id or pubkey"}, nil
	}

	if tx.Bucket(store.BucketIDs).Get(idBytes) != nil {
		return Outcome{Kind: Duplicate}, nil
	}

	replaced := false
	if IsReplaceable(ev.Kind) || IsAddressable(ev.Kind) {
		dValue := ""
		if IsAddressable(ev.Kind) {
			dValue = DTagValue(ev.Tags)
		}
		replKey := store.ReplaceableKey(pkBytes, ev.Kind, dValue)

		if existing := tx.Bucket(store.BucketReplaceable).Get(replKey); existing != nil {
			exQuad, exCreated, exID := store.DecodeReplaceableValue(existing)
			if exCreated > int64(ev.CreatedAt) ||
				(exCreated == int64(ev.CreatedAt) && bytes.Compare(exID, idBytes) > 0) {
				return Outcome{Kind: Shadowed}, nil
			}
			if err := es.deleteByQuad(tx, exQuad); err != nil {
				return Outcome{}, err
			}
			replaced = true
		}
	}

	if ev.Kind == KindDeletion {
		if err := es.applyDeletion(tx, ev, pkBytes); err != nil {
			return Outcome{}, err
		}
	}

	quad := es.NextQuadID()
	if err := es.putEvent(tx, ev, receivedAt, quad, idBytes, pkBytes); err != nil {
		return Outcome{}, err
	}

	if replaced {
		return Outcome{Kind: Replaced, Quad: quad}, nil
	}
	return Outcome{Kind: Stored, Quad: quad}, nil
}

// putEvent inserts the primary row and one row per index of the schema.
func (es *EventStore) putEvent(tx *bbolt.Tx, ev *nostr.Event, receivedAt int64, quad uint64, idBytes, pkBytes []byte) error {
	value, err := json.Marshal(Record{Event: ev, ReceivedAt: receivedAt})
	if err != nil {
		return fmt.Errorf("failed to encode event record: %w", err)
	}

	quadKey := store.EncodeQuad(quad)
	createdAt := int64(ev.CreatedAt)

	if err := tx.Bucket(store.BucketEvents).Put(quadKey, value); err != nil {
		return err
	}
	if err := tx.Bucket(store.BucketIDs).Put(idBytes, quadKey); err != nil {
		return err
	}
	if err := tx.Bucket(store.BucketPubkeyKind).Put(store.PubkeyKindKey(pkBytes, ev.Kind, createdAt, quad), quadKey); err != nil {
		return err
	}
	if err := tx.Bucket(store.BucketPubkey).Put(store.PubkeyKey(pkBytes, createdAt, quad), quadKey); err != nil {
		return err
	}
	if err := tx.Bucket(store.BucketKind).Put(store.KindKey(ev.Kind, createdAt, quad), quadKey); err != nil {
		return err
	}
	if err := tx.Bucket(store.BucketCreatedAt).Put(store.CreatedAtKey(createdAt, quad), quadKey); err != nil {
		return err
	}

	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		letter, ok := indexableTagLetter(tag[0])
		if !ok {
			continue
		}
		if err := tx.Bucket(store.BucketTags).Put(store.TagKey(letter, tag[1], createdAt, quad), quadKey); err != nil {
			return err
		}
	}

	if IsReplaceable(ev.Kind) || IsAddressable(ev.Kind) {
		dValue := ""
		if IsAddressable(ev.Kind) {
			dValue = DTagValue(ev.Tags)
		}
		replKey := store.ReplaceableKey(pkBytes, ev.Kind, dValue)
		if err := tx.Bucket(store.BucketReplaceable).Put(replKey, store.ReplaceableValue(quad, createdAt, idBytes)); err != nil {
			return err
		}
	}

	return nil
}

// applyDeletion removes every e-tag target whose author matches the
// deletion's author.
func (es *EventStore) applyDeletion(tx *bbolt.Tx, ev *nostr.Event, pkBytes []byte) error {
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		targetID := store.IDBytes(tag[1])
		if targetID == nil {
			continue
		}
		quadKey := tx.Bucket(store.BucketIDs).Get(targetID)
		if quadKey == nil {
			continue
		}
		rec, err := es.getRecord(tx, quadKey)
		if err != nil {
			return err
		}
		if rec == nil || rec.Event.PubKey != ev.PubKey {
			continue
		}
		if err := es.deleteByQuad(tx, store.DecodeQuad(quadKey)); err != nil {
			return err
		}
	}
	return nil
}

// deleteByQuad removes the primary row and every index row of one
// stored event.
func (es *EventStore) deleteByQuad(tx *bbolt.Tx, quad uint64) error {
	quadKey := store.EncodeQuad(quad)
	rec, err := es.getRecord(tx, quadKey)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	ev := rec.Event

	idBytes := store.IDBytes(ev.ID)
	pkBytes := store.IDBytes(ev.PubKey)
	createdAt := int64(ev.CreatedAt)

	if err := tx.Bucket(store.BucketEvents).Delete(quadKey); err != nil {
		return err
	}
	if idBytes != nil {
		if err := tx.Bucket(store.BucketIDs).Delete(idBytes); err != nil {
			return err
		}
	}
	if pkBytes != nil {
		if err := tx.Bucket(store.BucketPubkeyKind).Delete(store.PubkeyKindKey(pkBytes, ev.Kind, createdAt, quad)); err != nil {
			return err
		}
		if err := tx.Bucket(store.BucketPubkey).Delete(store.PubkeyKey(pkBytes, createdAt, quad)); err != nil {
			return err
		}
	}
	if err := tx.Bucket(store.BucketKind).Delete(store.KindKey(ev.Kind, createdAt, quad)); err != nil {
		return err
	}
	if err := tx.Bucket(store.BucketCreatedAt).Delete(store.CreatedAtKey(createdAt, quad)); err != nil {
		return err
	}

	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		letter, ok := indexableTagLetter(tag[0])
		if !ok {
			continue
		}
		if err := tx.Bucket(store.BucketTags).Delete(store.TagKey(letter, tag[1], createdAt, quad)); err != nil {
			return err
		}
	}

	if (IsReplaceable(ev.Kind) || IsAddressable(ev.Kind)) && pkBytes != nil {
		dValue := ""
		if IsAddressable(ev.Kind) {
			dValue = DTagValue(ev.Tags)
		}
		replKey := store.ReplaceableKey(pkBytes, ev.Kind, dValue)
		// Only drop the winner row if it still points at this event
		if existing := tx.Bucket(store.BucketReplaceable).Get(replKey); existing != nil {
			exQuad, _, _ := store.DecodeReplaceableValue(existing)
			if exQuad == quad {
				if err := tx.Bucket(store.BucketReplaceable).Delete(replKey); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// getRecord loads and decodes a primary row. Returns nil when the quad
// is not present.
func (es *EventStore) getRecord(tx *bbolt.Tx, quadKey []byte) (*Record, error) {
	raw := tx.Bucket(store.BucketEvents).Get(quadKey)
	if raw == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode event record: %w", err)
	}
	return &rec, nil
}

// GetByID returns a stored event and its quadID, or (nil, 0) when the
// id is unknown.
func (es *EventStore) GetByID(id string) (*nostr.Event, uint64, error) {
	idBytes := store.IDBytes(id)
	if idBytes == nil {
		return nil, 0, nil
	}

	var ev *nostr.Event
	var quad uint64
	err := es.store.View(func(tx *bbolt.Tx) error {
		quadKey := tx.Bucket(store.BucketIDs).Get(idBytes)
		if quadKey == nil {
			return nil
		}
		rec, err := es.getRecord(tx, quadKey)
		if err != nil {
			return err
		}
		if rec != nil {
			ev = rec.Event
			quad = store.DecodeQuad(quadKey)
		}
		return nil
	})
	return ev, quad, err
}
