package negentropy

import (
	"bytes"
	"fmt"
	"math"
)

const (
	// IDSize is the length of an event id.
	IDSize = 32
	// FingerprintSize is the length of a range fingerprint on the wire.
	FingerprintSize = 16
	// protocolVersion is version 1 of the negentropy protocol.
	protocolVersion = 0x61

	maxTimestamp = uint64(math.MaxUint64)
)

// Mode tags a range payload.
type Mode uint64

const (
	ModeSkip        Mode = 0
	ModeFingerprint Mode = 1
	ModeIdList      Mode = 2
)

// Item is one element of the reconciled set: an event's created_at and
// its 32-byte id. Items order by timestamp, then id.
type Item struct {
	Timestamp uint64
	ID        [IDSize]byte
}

// NewItem builds an Item from a raw id.
func NewItem(timestamp uint64, id []byte) (Item, error) {
	if len(id) != IDSize {
		return Item{}, fmt.Errorf("bad id size: %d", len(id))
	}
	item := Item{Timestamp: timestamp}
	copy(item.ID[:], id)
	return item, nil
}

// Less is the canonical item ordering.
func (i Item) Less(other Item) bool {
	if i.Timestamp != other.Timestamp {
		return i.Timestamp < other.Timestamp
	}
	return bytes.Compare(i.ID[:], other.ID[:]) < 0
}

func (i Item) Equal(other Item) bool {
	return i.Timestamp == other.Timestamp && i.ID == other.ID
}

// Bound is a range boundary: an item whose id may be truncated to a
// prefix. The untruncated tail is zero, so bounds compare with the
// plain item ordering.
type Bound struct {
	Item  Item
	IDLen int
}

// NewBound builds a bound from a timestamp and id prefix.
func NewBound(timestamp uint64, idPrefix []byte) (Bound, error) {
	if len(idPrefix) > IDSize {
		return Bound{}, fmt.Errorf("bad id prefix size: %d", len(idPrefix))
	}
	b := Bound{IDLen: len(idPrefix)}
	b.Item.Timestamp = timestamp
	copy(b.Item.ID[:], idPrefix)
	return b, nil
}

// timestampBound is a bound with no id prefix.
func timestampBound(timestamp uint64) Bound {
	return Bound{Item: Item{Timestamp: timestamp}}
}

// maxBound sorts after every item.
func maxBound() Bound {
	return timestampBound(maxTimestamp)
}

// minimalBound returns the smallest-encoding bound b such that
// prev < b <= curr, used to delimit adjacent fingerprint buckets.
func minimalBound(prev, curr Item) Bound {
	if curr.Timestamp != prev.Timestamp {
		return timestampBound(curr.Timestamp)
	}

	shared := 0
	for shared < IDSize && prev.ID[shared] == curr.ID[shared] {
		shared++
	}
	b, _ := NewBound(curr.Timestamp, curr.ID[:shared+1])
	return b
}
