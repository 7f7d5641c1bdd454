package store

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
)

// Composite index keys. Every numeric field is big-endian so that byte
// order equals numeric order and prefix cursors walk ranges in logical
// order. Timestamps are sign-flipped: created_at is a signed 64-bit
// value and flipping the top bit keeps negative values sorting before
// positive ones.

// EncodeQuad encodes a quadID as an 8-byte big-endian key.
func EncodeQuad(quad uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], quad)
	return buf[:]
}

// DecodeQuad reads a quadID back out of an 8-byte key or value.
func DecodeQuad(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// EncodeTimestamp encodes a signed created_at in order-preserving form.
func EncodeTimestamp(ts int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts)^(1<<63))
	return buf[:]
}

// DecodeTimestamp reverses EncodeTimestamp.
func DecodeTimestamp(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// EncodeKind encodes a kind as 2 bytes big-endian.
func EncodeKind(kind int) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(kind))
	return buf[:]
}

// IDBytes decodes a 64-char hex event id or pubkey. Returns nil when
// the hex is malformed; validation upstream guarantees well-formed ids
// on the write path.
func IDBytes(id string) []byte {
	b, err := hex.DecodeString(id)
	if err != nil || len(b) != 32 {
		return nil
	}
	return b
}

// IDKey is the byId index key: the raw 32-byte event id.
func IDKey(id string) []byte {
	return IDBytes(id)
}

// PubkeyKindKey builds (pubkey, kind, created_at, quadID).
func PubkeyKindKey(pubkey []byte, kind int, createdAt int64, quad uint64) []byte {
	k := make([]byte, 0, 32+2+8+8)
	k = append(k, pubkey...)
	k = append(k, EncodeKind(kind)...)
	k = append(k, EncodeTimestamp(createdAt)...)
	k = append(k, EncodeQuad(quad)...)
	return k
}

// PubkeyKey builds (pubkey, created_at, quadID).
func PubkeyKey(pubkey []byte, createdAt int64, quad uint64) []byte {
	k := make([]byte, 0, 32+8+8)
	k = append(k, pubkey...)
	k = append(k, EncodeTimestamp(createdAt)...)
	k = append(k, EncodeQuad(quad)...)
	return k
}

// KindKey builds (kind, created_at, quadID).
func KindKey(kind int, createdAt int64, quad uint64) []byte {
	k := make([]byte, 0, 2+8+8)
	k = append(k, EncodeKind(kind)...)
	k = append(k, EncodeTimestamp(createdAt)...)
	k = append(k, EncodeQuad(quad)...)
	return k
}

// CreatedAtKey builds (created_at, quadID).
func CreatedAtKey(createdAt int64, quad uint64) []byte {
	k := make([]byte, 0, 8+8)
	k = append(k, EncodeTimestamp(createdAt)...)
	k = append(k, EncodeQuad(quad)...)
	return k
}

// TagKey builds (tag-letter, tag-value, created_at, quadID). The value
// is NUL-terminated inside the key so that "ab" never sorts inside the
// range of "a".
func TagKey(letter byte, value string, createdAt int64, quad uint64) []byte {
	k := make([]byte, 0, 1+len(value)+1+8+8)
	k = append(k, letter)
	k = append(k, value...)
	k = append(k, 0)
	k = append(k, EncodeTimestamp(createdAt)...)
	k = append(k, EncodeQuad(quad)...)
	return k
}

// TagPrefix is the prefix of TagKey shared by every row with the same
// letter and value.
func TagPrefix(letter byte, value string) []byte {
	k := make([]byte, 0, 1+len(value)+1)
	k = append(k, letter)
	k = append(k, value...)
	k = append(k, 0)
	return k
}

// ReplaceableKey builds (pubkey, kind) or (pubkey, kind, d-value) for
// the replaceable winner table.
func ReplaceableKey(pubkey []byte, kind int, dValue string) []byte {
	k := make([]byte, 0, 32+2+len(dValue))
	k = append(k, pubkey...)
	k = append(k, EncodeKind(kind)...)
	k = append(k, dValue...)
	return k
}

// ReplaceableValue packs (quadID, created_at, id) so shadow checks need
// no primary-table lookup.
func ReplaceableValue(quad uint64, createdAt int64, id []byte) []byte {
	v := make([]byte, 0, 8+8+32)
	v = append(v, EncodeQuad(quad)...)
	v = append(v, EncodeTimestamp(createdAt)...)
	v = append(v, id...)
	return v
}

// DecodeReplaceableValue unpacks ReplaceableValue.
func DecodeReplaceableValue(v []byte) (quad uint64, createdAt int64, id []byte) {
	return DecodeQuad(v[0:8]), DecodeTimestamp(v[8:16]), v[16:48]
}

// PrefixEnd returns the smallest key greater than every key carrying
// the prefix, or nil when the prefix is all 0xff.
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
