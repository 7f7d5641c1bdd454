package negentropy

import (
	"fmt"
)

// Wire primitives. Varints are base-128, most significant group first,
// continuation bit set on every byte but the last. Timestamps are
// delta-encoded per message direction: 0 means "infinity", anything
// else is the delta from the previous timestamp plus one.

func encodeVarInt(n uint64) []byte {
	if n == 0 {
		return []byte{0}
	}

	var out []byte
	for n != 0 {
		out = append([]byte{byte(n & 0x7f)}, out...)
		n >>= 7
	}
	for i := 0; i < len(out)-1; i++ {
		out[i] |= 0x80
	}
	return out
}

// byteReader consumes an incoming message.
type byteReader struct {
	buf []byte
}

func (r *byteReader) len() int {
	return len(r.buf)
}

func (r *byteReader) readByte() (byte, error) {
	if len(r.buf) < 1 {
		return 0, fmt.Errorf("negentropy: message too short")
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

func (r *byteReader) readBytes(n int) ([]byte, error) {
	if len(r.buf) < n {
		return nil, fmt.Errorf("negentropy: message too short")
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b, nil
}

func (r *byteReader) readVarInt() (uint64, error) {
	var n uint64
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		if n > (1<<57)-1 {
			return 0, fmt.Errorf("negentropy: varint overflow")
		}
		n = (n << 7) | uint64(b&0x7f)
		if b&0x80 == 0 {
			return n, nil
		}
	}
}

// decodeTimestampIn reads one delta-encoded timestamp, updating the
// per-message decoder state.
func (n *Negentropy) decodeTimestampIn(r *byteReader) (uint64, error) {
	t, err := r.readVarInt()
	if err != nil {
		return 0, err
	}
	if t == 0 {
		t = maxTimestamp
	} else {
		t--
	}

	if n.lastTimestampIn == maxTimestamp || t == maxTimestamp {
		n.lastTimestampIn = maxTimestamp
		return maxTimestamp, nil
	}

	t += n.lastTimestampIn
	n.lastTimestampIn = t
	return t, nil
}

func (n *Negentropy) decodeBound(r *byteReader) (Bound, error) {
	timestamp, err := n.decodeTimestampIn(r)
	if err != nil {
		return Bound{}, err
	}
	idLen, err := r.readVarInt()
	if err != nil {
		return Bound{}, err
	}
	if idLen > IDSize {
		return Bound{}, fmt.Errorf("negentropy: bound id prefix too long")
	}
	prefix, err := r.readBytes(int(idLen))
	if err != nil {
		return Bound{}, err
	}
	return NewBound(timestamp, prefix)
}

// encodeTimestampOut writes one delta-encoded timestamp, updating the
// per-message encoder state.
func (n *Negentropy) encodeTimestampOut(timestamp uint64) []byte {
	if timestamp == maxTimestamp {
		n.lastTimestampOut = maxTimestamp
		return encodeVarInt(0)
	}

	delta := timestamp - n.lastTimestampOut
	n.lastTimestampOut = timestamp
	return encodeVarInt(delta + 1)
}

func (n *Negentropy) encodeBound(b Bound) []byte {
	out := n.encodeTimestampOut(b.Item.Timestamp)
	out = append(out, encodeVarInt(uint64(b.IDLen))...)
	out = append(out, b.Item.ID[:b.IDLen]...)
	return out
}
