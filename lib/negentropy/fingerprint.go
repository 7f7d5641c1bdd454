package negentropy

import (
	"crypto/sha256"
)

// Fingerprint is the 16-byte digest of a range.
type Fingerprint [FingerprintSize]byte

// accumulator sums 32-byte ids as little-endian integers mod 2^256.
// Addition is associative and commutative, so the fingerprints of
// adjacent ranges can be combined by further addition before
// finalising.
type accumulator struct {
	buf [IDSize]byte
}

func (a *accumulator) reset() {
	a.buf = [IDSize]byte{}
}

func (a *accumulator) addItem(item Item) {
	a.add(item.ID)
}

func (a *accumulator) add(id [IDSize]byte) {
	var carry uint64
	for i := 0; i < IDSize; i++ {
		sum := uint64(a.buf[i]) + uint64(id[i]) + carry
		a.buf[i] = byte(sum)
		carry = sum >> 8
	}
}

// fingerprint finalises the accumulator over n items: SHA-256 of the
// accumulator state followed by the item count, truncated to 16 bytes.
// The hash provides the cryptographic domain separation; the raw sum
// alone would be forgeable.
func (a *accumulator) fingerprint(n int) Fingerprint {
	input := make([]byte, 0, IDSize+9)
	input = append(input, a.buf[:]...)
	input = append(input, encodeVarInt(uint64(n))...)

	hash := sha256.Sum256(input)

	var fp Fingerprint
	copy(fp[:], hash[:FingerprintSize])
	return fp
}
