// Package negentropy implements version 1 of the negentropy
// range-based set-reconciliation protocol. Two peers holding sorted
// (timestamp, id) sets exchange range fingerprints; ranges whose
// fingerprints differ are split recursively until they are small
// enough to exchange literal id lists, converging on the symmetric
// difference in O(sqrt n) bandwidth.
package negentropy

import (
	"bytes"
	"fmt"
)

const (
	// splitBuckets is how many fingerprint sub-ranges a mismatched
	// range is divided into.
	splitBuckets = 16
	// frameSlack is reserved headroom so a range never straddles the
	// frame size limit.
	frameSlack = 200
)

// Negentropy is one reconciliation session over a sealed Storage.
type Negentropy struct {
	storage        Storage
	frameSizeLimit int
	isInitiator    bool

	lastTimestampIn  uint64
	lastTimestampOut uint64
}

// NewNegentropy creates a session. frameSizeLimit of 0 means unlimited;
// otherwise it must leave room for at least one split range.
func NewNegentropy(storage Storage, frameSizeLimit int) (*Negentropy, error) {
	if frameSizeLimit != 0 && frameSizeLimit < 4096 {
		return nil, fmt.Errorf("negentropy: frameSizeLimit too small")
	}
	return &Negentropy{
		storage:        storage,
		frameSizeLimit: frameSizeLimit,
	}, nil
}

// Initiate produces the opening message covering the full range.
func (n *Negentropy) Initiate() ([]byte, error) {
	if n.isInitiator {
		return nil, fmt.Errorf("negentropy: already initiated")
	}
	n.isInitiator = true
	n.lastTimestampOut = 0

	out := []byte{protocolVersion}
	body, err := n.splitRange(0, n.storage.Size(), maxBound())
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}

// Reconcile processes a query on the responder side and returns the
// reply message.
func (n *Negentropy) Reconcile(query []byte) ([]byte, error) {
	if n.isInitiator {
		return nil, fmt.Errorf("negentropy: initiator must use ReconcileWithIDs")
	}
	out, err := n.reconcileAux(query, nil, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReconcileWithIDs processes a reply on the initiator side. Ids the
// initiator has and the peer lacks are appended to have; ids the peer
// has and the initiator lacks are appended to need. A nil message
// means the session is complete.
func (n *Negentropy) ReconcileWithIDs(query []byte, have, need *[]string) ([]byte, error) {
	if !n.isInitiator {
		return nil, fmt.Errorf("negentropy: not initiator")
	}
	out, err := n.reconcileAux(query, have, need)
	if err != nil {
		return nil, err
	}
	if len(out) == 1 {
		// Just the version byte: nothing left to reconcile
		return nil, nil
	}
	return out, nil
}

func (n *Negentropy) reconcileAux(query []byte, have, need *[]string) ([]byte, error) {
	n.lastTimestampIn = 0
	n.lastTimestampOut = 0

	r := &byteReader{buf: query}

	fullOutput := []byte{protocolVersion}

	version, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if version < 0x60 || version > 0x6f {
		return nil, fmt.Errorf("negentropy: invalid version byte")
	}
	if version != protocolVersion {
		if n.isInitiator {
			return nil, fmt.Errorf("negentropy: unsupported version requested")
		}
		// Answer with just our version byte; the peer downgrades or
		// gives up
		return fullOutput, nil
	}

	storageSize := n.storage.Size()
	var prevBound Bound
	prevIndex := 0
	skip := false

	for r.len() > 0 {
		var o []byte

		doSkip := func() {
			if skip {
				skip = false
				o = append(o, n.encodeBound(prevBound)...)
				o = append(o, encodeVarInt(uint64(ModeSkip))...)
			}
		}

		currBound, err := n.decodeBound(r)
		if err != nil {
			return nil, err
		}
		modeVal, err := r.readVarInt()
		if err != nil {
			return nil, err
		}
		mode := Mode(modeVal)

		lower := prevIndex
		upper := n.storage.FindLowerBound(prevIndex, storageSize, currBound)

		switch mode {
		case ModeSkip:
			skip = true

		case ModeFingerprint:
			theirFp, err := r.readBytes(FingerprintSize)
			if err != nil {
				return nil, err
			}
			ourFp, err := n.storage.Fingerprint(lower, upper)
			if err != nil {
				return nil, err
			}

			if bytes.Equal(theirFp, ourFp[:]) {
				skip = true
			} else {
				doSkip()
				split, err := n.splitRange(lower, upper, currBound)
				if err != nil {
					return nil, err
				}
				o = append(o, split...)
			}

		case ModeIdList:
			numIds, err := r.readVarInt()
			if err != nil {
				return nil, err
			}

			theirElems := make(map[[IDSize]byte]struct{}, numIds)
			for i := uint64(0); i < numIds; i++ {
				idBytes, err := r.readBytes(IDSize)
				if err != nil {
					return nil, err
				}
				var id [IDSize]byte
				copy(id[:], idBytes)
				theirElems[id] = struct{}{}
			}

			if n.isInitiator {
				skip = true

				err := n.storage.Iterate(lower, upper, func(item Item, _ int) bool {
					if _, ok := theirElems[item.ID]; !ok {
						*have = append(*have, string(item.ID[:]))
					} else {
						delete(theirElems, item.ID)
					}
					return true
				})
				if err != nil {
					return nil, err
				}
				for id := range theirElems {
					*need = append(*need, string(id[:]))
				}
			} else {
				doSkip()

				var responseIds []byte
				numResponseIds := 0
				endBound := currBound

				err := n.storage.Iterate(lower, upper, func(item Item, index int) bool {
					if n.frameSizeLimit != 0 && len(fullOutput)+len(responseIds) > n.frameSizeLimit-frameSlack {
						endBound = Bound{Item: item}
						upper = index // remaining items roll into the next message
						return false
					}
					responseIds = append(responseIds, item.ID[:]...)
					numResponseIds++
					return true
				})
				if err != nil {
					return nil, err
				}

				o = append(o, n.encodeBound(endBound)...)
				o = append(o, encodeVarInt(uint64(ModeIdList))...)
				o = append(o, encodeVarInt(uint64(numResponseIds))...)
				o = append(o, responseIds...)

				fullOutput = append(fullOutput, o...)
				o = nil
			}

		default:
			return nil, fmt.Errorf("negentropy: unexpected mode %d", mode)
		}

		if n.frameSizeLimit != 0 && len(fullOutput)+len(o) > n.frameSizeLimit-frameSlack {
			// Frame full: cover everything remaining with one
			// fingerprint and let the next round carry on
			remainingFp, err := n.storage.Fingerprint(upper, storageSize)
			if err != nil {
				return nil, err
			}
			fullOutput = append(fullOutput, n.encodeBound(maxBound())...)
			fullOutput = append(fullOutput, encodeVarInt(uint64(ModeFingerprint))...)
			fullOutput = append(fullOutput, remainingFp[:]...)
			break
		}
		fullOutput = append(fullOutput, o...)

		prevIndex = upper
		prevBound = currBound
	}

	return fullOutput, nil
}

// splitRange covers [lower, upper) either with a literal id list (small
// ranges) or with splitBuckets fingerprinted sub-ranges.
func (n *Negentropy) splitRange(lower, upper int, upperBound Bound) ([]byte, error) {
	var o []byte
	numElems := upper - lower

	if numElems < splitBuckets*2 {
		o = append(o, n.encodeBound(upperBound)...)
		o = append(o, encodeVarInt(uint64(ModeIdList))...)
		o = append(o, encodeVarInt(uint64(numElems))...)
		err := n.storage.Iterate(lower, upper, func(item Item, _ int) bool {
			o = append(o, item.ID[:]...)
			return true
		})
		if err != nil {
			return nil, err
		}
		return o, nil
	}

	itemsPerBucket := numElems / splitBuckets
	bucketsWithExtra := numElems % splitBuckets
	curr := lower

	for i := 0; i < splitBuckets; i++ {
		bucketSize := itemsPerBucket
		if i < bucketsWithExtra {
			bucketSize++
		}
		fp, err := n.storage.Fingerprint(curr, curr+bucketSize)
		if err != nil {
			return nil, err
		}
		curr += bucketSize

		var nextBound Bound
		if curr == upper {
			nextBound = upperBound
		} else {
			prevItem, err := n.storage.GetItem(curr - 1)
			if err != nil {
				return nil, err
			}
			currItem, err := n.storage.GetItem(curr)
			if err != nil {
				return nil, err
			}
			nextBound = minimalBound(prevItem, currItem)
		}

		o = append(o, n.encodeBound(nextBound)...)
		o = append(o, encodeVarInt(uint64(ModeFingerprint))...)
		o = append(o, fp[:]...)
	}

	return o, nil
}
