package negentropy

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeID(seed int) []byte {
	h := sha256.Sum256([]byte(fmt.Sprintf("id-%d", seed)))
	return h[:]
}

func buildVector(t *testing.T, seeds []int) *Vector {
	t.Helper()
	v := NewVector()
	for _, seed := range seeds {
		require.NoError(t, v.Insert(uint64(1700000000+seed), fakeID(seed)))
	}
	require.NoError(t, v.Seal())
	return v
}

// runSync drives a full reconciliation between two vectors and returns
// what the initiator learned.
func runSync(t *testing.T, client, server *Vector, frameSizeLimit int) (have, need []string) {
	t.Helper()

	clientNeg, err := NewNegentropy(client, frameSizeLimit)
	require.NoError(t, err)
	serverNeg, err := NewNegentropy(server, frameSizeLimit)
	require.NoError(t, err)

	msg, err := clientNeg.Initiate()
	require.NoError(t, err)

	for round := 0; ; round++ {
		require.Less(t, round, 100, "reconciliation did not converge")

		reply, err := serverNeg.Reconcile(msg)
		require.NoError(t, err)

		msg, err = clientNeg.ReconcileWithIDs(reply, &have, &need)
		require.NoError(t, err)
		if msg == nil {
			return have, need
		}
	}
}

func seedRange(from, to int) []int {
	var out []int
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestSyncIdenticalSets(t *testing.T) {
	client := buildVector(t, seedRange(0, 200))
	server := buildVector(t, seedRange(0, 200))

	have, need := runSync(t, client, server, 0)
	assert.Empty(t, have)
	assert.Empty(t, need)
}

func TestSyncDisjointItems(t *testing.T) {
	// Client has 0..210, server has 10..220
	client := buildVector(t, seedRange(0, 210))
	server := buildVector(t, seedRange(10, 220))

	have, need := runSync(t, client, server, 0)

	sort.Strings(have)
	sort.Strings(need)

	var wantHave, wantNeed []string
	for i := 0; i < 10; i++ {
		wantHave = append(wantHave, string(fakeID(i)))
	}
	for i := 210; i < 220; i++ {
		wantNeed = append(wantNeed, string(fakeID(i)))
	}
	sort.Strings(wantHave)
	sort.Strings(wantNeed)

	assert.Equal(t, wantHave, have)
	assert.Equal(t, wantNeed, need)
}

func TestSyncEmptyClient(t *testing.T) {
	client := buildVector(t, nil)
	server := buildVector(t, seedRange(0, 50))

	have, need := runSync(t, client, server, 0)
	assert.Empty(t, have)
	assert.Len(t, need, 50)
}

func TestSyncEmptyServer(t *testing.T) {
	client := buildVector(t, seedRange(0, 50))
	server := buildVector(t, nil)

	have, need := runSync(t, client, server, 0)
	assert.Len(t, have, 50)
	assert.Empty(t, need)
}

func TestSyncWithFrameSizeLimit(t *testing.T) {
	client := buildVector(t, seedRange(0, 1000))
	server := buildVector(t, seedRange(500, 1500))

	have, need := runSync(t, client, server, 4096)
	assert.Len(t, have, 500)
	assert.Len(t, need, 500)
}

func TestFrameSizeLimitRespected(t *testing.T) {
	server := buildVector(t, seedRange(0, 2000))
	client := buildVector(t, nil)

	clientNeg, err := NewNegentropy(client, 4096)
	require.NoError(t, err)
	serverNeg, err := NewNegentropy(server, 4096)
	require.NoError(t, err)

	msg, err := clientNeg.Initiate()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(msg), 4096)

	var have, need []string
	for round := 0; round < 100; round++ {
		reply, err := serverNeg.Reconcile(msg)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(reply), 4096)

		msg, err = clientNeg.ReconcileWithIDs(reply, &have, &need)
		require.NoError(t, err)
		if msg == nil {
			break
		}
		assert.LessOrEqual(t, len(msg), 4096)
	}
	assert.Len(t, need, 2000)
}

func TestNewNegentropyRejectsTinyFrameLimit(t *testing.T) {
	_, err := NewNegentropy(NewVector(), 100)
	assert.Error(t, err)
}

func TestReconcileRejectsBadVersion(t *testing.T) {
	server := buildVector(t, seedRange(0, 10))
	neg, err := NewNegentropy(server, 0)
	require.NoError(t, err)

	_, err = neg.Reconcile([]byte{0x41})
	assert.Error(t, err)
}

func TestSealRejectsDuplicates(t *testing.T) {
	v := NewVector()
	require.NoError(t, v.Insert(1700000000, fakeID(1)))
	require.NoError(t, v.Insert(1700000000, fakeID(1)))
	assert.Error(t, v.Seal())
}

func TestVarIntRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 127, 128, 300, 1 << 14, 1 << 21, 1<<40 + 7} {
		r := &byteReader{buf: encodeVarInt(n)}
		got, err := r.readVarInt()
		require.NoError(t, err)
		assert.Equal(t, n, got)
		assert.Equal(t, 0, r.len())
	}
}

func TestVarIntEncoding(t *testing.T) {
	// Big-endian base-128: most significant group first
	assert.Equal(t, []byte{0x00}, encodeVarInt(0))
	assert.Equal(t, []byte{0x7f}, encodeVarInt(127))
	assert.Equal(t, []byte{0x81, 0x00}, encodeVarInt(128))
	assert.Equal(t, []byte{0x82, 0x2c}, encodeVarInt(300))
}

func TestFingerprintOrderIndependentBuild(t *testing.T) {
	a := buildVector(t, []int{1, 2, 3, 4, 5})

	// Same items inserted in a different order
	b := NewVector()
	for _, seed := range []int{5, 3, 1, 4, 2} {
		require.NoError(t, b.Insert(uint64(1700000000+seed), fakeID(seed)))
	}
	require.NoError(t, b.Seal())

	fpA, err := a.Fingerprint(0, a.Size())
	require.NoError(t, err)
	fpB, err := b.Fingerprint(0, b.Size())
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)
}

func TestFingerprintDistinguishesSets(t *testing.T) {
	a := buildVector(t, []int{1, 2, 3})
	b := buildVector(t, []int{1, 2, 4})

	fpA, err := a.Fingerprint(0, a.Size())
	require.NoError(t, err)
	fpB, err := b.Fingerprint(0, b.Size())
	require.NoError(t, err)
	assert.NotEqual(t, fpA, fpB)
}

func TestFingerprintCountMatters(t *testing.T) {
	// An empty range and a range whose ids sum to zero must differ
	v := buildVector(t, nil)
	fpEmpty, err := v.Fingerprint(0, 0)
	require.NoError(t, err)

	var acc accumulator
	acc.reset()
	assert.NotEqual(t, fpEmpty, acc.fingerprint(1))
}

func TestMinimalBound(t *testing.T) {
	a, err := NewItem(100, fakeID(1))
	require.NoError(t, err)
	b, err := NewItem(200, fakeID(2))
	require.NoError(t, err)

	// Different timestamps need no id bytes at all
	bound := minimalBound(a, b)
	assert.Equal(t, 0, bound.IDLen)
	assert.Equal(t, uint64(200), bound.Item.Timestamp)

	// Same timestamp: the bound carries just enough id prefix to
	// separate the two
	c, err := NewItem(100, fakeID(2))
	require.NoError(t, err)
	lo, hi := a, c
	if hi.Less(lo) {
		lo, hi = hi, lo
	}
	bound = minimalBound(lo, hi)
	require.Greater(t, bound.IDLen, 0)
	assert.True(t, lo.Less(bound.Item))
	assert.False(t, hi.Less(bound.Item))
}
