package eventstore

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/quadstr/quadstr/lib/store"
)

func openTestStore(t *testing.T) (*store.Store, *EventStore) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	es, err := New(s)
	require.NoError(t, err)
	return s, es
}

// testEvent fabricates an event with deterministic fake id and pubkey.
// Install does not verify signatures; the ingester does that upstream.
func testEvent(seed int, pubkeySeed int, kind int, createdAt int64, tags nostr.Tags) *nostr.Event {
	return &nostr.Event{
		ID:        fmt.Sprintf("%064x", seed),
		PubKey:    fmt.Sprintf("%064x", pubkeySeed),
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      tags,
		Content:   fmt.Sprintf("content %d", seed),
		Sig:       fmt.Sprintf("%0128x", seed),
	}
}

func install(t *testing.T, s *store.Store, es *EventStore, ev *nostr.Event) Outcome {
	t.Helper()
	var out Outcome
	err := s.Update(func(tx *bbolt.Tx) error {
		var err error
		out, err = es.Install(tx, ev, time.Now().Unix())
		return err
	})
	require.NoError(t, err)
	return out
}

func TestInstallAndGetByID(t *testing.T) {
	s, es := openTestStore(t)

	ev := testEvent(1, 100, 1, 1700000000, nil)
	out := install(t, s, es, ev)
	assert.Equal(t, Stored, out.Kind)
	assert.Equal(t, uint64(1), out.Quad)

	got, quad, err := es.GetByID(ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Content, got.Content)
	assert.Equal(t, uint64(1), quad)
}

func TestInstallDuplicate(t *testing.T) {
	s, es := openTestStore(t)

	ev := testEvent(1, 100, 1, 1700000000, nil)
	install(t, s, es, ev)

	out := install(t, s, es, ev)
	assert.Equal(t, Duplicate, out.Kind)
	assert.Equal(t, uint64(1), es.LastQuadID())
}

func TestQuadIDsStrictlyIncreasing(t *testing.T) {
	s, es := openTestStore(t)

	var last uint64
	for i := 1; i <= 10; i++ {
		out := install(t, s, es, testEvent(i, 100, 1, 1700000000+int64(i), nil))
		require.Equal(t, Stored, out.Kind)
		assert.Greater(t, out.Quad, last)
		last = out.Quad
	}
}

func TestLastQuadIDRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := store.Open(path, store.Options{NoSync: true})
	require.NoError(t, err)
	es, err := New(s)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		var out Outcome
		err := s.Update(func(tx *bbolt.Tx) error {
			var ierr error
			out, ierr = es.Install(tx, testEvent(i, 100, 1, 1700000000, nil), time.Now().Unix())
			return ierr
		})
		require.NoError(t, err)
		require.Equal(t, Stored, out.Kind)
	}
	require.NoError(t, s.Close())

	s, err = store.Open(path, store.Options{NoSync: true})
	require.NoError(t, err)
	defer s.Close()
	es, err = New(s)
	require.NoError(t, err)

	assert.Equal(t, uint64(5), es.LastQuadID())
}

func TestReplaceableReplacesOlder(t *testing.T) {
	s, es := openTestStore(t)

	old := testEvent(1, 100, 0, 1700000000, nil)
	install(t, s, es, old)

	newer := testEvent(2, 100, 0, 1700000500, nil)
	out := install(t, s, es, newer)
	assert.Equal(t, Replaced, out.Kind)

	// The old event is gone entirely
	got, _, err := es.GetByID(old.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, _, err = es.GetByID(newer.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestReplaceableShadowsNewer(t *testing.T) {
	s, es := openTestStore(t)

	newer := testEvent(1, 100, 10002, 1700000500, nil)
	install(t, s, es, newer)

	old := testEvent(2, 100, 10002, 1700000000, nil)
	out := install(t, s, es, old)
	assert.Equal(t, Shadowed, out.Kind)

	got, _, err := es.GetByID(old.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReplaceableTieBreakByID(t *testing.T) {
	s, es := openTestStore(t)

	// Same created_at: the greater id wins
	high := testEvent(0xff, 100, 0, 1700000000, nil)
	install(t, s, es, high)

	low := testEvent(0x01, 100, 0, 1700000000, nil)
	out := install(t, s, es, low)
	assert.Equal(t, Shadowed, out.Kind)

	got, _, err := es.GetByID(high.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestReplaceableDistinctAuthors(t *testing.T) {
	s, es := openTestStore(t)

	a := testEvent(1, 100, 0, 1700000000, nil)
	b := testEvent(2, 200, 0, 1700000000, nil)
	install(t, s, es, a)
	out := install(t, s, es, b)
	assert.Equal(t, Stored, out.Kind)
}

func TestAddressableKeyedByDTag(t *testing.T) {
	s, es := openTestStore(t)

	first := testEvent(1, 100, 30023, 1700000000, nostr.Tags{{"d", "article-one"}})
	other := testEvent(2, 100, 30023, 1700000100, nostr.Tags{{"d", "article-two"}})
	install(t, s, es, first)
	out := install(t, s, es, other)
	assert.Equal(t, Stored, out.Kind, "different d values are independent")

	replacement := testEvent(3, 100, 30023, 1700000200, nostr.Tags{{"d", "article-one"}})
	out = install(t, s, es, replacement)
	assert.Equal(t, Replaced, out.Kind)

	got, _, err := es.GetByID(first.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeletionRemovesOwnEvents(t *testing.T) {
	s, es := openTestStore(t)

	target := testEvent(1, 100, 1, 1700000000, nil)
	install(t, s, es, target)

	del := testEvent(2, 100, KindDeletion, 1700000100, nostr.Tags{{"e", target.ID}})
	out := install(t, s, es, del)
	assert.Equal(t, Stored, out.Kind)

	got, _, err := es.GetByID(target.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// The deletion event itself is stored
	got, _, err = es.GetByID(del.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestDeletionIgnoresOtherAuthors(t *testing.T) {
	s, es := openTestStore(t)

	target := testEvent(1, 100, 1, 1700000000, nil)
	install(t, s, es, target)

	del := testEvent(2, 200, KindDeletion, 1700000100, nostr.Tags{{"e", target.ID}})
	install(t, s, es, del)

	got, _, err := es.GetByID(target.ID)
	require.NoError(t, err)
	assert.NotNil(t, got, "deletion by a different pubkey must not remove the target")
}

func TestDeletionUnknownTarget(t *testing.T) {
	s, es := openTestStore(t)

	del := testEvent(1, 100, KindDeletion, 1700000100, nostr.Tags{{"e", fmt.Sprintf("%064x", 999)}})
	out := install(t, s, es, del)
	assert.Equal(t, Stored, out.Kind)
}

func TestKindClassification(t *testing.T) {
	assert.True(t, IsReplaceable(0))
	assert.True(t, IsReplaceable(3))
	assert.True(t, IsReplaceable(10000))
	assert.True(t, IsReplaceable(19999))
	assert.False(t, IsReplaceable(1))
	assert.False(t, IsReplaceable(20000))

	assert.True(t, IsEphemeral(20000))
	assert.True(t, IsEphemeral(29999))
	assert.False(t, IsEphemeral(30000))

	assert.True(t, IsAddressable(30000))
	assert.True(t, IsAddressable(39999))
	assert.False(t, IsAddressable(40000))
}

func TestEphemeralCache(t *testing.T) {
	cache := NewEphemeralCache()

	ev := testEvent(1, 100, 20001, 1700000000, nil)
	cache.Add(ev, 50*time.Millisecond)

	assert.NotNil(t, cache.Get(ev.ID))
	assert.Equal(t, 1, cache.Size())

	time.Sleep(80 * time.Millisecond)
	assert.Nil(t, cache.Get(ev.ID))

	removed := cache.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, cache.Size())
}
