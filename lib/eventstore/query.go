package eventstore

import (
	"bytes"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"go.etcd.io/bbolt"

	"github.com/quadstr/quadstr/lib/store"
)

// scanRange is one contiguous key range on a chosen index, walked in
// descending created_at order. exact entries are single-key (or
// id-prefix) lookups that skip the range machinery entirely.
type scanRange struct {
	bucket []byte
	prefix []byte
}

type exactLookup struct {
	bucket []byte
	key    []byte
	prefix bool
}

// Plan is the compiled scan strategy for one filter.
type Plan struct {
	Filter nostr.Filter
	ranges []scanRange
	exacts []exactLookup
	limit  int
}

// PlanFilter compiles a filter into a scan plan, choosing the cheapest
// index for the constraints present. Preference: byId > replaceable >
// byPubkeyKind > byTag > byPubkey ~ byKind > byCreatedAt.
func PlanFilter(filter nostr.Filter, maxLimit int) *Plan {
	p := &Plan{Filter: filter, limit: filter.Limit}
	if p.limit <= 0 || p.limit > maxLimit {
		p.limit = maxLimit
	}

	switch {
	case len(filter.IDs) > 0:
		for _, id := range filter.IDs {
			key, isPrefix := hexKey(id)
			if key == nil {
				continue
			}
			p.exacts = append(p.exacts, exactLookup{bucket: store.BucketIDs, key: key, prefix: isPrefix})
		}

	case len(filter.Authors) > 0 && len(filter.Kinds) > 0 && replaceableOnly(filter):
		for _, author := range filter.Authors {
			pk := store.IDBytes(author)
			if pk == nil {
				continue
			}
			for _, kind := range filter.Kinds {
				if IsAddressable(kind) {
					for _, d := range filter.Tags["d"] {
						p.exacts = append(p.exacts, exactLookup{bucket: store.BucketReplaceable, key: store.ReplaceableKey(pk, kind, d)})
					}
				} else {
					p.exacts = append(p.exacts, exactLookup{bucket: store.BucketReplaceable, key: store.ReplaceableKey(pk, kind, "")})
				}
			}
		}

	case len(filter.Authors) > 0 && len(filter.Kinds) > 0:
		for _, author := range filter.Authors {
			pk, isPrefix := hexKey(author)
			if pk == nil {
				continue
			}
			if isPrefix {
				// Partial author: kind cannot be appended to a partial
				// pubkey, scan the author range and re-check kinds.
				p.ranges = append(p.ranges, scanRange{bucket: store.BucketPubkey, prefix: pk})
				continue
			}
			for _, kind := range filter.Kinds {
				prefix := append(bytes.Clone(pk), store.EncodeKind(kind)...)
				p.ranges = append(p.ranges, scanRange{bucket: store.BucketPubkeyKind, prefix: prefix})
			}
		}

	case hasTagConstraint(filter):
		letter, values := cheapestTag(filter)
		for _, value := range values {
			p.ranges = append(p.ranges, scanRange{bucket: store.BucketTags, prefix: store.TagPrefix(letter, value)})
		}

	case len(filter.Authors) > 0:
		for _, author := range filter.Authors {
			pk, _ := hexKey(author)
			if pk == nil {
				continue
			}
			p.ranges = append(p.ranges, scanRange{bucket: store.BucketPubkey, prefix: pk})
		}

	case len(filter.Kinds) > 0:
		for _, kind := range filter.Kinds {
			p.ranges = append(p.ranges, scanRange{bucket: store.BucketKind, prefix: store.EncodeKind(kind)})
		}

	default:
		p.ranges = append(p.ranges, scanRange{bucket: store.BucketCreatedAt, prefix: nil})
	}

	return p
}

// hexKey decodes a full or partial hex id/pubkey into key bytes.
// Odd-length prefixes are truncated to the preceding even boundary; the
// full-filter re-check catches the lost nibble.
func hexKey(s string) (key []byte, isPrefix bool) {
	if len(s) > 64 {
		return nil, false
	}
	trimmed := s[:len(s)&^1]
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, false
	}
	return b, len(s) < 64
}

func replaceableOnly(filter nostr.Filter) bool {
	for _, author := range filter.Authors {
		if len(author) != 64 {
			return false
		}
	}
	for _, kind := range filter.Kinds {
		if IsAddressable(kind) {
			if len(filter.Tags["d"]) == 0 {
				return false
			}
		} else if !IsReplaceable(kind) {
			return false
		}
	}
	return true
}

func hasTagConstraint(filter nostr.Filter) bool {
	for name, values := range filter.Tags {
		if _, ok := indexableTagLetter(name); ok && len(values) > 0 {
			return true
		}
	}
	return false
}

// cheapestTag picks the constrained tag letter with the fewest values,
// minimising the number of merged cursors.
func cheapestTag(filter nostr.Filter) (byte, []string) {
	var bestLetter byte
	var bestValues []string
	for name, values := range filter.Tags {
		letter, ok := indexableTagLetter(name)
		if !ok || len(values) == 0 {
			continue
		}
		if bestValues == nil || len(values) < len(bestValues) {
			bestLetter, bestValues = letter, values
		}
	}
	return bestLetter, bestValues
}

// rangeState is the resumable cursor position for one scanRange.
type rangeState struct {
	r    scanRange
	done bool
	// resume is the last key consumed; the next step continues strictly
	// below it. nil until the merge consumes from this range, so a range
	// untouched before a yield repositions from its upper bound.
	resume []byte

	// transient, valid only inside one Step's transaction
	cursor *bbolt.Cursor
	key    []byte
	quad   uint64
	ts     int64
}

type planState struct {
	plan      *Plan
	emitted   int
	exactDone bool
	ranges    []*rangeState
	done      bool
}

// Scan drives the historical query for one subscription: a sequence of
// budget-bounded Steps over a consistent view of the log, de-duplicated
// by id, capped per filter, bounded above by the quadID snapshot taken
// when the scan was created.
type Scan struct {
	es      *EventStore
	plans   []*planState
	seen    *lru.Cache[string, struct{}]
	MaxQuad uint64
	planIdx int
}

const scanDedupeSize = 4096

// NewScan compiles every filter of a group and snapshots the current
// quadID high-water mark. Events committed after this point are not
// the scan's business; the monitor hand-off covers them.
func NewScan(es *EventStore, filters []nostr.Filter, maxLimit int) *Scan {
	seen, _ := lru.New[string, struct{}](scanDedupeSize)
	s := &Scan{
		es:      es,
		seen:    seen,
		MaxQuad: es.LastQuadID(),
	}
	for _, filter := range filters {
		plan := PlanFilter(filter, maxLimit)
		ps := &planState{plan: plan, exactDone: len(plan.exacts) == 0}
		for _, r := range plan.ranges {
			ps.ranges = append(ps.ranges, &rangeState{r: r})
		}
		s.plans = append(s.plans, ps)
	}
	return s
}

// Step runs the scan for at most budget wall time inside one read
// snapshot. emit returns false to cancel the scan. Step returns true
// when the scan has finished (or was cancelled) and false when it
// yielded with its checkpoints saved.
func (s *Scan) Step(budget time.Duration, emit func(ev *nostr.Event, quad uint64) bool) (bool, error) {
	tx, err := s.es.store.Begin(false)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	start := time.Now()

	for s.planIdx < len(s.plans) {
		ps := s.plans[s.planIdx]

		if !ps.exactDone {
			cancelled, err := s.resolveExacts(tx, ps, emit)
			if err != nil {
				return false, err
			}
			if cancelled {
				return true, nil
			}
			ps.exactDone = true
		}

		if !ps.done && len(ps.ranges) > 0 {
			for _, rs := range ps.ranges {
				if err := rs.position(tx, ps.plan.Filter); err != nil {
					return false, err
				}
			}

			for ps.emitted < ps.plan.limit {
				best := pickBest(ps.ranges)
				if best == nil {
					break
				}

				ok, cancelled, err := s.emitQuad(tx, ps, best.quad, emit)
				if err != nil {
					return false, err
				}
				if cancelled {
					return true, nil
				}
				if ok {
					ps.emitted++
				}

				best.resume = bytes.Clone(best.key)
				best.advance(ps.plan.Filter)

				if time.Since(start) > budget {
					return false, nil
				}
			}
		}

		ps.done = true
		s.planIdx++

		if time.Since(start) > budget && s.planIdx < len(s.plans) {
			return false, nil
		}
	}

	return true, nil
}

// resolveExacts serves byId and replaceable-winner lookups. The result
// sets are small so they are resolved in full within one step.
func (s *Scan) resolveExacts(tx *bbolt.Tx, ps *planState, emit func(ev *nostr.Event, quad uint64) bool) (cancelled bool, err error) {
	var quads []uint64
	for _, ex := range ps.plan.exacts {
		bucket := tx.Bucket(ex.bucket)
		if ex.prefix {
			c := bucket.Cursor()
			for k, v := c.Seek(ex.key); k != nil && bytes.HasPrefix(k, ex.key); k, v = c.Next() {
				quads = append(quads, store.DecodeQuad(v[0:8]))
			}
			continue
		}
		if v := bucket.Get(ex.key); v != nil {
			quads = append(quads, store.DecodeQuad(v[0:8]))
		}
	}

	// Newest first, like the range scans
	type cand struct {
		ev   *nostr.Event
		quad uint64
	}
	var cands []cand
	for _, quad := range quads {
		rec, err := s.es.getRecord(tx, store.EncodeQuad(quad))
		if err != nil {
			return false, err
		}
		if rec != nil {
			cands = append(cands, cand{ev: rec.Event, quad: quad})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].ev.CreatedAt != cands[j].ev.CreatedAt {
			return cands[i].ev.CreatedAt > cands[j].ev.CreatedAt
		}
		return cands[i].quad > cands[j].quad
	})

	for _, c := range cands {
		if ps.emitted >= ps.plan.limit {
			break
		}
		ok, cancelled, err := s.emitEvent(ps, c.ev, c.quad, emit)
		if err != nil || cancelled {
			return cancelled, err
		}
		if ok {
			ps.emitted++
		}
	}
	return false, nil
}

func (s *Scan) emitQuad(tx *bbolt.Tx, ps *planState, quad uint64, emit func(ev *nostr.Event, quad uint64) bool) (ok, cancelled bool, err error) {
	rec, err := s.es.getRecord(tx, store.EncodeQuad(quad))
	if err != nil {
		return false, false, err
	}
	if rec == nil {
		return false, false, nil
	}
	return s.emitEvent(ps, rec.Event, quad, emit)
}

func (s *Scan) emitEvent(ps *planState, ev *nostr.Event, quad uint64, emit func(ev *nostr.Event, quad uint64) bool) (ok, cancelled bool, err error) {
	if quad > s.MaxQuad {
		// Committed after this scan's snapshot; the monitor delivers it
		return false, false, nil
	}
	if _, dup := s.seen.Get(ev.ID); dup {
		return false, false, nil
	}
	if !MatchFilter(ps.plan.Filter, ev) {
		return false, false, nil
	}
	s.seen.Add(ev.ID, struct{}{})
	if !emit(ev, quad) {
		return false, true, nil
	}
	return true, false, nil
}

// position binds the range to a cursor in the current transaction,
// either at its upper bound or just below its resume checkpoint.
func (rs *rangeState) position(tx *bbolt.Tx, filter nostr.Filter) error {
	if rs.done {
		return nil
	}
	rs.cursor = tx.Bucket(rs.r.bucket).Cursor()

	if rs.resume != nil {
		k, _ := rs.cursor.Seek(rs.resume)
		if k == nil {
			k, _ = rs.cursor.Last()
		} else {
			k, _ = rs.cursor.Prev()
		}
		rs.key = k
	} else {
		upper := rs.upperBound(filter)
		var k []byte
		if upper == nil {
			k, _ = rs.cursor.Last()
		} else {
			k, _ = rs.cursor.Seek(upper)
			if k == nil {
				k, _ = rs.cursor.Last()
			} else {
				k, _ = rs.cursor.Prev()
			}
		}
		rs.key = k
	}

	rs.check(filter)
	return nil
}

// upperBound returns the first key strictly above every key this range
// may visit, honouring the filter's until bound. nil means "start from
// the end of the bucket".
func (rs *rangeState) upperBound(filter nostr.Filter) []byte {
	if filter.Until != nil {
		bound := append(bytes.Clone(rs.r.prefix), store.EncodeTimestamp(int64(*filter.Until))...)
		return store.PrefixEnd(bound)
	}
	if len(rs.r.prefix) == 0 {
		return nil
	}
	return store.PrefixEnd(rs.r.prefix)
}

// lowerBound is the smallest key still inside the range, honouring the
// filter's since bound.
func (rs *rangeState) lowerBound(filter nostr.Filter) []byte {
	if filter.Since == nil {
		return rs.r.prefix
	}
	return append(bytes.Clone(rs.r.prefix), store.EncodeTimestamp(int64(*filter.Since))...)
}

// check validates the current key against the range bounds and parses
// its created_at and quadID tail.
func (rs *rangeState) check(filter nostr.Filter) {
	k := rs.key
	if k == nil || !bytes.HasPrefix(k, rs.r.prefix) || bytes.Compare(k, rs.lowerBound(filter)) < 0 {
		rs.key = nil
		rs.done = true
		return
	}
	rs.ts = store.DecodeTimestamp(k[len(k)-16 : len(k)-8])
	rs.quad = store.DecodeQuad(k[len(k)-8:])
}

func (rs *rangeState) advance(filter nostr.Filter) {
	if rs.done {
		return
	}
	rs.key, _ = rs.cursor.Prev()
	rs.check(filter)
}

// pickBest returns the live range positioned at the newest entry,
// breaking created_at ties by quadID.
func pickBest(ranges []*rangeState) *rangeState {
	var best *rangeState
	for _, rs := range ranges {
		if rs.done || rs.key == nil {
			continue
		}
		if best == nil || rs.ts > best.ts || (rs.ts == best.ts && rs.quad > best.quad) {
			best = rs
		}
	}
	return best
}

// MatchFilter is the structural test of one filter's conjunction
// against an event. Ids and authors may be hex prefixes.
func MatchFilter(filter nostr.Filter, ev *nostr.Event) bool {
	if filter.Since != nil && ev.CreatedAt < *filter.Since {
		return false
	}
	if filter.Until != nil && ev.CreatedAt > *filter.Until {
		return false
	}
	if len(filter.Kinds) > 0 && !containsInt(filter.Kinds, ev.Kind) {
		return false
	}
	if len(filter.IDs) > 0 && !containsPrefixOf(filter.IDs, ev.ID) {
		return false
	}
	if len(filter.Authors) > 0 && !containsPrefixOf(filter.Authors, ev.PubKey) {
		return false
	}
	for name, values := range filter.Tags {
		if len(values) == 0 {
			continue
		}
		if !eventHasTag(ev, name, values) {
			return false
		}
	}
	return true
}

// MatchGroup tests the disjunction of a filter group.
func MatchGroup(filters []nostr.Filter, ev *nostr.Event) bool {
	for _, filter := range filters {
		if MatchFilter(filter, ev) {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsPrefixOf(prefixes []string, value string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

func eventHasTag(ev *nostr.Event, name string, values []string) bool {
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		for _, v := range values {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}

// QueryEvents runs a whole filter group to completion and returns the
// matched events newest-first. Convenience for sync snapshots, tests
// and tooling; interactive subscriptions go through Scan directly.
func (es *EventStore) QueryEvents(filters []nostr.Filter, maxLimit int) ([]*nostr.Event, error) {
	scan := NewScan(es, filters, maxLimit)
	var events []*nostr.Event
	for {
		done, err := scan.Step(time.Hour, func(ev *nostr.Event, quad uint64) bool {
			events = append(events, ev)
			return true
		})
		if err != nil {
			return nil, err
		}
		if done {
			return events, nil
		}
	}
}

// SyncItem is one (created_at, id) record of the negentropy snapshot.
type SyncItem struct {
	CreatedAt int64
	ID        [32]byte
}

// ErrTooManyEvents reports a sync snapshot over the session cap.
type ErrTooManyEvents struct{ Max int }

func (e ErrTooManyEvents) Error() string {
	return "too many events to sync"
}

// SyncItems builds the sorted (created_at, id) snapshot a negentropy
// session reconciles over. Exceeding max is a session-level error.
func (es *EventStore) SyncItems(filter nostr.Filter, max int) ([]SyncItem, error) {
	filter.Limit = 0 // limit is an initial-scan concept, not a sync one
	events, err := es.QueryEvents([]nostr.Filter{filter}, max+1)
	if err != nil {
		return nil, err
	}
	if len(events) > max {
		return nil, ErrTooManyEvents{Max: max}
	}

	items := make([]SyncItem, 0, len(events))
	for _, ev := range events {
		idBytes := store.IDBytes(ev.ID)
		if idBytes == nil {
			continue
		}
		var item SyncItem
		item.CreatedAt = int64(ev.CreatedAt)
		copy(item.ID[:], idBytes)
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt < items[j].CreatedAt
		}
		return bytes.Compare(items[i].ID[:], items[j].ID[:]) < 0
	})

	return items, nil
}
