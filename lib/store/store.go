package store

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// Bucket names, one per table of the schema. The primary table maps
// quadID to the serialized event record; every index maps a composite
// key back to the quadID.
var (
	BucketEvents      = []byte("events")
	BucketIDs         = []byte("byId")
	BucketPubkeyKind  = []byte("byPubkeyKind")
	BucketPubkey      = []byte("byPubkey")
	BucketKind        = []byte("byKind")
	BucketCreatedAt   = []byte("byCreatedAt")
	BucketTags        = []byte("byTag")
	BucketReplaceable = []byte("replaceable")
)

var allBuckets = [][]byte{
	BucketEvents,
	BucketIDs,
	BucketPubkeyKind,
	BucketPubkey,
	BucketKind,
	BucketCreatedAt,
	BucketTags,
	BucketReplaceable,
}

// Options control how the underlying database file is opened.
type Options struct {
	// MmapSize caps the memory map, and therefore total database size.
	// Exhaustion surfaces as a write error, which the writer treats as
	// fatal.
	MmapSize int
	// NoSync skips fsync on commit. Only safe for tests and bulk loads.
	NoSync bool
}

// Store is a thin wrapper around a bbolt database: a memory-mapped
// B+-tree with a single writer and snapshot-isolated read transactions.
// Read transactions never block the writer; the one write transaction
// is serialised through the relay's writer thread.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database file and ensures every bucket
// exists.
func Open(path string, opts Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		InitialMmapSize: opts.MmapSize,
		NoSync:          opts.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Begin opens a transaction. Writable transactions must only ever be
// opened by the writer thread; everything else opens read transactions,
// which observe a consistent snapshot.
func (s *Store) Begin(writable bool) (*bbolt.Tx, error) {
	return s.db.Begin(writable)
}

// View runs fn inside a read transaction.
func (s *Store) View(fn func(tx *bbolt.Tx) error) error {
	return s.db.View(fn)
}

// Update runs fn inside the write transaction and commits it. Reserved
// for the writer thread.
func (s *Store) Update(fn func(tx *bbolt.Tx) error) error {
	return s.db.Update(fn)
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}
