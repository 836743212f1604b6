// Package storage wraps the Pebble database that holds the reader's local
// state. Components share one database and own disjoint key prefixes.
package storage

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// Key prefixes owned by each component
const (
	PrefixCheckpoint = "/checkpoint/" // /checkpoint/{readerID}
	PrefixLedger     = "/ledger/"     // /ledger/{token}
	PrefixSpool      = "/spool/"      // /spool/{16-hex-seq}
	KeySpoolSeq      = "/spoolseq"    // next spool sequence
)

// Pebble configuration constants
const (
	memTableSize                = 32 << 20 // 32MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 128 << 20 // 128MB
	maxConcurrentCompactions    = 2
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("store is closed")

// Store is a small facade over Pebble with synchronous writes
type Store struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool
}

// Open creates or opens a store at path
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store at %s: %w", path, err)
	}

	log.Debug().Str("path", path).Msg("Opened state store")
	return &Store{db: db, path: path}, nil
}

// Path returns the on-disk location
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the value for key. found is false when absent.
func (s *Store) Get(key []byte) (val []byte, found bool, err error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	raw, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	val = make([]byte, len(raw))
	copy(val, raw)
	return val, true, nil
}

// Has reports whether key exists
func (s *Store) Has(key []byte) (bool, error) {
	_, found, err := s.Get(key)
	return found, err
}

// Set writes key durably
func (s *Store) Set(key, val []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Set(key, val, pebble.Sync)
}

// Delete removes key durably
func (s *Store) Delete(key []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Delete(key, pebble.Sync)
}

// Update applies fn to a batch and commits it atomically
func (s *Store) Update(fn func(b *pebble.Batch) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := fn(batch); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Scan calls fn for every key with prefix in key order. Keys and values are
// only valid during the callback. Returning ErrStopScan ends the scan early.
func (s *Store) Scan(prefix []byte, fn func(key, val []byte) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := fn(iter.Key(), val); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}

	return iter.Error()
}

// ErrStopScan ends Scan without an error
var ErrStopScan = errors.New("stop scan")

// DeleteRange removes keys in [start, end)
func (s *Store) DeleteRange(start, end []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.DeleteRange(start, end, pebble.Sync)
}

// Close flushes and closes the database
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return s.db.Close()
}

// PrefixUpperBound returns the upper bound for a prefix scan
func PrefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
