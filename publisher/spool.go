package publisher

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ripel-io/ripel/encoding"
	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/storage"
	"github.com/ripel-io/ripel/telemetry"
	"github.com/rs/zerolog/log"
)

const defaultSpoolReadLimit = 100

// SpoolEntry is a dead letter held in the local spool
type SpoolEntry struct {
	Seq    uint64
	Letter *event.DeadLetter
}

// Spool is a Pebble-backed append-only log of dead letters whose delivery
// to the dead-letter destination failed. Entries are zstd-compressed msgpack.
//
// Keys:
//
//	/spool/{16-hex-seq} -> zstd(msgpack(DeadLetter))
//	/spoolseq           -> uint64 (last sequence)
type Spool struct {
	store *storage.Store

	// appendMu serializes sequence allocation
	appendMu sync.Mutex
	lastSeq  uint64
}

// NewSpool opens the spool in store
func NewSpool(store *storage.Store) (*Spool, error) {
	s := &Spool{store: store}

	val, found, err := store.Get([]byte(storage.KeySpoolSeq))
	if err != nil {
		return nil, fmt.Errorf("failed to load spool sequence: %w", err)
	}
	if found {
		if len(val) != 8 {
			return nil, fmt.Errorf("invalid spool sequence length: %d", len(val))
		}
		s.lastSeq = binary.LittleEndian.Uint64(val)
	}

	n, err := s.Len()
	if err != nil {
		return nil, err
	}
	telemetry.SpoolEntries.Set(float64(n))
	if n > 0 {
		log.Warn().Int("entries", n).Msg("Dead-letter spool holds undelivered entries")
	}

	return s, nil
}

func formatSpoolKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", storage.PrefixSpool, seq))
}

// Append writes dl to the spool and returns its sequence number
func (s *Spool) Append(dl *event.DeadLetter) (uint64, error) {
	val, err := encoding.MarshalCompressed(dl)
	if err != nil {
		return 0, fmt.Errorf("failed to encode dead letter: %w", err)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	seq := s.lastSeq + 1
	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)

	err = s.store.Update(func(b *pebble.Batch) error {
		if err := b.Set(formatSpoolKey(seq), val, nil); err != nil {
			return err
		}
		return b.Set([]byte(storage.KeySpoolSeq), seqBuf, nil)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write spool entry: %w", err)
	}

	// Only advance the in-memory sequence after a successful commit
	s.lastSeq = seq
	telemetry.SpoolEntries.Inc()
	return seq, nil
}

// List returns up to limit entries in sequence order
func (s *Spool) List(limit int) ([]SpoolEntry, error) {
	if limit <= 0 {
		limit = defaultSpoolReadLimit
	}

	prefix := []byte(storage.PrefixSpool)
	entries := make([]SpoolEntry, 0, limit)
	err := s.store.Scan(prefix, func(key, val []byte) error {
		var seq uint64
		if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016x", &seq); err != nil {
			log.Warn().Err(err).Str("key", string(key)).Msg("Skipping malformed spool key")
			return nil
		}

		var dl event.DeadLetter
		if err := encoding.UnmarshalCompressed(val, &dl); err != nil {
			log.Warn().Err(err).Uint64("seq", seq).Msg("Failed to decode spooled dead letter")
			return nil
		}

		entries = append(entries, SpoolEntry{Seq: seq, Letter: &dl})
		if len(entries) >= limit {
			return storage.ErrStopScan
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes one entry
func (s *Spool) Delete(seq uint64) error {
	if err := s.store.Delete(formatSpoolKey(seq)); err != nil {
		return err
	}
	telemetry.SpoolEntries.Dec()
	return nil
}

// Len counts spooled entries
func (s *Spool) Len() (int, error) {
	n := 0
	err := s.store.Scan([]byte(storage.PrefixSpool), func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// Replay hands every spooled entry to deliver in sequence order and removes
// the ones it accepts. It stops at the first failure so order is kept, and
// returns the number of entries delivered.
func (s *Spool) Replay(deliver func(*event.DeadLetter) error) (int, error) {
	delivered := 0
	for {
		entries, err := s.List(defaultSpoolReadLimit)
		if err != nil {
			return delivered, err
		}
		if len(entries) == 0 {
			return delivered, nil
		}

		for _, e := range entries {
			if err := deliver(e.Letter); err != nil {
				return delivered, err
			}
			if err := s.Delete(e.Seq); err != nil {
				return delivered, err
			}
			delivered++
		}
	}
}
