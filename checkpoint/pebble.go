package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/ripel-io/ripel/cdc"
	"github.com/ripel-io/ripel/encoding"
	"github.com/ripel-io/ripel/storage"
)

// PebbleStore keeps the checkpoint under /checkpoint/{readerID} in the local
// Pebble database. Writes are synced.
type PebbleStore struct {
	store    *storage.Store
	readerID string
	key      []byte
}

// NewPebbleStore binds a reader to a shared storage.Store. The store is not
// closed by Close.
func NewPebbleStore(store *storage.Store, readerID string) *PebbleStore {
	return &PebbleStore{
		store:    store,
		readerID: readerID,
		key:      []byte(storage.PrefixCheckpoint + readerID),
	}
}

func (p *PebbleStore) Load(context.Context) (cdc.Position, bool, error) {
	val, found, err := p.store.Get(p.key)
	if err != nil || !found {
		return cdc.Position{}, false, err
	}
	var rec Record
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return cdc.Position{}, false, fmt.Errorf("corrupt checkpoint for %s: %w", p.readerID, err)
	}
	return rec.Position, true, nil
}

func (p *PebbleStore) Save(_ context.Context, pos cdc.Position) error {
	if pos.IsZero() {
		return fmt.Errorf("refusing to save empty position")
	}
	val, err := encoding.Marshal(Record{ReaderID: p.readerID, Position: pos, SavedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return p.store.Set(p.key, val)
}

// Reset removes the checkpoint so the next start uses the configured position
func (p *PebbleStore) Reset() error {
	return p.store.Delete(p.key)
}

func (p *PebbleStore) Close() error {
	return nil
}
