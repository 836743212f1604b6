// Package checkpoint persists the change reader's resume position. A reader
// only saves positions at transaction boundaries whose events were accepted
// downstream, so any stored position is safe to resume from.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ripel-io/ripel/cdc"
)

// Record is the persisted form of a checkpoint
type Record struct {
	ReaderID string       `msgpack:"reader_id" json:"reader_id"`
	Position cdc.Position `msgpack:"position" json:"position"`
	SavedAt  time.Time    `msgpack:"saved_at" json:"saved_at"`
}

// Store is a cdc.CheckpointStore bound to one reader
type Store interface {
	cdc.CheckpointStore
	Close() error
}

// Memory keeps the checkpoint in process. Used by tests and the memory sink.
type Memory struct {
	mu    sync.Mutex
	rec   Record
	found bool
}

// NewMemory creates an empty in-memory store
func NewMemory(readerID string) *Memory {
	return &Memory{rec: Record{ReaderID: readerID}}
}

func (m *Memory) Load(context.Context) (cdc.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.Position, m.found, nil
}

func (m *Memory) Save(_ context.Context, pos cdc.Position) error {
	if pos.IsZero() {
		return fmt.Errorf("refusing to save empty position")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.Position = pos
	m.rec.SavedAt = time.Now()
	m.found = true
	return nil
}

func (m *Memory) Close() error {
	return nil
}
