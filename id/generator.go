package id

import (
	"sync"

	"github.com/google/uuid"
)

// Generator provides unique ids for events.
// IDs are unique across readers and roughly time-ordered.
type Generator interface {
	NextID() string
}

// UUIDGenerator generates UUIDv7 identifiers.
// Thread-safe; uuid.NewV7 serialises its monotonic counter internally.
type UUIDGenerator struct{}

// NewUUIDGenerator creates a UUIDv7 generator
func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

// NextID returns a new UUIDv7 string.
// Falls back to a random v4 id if the clock read fails.
func (g *UUIDGenerator) NextID() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}

// changeNamespace scopes ids derived from source positions
var changeNamespace = uuid.MustParse("6f1d2a9e-3c4b-5e7f-9a0b-1c2d3e4f5a6b")

// Derive returns a stable id for name. Replaying the same source position
// yields the same id, so downstream dedup recognises the replay.
func Derive(name string) string {
	return uuid.NewSHA1(changeNamespace, []byte(name)).String()
}

var (
	defaultMu  sync.RWMutex
	defaultGen Generator = NewUUIDGenerator()
)

// Next returns an id from the process-wide generator
func Next() string {
	defaultMu.RLock()
	g := defaultGen
	defaultMu.RUnlock()
	return g.NextID()
}

// SetDefault replaces the process-wide generator and returns the previous one
func SetDefault(g Generator) Generator {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultGen
	defaultGen = g
	return prev
}
