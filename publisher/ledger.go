package publisher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/redis/go-redis/v9"
	"github.com/ripel-io/ripel/cfg"
	"github.com/ripel-io/ripel/encoding"
	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/storage"
	"github.com/rs/zerolog/log"
)

const (
	DefaultLedgerTTL      = 7 * 24 * time.Hour
	DefaultFilterCapacity = 1 << 20
	ledgerCacheSize       = 4096
	redisLedgerPrefix     = "ripel:ledger:"
)

// Ledger remembers which delivery tokens a destination has accepted. It is
// the dedup layer for sinks without native idempotency: a token found in the
// ledger is not produced again.
type Ledger interface {
	// Lookup returns the recorded delivery for token
	Lookup(ctx context.Context, token string) (event.Delivery, bool, error)
	// Record stores the delivery for token
	Record(ctx context.Context, token string, d event.Delivery) error
	Close() error
}

// NewLedger builds the ledger selected by [publisher.ledger]. store is used
// by the pebble ledger and may be nil otherwise.
func NewLedger(config cfg.LedgerConfiguration, store *storage.Store) (Ledger, error) {
	ttl := time.Duration(config.TTLSeconds) * time.Second

	switch config.Type {
	case "", "pebble":
		if store == nil {
			return nil, fmt.Errorf("pebble ledger requires a store")
		}
		return NewPebbleLedger(store, ttl, config.FilterCapacity)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     config.RedisAddress,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		})
		return NewRedisLedger(client, ttl), nil
	case "none":
		return NoopLedger{}, nil
	}
	return nil, fmt.Errorf("unknown ledger type: %s", config.Type)
}

// NoopLedger never finds a token
type NoopLedger struct{}

func (NoopLedger) Lookup(context.Context, string) (event.Delivery, bool, error) {
	return event.Delivery{}, false, nil
}
func (NoopLedger) Record(context.Context, string, event.Delivery) error { return nil }
func (NoopLedger) Close() error                                        { return nil }

type ledgerEntry struct {
	Delivery   event.Delivery `msgpack:"d"`
	RecordedAt int64          `msgpack:"at"`
}

// PebbleLedger keeps tokens in the local Pebble store. A cuckoo filter
// answers most misses without touching disk and an LRU holds recent hits.
// When the filter fills up it is marked saturated and every lookup goes to
// the store until Prune rebuilds it.
type PebbleLedger struct {
	store    *storage.Store
	ttl      time.Duration
	now      func() time.Time
	capacity uint

	mu        sync.RWMutex
	filter    *cuckoo.Filter
	saturated bool
	recent    *lru.Cache[string, ledgerEntry]
}

// NewPebbleLedger opens the ledger and loads existing tokens into the filter
func NewPebbleLedger(store *storage.Store, ttl time.Duration, capacity uint) (*PebbleLedger, error) {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	if capacity == 0 {
		capacity = DefaultFilterCapacity
	}

	recent, _ := lru.New[string, ledgerEntry](ledgerCacheSize)
	l := &PebbleLedger{
		store:    store,
		ttl:      ttl,
		now:      time.Now,
		capacity: capacity,
		recent:   recent,
	}

	if err := l.rebuild(); err != nil {
		return nil, fmt.Errorf("failed to load delivery ledger: %w", err)
	}

	log.Debug().Uint("tokens", l.filter.Size()).Bool("saturated", l.saturated).Msg("Delivery ledger loaded")
	return l, nil
}

// rebuild replaces the filter with one loaded from the stored tokens. The
// lock is held across the scan so a concurrent Record lands in the new filter.
func (l *PebbleLedger) rebuild() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	filter := cuckoo.NewFilter(4, 32, l.capacity, cuckoo.TableTypePacked)
	saturated := false

	prefix := []byte(storage.PrefixLedger)
	err := l.store.Scan(prefix, func(key, _ []byte) error {
		if !saturated && !filter.Add(tokenHash(string(key[len(prefix):]))) {
			saturated = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.filter = filter
	l.saturated = saturated
	return nil
}

func ledgerKey(token string) []byte {
	return []byte(storage.PrefixLedger + token)
}

func tokenHash(token string) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, xxhash.Sum64String(token))
	return buf
}

func (l *PebbleLedger) expired(e ledgerEntry) bool {
	return l.now().Sub(time.Unix(0, e.RecordedAt)) > l.ttl
}

// Lookup returns the recorded delivery for token
func (l *PebbleLedger) Lookup(_ context.Context, token string) (event.Delivery, bool, error) {
	l.mu.RLock()
	maybe := l.saturated || l.filter.Contain(tokenHash(token))
	l.mu.RUnlock()
	if !maybe {
		return event.Delivery{}, false, nil
	}

	if e, ok := l.recent.Get(token); ok && !l.expired(e) {
		return e.Delivery, true, nil
	}

	val, found, err := l.store.Get(ledgerKey(token))
	if err != nil || !found {
		return event.Delivery{}, false, err
	}

	var e ledgerEntry
	if err := encoding.Unmarshal(val, &e); err != nil {
		return event.Delivery{}, false, fmt.Errorf("corrupt ledger entry for %s: %w", token, err)
	}
	if l.expired(e) {
		return event.Delivery{}, false, nil
	}

	l.recent.Add(token, e)
	return e.Delivery, true, nil
}

// Record stores the delivery for token
func (l *PebbleLedger) Record(_ context.Context, token string, d event.Delivery) error {
	e := ledgerEntry{Delivery: d, RecordedAt: l.now().UnixNano()}
	val, err := encoding.Marshal(&e)
	if err != nil {
		return err
	}
	if err := l.store.Set(ledgerKey(token), val); err != nil {
		return err
	}

	l.mu.Lock()
	if !l.saturated && !l.filter.Add(tokenHash(token)) {
		l.saturated = true
		log.Warn().Uint("capacity", l.capacity).Msg("Delivery ledger filter is full, lookups fall through to the store")
	}
	l.mu.Unlock()

	l.recent.Add(token, e)
	return nil
}

// Prune removes entries older than the TTL and returns how many were removed.
// A saturated filter is rebuilt from the remaining tokens.
func (l *PebbleLedger) Prune() (int, error) {
	var stale []string
	prefix := []byte(storage.PrefixLedger)
	err := l.store.Scan(prefix, func(key, val []byte) error {
		var e ledgerEntry
		if err := encoding.Unmarshal(val, &e); err != nil || l.expired(e) {
			stale = append(stale, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	l.mu.RLock()
	saturated := l.saturated
	l.mu.RUnlock()

	for _, token := range stale {
		if err := l.store.Delete(ledgerKey(token)); err != nil {
			return 0, err
		}
		// deleting a fingerprint that was never added could evict another token's
		if !saturated {
			l.mu.Lock()
			l.filter.Delete(tokenHash(token))
			l.mu.Unlock()
		}
		l.recent.Remove(token)
	}

	if saturated {
		if err := l.rebuild(); err != nil {
			return len(stale), err
		}
	}

	return len(stale), nil
}

// Size returns the number of tokens in the filter
func (l *PebbleLedger) Size() uint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filter.Size()
}

// Saturated reports whether the filter overflowed since the last rebuild
func (l *PebbleLedger) Saturated() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.saturated
}

// Close is a no-op; the store is owned by the caller
func (l *PebbleLedger) Close() error {
	return nil
}

// RedisLedger shares tokens between publisher instances through Redis.
// Entries expire with the TTL.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLedger creates a ledger on client
func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &RedisLedger{client: client, ttl: ttl}
}

func redisKey(token string) string {
	return redisLedgerPrefix + token
}

// Lookup returns the recorded delivery for token
func (l *RedisLedger) Lookup(ctx context.Context, token string) (event.Delivery, bool, error) {
	val, err := l.client.Get(ctx, redisKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return event.Delivery{}, false, nil
	}
	if err != nil {
		return event.Delivery{}, false, err
	}

	var d event.Delivery
	if err := encoding.Unmarshal(val, &d); err != nil {
		return event.Delivery{}, false, fmt.Errorf("corrupt ledger entry for %s: %w", token, err)
	}
	return d, true, nil
}

// Record stores the delivery for token
func (l *RedisLedger) Record(ctx context.Context, token string, d event.Delivery) error {
	val, err := encoding.Marshal(&d)
	if err != nil {
		return err
	}
	return l.client.Set(ctx, redisKey(token), val, l.ttl).Err()
}

// Close closes the Redis client
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
