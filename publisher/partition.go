package publisher

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultPartitions is used when the sink cannot report a partition count
	DefaultPartitions  = 1
	// partitionCountTTL bounds how long a cached partition count is trusted
	partitionCountTTL  = 5 * time.Minute
	partitionCacheSize = 1024
)

// PartitionFor maps key onto one of n partitions. The same key always maps
// to the same partition for a fixed n.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

type partitionCount struct {
	n       int
	fetched time.Time
}

// Partitioner resolves destination partition counts through the sink and
// caches them.
type Partitioner struct {
	sink     Sink
	fallback int
	cache    *lru.Cache[string, partitionCount]
	now      func() time.Time
}

// NewPartitioner creates a partitioner. fallback is used when the sink
// cannot report a count.
func NewPartitioner(sink Sink, fallback int) *Partitioner {
	if fallback <= 0 {
		fallback = DefaultPartitions
	}
	cache, _ := lru.New[string, partitionCount](partitionCacheSize)
	return &Partitioner{
		sink:     sink,
		fallback: fallback,
		cache:    cache,
		now:      time.Now,
	}
}

// Count returns the partition count of destination
func (p *Partitioner) Count(ctx context.Context, destination string) int {
	if c, ok := p.cache.Get(destination); ok && p.now().Sub(c.fetched) < partitionCountTTL {
		return c.n
	}

	n, err := p.sink.Partitions(ctx, destination)
	if err != nil || n <= 0 {
		log.Debug().
			Err(err).
			Str("destination", destination).
			Int("fallback", p.fallback).
			Msg("Partition count unavailable, using fallback")
		return p.fallback
	}

	p.cache.Add(destination, partitionCount{n: n, fetched: p.now()})
	return n
}

// Partition returns the partition for key within destination
func (p *Partitioner) Partition(ctx context.Context, destination, key string) int {
	return PartitionFor(key, p.Count(ctx, destination))
}

// Forget drops the cached count of destination
func (p *Partitioner) Forget(destination string) {
	p.cache.Remove(destination)
}
