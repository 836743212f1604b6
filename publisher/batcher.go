package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/ripel-io/ripel/telemetry"
)

const (
	DefaultBatchSize      = 100
	DefaultBatchLinger    = 5 * time.Millisecond
	DefaultPublishTimeout = 10 * time.Second
)

// ErrBatcherClosed is returned for messages submitted after Close
var ErrBatcherClosed = errors.New("batcher is closed")

type laneKey struct {
	destination string
	partition   int
}

type pendingMessage struct {
	msg     Message
	promise *future.Promise[int64]
}

// Batcher accumulates messages per destination partition and writes each
// batch with a single Produce call. Batches go out when they reach the size
// bound or when the linger interval elapses. Every message gets its own
// future resolving to its offset; a failed batch fails all of its messages.
type Batcher struct {
	sink    Sink
	size    int
	linger  time.Duration
	timeout time.Duration

	mu      sync.Mutex
	pending map[laneKey][]pendingMessage

	wakeCh  chan struct{}
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewBatcher creates and starts a batcher
func NewBatcher(sink Sink, size int, linger, timeout time.Duration) *Batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if linger <= 0 {
		linger = DefaultBatchLinger
	}
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}

	b := &Batcher{
		sink:    sink,
		size:    size,
		linger:  linger,
		timeout: timeout,
		pending: make(map[laneKey][]pendingMessage),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushLoop()
	return b
}

// Submit queues msg for destination/partition
func (b *Batcher) Submit(destination string, partition int, msg Message) *future.Future[int64] {
	p := future.NewPromise[int64]()

	b.mu.Lock()
	if b.stopped.Load() {
		b.mu.Unlock()
		p.Set(0, ErrBatcherClosed)
		return p.Future()
	}

	key := laneKey{destination: destination, partition: partition}
	b.pending[key] = append(b.pending[key], pendingMessage{msg: msg, promise: p})
	full := len(b.pending[key]) >= b.size
	b.mu.Unlock()

	if full {
		select {
		case b.wakeCh <- struct{}{}:
		default:
		}
	}

	return p.Future()
}

// Close flushes queued messages and stops the flush loop
func (b *Batcher) Close() {
	b.mu.Lock()
	if !b.stopped.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
}

func (b *Batcher) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.linger)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.tryFlush()
		case <-b.wakeCh:
			b.tryFlush()
		case <-b.stopCh:
			b.tryFlush()
			return
		}
	}
}

func (b *Batcher) tryFlush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	lanes := b.pending
	b.pending = make(map[laneKey][]pendingMessage)
	b.mu.Unlock()

	// Lanes are independent. Within a lane, one round finishes before the
	// next starts, so per-partition order holds.
	var wg sync.WaitGroup
	for key, items := range lanes {
		wg.Add(1)
		go func(key laneKey, items []pendingMessage) {
			defer wg.Done()
			for start := 0; start < len(items); start += b.size {
				end := min(start+b.size, len(items))
				b.flush(key, items[start:end])
			}
		}(key, items)
	}
	wg.Wait()
}

func (b *Batcher) flush(key laneKey, items []pendingMessage) {
	msgs := make([]Message, len(items))
	for i, item := range items {
		msgs[i] = item.msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	start := time.Now()
	offsets, err := b.sink.Produce(ctx, key.destination, key.partition, msgs)
	telemetry.PublishDurationSeconds.With(key.destination).Observe(time.Since(start).Seconds())
	telemetry.PublishBatchSize.Observe(float64(len(msgs)))

	if err == nil && len(offsets) != len(items) {
		err = fmt.Errorf("sink returned %d offsets for %d messages", len(offsets), len(items))
	}

	if err != nil {
		for _, item := range items {
			item.promise.Set(0, err)
		}
		return
	}

	for i, item := range items {
		item.promise.Set(offsets[i], nil)
	}
}
