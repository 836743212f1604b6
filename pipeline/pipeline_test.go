package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ripel-io/ripel/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(source string, n int) *event.Event {
	return event.New("test.event", source, map[string]any{"n": n})
}

func TestNewValidates(t *testing.T) {
	noop := ProcessorFunc(func(context.Context, *event.Event) error { return nil })

	_, err := New(Config{QueueCapacity: 0, Workers: 1, Processor: noop})
	assert.Error(t, err)
	_, err = New(Config{QueueCapacity: 1, Workers: 0, Processor: noop})
	assert.Error(t, err)
	_, err = New(Config{QueueCapacity: 1, Workers: 1})
	assert.Error(t, err)
}

func TestEveryEventProcessedExactlyOnce(t *testing.T) {
	const total = 500

	var mu sync.Mutex
	seen := make(map[string]int)

	p, err := New(Config{
		QueueCapacity: total,
		Workers:       8,
		Processor: ProcessorFunc(func(ctx context.Context, ev *event.Event) error {
			mu.Lock()
			seen[ev.ID]++
			mu.Unlock()
			return nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		ev := newEvent("api", i)
		ids = append(ids, ev.ID)
		require.NoError(t, p.Submit(context.Background(), ev))
	}

	require.NoError(t, p.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, total)
	for _, id := range ids {
		assert.Equal(t, 1, seen[id], "event %s", id)
	}
	assert.Equal(t, uint64(total), p.Stats().Processed)
}

func TestSubmitFailsWithQueueFullAfterTimeout(t *testing.T) {
	release := make(chan struct{})
	p, err := New(Config{
		QueueCapacity: 1,
		Workers:       1,
		SubmitTimeout: 20 * time.Millisecond,
		Processor: ProcessorFunc(func(ctx context.Context, ev *event.Event) error {
			<-release
			return nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	ctx := context.Background()
	require.NoError(t, p.Submit(ctx, newEvent("a", 1))) // taken by the worker
	require.Eventually(t, func() bool { return p.Stats().Queued == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(ctx, newEvent("a", 2))) // fills the queue

	start := time.Now()
	err = p.Submit(ctx, newEvent("a", 3))
	require.ErrorIs(t, err, ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "submit must block before failing")
	assert.Equal(t, 1.0, p.Saturation())

	close(release)
	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, uint64(2), p.Stats().Processed)
}

func TestSubmitBlocksUntilSpaceFrees(t *testing.T) {
	release := make(chan struct{})
	p, err := New(Config{
		QueueCapacity: 1,
		Workers:       1,
		SubmitTimeout: 2 * time.Second,
		Processor: ProcessorFunc(func(ctx context.Context, ev *event.Event) error {
			<-release
			return nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	ctx := context.Background()
	require.NoError(t, p.Submit(ctx, newEvent("a", 1)))
	require.Eventually(t, func() bool { return p.Stats().Queued == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(ctx, newEvent("a", 2)))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, p.Submit(ctx, newEvent("a", 3)))
	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, uint64(3), p.Stats().Processed)
}

func TestShutdownDrainsQueuedEvents(t *testing.T) {
	var processed atomic.Int32
	p, err := New(Config{
		QueueCapacity: 100,
		Workers:       2,
		Processor: ProcessorFunc(func(ctx context.Context, ev *event.Event) error {
			time.Sleep(time.Millisecond)
			processed.Add(1)
			return nil
		}),
	})
	require.NoError(t, err)

	// submitted before Start, still drained
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(context.Background(), newEvent("a", i)))
	}
	require.NoError(t, p.Start())
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, int32(50), processed.Load())
	assert.ErrorIs(t, p.Submit(context.Background(), newEvent("a", 99)), ErrStopped)
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)
}

func TestShutdownTimeoutCancelsInFlight(t *testing.T) {
	cancelled := make(chan struct{})
	p, err := New(Config{
		QueueCapacity:   1,
		Workers:         1,
		ShutdownTimeout: 20 * time.Millisecond,
		Processor: ProcessorFunc(func(ctx context.Context, ev *event.Event) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		}),
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	require.NoError(t, p.Submit(context.Background(), newEvent("a", 1)))

	err = p.Shutdown(context.Background())
	require.ErrorIs(t, err, ErrShutdownTimeout)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight processor never observed cancellation")
	}
	<-p.Done()
}

func TestFailureCountedAndNotRetried(t *testing.T) {
	var calls atomic.Int32
	var results []Result
	var mu sync.Mutex

	p, err := New(Config{
		QueueCapacity: 4,
		Workers:       1,
		Processor: ProcessorFunc(func(ctx context.Context, ev *event.Event) error {
			calls.Add(1)
			return errors.New("boom")
		}),
		OnResult: func(r Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	require.NoError(t, p.Submit(context.Background(), newEvent("a", 1)))
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), p.Stats().Failed)
	require.Len(t, results, 1)
	assert.EqualError(t, results[0].Err, "boom")
}

func TestPanicIsContained(t *testing.T) {
	p, err := New(Config{
		QueueCapacity: 2,
		Workers:       1,
		Processor: ProcessorFunc(func(ctx context.Context, ev *event.Event) error {
			if ev.Payload["n"] == 0 {
				panic("bad event")
			}
			return nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	require.NoError(t, p.Submit(context.Background(), newEvent("a", 0)))
	require.NoError(t, p.Submit(context.Background(), newEvent("a", 1)))
	require.NoError(t, p.Shutdown(context.Background()))

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Processed)
}

func TestPinningPreservesPerKeyOrder(t *testing.T) {
	const perKey = 200
	keys := []string{"db:users", "db:orders", "db:items", "db:carts"}

	var mu sync.Mutex
	order := make(map[string][]int)
	workers := make(map[string]map[int]bool)

	p, err := New(Config{
		QueueCapacity: 64,
		Workers:       4,
		KeyFunc:       KeyByPartitionKey,
		SubmitTimeout: 5 * time.Second,
		Processor: ProcessorFunc(func(ctx context.Context, ev *event.Event) error {
			k := ev.Meta(event.MetaPartitionKey)
			mu.Lock()
			order[k] = append(order[k], ev.Payload["n"].(int))
			mu.Unlock()
			return nil
		}),
		OnResult: func(r Result) {
			k := r.Event.Meta(event.MetaPartitionKey)
			mu.Lock()
			if workers[k] == nil {
				workers[k] = make(map[int]bool)
			}
			workers[k][r.Worker] = true
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	for i := 0; i < perKey; i++ {
		for _, k := range keys {
			ev := newEvent("mysql", i).WithMetadata(event.MetaPartitionKey, k)
			require.NoError(t, p.Submit(context.Background(), ev))
		}
	}
	require.NoError(t, p.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	for _, k := range keys {
		require.Len(t, order[k], perKey, k)
		for i, n := range order[k] {
			require.Equal(t, i, n, "key %s out of order", k)
		}
		assert.Len(t, workers[k], 1, "key %s ran on more than one worker", k)
		assert.True(t, workers[k][p.WorkerFor(k)])
	}
}

func TestSubmitWaitOutlastsFullQueue(t *testing.T) {
	var processed atomic.Int32
	p, err := New(Config{
		QueueCapacity: 2,
		Workers:       2,
		SubmitTimeout: time.Millisecond,
		Processor: ProcessorFunc(func(ctx context.Context, ev *event.Event) error {
			time.Sleep(2 * time.Millisecond)
			processed.Add(1)
			return nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	for i := 0; i < 20; i++ {
		require.NoError(t, p.SubmitWait(context.Background(), newEvent(fmt.Sprintf("s%d", i%3), i)))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(20), processed.Load())

	assert.ErrorIs(t, p.SubmitWait(context.Background(), newEvent("s0", 21)), ErrStopped)
}

func TestPinnedCapacityIsSplitPerWorker(t *testing.T) {
	p, err := New(Config{
		QueueCapacity: 10,
		Workers:       4,
		SubmitTimeout: time.Millisecond,
		KeyFunc:       KeyBySource,
		Processor:     ProcessorFunc(func(context.Context, *event.Event) error { return nil }),
	})
	require.NoError(t, err)
	assert.Equal(t, 12, p.Capacity())

	// not started: one key fills only its worker's share
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), newEvent("hot", i)))
	}
	assert.ErrorIs(t, p.Submit(context.Background(), newEvent("hot", 3)), ErrQueueFull)
}
