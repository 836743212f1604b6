package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/resilience"
	"github.com/ripel-io/ripel/storage"
	"github.com/stretchr/testify/require"
)

// Mock implementations for testing

type producedMessage struct {
	destination string
	partition   int
	offset      int64
	msg         Message
}

type fakeSink struct {
	partitions int

	mu      sync.Mutex
	logs    map[string][]producedMessage
	tokens  map[string]int64
	calls   map[string]int
	failFor map[string][]error
	failAll map[string]error
	batches []int
}

func newFakeSink(partitions int) *fakeSink {
	return &fakeSink{
		partitions: partitions,
		logs:       make(map[string][]producedMessage),
		tokens:     make(map[string]int64),
		calls:      make(map[string]int),
		failFor:    make(map[string][]error),
		failAll:    make(map[string]error),
	}
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Produce(ctx context.Context, destination string, partition int, msgs []Message) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[destination]++
	f.batches = append(f.batches, len(msgs))

	if err := f.failAll[destination]; err != nil {
		return nil, err
	}
	if errs := f.failFor[destination]; len(errs) > 0 {
		f.failFor[destination] = errs[1:]
		return nil, errs[0]
	}
	if partition >= f.partitions {
		return nil, resilience.NewTransient("produce", fmt.Errorf("%w: %d of %s", ErrUnknownPartition, partition, destination))
	}

	offsets := make([]int64, len(msgs))
	for i, m := range msgs {
		key := destination + "/" + m.Token
		if off, dup := f.tokens[key]; dup && m.Token != "" {
			offsets[i] = off
			continue
		}
		off := int64(len(f.logs[destination]))
		f.logs[destination] = append(f.logs[destination], producedMessage{
			destination: destination,
			partition:   partition,
			offset:      off,
			msg:         m,
		})
		f.tokens[key] = off
		offsets[i] = off
	}
	return offsets, nil
}

func (f *fakeSink) Partitions(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partitions, nil
}

func (f *fakeSink) setPartitions(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partitions = n
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) fail(destination string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[destination] = append(f.failFor[destination], errs...)
}

func (f *fakeSink) failAlways(destination string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll[destination] = err
}

func (f *fakeSink) messages(destination string) []producedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]producedMessage, len(f.logs[destination]))
	copy(out, f.logs[destination])
	return out
}

func (f *fakeSink) callCount(destination string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[destination]
}

type jsonTransformer struct{}

func (jsonTransformer) Transform(ev *event.Event) ([]byte, error) { return json.Marshal(ev) }
func (jsonTransformer) ContentType() string                       { return "application/json" }

type failingTransformer struct{}

func (failingTransformer) Transform(*event.Event) ([]byte, error) {
	return nil, errors.New("cannot encode")
}
func (failingTransformer) ContentType() string { return "application/json" }

var errBrokerDown = resilience.NewTransient("produce", errors.New("broker unavailable"))

func fastRetry(attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		BaseDelay:     time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		MaxAttempts:   attempts,
		DisableJitter: true,
	}
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestPublisher(t *testing.T, sink Sink, mutate func(*Config)) *Publisher {
	t.Helper()

	config := Config{
		Sink:                  sink,
		Transformer:           jsonTransformer{},
		Router:                NewRouter(""),
		DeadLetterDestination: "dlq",
		Retry:                 fastRetry(3),
		Breakers: resilience.NewBreakerSet(resilience.BreakerConfig{
			WindowSize:  100,
			MinRequests: 100,
		}),
		BatchSize:   10,
		BatchLinger: time.Millisecond,
	}
	if mutate != nil {
		mutate(&config)
	}

	p, err := New(config)
	require.NoError(t, err)
	p.Start()
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}
