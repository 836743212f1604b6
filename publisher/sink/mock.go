package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/ripel-io/ripel/cfg"
	"github.com/ripel-io/ripel/publisher"
)

func init() {
	publisher.RegisterSink("memory", func(config cfg.PublisherConfiguration) (publisher.Sink, error) {
		return NewMockSink(config.DefaultPartitions), nil
	})
}

// MockMessage represents a stored message for inspection in tests
type MockMessage struct {
	Destination string
	Partition   int
	Offset      int64
	publisher.Message
}

// MockSink is an in-memory broker. Every destination has a fixed number of
// partitions with their own offsets. Messages carrying a token already stored
// in the same destination are acknowledged with the original offset instead
// of being stored twice.
type MockSink struct {
	partitions int

	mu       sync.Mutex
	logs     map[string]map[int][]MockMessage
	tokens   map[string]MockMessage
	produces int
	failures []error
	failAll  error
}

// NewMockSink creates a sink whose destinations have n partitions
func NewMockSink(n int) *MockSink {
	if n <= 0 {
		n = 1
	}
	return &MockSink{
		partitions: n,
		logs:       make(map[string]map[int][]MockMessage),
		tokens:     make(map[string]MockMessage),
	}
}

// Name identifies the sink
func (m *MockSink) Name() string {
	return "memory"
}

// FailNext makes the next len(errs) Produce calls fail with errs in order
func (m *MockSink) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// FailAll makes every Produce call fail with err until cleared with nil
func (m *MockSink) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// Produce stores msgs
func (m *MockSink) Produce(ctx context.Context, destination string, partition int, msgs []publisher.Message) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.produces++
	if m.failAll != nil {
		return nil, m.failAll
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return nil, err
	}
	if partition < 0 || partition >= m.partitions {
		return nil, fmt.Errorf("%w: %d of %s", publisher.ErrUnknownPartition, partition, destination)
	}

	parts, ok := m.logs[destination]
	if !ok {
		parts = make(map[int][]MockMessage)
		m.logs[destination] = parts
	}

	offsets := make([]int64, len(msgs))
	for i, msg := range msgs {
		tokenKey := destination + "/" + msg.Token
		if msg.Token != "" {
			if prev, dup := m.tokens[tokenKey]; dup {
				offsets[i] = prev.Offset
				continue
			}
		}

		stored := MockMessage{
			Destination: destination,
			Partition:   partition,
			Offset:      int64(len(parts[partition])),
			Message:     msg,
		}
		parts[partition] = append(parts[partition], stored)
		if msg.Token != "" {
			m.tokens[tokenKey] = stored
		}
		offsets[i] = stored.Offset
	}

	return offsets, nil
}

// Partitions returns the configured partition count
func (m *MockSink) Partitions(context.Context, string) (int, error) {
	return m.partitions, nil
}

// Messages returns the messages stored in destination across all partitions
func (m *MockSink) Messages(destination string) []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []MockMessage
	for p := 0; p < m.partitions; p++ {
		out = append(out, m.logs[destination][p]...)
	}
	return out
}

// ProduceCalls returns how many times Produce was called
func (m *MockSink) ProduceCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.produces
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Reset clears all stored messages and injected failures
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = make(map[string]map[int][]MockMessage)
	m.tokens = make(map[string]MockMessage)
	m.failures = nil
	m.failAll = nil
	m.produces = 0
}
