package publisher

import (
	"context"
	"errors"

	"github.com/ripel-io/ripel/event"
)

// ErrUnknownPartition is wrapped by sinks when a destination no longer has
// the partition produced to. The cached partition count is refreshed.
var ErrUnknownPartition = errors.New("unknown partition")

// Message header names set on every delivery
const (
	HeaderContentType   = "content-type"
	HeaderEventID       = "ripel-event-id"
	HeaderEventType     = "ripel-event-type"
	HeaderSource        = "ripel-source"
	HeaderCorrelationID = "ripel-correlation-id"
	HeaderDeliveryToken = "ripel-delivery-token"
	HeaderDeadLetter    = "ripel-dead-letter-reason"
)

// Message is one record handed to a sink
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
	// Token is the idempotency token. Sinks with native dedup use it as the
	// message id; the others carry it as a header.
	Token string
}

// Sink represents a destination broker (Kafka, NATS, memory)
type Sink interface {
	// Name identifies the sink; it also names the circuit breaker guarding it
	Name() string
	// Produce writes msgs to one partition of destination as a single request
	// and returns the offset assigned to each message. The batch succeeds or
	// fails as a whole.
	Produce(ctx context.Context, destination string, partition int, msgs []Message) ([]int64, error)
	// Partitions returns the partition count of destination
	Partitions(ctx context.Context, destination string) (int, error)
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts events to sink payloads
type Transformer interface {
	// Transform encodes an event
	Transform(ev *event.Event) ([]byte, error)
	// ContentType is sent as the content-type header
	ContentType() string
}
