// Package event defines the envelope that flows between the change reader,
// the pipeline and the publisher.
package event

import (
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/ripel-io/ripel/id"
)

// Metadata keys understood by the publisher
const (
	MetaPartitionKey = "partition_key"
	MetaDatabase     = "database"
	MetaTable        = "table"
	MetaOperation    = "operation"
)

// tokenNamespace scopes delivery tokens so they never collide with ids minted elsewhere
var tokenNamespace = uuid.MustParse("6f1c5e0a-4b7e-5d2a-9a43-2f6b1f3c8e11")

// Event is the canonical unit handed between stages. A stage owns the event
// while processing it and hands over ownership when it passes it on.
type Event struct {
	ID            string            `json:"id" msgpack:"id"`
	Type          string            `json:"event_type" msgpack:"type"`
	Source        string            `json:"source" msgpack:"src"`
	Payload       map[string]any    `json:"payload" msgpack:"payload"`
	OccurredAt    time.Time         `json:"occurred_at" msgpack:"ts"`
	CorrelationID string            `json:"correlation_id,omitempty" msgpack:"cid,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty" msgpack:"meta,omitempty"`

	// Delivery is set once, after the event has been accepted by a destination
	Delivery *Delivery `json:"delivery,omitempty" msgpack:"delivery,omitempty"`
}

// Delivery records where an event landed
type Delivery struct {
	Destination string `json:"destination" msgpack:"dest"`
	Partition   int    `json:"partition" msgpack:"part"`
	Offset      int64  `json:"offset" msgpack:"off"`
}

// New creates an event with a fresh id and the current time
func New(eventType, source string, payload map[string]any) *Event {
	return &Event{
		ID:         id.Next(),
		Type:       eventType,
		Source:     source,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
		Metadata:   make(map[string]string),
	}
}

// WithCorrelationID sets the correlation id and returns the event
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithMetadata sets a metadata entry and returns the event
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Meta returns a metadata value or ""
func (e *Event) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// DeliveryToken derives the idempotency token for this event. It depends only
// on the id, so every attempt for the same event carries the same token.
func (e *Event) DeliveryToken() string {
	return DeliveryToken(e.ID)
}

// DeliveryToken derives the idempotency token for an event id
func DeliveryToken(eventID string) string {
	return uuid.NewSHA1(tokenNamespace, []byte(eventID)).String()
}

// Delivered attaches delivery metadata. Later calls are ignored.
func (e *Event) Delivered(d Delivery) {
	if e.Delivery != nil {
		return
	}
	e.Delivery = &d
}

// Clone returns a copy whose maps can be mutated without affecting e. Payload
// values are copied one level deep.
func (e *Event) Clone() *Event {
	c := *e
	c.Payload = maps.Clone(e.Payload)
	c.Metadata = maps.Clone(e.Metadata)
	if e.Delivery != nil {
		d := *e.Delivery
		c.Delivery = &d
	}
	return &c
}
