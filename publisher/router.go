package publisher

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ripel-io/ripel/cfg"
	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/resilience"
)

// ErrUnroutable is returned when no rule matches and no default destination is set
var ErrUnroutable = errors.New("event is unroutable")

// Match kinds
const (
	MatchEventType = "event_type"
	MatchSource    = "source"
	MatchAny       = "any"
)

// Predicate decides whether a rule applies to an event
type Predicate func(ev *event.Event) bool

// KeyExtractor derives the partition key of an event
type KeyExtractor func(ev *event.Event) string

// EventTypeIs matches an exact event type
func EventTypeIs(eventType string) Predicate {
	return func(ev *event.Event) bool { return ev.Type == eventType }
}

// SourceIs matches an exact source
func SourceIs(source string) Predicate {
	return func(ev *event.Event) bool { return ev.Source == source }
}

// Any matches every event
func Any() Predicate {
	return func(*event.Event) bool { return true }
}

// KeyBySource keys on the event source
func KeyBySource(ev *event.Event) string { return ev.Source }

// KeyByType keys on the event type
func KeyByType(ev *event.Event) string { return ev.Type }

// KeyByID keys on the event id, spreading events across partitions
func KeyByID(ev *event.Event) string { return ev.ID }

// KeyByPartitionKey keys on the partition_key metadata, falling back to the id
func KeyByPartitionKey(ev *event.Event) string {
	if k := ev.Meta(event.MetaPartitionKey); k != "" {
		return k
	}
	return ev.ID
}

// KeyByPayloadField keys on a top-level payload field, falling back to the source
func KeyByPayloadField(field string) KeyExtractor {
	return func(ev *event.Event) string {
		v, ok := ev.Payload[field]
		if !ok || v == nil {
			return ev.Source
		}
		return fmt.Sprint(v)
	}
}

// KeyByMetadata keys on a metadata entry, falling back to the source
func KeyByMetadata(key string) KeyExtractor {
	return func(ev *event.Event) string {
		if v := ev.Meta(key); v != "" {
			return v
		}
		return ev.Source
	}
}

// ParseKeyExtractor resolves a key_by setting. Empty means source.
func ParseKeyExtractor(spec string) (KeyExtractor, error) {
	switch {
	case spec == "" || spec == "source":
		return KeyBySource, nil
	case spec == "event_type":
		return KeyByType, nil
	case spec == "id":
		return KeyByID, nil
	case spec == "partition_key":
		return KeyByPartitionKey, nil
	case strings.HasPrefix(spec, "payload:"):
		field := strings.TrimPrefix(spec, "payload:")
		if field == "" {
			return nil, fmt.Errorf("key_by %q: missing payload field", spec)
		}
		return KeyByPayloadField(field), nil
	case strings.HasPrefix(spec, "metadata:"):
		key := strings.TrimPrefix(spec, "metadata:")
		if key == "" {
			return nil, fmt.Errorf("key_by %q: missing metadata key", spec)
		}
		return KeyByMetadata(key), nil
	}
	return nil, fmt.Errorf("unknown key_by %q", spec)
}

// Rule maps matching events to a destination
type Rule struct {
	Match       Predicate
	Destination string
	Key         KeyExtractor
}

// Route is the resolved destination and partition key of an event
type Route struct {
	Destination string
	Key         string
}

// Router evaluates rules in registration order. First match wins.
type Router struct {
	mu                 sync.RWMutex
	rules              []Rule
	defaultDestination string
	defaultKey         KeyExtractor
}

// NewRouter creates a router. An empty defaultDestination makes unmatched
// events unroutable.
func NewRouter(defaultDestination string) *Router {
	return &Router{
		defaultDestination: defaultDestination,
		defaultKey:         KeyBySource,
	}
}

// NewRouterFromConfig builds the router described by [[publisher.routes]]
func NewRouterFromConfig(config cfg.PublisherConfiguration) (*Router, error) {
	r := NewRouter(config.DefaultDestination)
	for i, rc := range config.Routes {
		var match Predicate
		switch rc.Match {
		case MatchEventType:
			match = EventTypeIs(rc.Value)
		case MatchSource:
			match = SourceIs(rc.Value)
		case MatchAny, "":
			match = Any()
		default:
			return nil, fmt.Errorf("route %d: unknown match %q", i, rc.Match)
		}

		key, err := ParseKeyExtractor(rc.KeyBy)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}

		if err := r.Register(match, rc.Destination, key); err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
	}
	return r, nil
}

// Register appends a rule. A nil key extractor keys by source.
func (r *Router) Register(match Predicate, destination string, key KeyExtractor) error {
	if match == nil {
		return fmt.Errorf("route predicate is required")
	}
	if destination == "" {
		return fmt.Errorf("route destination is required")
	}
	if key == nil {
		key = KeyBySource
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, Rule{Match: match, Destination: destination, Key: key})
	return nil
}

// Resolve returns the destination and partition key for ev. Unroutable
// events fail with a Permanent error wrapping ErrUnroutable.
func (r *Router) Resolve(ev *event.Event) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if rule.Match(ev) {
			return Route{Destination: rule.Destination, Key: rule.Key(ev)}, nil
		}
	}

	if r.defaultDestination != "" {
		return Route{Destination: r.defaultDestination, Key: r.defaultKey(ev)}, nil
	}

	return Route{}, resilience.NewPermanent("route",
		fmt.Errorf("%w: type=%q source=%q", ErrUnroutable, ev.Type, ev.Source))
}

// Len returns the number of registered rules
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}
