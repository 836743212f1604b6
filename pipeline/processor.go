package pipeline

import (
	"context"
	"errors"

	"github.com/ripel-io/ripel/event"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrFiltered ends a chain early without counting as a failure
var ErrFiltered = errors.New("event filtered")

// Processor handles one event. Retry policy belongs to the processor, the
// pipeline never calls it twice for the same submission.
type Processor interface {
	Process(ctx context.Context, ev *event.Event) error
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, ev *event.Event) error

func (f ProcessorFunc) Process(ctx context.Context, ev *event.Event) error {
	return f(ctx, ev)
}

// Publisher is the delivery layer a forwarding processor hands events to
type Publisher interface {
	Publish(ctx context.Context, ev *event.Event) (event.Delivery, error)
}

type chain []Processor

// Chain runs processors in order and stops at the first error. ErrFiltered
// stops the chain and is reported as success.
func Chain(processors ...Processor) Processor {
	return chain(processors)
}

func (c chain) Process(ctx context.Context, ev *event.Event) error {
	for _, p := range c {
		if err := p.Process(ctx, ev); err != nil {
			if errors.Is(err, ErrFiltered) {
				return nil
			}
			return err
		}
	}
	return nil
}

// LoggingProcessor writes one structured line per event
type LoggingProcessor struct {
	Logger zerolog.Logger
	Level  zerolog.Level
}

// NewLoggingProcessor logs through the global logger at level
func NewLoggingProcessor(level zerolog.Level) *LoggingProcessor {
	return &LoggingProcessor{Logger: log.Logger, Level: level}
}

func (l *LoggingProcessor) Process(ctx context.Context, ev *event.Event) error {
	l.Logger.WithLevel(l.Level).
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Str("source", ev.Source).
		Str("correlation_id", ev.CorrelationID).
		Time("occurred_at", ev.OccurredAt).
		Msg("Event")
	return nil
}

// FilterProcessor drops events the predicate rejects
type FilterProcessor struct {
	Keep func(ev *event.Event) bool
}

// NewFilterProcessor creates a filter from a predicate
func NewFilterProcessor(keep func(ev *event.Event) bool) *FilterProcessor {
	return &FilterProcessor{Keep: keep}
}

func (f *FilterProcessor) Process(ctx context.Context, ev *event.Event) error {
	if f.Keep != nil && !f.Keep(ev) {
		return ErrFiltered
	}
	return nil
}

// ForwardProcessor publishes each event. Dead-lettering happens inside the
// publisher, so an error here means the event was neither delivered nor
// dead-lettered.
type ForwardProcessor struct {
	publisher Publisher
}

// NewForwardProcessor wraps a publisher
func NewForwardProcessor(p Publisher) *ForwardProcessor {
	return &ForwardProcessor{publisher: p}
}

func (f *ForwardProcessor) Process(ctx context.Context, ev *event.Event) error {
	_, err := f.publisher.Publish(ctx, ev)
	return err
}
