package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/resilience"
	"github.com/ripel-io/ripel/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Unroutable policies
const (
	UnroutableDeadLetter = "dead_letter"
	UnroutableDrop       = "drop"
)

var (
	// ErrNotRunning is returned by Publish before Start or after Shutdown
	ErrNotRunning = errors.New("publisher is not running")
	// ErrDropped is returned for unroutable events under the drop policy
	ErrDropped = errors.New("event dropped")
)

// Config wires a Publisher
type Config struct {
	Sink        Sink
	Transformer Transformer
	Router      *Router
	// Partitioner defaults to one backed by Sink
	Partitioner *Partitioner
	// Ledger defaults to NoopLedger, relying on sink-side dedup
	Ledger Ledger
	// Spool receives dead letters the dead-letter destination rejected
	Spool                 *Spool
	DeadLetterDestination string
	UnroutablePolicy      string
	Retry                 resilience.RetryPolicy
	// Breakers defaults to a set with default settings
	Breakers       *resilience.BreakerSet
	BatchSize      int
	BatchLinger    time.Duration
	PublishTimeout time.Duration
}

// Publisher routes events to destinations and delivers them through a sink
// with batching, idempotency tokens, retries and a dead-letter path.
type Publisher struct {
	config      Config
	partitioner *Partitioner
	dlq         *deadLetterer
	tracer      trace.Tracer

	batcher     *Batcher
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// New validates config and creates a stopped publisher
func New(config Config) (*Publisher, error) {
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	switch config.UnroutablePolicy {
	case "":
		config.UnroutablePolicy = UnroutableDeadLetter
	case UnroutableDeadLetter, UnroutableDrop:
	default:
		return nil, fmt.Errorf("unknown unroutable policy: %s", config.UnroutablePolicy)
	}
	if config.Ledger == nil {
		config.Ledger = NoopLedger{}
	}
	if config.Breakers == nil {
		config.Breakers = resilience.NewBreakerSet(resilience.BreakerConfig{})
	}
	if config.Partitioner == nil {
		config.Partitioner = NewPartitioner(config.Sink, DefaultPartitions)
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultPublishTimeout
	}

	p := &Publisher{
		config:      config,
		partitioner: config.Partitioner,
		tracer:      otel.Tracer("ripel/publisher"),
	}
	p.dlq = &deadLetterer{
		sink:        config.Sink,
		destination: config.DeadLetterDestination,
		partitioner: config.Partitioner,
		retry:       p.retryPolicy(config.DeadLetterDestination),
		breaker:     config.Breakers.Get(config.Sink.Name()),
		spool:       config.Spool,
	}
	return p, nil
}

// Register adds a routing rule
func (p *Publisher) Register(match Predicate, destination string, key KeyExtractor) error {
	return p.config.Router.Register(match, destination, key)
}

// DeadLetterDestination returns the configured dead-letter destination
func (p *Publisher) DeadLetterDestination() string {
	return p.config.DeadLetterDestination
}

// Breakers exposes the breaker set for health reporting
func (p *Publisher) Breakers() *resilience.BreakerSet {
	return p.config.Breakers
}

// Start begins accepting events
func (p *Publisher) Start() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running.Load() {
		return // Already running
	}

	p.batcher = NewBatcher(p.config.Sink, p.config.BatchSize, p.config.BatchLinger, p.config.PublishTimeout)
	p.running.Store(true)

	log.Info().
		Str("sink", p.config.Sink.Name()).
		Int("routes", p.config.Router.Len()).
		Str("dead_letter_destination", p.config.DeadLetterDestination).
		Msg("Publisher started")
}

// Shutdown stops accepting events and flushes queued batches. It returns
// ctx.Err() if the flush does not finish in time.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running.Swap(false) {
		return nil // Not running
	}

	done := make(chan struct{})
	go func() {
		p.batcher.Close()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Publisher stopped")
		return nil
	case <-ctx.Done():
		log.Warn().Msg("Publisher shutdown timed out with batches in flight")
		return ctx.Err()
	}
}

// Publish delivers ev and returns where it landed. Events that cannot be
// delivered are dead-lettered and reported with a *DeadLetteredError.
func (p *Publisher) Publish(ctx context.Context, ev *event.Event) (event.Delivery, error) {
	if !p.running.Load() {
		return event.Delivery{}, ErrNotRunning
	}

	ctx, span := p.tracer.Start(ctx, "publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.id", ev.ID),
			attribute.String("event.type", ev.Type),
			attribute.String("event.source", ev.Source),
		),
	)
	defer span.End()

	d, err := p.publish(ctx, ev)
	if err != nil {
		span.RecordError(err)
		return d, err
	}

	span.SetAttributes(
		attribute.String("messaging.destination", d.Destination),
		attribute.Int("messaging.partition", d.Partition),
		attribute.Int64("messaging.offset", d.Offset),
	)
	return d, nil
}

func (p *Publisher) publish(ctx context.Context, ev *event.Event) (event.Delivery, error) {
	route, err := p.config.Router.Resolve(ev)
	if err != nil {
		return p.unroutable(ctx, ev, err)
	}

	token := ev.DeliveryToken()
	if d, ok, err := p.config.Ledger.Lookup(ctx, token); err != nil {
		log.Warn().Err(err).Str("event_id", ev.ID).Msg("Delivery ledger lookup failed, publishing anyway")
	} else if ok {
		telemetry.PublishDuplicatesTotal.Inc()
		log.Debug().Str("event_id", ev.ID).Str("destination", d.Destination).Msg("Event already delivered")
		ev.Delivered(d)
		return d, nil
	}

	value, err := p.config.Transformer.Transform(ev)
	if err != nil {
		return event.Delivery{}, p.deadLetter(ctx, ev, event.ReasonEncodeFailed, err, 1, route.Destination)
	}

	partition := p.partitioner.Partition(ctx, route.Destination, route.Key)
	msg := Message{
		Key:     []byte(route.Key),
		Value:   value,
		Headers: p.headers(ctx, ev, token),
		Token:   token,
	}

	breaker := p.config.Breakers.Get(p.config.Sink.Name())
	attempts := 0
	offset, err := resilience.Retry(ctx, p.retryPolicy(route.Destination), func(ctx context.Context, attempt int) (int64, error) {
		attempts = attempt
		telemetry.PublishAttemptsTotal.With(route.Destination).Inc()

		var off int64
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			o, err := p.await(ctx, p.batcher.Submit(route.Destination, partition, msg))
			off = o
			return err
		})
		if err != nil {
			telemetry.PublishFailuresTotal.With(route.Destination, resilience.KindOf(err).String()).Inc()
			if errors.Is(err, ErrUnknownPartition) {
				p.partitioner.Forget(route.Destination)
				partition = p.partitioner.Partition(ctx, route.Destination, route.Key)
			}
		}
		return off, err
	})

	if err != nil {
		if ctx.Err() != nil {
			return event.Delivery{}, err
		}
		return event.Delivery{}, p.deadLetter(ctx, ev, failureReason(err), err, attempts, route.Destination)
	}

	d := event.Delivery{Destination: route.Destination, Partition: partition, Offset: offset}
	if err := p.config.Ledger.Record(ctx, token, d); err != nil {
		log.Warn().Err(err).Str("event_id", ev.ID).Msg("Failed to record delivery in ledger")
	}
	ev.Delivered(d)
	return d, nil
}

// unroutable applies the unroutable policy
func (p *Publisher) unroutable(ctx context.Context, ev *event.Event, err error) (event.Delivery, error) {
	if p.config.UnroutablePolicy == UnroutableDrop {
		telemetry.UnroutableDroppedTotal.Inc()
		log.Warn().
			Str("event_id", ev.ID).
			Str("event_type", ev.Type).
			Str("source", ev.Source).
			Msg("Dropping unroutable event")
		return event.Delivery{}, fmt.Errorf("%w: %w", ErrDropped, err)
	}
	return event.Delivery{}, p.deadLetter(ctx, ev, event.ReasonUnroutable, err, 1, "")
}

func (p *Publisher) deadLetter(ctx context.Context, ev *event.Event, reason string, cause error, attempts int, destination string) error {
	dl := event.NewDeadLetter(ev.Clone(), reason, cause, attempts, destination)
	return p.dlq.send(ctx, dl, cause)
}

// ReplayDeadLetter delivers a spooled dead letter to the dead-letter destination
func (p *Publisher) ReplayDeadLetter(ctx context.Context, dl *event.DeadLetter) error {
	return p.dlq.replay(ctx, dl)
}

// failureReason maps a terminal delivery error to a dead-letter reason
func failureReason(err error) string {
	if resilience.KindOf(err) != resilience.Transient && !errors.Is(err, resilience.ErrExhausted) {
		return event.ReasonPermanentFailure
	}
	var ee *resilience.ExhaustedError
	if errors.As(err, &ee) && errors.Is(ee.Last, resilience.ErrCircuitOpen) {
		return event.ReasonCircuitOpen
	}
	return event.ReasonRetryExhausted
}

// await waits for a batched delivery or for ctx
func (p *Publisher) await(ctx context.Context, fut *future.Future[int64]) (int64, error) {
	type result struct {
		off int64
		err error
	}

	ch := make(chan result, 1)
	go func() {
		off, err := fut.Get()
		ch <- result{off, err}
	}()

	select {
	case r := <-ch:
		return r.off, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *Publisher) headers(ctx context.Context, ev *event.Event, token string) map[string]string {
	h := map[string]string{
		HeaderContentType:   p.config.Transformer.ContentType(),
		HeaderEventID:       ev.ID,
		HeaderEventType:     ev.Type,
		HeaderSource:        ev.Source,
		HeaderDeliveryToken: token,
	}
	if ev.CorrelationID != "" {
		h[HeaderCorrelationID] = ev.CorrelationID
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(h))
	return h
}

func (p *Publisher) retryPolicy(destination string) resilience.RetryPolicy {
	policy := p.config.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn().
			Err(err).
			Str("destination", destination).
			Int("attempt", attempt).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")
	}
	return policy
}
