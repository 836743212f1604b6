// Package pipeline is a bounded, multi-worker dispatch engine. Events are
// submitted into a fixed-capacity queue and handed one at a time to a
// Processor by a fixed pool of workers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultSubmitTimeout bounds how long Submit blocks on a full queue
	DefaultSubmitTimeout = 5 * time.Second
)

var (
	// ErrQueueFull is returned when the queue stayed full for the submit timeout
	ErrQueueFull = errors.New("pipeline queue is full")
	// ErrStopped is returned once shutdown has begun
	ErrStopped = errors.New("pipeline is stopped")
	// ErrShutdownTimeout is returned when in-flight work outlived the grace period
	ErrShutdownTimeout = errors.New("pipeline shutdown timed out")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("pipeline already started")
)

// KeyFunc pins events with the same key to the same worker
type KeyFunc func(ev *event.Event) string

// KeyBySource pins by event source
func KeyBySource(ev *event.Event) string {
	return ev.Source
}

// KeyByPartitionKey pins by the partition_key metadata, falling back to source
func KeyByPartitionKey(ev *event.Event) string {
	if k := ev.Meta(event.MetaPartitionKey); k != "" {
		return k
	}
	return ev.Source
}

// Result is the outcome of processing one event
type Result struct {
	Event    *event.Event
	Err      error
	Worker   int
	Duration time.Duration
}

// Config configures a Pipeline
type Config struct {
	// QueueCapacity bounds queued events (> 0). With KeyFunc set every worker
	// gets its own queue of ceil(QueueCapacity/Workers) slots, so the total
	// may exceed QueueCapacity by up to Workers-1 and a single hot key
	// saturates once its worker's share is full.
	QueueCapacity int
	Workers       int       // Worker goroutines (>= 1)
	Processor     Processor // Applied to each event

	// SubmitTimeout bounds blocking on a full queue (0 = DefaultSubmitTimeout)
	SubmitTimeout time.Duration
	// ShutdownTimeout bounds the drain; 0 waits for the caller's context only
	ShutdownTimeout time.Duration
	// KeyFunc enables per-key worker pinning; nil shares one queue
	KeyFunc KeyFunc
	// OnResult observes every outcome from the worker goroutine
	OnResult func(Result)
}

// Stats is a point-in-time view of the pipeline
type Stats struct {
	Queued    int64  `json:"queued"`
	Capacity  int    `json:"capacity"`
	Workers   int    `json:"workers"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Accepting bool   `json:"accepting"`
}

// Pipeline dispatches events to workers. Submit may be called concurrently.
type Pipeline struct {
	config Config
	queues []chan *event.Event

	// mu is held shared by Submit and exclusively while closing the queues
	mu        sync.RWMutex
	accepting bool
	stopping  chan struct{}
	stopOnce  sync.Once

	lifecycleMu sync.Mutex
	started     bool
	runCtx      context.Context
	cancelRun   context.CancelFunc
	wg          sync.WaitGroup
	done        chan struct{}

	depth     atomic.Int64
	processed atomic.Uint64
	failed    atomic.Uint64
}

// New creates a pipeline. Events may be submitted before Start.
func New(config Config) (*Pipeline, error) {
	if config.QueueCapacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be > 0")
	}
	if config.Workers < 1 {
		return nil, fmt.Errorf("worker count must be >= 1")
	}
	if config.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = DefaultSubmitTimeout
	}

	p := &Pipeline{
		config:    config,
		accepting: true,
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.runCtx, p.cancelRun = context.WithCancel(context.Background())

	if config.KeyFunc == nil {
		p.queues = []chan *event.Event{make(chan *event.Event, config.QueueCapacity)}
	} else {
		// capacity is split evenly, rounding up so every worker can hold one
		per := (config.QueueCapacity + config.Workers - 1) / config.Workers
		p.queues = make([]chan *event.Event, config.Workers)
		for i := range p.queues {
			p.queues[i] = make(chan *event.Event, per)
		}
	}

	return p, nil
}

// Capacity returns the total queue capacity
func (p *Pipeline) Capacity() int {
	total := 0
	for _, q := range p.queues {
		total += cap(q)
	}
	return total
}

// WorkerFor returns the worker index a key is pinned to
func (p *Pipeline) WorkerFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(p.config.Workers))
}

func (p *Pipeline) queueFor(ev *event.Event) chan *event.Event {
	if len(p.queues) == 1 {
		return p.queues[0]
	}
	return p.queues[p.WorkerFor(p.config.KeyFunc(ev))]
}

// Submit enqueues ev, blocking while the queue is full for at most the submit
// timeout. On success the pipeline owns ev.
func (p *Pipeline) Submit(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.accepting {
		telemetry.SubmitRejectedTotal.With("stopped").Inc()
		return ErrStopped
	}

	q := p.queueFor(ev)

	select {
	case q <- ev:
		p.enqueued()
		return nil
	default:
	}

	timer := time.NewTimer(p.config.SubmitTimeout)
	defer timer.Stop()

	select {
	case q <- ev:
		p.enqueued()
		return nil
	case <-timer.C:
		telemetry.SubmitRejectedTotal.With("queue_full").Inc()
		return ErrQueueFull
	case <-p.stopping:
		telemetry.SubmitRejectedTotal.With("stopped").Inc()
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitWait submits ev, waiting out a full queue instead of failing. It
// returns when the event is queued, the pipeline stops or ctx ends.
func (p *Pipeline) SubmitWait(ctx context.Context, ev *event.Event) error {
	for {
		err := p.Submit(ctx, ev)
		if !errors.Is(err, ErrQueueFull) {
			return err
		}
		log.Warn().Str("event_id", ev.ID).Msg("Pipeline saturated, waiting for capacity")
	}
}

func (p *Pipeline) enqueued() {
	telemetry.QueueDepth.Set(float64(p.depth.Add(1)))
}

// Start launches the workers
func (p *Pipeline) Start() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	select {
	case <-p.stopping:
		return ErrStopped
	default:
	}
	p.started = true

	for i := 0; i < p.config.Workers; i++ {
		q := p.queues[0]
		if len(p.queues) > 1 {
			q = p.queues[i]
		}
		p.wg.Add(1)
		go p.worker(i, q)
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	log.Info().
		Int("workers", p.config.Workers).
		Int("capacity", p.Capacity()).
		Bool("pinned", p.config.KeyFunc != nil).
		Msg("Pipeline started")

	return nil
}

// Shutdown stops accepting events, lets queued events drain and waits for
// workers to finish their current event. If the grace period (ShutdownTimeout
// or ctx) expires first, in-flight processors see their context cancelled and
// ErrShutdownTimeout is returned.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopping)

		p.mu.Lock()
		p.accepting = false
		for _, q := range p.queues {
			close(q)
		}
		p.mu.Unlock()

		log.Info().Int64("queued", p.depth.Load()).Msg("Pipeline shutting down")
	})

	p.lifecycleMu.Lock()
	started := p.started
	p.lifecycleMu.Unlock()

	if !started {
		if n := p.depth.Load(); n > 0 {
			log.Warn().Int64("queued", n).Msg("Pipeline stopped before start, queued events discarded")
		}
		p.cancelRun()
		return nil
	}

	waitCtx := ctx
	if p.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.config.ShutdownTimeout)
		defer cancel()
	}

	select {
	case <-p.done:
		p.cancelRun()
		log.Info().
			Uint64("processed", p.processed.Load()).
			Uint64("failed", p.failed.Load()).
			Msg("Pipeline stopped")
		return nil
	case <-waitCtx.Done():
		p.cancelRun()
		log.Warn().Int64("queued", p.depth.Load()).Msg("Pipeline drain exceeded grace period")
		return ErrShutdownTimeout
	}
}

// Done is closed once every worker has exited
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Stats returns counters and queue occupancy
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	accepting := p.accepting
	p.mu.RUnlock()

	return Stats{
		Queued:    p.depth.Load(),
		Capacity:  p.Capacity(),
		Workers:   p.config.Workers,
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Accepting: accepting,
	}
}

// Saturation returns queued/capacity in [0, 1]
func (p *Pipeline) Saturation() float64 {
	c := p.Capacity()
	if c == 0 {
		return 0
	}
	s := float64(p.depth.Load()) / float64(c)
	if s > 1 {
		return 1
	}
	return s
}

func (p *Pipeline) worker(id int, q <-chan *event.Event) {
	defer p.wg.Done()

	for ev := range q {
		telemetry.QueueDepth.Set(float64(p.depth.Add(-1)))
		p.process(id, ev)
	}
}

func (p *Pipeline) process(worker int, ev *event.Event) {
	start := time.Now()
	err := p.invoke(ev)
	if errors.Is(err, ErrFiltered) {
		err = nil
	}

	if err != nil {
		p.failed.Add(1)
		telemetry.EventsFailedTotal.Inc()
		log.Warn().
			Err(err).
			Int("worker", worker).
			Str("event_id", ev.ID).
			Str("event_type", ev.Type).
			Msg("Event processing failed")
	} else {
		p.processed.Add(1)
		telemetry.EventsProcessedTotal.Inc()
	}

	if p.config.OnResult != nil {
		p.config.OnResult(Result{Event: ev, Err: err, Worker: worker, Duration: time.Since(start)})
	}
}

func (p *Pipeline) invoke(ev *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.config.Processor.Process(p.runCtx, ev)
}
