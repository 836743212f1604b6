package cdc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/notify"
	"github.com/ripel-io/ripel/resilience"
	"github.com/ripel-io/ripel/telemetry"
)

// State is the reader connection state
type State int32

const (
	Disconnected State = iota
	Connecting
	Streaming
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", s)
}

// ErrAlreadyRunning is returned when Run is called twice
var ErrAlreadyRunning = errors.New("cdc: reader already running")

// CheckpointStore persists the last safe resume position
type CheckpointStore interface {
	Load(ctx context.Context) (Position, bool, error)
	Save(ctx context.Context, pos Position) error
}

// Batch is one committed transaction handed downstream. The reader waits for
// Ack before checkpointing past it.
type Batch struct {
	TxID     string
	Events   []*event.Event
	Position Position

	ack chan error
}

// Ack reports that every event of the batch was accepted downstream. A
// non-nil error makes the reader resume from the previous checkpoint.
func (b *Batch) Ack(err error) {
	select {
	case b.ack <- err:
	default:
	}
}

// ReaderConfig wires a Reader
type ReaderConfig struct {
	Source      Source
	Filter      *Filter
	Checkpoints CheckpointStore

	// StartPosition is used when no checkpoint exists. When it is zero,
	// ResolveStart is asked instead.
	StartPosition Position
	ResolveStart  func(ctx context.Context) (Position, error)
	// Verify runs before every connect, typically a retention check
	Verify func(ctx context.Context, pos Position) error
	// Schema is invalidated on DDL
	Schema SchemaInvalidator

	Retry   resilience.RetryPolicy
	Breaker *resilience.CircuitBreaker
	// MaxReconnects bounds consecutive failed connects, 0 is unlimited
	MaxReconnects int
	// Buffer is the number of batches that may wait for the consumer
	Buffer int
}

// Reader tails the binlog, assembles committed transactions and hands them
// downstream in commit order. Its checkpoint only ever names a position after
// a transaction whose events were acknowledged.
type Reader struct {
	cfg     ReaderConfig
	decoder *Decoder
	batches chan *Batch
	hub     *notify.Hub[Position]

	state   atomic.Int32
	running atomic.Bool

	mu         sync.RWMutex
	current    Position
	checkpoint Position
	resumeFrom Position

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewReader creates a reader
func NewReader(cfg ReaderConfig) (*Reader, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = 1
	}
	return &Reader{
		cfg:     cfg,
		decoder: NewDecoder(cfg.Filter),
		batches: make(chan *Batch, cfg.Buffer),
		hub:     notify.NewHub[Position](),
		done:    make(chan struct{}),
	}, nil
}

// Batches delivers committed transactions. It is closed when Run returns.
func (r *Reader) Batches() <-chan *Batch {
	return r.batches
}

// Positions publishes every persisted checkpoint
func (r *Reader) Positions() *notify.Hub[Position] {
	return r.hub
}

// State returns the current connection state
func (r *Reader) State() State {
	return State(r.state.Load())
}

// CurrentPosition is the position of the last record read from the stream
func (r *Reader) CurrentPosition() Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// LastCheckpoint is the last position persisted to the checkpoint store
func (r *Reader) LastCheckpoint() Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkpoint
}

// Done is closed when Run returns
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Stop asks a running reader to stop and waits for it
func (r *Reader) Stop() {
	r.lifecycleMu.Lock()
	cancel := r.cancel
	r.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-r.done
}

// Run streams until ctx ends or a fatal error occurs. It returns nil on a
// requested stop and a *FatalError otherwise.
func (r *Reader) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	r.lifecycleMu.Lock()
	r.cancel = cancel
	r.lifecycleMu.Unlock()

	defer func() {
		cancel()
		r.setState(Stopped)
		close(r.batches)
		r.hub.Close()
		close(r.done)
		log.Info().Str("checkpoint", r.LastCheckpoint().String()).Msg("Change reader stopped")
	}()

	start, err := r.resume(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return r.fatal(err)
	}
	r.mu.Lock()
	r.resumeFrom = start
	r.current = start
	r.mu.Unlock()

	failures := 0
	for {
		r.mu.RLock()
		pos := r.resumeFrom
		r.mu.RUnlock()

		r.setState(Connecting)
		stream, err := r.open(ctx, pos)
		if err == nil {
			r.setState(Streaming)
			failures = 0
			log.Info().Str("position", pos.String()).Msg("Change reader streaming")
			err = r.consume(ctx, stream)
			if cerr := stream.Close(); cerr != nil {
				log.Debug().Err(cerr).Msg("Failed to close replication stream")
			}
		}

		if ctx.Err() != nil {
			return nil
		}
		if resilience.IsFatal(err) {
			return r.fatal(err)
		}
		var fe *FatalError
		if errors.As(err, &fe) {
			return fe
		}

		failures++
		if r.cfg.MaxReconnects > 0 && failures > r.cfg.MaxReconnects {
			return r.fatal(&resilience.ExhaustedError{Attempts: failures, Last: err})
		}

		r.setState(Reconnecting)
		r.decoder.Reset()
		telemetry.ReaderReconnectsTotal.Inc()

		delay := r.cfg.Retry.Delay(failures - 1)
		log.Warn().Err(err).Int("attempt", failures).Dur("backoff", delay).Msg("Replication stream lost, reconnecting")
		if !resilience.Sleep(ctx, delay) {
			return nil
		}
	}
}

func (r *Reader) resume(ctx context.Context) (Position, error) {
	found, err := resilience.Retry(ctx, r.cfg.Retry, func(ctx context.Context, _ int) (loaded, error) {
		p, ok, err := r.cfg.Checkpoints.Load(ctx)
		return loaded{p, ok}, err
	})
	if err != nil {
		return Position{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if found.ok {
		r.mu.Lock()
		r.checkpoint = found.pos
		r.mu.Unlock()
		log.Info().Str("position", found.pos.String()).Msg("Resuming from checkpoint")
		return found.pos, nil
	}

	if !r.cfg.StartPosition.IsZero() {
		log.Info().Str("position", r.cfg.StartPosition.String()).Msg("No checkpoint, starting from configured position")
		return r.cfg.StartPosition, nil
	}
	if r.cfg.ResolveStart != nil {
		start, err := resilience.Retry(ctx, r.cfg.Retry, func(ctx context.Context, _ int) (Position, error) {
			return r.cfg.ResolveStart(ctx)
		})
		if err != nil {
			return Position{}, fmt.Errorf("failed to resolve start position: %w", err)
		}
		log.Info().Str("position", start.String()).Msg("No checkpoint, starting from current source position")
		return start, nil
	}
	return Position{}, nil
}

type loaded struct {
	pos Position
	ok  bool
}

func (r *Reader) open(ctx context.Context, pos Position) (Stream, error) {
	var stream Stream
	connect := func(ctx context.Context) error {
		if r.cfg.Verify != nil {
			if err := r.cfg.Verify(ctx, pos); err != nil {
				return err
			}
		}
		s, err := r.cfg.Source.Open(ctx, pos)
		if err != nil {
			return err
		}
		stream = s
		return nil
	}

	if r.cfg.Breaker == nil {
		return stream, connect(ctx)
	}
	return stream, r.cfg.Breaker.Execute(ctx, connect)
}

func (r *Reader) consume(ctx context.Context, stream Stream) error {
	for {
		rec, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if !rec.Position.IsZero() {
			r.mu.Lock()
			r.current = rec.Position
			r.mu.Unlock()
		}

		commit := r.decoder.Apply(rec)
		if commit == nil {
			continue
		}

		if len(commit.DDL) > 0 {
			log.Info().Str("position", commit.Position.String()).Interface("tables", commit.DDL).Msg("Schema change observed")
			if r.cfg.Schema != nil {
				r.cfg.Schema.Invalidate(commit.DDL...)
			}
		}

		if len(commit.Events) > 0 {
			if err := r.handoff(ctx, commit); err != nil {
				return err
			}
		}
		r.saveCheckpoint(ctx, commit.Position)
	}
}

func (r *Reader) handoff(ctx context.Context, c *Commit) error {
	b := &Batch{TxID: c.TxID, Events: c.Events, Position: c.Position, ack: make(chan error, 1)}

	select {
	case r.batches <- b:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-b.ack:
		if err != nil {
			return resilience.NewTransient("handoff", fmt.Errorf("transaction %s rejected downstream: %w", c.TxID, err))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reader) saveCheckpoint(ctx context.Context, pos Position) {
	if pos.IsZero() {
		return
	}
	// Every transaction up to pos was acknowledged, so a later reconnect may
	// safely resume here even if persisting fails.
	r.mu.Lock()
	r.resumeFrom = pos
	r.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.cfg.Checkpoints.Save(saveCtx, pos); err != nil {
		log.Error().Err(err).Str("position", pos.String()).Msg("Failed to persist checkpoint")
		return
	}

	r.mu.Lock()
	r.checkpoint = pos
	r.mu.Unlock()
	telemetry.ReaderCheckpointsTotal.Inc()
	r.hub.Publish(pos)
}

func (r *Reader) setState(s State) {
	old := State(r.state.Swap(int32(s)))
	telemetry.ReaderState.Set(float64(s))
	if old != s {
		log.Debug().Str("from", old.String()).Str("to", s.String()).Msg("Change reader state")
	}
}

func (r *Reader) fatal(err error) error {
	cp := r.LastCheckpoint()
	log.Error().Err(err).Str("checkpoint", cp.String()).Msg("Change reader failed")
	return &FatalError{Err: err, LastCheckpoint: cp}
}
