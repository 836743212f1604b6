package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ripel-io/ripel/event"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultDrainInterval is the pause between spool drain passes
	DefaultDrainInterval = 30 * time.Second
	// DefaultDrainTimeout bounds one drain pass
	DefaultDrainTimeout = time.Minute
)

// DrainerConfig configures the spool drainer
type DrainerConfig struct {
	Spool    *Spool
	Deliver  func(ctx context.Context, dl *event.DeadLetter) error
	Interval time.Duration
	Timeout  time.Duration
}

// Drainer periodically retries spooled dead letters against the dead-letter
// destination
type Drainer struct {
	config      DrainerConfig
	stopCh      chan struct{}
	doneCh      chan struct{}
	kickCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewDrainer creates a spool drainer
func NewDrainer(config DrainerConfig) (*Drainer, error) {
	if config.Spool == nil {
		return nil, fmt.Errorf("spool is required")
	}
	if config.Deliver == nil {
		return nil, fmt.Errorf("deliver function is required")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultDrainInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultDrainTimeout
	}

	return &Drainer{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		kickCh: make(chan struct{}, 1),
	}, nil
}

// Start starts the drainer goroutine
func (d *Drainer) Start() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.running.Load() {
		return // Already running
	}

	d.running.Store(true)
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	log.Info().Dur("interval", d.config.Interval).Msg("Starting dead-letter spool drainer")

	go d.pollLoop()
}

// Stop stops the drainer and waits for the current pass
func (d *Drainer) Stop() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if !d.running.Load() {
		return // Not running
	}

	close(d.stopCh)
	<-d.doneCh
	d.running.Store(false)

	log.Info().Msg("Dead-letter spool drainer stopped")
}

// Kick requests an immediate drain pass
func (d *Drainer) Kick() {
	select {
	case d.kickCh <- struct{}{}:
	default:
	}
}

// DrainOnce runs a single pass and returns the number of entries delivered
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	return d.config.Spool.Replay(func(dl *event.DeadLetter) error {
		return d.config.Deliver(ctx, dl)
	})
}

func (d *Drainer) pollLoop() {
	defer close(d.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
		case <-d.kickCh:
		}

		n, err := d.DrainOnce(ctx)
		if n > 0 {
			log.Info().Int("delivered", n).Msg("Drained spooled dead letters")
		}
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Dead-letter destination still unavailable, keeping spool")
		}
	}
}
