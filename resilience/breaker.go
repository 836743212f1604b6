package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the dependency while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

const (
	DefaultWindowSize         = 20
	DefaultMinRequests        = 5
	DefaultFailureThreshold   = 0.5
	DefaultCooldown           = 5 * time.Second
	DefaultMaxCooldown        = 2 * time.Minute
	DefaultCooldownMultiplier = 2.0
)

// BreakerConfig configures a CircuitBreaker. Zero fields take defaults.
type BreakerConfig struct {
	Name string
	// WindowSize is the number of most recent calls considered
	WindowSize int
	// MinRequests must be observed in the window before the rate is evaluated
	MinRequests int
	// FailureThreshold is the failure ratio that must be exceeded to open
	FailureThreshold float64
	// Cooldown is the first open period
	Cooldown time.Duration
	// MaxCooldown caps the open period after repeated failed trials
	MaxCooldown time.Duration
	// CooldownMultiplier grows the open period after each failed trial
	CooldownMultiplier float64
	// OnStateChange is called outside the breaker lock
	OnStateChange func(name string, from, to State)
	// Now is the clock, replaced in tests
	Now func() time.Time
}

// CircuitBreaker guards one downstream dependency. Closed counts outcomes in a
// count-based sliding window; Open rejects for the cooldown; HalfOpen lets
// exactly one trial call through.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      State
	generation uint64
	outcomes   []bool // ring buffer, true = failure
	next       int
	count      int
	failures   int
	openedAt   time.Time
	cooldown   time.Duration
	trial      bool
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = DefaultMinRequests
	}
	if cfg.MinRequests > cfg.WindowSize {
		cfg.MinRequests = cfg.WindowSize
	}
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold >= 1 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = max(DefaultMaxCooldown, cfg.Cooldown)
	}
	if cfg.CooldownMultiplier < 1 {
		cfg.CooldownMultiplier = DefaultCooldownMultiplier
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		cfg:      cfg,
		outcomes: make([]bool, cfg.WindowSize),
		cooldown: cfg.Cooldown,
	}
}

// Name returns the dependency name
func (b *CircuitBreaker) Name() string {
	return b.cfg.Name
}

// State returns the current state. An expired Open period is reported as
// HalfOpen even before the trial call arrives.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Cooldown returns the current open period
func (b *CircuitBreaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}

// Counts returns the calls and failures in the current window
func (b *CircuitBreaker) Counts() (total, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count, b.failures
}

// Allow asks permission for one call. On success the caller must invoke done
// exactly once with the call's outcome.
func (b *CircuitBreaker) Allow() (done func(failed bool), err error) {
	gen, err := b.admit()
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func(failed bool) {
		once.Do(func() { b.record(gen, failed) })
	}, nil
}

// admit reserves a call slot and returns the generation it was admitted under
func (b *CircuitBreaker) admit() (uint64, error) {
	b.mu.Lock()

	var from State
	transitioned := false

	switch b.state {
	case Open:
		if b.cfg.Now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return 0, ErrCircuitOpen
		}
		from = b.state
		b.setStateLocked(HalfOpen)
		transitioned = true
		b.trial = true
	case HalfOpen:
		if b.trial {
			b.mu.Unlock()
			return 0, ErrCircuitOpen
		}
		b.trial = true
	}

	gen := b.generation
	b.mu.Unlock()

	if transitioned {
		b.notify(from, HalfOpen)
	}
	return gen, nil
}

// Execute runs fn through the breaker. Only transient and fatal failures count
// against the dependency; a permanent failure is a problem with the request.
// A call cancelled by its caller records nothing and frees a HalfOpen trial.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	if errors.Is(err, context.Canceled) {
		b.release(gen)
		return err
	}
	b.record(gen, err != nil && KindOf(err) != Permanent)
	return err
}

// release gives back a HalfOpen trial without an outcome
func (b *CircuitBreaker) release(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen == b.generation && b.state == HalfOpen {
		b.trial = false
	}
}

func (b *CircuitBreaker) record(gen uint64, failed bool) {
	b.mu.Lock()

	// outcome of a call admitted under a previous state
	if gen != b.generation {
		b.mu.Unlock()
		return
	}

	from := b.state
	var to State

	switch b.state {
	case Closed:
		b.pushLocked(failed)
		if b.count >= b.cfg.MinRequests &&
			float64(b.failures)/float64(b.count) > b.cfg.FailureThreshold {
			b.cooldown = b.cfg.Cooldown
			b.openLocked()
			to = Open
		}
	case HalfOpen:
		b.trial = false
		if failed {
			next := time.Duration(float64(b.cooldown) * b.cfg.CooldownMultiplier)
			if next > b.cfg.MaxCooldown {
				next = b.cfg.MaxCooldown
			}
			b.cooldown = next
			b.openLocked()
			to = Open
		} else {
			b.cooldown = b.cfg.Cooldown
			b.resetWindowLocked()
			b.setStateLocked(Closed)
			to = Closed
		}
	default:
		b.mu.Unlock()
		return
	}

	b.mu.Unlock()

	if to != from {
		b.notify(from, to)
	}
}

func (b *CircuitBreaker) pushLocked(failed bool) {
	if b.count == len(b.outcomes) {
		if b.outcomes[b.next] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.outcomes[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.outcomes)
}

func (b *CircuitBreaker) resetWindowLocked() {
	clear(b.outcomes)
	b.next = 0
	b.count = 0
	b.failures = 0
}

func (b *CircuitBreaker) openLocked() {
	b.openedAt = b.cfg.Now()
	b.resetWindowLocked()
	b.setStateLocked(Open)
}

func (b *CircuitBreaker) setStateLocked(s State) {
	b.state = s
	b.generation++
	if s != HalfOpen {
		b.trial = false
	}
}

func (b *CircuitBreaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
