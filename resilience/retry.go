package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	// DefaultBaseDelay is the first backoff step
	DefaultBaseDelay = 100 * time.Millisecond
	// DefaultMaxDelay caps the exponential part of the backoff
	DefaultMaxDelay = 30 * time.Second
	// DefaultMaxAttempts counts the first call
	DefaultMaxAttempts = 5
)

// ErrExhausted is matched by errors.Is on every *ExhaustedError
var ErrExhausted = errors.New("retry budget exhausted")

// ExhaustedError is returned when the retry budget runs out on a transient failure
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// AttemptsOf returns the attempt count carried by an *ExhaustedError, or 1
func AttemptsOf(err error) int {
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return ee.Attempts
	}
	return 1
}

// RetryPolicy retries transient failures with capped exponential backoff
// plus jitter. Zero fields take the Default* values.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// DisableJitter removes the random component, mainly for tests
	DisableJitter bool
	// Classify overrides KindOf
	Classify func(error) Kind
	// OnRetry is called before each backoff sleep
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns a policy with default settings
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Classify == nil {
		p.Classify = KindOf
	}
	return p
}

// Backoff returns min(base*2^n, max) without jitter. n starts at 0.
func (p RetryPolicy) Backoff(n int) time.Duration {
	p = p.normalized()
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	return d
}

// Delay returns the sleep before retry n: Backoff(n) plus a random jitter in
// [0, Backoff(n)).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.Backoff(n)
	if p.DisableJitter || d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(int64(d)))
}

// Do runs op until it succeeds, fails non-transiently, or the budget is spent.
// op receives the 1-based attempt number.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return err
}

// Retry is Do for operations that return a value
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx, attempt)
		if err == nil {
			return v, nil
		}

		if p.Classify(err) != Transient {
			return zero, err
		}

		if attempt >= p.MaxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, Last: err}
		}

		delay := p.Delay(attempt - 1)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		if !Sleep(ctx, delay) {
			return zero, fmt.Errorf("retry stopped after %d attempts: %w (last error: %v)", attempt, ctx.Err(), err)
		}
	}
}

// Sleep waits for d or until ctx is done. Returns false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
