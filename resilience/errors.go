// Package resilience holds the failure taxonomy, the retry policy and the
// circuit breaker shared by the change reader and the publisher.
package resilience

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure
type Kind uint8

const (
	// Transient failures are retried with backoff
	Transient Kind = iota
	// Permanent failures are isolated to the offending event and never retried
	Permanent
	// Fatal failures stop the owning subsystem
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Error attaches a Kind to an underlying error
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient marks err as retryable
func NewTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Transient, Op: op, Err: err}
}

// NewPermanent marks err as never retryable
func NewPermanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Permanent, Op: op, Err: err}
}

// NewFatal marks err as terminal for the subsystem
func NewFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Fatal, Op: op, Err: err}
}

// temporary is implemented by network and broker errors that know whether
// they are worth retrying
type temporary interface {
	Temporary() bool
}

// KindOf classifies err. The outermost *Error wins. Errors exposing
// Temporary() are classified by it. Context cancellation is Permanent so that
// retry loops unwind. Anything else is Transient.
func KindOf(err error) Kind {
	if err == nil {
		return Transient
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}

	if errors.Is(err, ErrCircuitOpen) {
		return Transient
	}

	var t temporary
	if errors.As(err, &t) {
		if t.Temporary() {
			return Transient
		}
		return Permanent
	}

	return Transient
}

// IsRetryable reports whether err should be retried
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == Transient
}

// IsFatal reports whether err must stop the subsystem
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == Fatal
}
