package event

import "time"

// Dead-letter reasons
const (
	ReasonRetryExhausted   = "retry_exhausted"
	ReasonUnroutable       = "unroutable"
	ReasonEncodeFailed     = "encode_failed"
	ReasonPermanentFailure = "permanent_failure"
	ReasonCircuitOpen      = "circuit_open"
)

// DeadLetter wraps an event that could not be delivered. The original event
// is carried unchanged so an operator can replay it.
type DeadLetter struct {
	Event       *Event    `json:"event" msgpack:"event"`
	Reason      string    `json:"reason" msgpack:"reason"`
	Error       string    `json:"error,omitempty" msgpack:"error,omitempty"`
	Attempts    int       `json:"attempt_count" msgpack:"attempts"`
	Destination string    `json:"destination,omitempty" msgpack:"dest,omitempty"`
	FailedAt    time.Time `json:"failed_at" msgpack:"failed_at"`
}

// NewDeadLetter builds a dead-letter record for ev
func NewDeadLetter(ev *Event, reason string, err error, attempts int, destination string) *DeadLetter {
	dl := &DeadLetter{
		Event:       ev,
		Reason:      reason,
		Attempts:    attempts,
		Destination: destination,
		FailedAt:    time.Now().UTC(),
	}
	if err != nil {
		dl.Error = err.Error()
	}
	return dl
}
