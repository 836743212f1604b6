package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/resilience"
	"github.com/ripel-io/ripel/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrDeadLetterFailed means an event could not be delivered to the
// dead-letter destination either
var ErrDeadLetterFailed = errors.New("dead-letter delivery failed")

// DeadLetteredError is returned by Publish when an event was diverted to the
// dead-letter path instead of its destination. The event is accounted for:
// either the dead-letter destination accepted it (Delivery is set) or it was
// written to the local spool (Spooled is true).
type DeadLetteredError struct {
	Reason   string
	Attempts int
	Err      error
	Delivery *event.Delivery
	Spooled  bool
}

func (e *DeadLetteredError) Error() string {
	where := "dead-letter destination"
	if e.Spooled {
		where = "local spool"
	}
	return fmt.Sprintf("event dead-lettered to %s (%s after %d attempts): %v", where, e.Reason, e.Attempts, e.Err)
}

func (e *DeadLetteredError) Unwrap() error {
	return e.Err
}

// Is lets a spooled dead letter match ErrDeadLetterFailed
func (e *DeadLetteredError) Is(target error) bool {
	return e.Spooled && target == ErrDeadLetterFailed
}

// IsDeadLettered reports whether err means the event was dead-lettered
func IsDeadLettered(err error) bool {
	var dl *DeadLetteredError
	return errors.As(err, &dl)
}

// deadLetterer writes dead letters straight to the sink, bypassing the
// batcher, and falls back to the spool.
type deadLetterer struct {
	sink        Sink
	destination string
	partitioner *Partitioner
	retry       resilience.RetryPolicy
	breaker     *resilience.CircuitBreaker
	spool       *Spool
}

func deadLetterToken(ev *event.Event) string {
	return event.DeliveryToken("dead-letter/" + ev.ID)
}

func (d *deadLetterer) encode(dl *event.DeadLetter) (Message, error) {
	value, err := json.Marshal(dl)
	if err != nil {
		return Message{}, err
	}

	key := KeyByPartitionKey(dl.Event)
	return Message{
		Key:   []byte(key),
		Value: value,
		Token: deadLetterToken(dl.Event),
		Headers: map[string]string{
			HeaderContentType:   "application/json",
			HeaderEventID:       dl.Event.ID,
			HeaderEventType:     dl.Event.Type,
			HeaderSource:        dl.Event.Source,
			HeaderDeadLetter:    dl.Reason,
			HeaderDeliveryToken: deadLetterToken(dl.Event),
			"ripel-attempts":    strconv.Itoa(dl.Attempts),
		},
	}, nil
}

// send delivers dl and reports how it was handled. cause is the failure
// that diverted the event.
func (d *deadLetterer) send(ctx context.Context, dl *event.DeadLetter, cause error) error {
	telemetry.DLQTotal.With(dl.Reason).Inc()

	log.Warn().
		Str("event_id", dl.Event.ID).
		Str("event_type", dl.Event.Type).
		Str("destination", dl.Destination).
		Str("reason", dl.Reason).
		Int("attempts", dl.Attempts).
		Str("error", dl.Error).
		Msg("Dead-lettering event")

	result := &DeadLetteredError{
		Reason:   dl.Reason,
		Attempts: dl.Attempts,
		Err:      cause,
	}

	delivery, err := d.deliver(ctx, dl)
	if err == nil {
		result.Delivery = &delivery
		return result
	}

	telemetry.DLQFailuresTotal.Inc()
	log.Error().
		Err(err).
		Str("event_id", dl.Event.ID).
		Str("dead_letter_destination", d.destination).
		Msg("Dead-letter delivery failed")

	if d.spool == nil {
		return resilience.NewFatal("dead_letter", fmt.Errorf("%w: %v", ErrDeadLetterFailed, err))
	}

	seq, spoolErr := d.spool.Append(dl)
	if spoolErr != nil {
		log.Error().Err(spoolErr).Str("event_id", dl.Event.ID).Msg("Failed to spool dead letter, event is not accounted for")
		return resilience.NewFatal("dead_letter", fmt.Errorf("%w: %v (spool: %v)", ErrDeadLetterFailed, err, spoolErr))
	}

	log.Warn().Uint64("seq", seq).Str("event_id", dl.Event.ID).Msg("Dead letter spooled locally")
	result.Spooled = true
	return result
}

// deliver produces dl to the dead-letter destination with retries
func (d *deadLetterer) deliver(ctx context.Context, dl *event.DeadLetter) (event.Delivery, error) {
	if d.destination == "" {
		return event.Delivery{}, resilience.NewPermanent("dead_letter", errors.New("no dead-letter destination configured"))
	}

	msg, err := d.encode(dl)
	if err != nil {
		return event.Delivery{}, resilience.NewPermanent("dead_letter", err)
	}

	partition := d.partitioner.Partition(ctx, d.destination, string(msg.Key))
	offset, err := resilience.Retry(ctx, d.retry, func(ctx context.Context, _ int) (int64, error) {
		var off int64
		err := d.breaker.Execute(ctx, func(ctx context.Context) error {
			offsets, err := d.sink.Produce(ctx, d.destination, partition, []Message{msg})
			if err != nil {
				return err
			}
			if len(offsets) != 1 {
				return fmt.Errorf("sink returned %d offsets for 1 message", len(offsets))
			}
			off = offsets[0]
			return nil
		})
		return off, err
	})
	if err != nil {
		return event.Delivery{}, err
	}

	return event.Delivery{Destination: d.destination, Partition: partition, Offset: offset}, nil
}

// replay delivers a spooled dead letter without spooling it again
func (d *deadLetterer) replay(ctx context.Context, dl *event.DeadLetter) error {
	_, err := d.deliver(ctx, dl)
	return err
}
