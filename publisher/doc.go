// Package publisher delivers events to external destinations.
//
// A Publisher resolves each event to a destination and partition key through
// a Router, encodes it with a Transformer and hands it to a Batcher that
// groups messages per destination partition before calling the Sink. Every
// message carries a delivery token derived from the event id; sinks with
// native dedup (NATS JetStream message ids, the in-memory sink) use it
// directly, and a Ledger covers the rest.
//
// # Failure handling
//
// Sink errors are classified by the resilience package. Transient failures
// are retried with capped exponential backoff behind a per-sink circuit
// breaker. Events that still cannot be delivered are wrapped in an
// event.DeadLetter and produced to the dead-letter destination. When that
// destination rejects them too, they go to a Pebble-backed Spool which a
// Drainer replays in order once the destination recovers.
//
// Key prefixes:
//
//	/ledger/{token}     -> msgpack(ledgerEntry)
//	/spool/{seq:016x}   -> zstd(msgpack(DeadLetter))
//	/spoolseq           -> uint64 (last spool sequence)
//
// Example usage:
//
//	router := publisher.NewRouter("events")
//	router.Register(publisher.EventTypeIs("user.created"), "users", publisher.KeyByPayloadField("id"))
//
//	p, err := publisher.New(publisher.Config{
//		Sink:                  sink,
//		Transformer:           transformer,
//		Router:                router,
//		DeadLetterDestination: "events-dlq",
//		Retry:                 resilience.DefaultRetryPolicy(),
//	})
//	if err != nil {
//		return err
//	}
//	p.Start()
//	defer p.Shutdown(ctx)
//
//	delivery, err := p.Publish(ctx, ev)
//	if publisher.IsDeadLettered(err) {
//		// ev was diverted and is accounted for
//	}
package publisher
