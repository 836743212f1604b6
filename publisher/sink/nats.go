package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/ripel-io/ripel/cfg"
	"github.com/ripel-io/ripel/publisher"
	"github.com/ripel-io/ripel/resilience"
)

const (
	// DefaultDuplicateWindow is how long JetStream remembers message ids
	DefaultDuplicateWindow = 2 * time.Hour
	defaultStreamMaxAge    = 24 * time.Hour
)

func init() {
	publisher.RegisterSink("nats", func(config cfg.PublisherConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink publishes to NATS JetStream. Each destination is a stream and each
// partition a subject within it ("{destination}.{partition}"). The delivery
// token is sent as Nats-Msg-Id so JetStream drops duplicates within the
// stream's duplicate window; offsets are stream sequence numbers.
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream

	// ensured caches streams already created
	mu      sync.Mutex
	ensured map[string]struct{}
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, ensured: make(map[string]struct{})}, nil
}

// Name identifies the sink
func (n *NatsSink) Name() string {
	return "nats"
}

// Produce publishes msgs in order and returns their stream sequences. The
// batch stops at the first failure; messages already stored are deduplicated
// by id when the batch is retried.
func (n *NatsSink) Produce(ctx context.Context, destination string, partition int, msgs []publisher.Message) ([]int64, error) {
	if err := n.ensureStream(ctx, destination); err != nil {
		return nil, err
	}

	subject := partitionSubject(destination, partition)
	offsets := make([]int64, len(msgs))
	for i, m := range msgs {
		msg := &nats.Msg{
			Subject: subject,
			Data:    m.Value,
			Header:  nats.Header{},
		}
		msg.Header.Set("key", string(m.Key))
		for k, v := range m.Headers {
			msg.Header.Set(k, v)
		}

		var opts []jetstream.PublishOpt
		if m.Token != "" {
			opts = append(opts, jetstream.WithMsgID(m.Token))
		}

		ack, err := n.js.PublishMsg(ctx, msg, opts...)
		if err != nil {
			return nil, classifyNatsError(subject, err)
		}
		offsets[i] = int64(ack.Sequence)
	}

	return offsets, nil
}

// Partitions reports a single partition unless the stream says otherwise.
// Subjects are created on demand, so any partition count is valid.
func (n *NatsSink) Partitions(ctx context.Context, destination string) (int, error) {
	stream, err := n.js.Stream(ctx, sanitizeStreamName(destination))
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	if p, ok := info.Config.Metadata["partitions"]; ok {
		var count int
		if _, err := fmt.Sscanf(p, "%d", &count); err == nil && count > 0 {
			return count, nil
		}
	}
	return 1, nil
}

func (n *NatsSink) ensureStream(ctx context.Context, destination string) error {
	n.mu.Lock()
	_, ok := n.ensured[destination]
	n.mu.Unlock()
	if ok {
		return nil
	}

	streamName := sanitizeStreamName(destination)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{destination + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     defaultStreamMaxAge,
		Duplicates: DefaultDuplicateWindow,
	})
	if err != nil {
		return resilience.NewTransient("ensure_stream", fmt.Errorf("failed to ensure stream %s: %w", streamName, err))
	}

	n.mu.Lock()
	n.ensured[destination] = struct{}{}
	n.mu.Unlock()
	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

func partitionSubject(destination string, partition int) string {
	return fmt.Sprintf("%s.%d", destination, partition)
}

func classifyNatsError(subject string, err error) error {
	err = fmt.Errorf("failed to publish to %s: %w", subject, err)
	if errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrBadSubject) {
		return resilience.NewPermanent("produce", err)
	}
	return resilience.NewTransient("produce", err)
}

// sanitizeStreamName converts a destination to a valid JetStream stream name.
// Stream names can't contain ".", "*", ">" or whitespace.
func sanitizeStreamName(destination string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, destination)
}
