package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ripel-io/ripel/cfg"
	"github.com/ripel-io/ripel/publisher"
	"github.com/ripel-io/ripel/resilience"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaTimeout  = 10 * time.Second
	DefaultKafkaClientID = "ripel"
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.PublisherConfiguration) (publisher.Sink, error) {
		compression, err := ParseCompression(config.Compression)
		if err != nil {
			return nil, err
		}
		return NewKafkaSink(KafkaConfig{
			Brokers:      config.Brokers,
			ClientID:     config.ClientID,
			RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
			Compression:  compression,
			Timeout:      time.Duration(config.PublishTimeoutMS) * time.Millisecond,
		})
	})
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers      []string           // Kafka broker addresses
	ClientID     string             // Client id announced to brokers
	RequiredAcks kafka.RequiredAcks // Ack requirement (default: RequireAll)
	Compression  kafka.Compression  // Record batch compression (default: none)
	Timeout      time.Duration      // Request timeout
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:      brokers,
		ClientID:     DefaultKafkaClientID,
		RequiredAcks: kafka.RequireAll,
		Timeout:      DefaultKafkaTimeout,
	}
}

// ParseCompression maps a compression name onto a kafka codec
func ParseCompression(name string) (kafka.Compression, error) {
	switch name {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	}
	return 0, fmt.Errorf("unknown kafka compression: %s", name)
}

// KafkaSink produces record batches straight to a partition leader, so every
// message gets its real offset back. Connections are pooled by the client
// transport and shared by all callers.
type KafkaSink struct {
	client *kafka.Client
	config KafkaConfig
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	// Set defaults if not provided
	if config.ClientID == "" {
		config.ClientID = DefaultKafkaClientID
	}
	if config.RequiredAcks == 0 {
		config.RequiredAcks = kafka.RequireAll
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultKafkaTimeout
	}

	client := &kafka.Client{
		Addr:    kafka.TCP(config.Brokers...),
		Timeout: config.Timeout,
		Transport: &kafka.Transport{
			ClientID:    config.ClientID,
			IdleTimeout: 30 * time.Second,
		},
	}

	return &KafkaSink{client: client, config: config}, nil
}

// Name identifies the sink
func (k *KafkaSink) Name() string {
	return "kafka"
}

// Produce writes msgs to one partition of topic in a single request
func (k *KafkaSink) Produce(ctx context.Context, topic string, partition int, msgs []publisher.Message) ([]int64, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	now := time.Now()
	records := make([]kafka.Record, len(msgs))
	for i, m := range msgs {
		records[i] = kafka.Record{
			Time:    now,
			Key:     kafka.NewBytes(m.Key),
			Value:   kafka.NewBytes(m.Value),
			Headers: kafkaHeaders(m.Headers),
		}
	}

	res, err := k.client.Produce(ctx, &kafka.ProduceRequest{
		Topic:        topic,
		Partition:    partition,
		RequiredAcks: k.config.RequiredAcks,
		Compression:  k.config.Compression,
		Records:      kafka.NewRecordReader(records...),
	})
	if err != nil {
		return nil, fmt.Errorf("produce to %s/%d: %w", topic, partition, err)
	}
	if res.Error != nil {
		return nil, classifyKafkaError(topic, partition, res.Error)
	}
	if len(res.RecordErrors) > 0 {
		first := len(msgs)
		for i := range res.RecordErrors {
			first = min(first, i)
		}
		return nil, resilience.NewPermanent("produce",
			fmt.Errorf("%d records of %s/%d rejected, first at %d: %w", len(res.RecordErrors), topic, partition, first, res.RecordErrors[first]))
	}

	offsets := make([]int64, len(msgs))
	for i := range offsets {
		offsets[i] = res.BaseOffset + int64(i)
	}
	return offsets, nil
}

// Partitions returns the partition count of topic
func (k *KafkaSink) Partitions(ctx context.Context, topic string) (int, error) {
	meta, err := k.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return 0, err
	}
	for _, t := range meta.Topics {
		if t.Name != topic {
			continue
		}
		if t.Error != nil {
			return 0, t.Error
		}
		return len(t.Partitions), nil
	}
	return 0, fmt.Errorf("topic %s not found", topic)
}

// Close releases idle broker connections
func (k *KafkaSink) Close() error {
	if t, ok := k.client.Transport.(*kafka.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func kafkaHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

// classifyKafkaError marks broker errors that retrying cannot fix as permanent
func classifyKafkaError(topic string, partition int, err error) error {
	err = fmt.Errorf("produce to %s/%d: %w", topic, partition, err)
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge),
		errors.Is(err, kafka.InvalidRecord),
		errors.Is(err, kafka.InvalidMessage),
		errors.Is(err, kafka.TopicAuthorizationFailed):
		return resilience.NewPermanent("produce", err)
	case errors.Is(err, kafka.UnknownTopicOrPartition):
		return resilience.NewTransient("produce", fmt.Errorf("%w: %w", publisher.ErrUnknownPartition, err))
	}
	return resilience.NewTransient("produce", err)
}
