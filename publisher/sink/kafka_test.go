package sink

import (
	"errors"
	"testing"

	"github.com/ripel-io/ripel/cfg"
	"github.com/ripel-io/ripel/publisher"
	"github.com/ripel-io/ripel/resilience"
	"github.com/segmentio/kafka-go"
)

func TestDefaultKafkaConfig(t *testing.T) {
	brokers := []string{"localhost:9092", "localhost:9093"}
	config := DefaultKafkaConfig(brokers)

	if len(config.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %d", len(config.Brokers))
	}

	if config.Brokers[0] != "localhost:9092" {
		t.Errorf("expected first broker localhost:9092, got %s", config.Brokers[0])
	}

	if config.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", config.RequiredAcks)
	}

	if config.ClientID != DefaultKafkaClientID {
		t.Errorf("expected client id %s, got %s", DefaultKafkaClientID, config.ClientID)
	}
}

func TestNewKafkaSink(t *testing.T) {
	config := KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: kafka.RequireOne,
	}

	sink, err := NewKafkaSink(config)
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}

	if sink.client == nil {
		t.Fatal("expected non-nil client")
	}

	if sink.config.RequiredAcks != kafka.RequireOne {
		t.Errorf("expected RequireOne acks, got %v", sink.config.RequiredAcks)
	}

	if sink.config.Timeout != DefaultKafkaTimeout {
		t.Errorf("expected default timeout, got %v", sink.config.Timeout)
	}

	if sink.Name() != "kafka" {
		t.Errorf("expected name kafka, got %s", sink.Name())
	}
}

func TestNewKafkaSinkRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{}); err == nil {
		t.Fatal("expected error for empty broker list")
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		name    string
		want    kafka.Compression
		wantErr bool
	}{
		{"", 0, false},
		{"none", 0, false},
		{"gzip", kafka.Gzip, false},
		{"snappy", kafka.Snappy, false},
		{"lz4", kafka.Lz4, false},
		{"zstd", kafka.Zstd, false},
		{"brotli", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCompression(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCompression(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseCompression(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestClassifyKafkaError(t *testing.T) {
	err := classifyKafkaError("orders", 0, kafka.MessageSizeTooLarge)
	if resilience.KindOf(err) != resilience.Permanent {
		t.Errorf("expected permanent for oversized message, got %v", resilience.KindOf(err))
	}
	if !errors.Is(err, kafka.MessageSizeTooLarge) {
		t.Error("expected original kafka error to be preserved")
	}

	err = classifyKafkaError("orders", 0, kafka.LeaderNotAvailable)
	if resilience.KindOf(err) != resilience.Transient {
		t.Errorf("expected transient for leader election, got %v", resilience.KindOf(err))
	}

	err = classifyKafkaError("orders", 7, kafka.UnknownTopicOrPartition)
	if resilience.KindOf(err) != resilience.Transient {
		t.Errorf("expected transient for unknown partition, got %v", resilience.KindOf(err))
	}
	if !errors.Is(err, publisher.ErrUnknownPartition) {
		t.Error("expected unknown partition to be reported to the publisher")
	}
}

func TestKafkaHeaders(t *testing.T) {
	if kafkaHeaders(nil) != nil {
		t.Error("expected nil headers for empty map")
	}

	h := kafkaHeaders(map[string]string{publisher.HeaderEventID: "e1"})
	if len(h) != 1 || h[0].Key != publisher.HeaderEventID || string(h[0].Value) != "e1" {
		t.Errorf("unexpected headers: %+v", h)
	}
}

func TestKafkaSinkRegistered(t *testing.T) {
	s, err := publisher.NewSink(cfg.PublisherConfiguration{
		Sink:        "kafka",
		Brokers:     []string{"localhost:9092"},
		Compression: "zstd",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name() != "kafka" {
		t.Errorf("expected kafka sink, got %s", s.Name())
	}

	if _, err := publisher.NewSink(cfg.PublisherConfiguration{Sink: "kafka", Brokers: []string{"b:9092"}, Compression: "bogus"}); err == nil {
		t.Error("expected error for unknown compression")
	}
}
