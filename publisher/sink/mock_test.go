package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/ripel-io/ripel/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockSinkAssignsOffsetsPerPartition(t *testing.T) {
	s := NewMockSink(2)
	ctx := context.Background()

	offs, err := s.Produce(ctx, "orders", 0, []publisher.Message{{Value: []byte("a")}, {Value: []byte("b")}})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, offs)

	offs, err = s.Produce(ctx, "orders", 1, []publisher.Message{{Value: []byte("c")}})
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, offs)

	assert.Len(t, s.Messages("orders"), 3)
	assert.Equal(t, 2, s.ProduceCalls())
}

func TestMockSinkDedupsTokens(t *testing.T) {
	s := NewMockSink(1)
	ctx := context.Background()

	msg := publisher.Message{Value: []byte("a"), Token: "tok-1"}
	first, err := s.Produce(ctx, "orders", 0, []publisher.Message{msg})
	require.NoError(t, err)

	second, err := s.Produce(ctx, "orders", 0, []publisher.Message{msg})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, s.Messages("orders"), 1)

	// Tokens are scoped per destination
	_, err = s.Produce(ctx, "audit", 0, []publisher.Message{msg})
	require.NoError(t, err)
	assert.Len(t, s.Messages("audit"), 1)
}

func TestMockSinkFailureInjection(t *testing.T) {
	s := NewMockSink(1)
	ctx := context.Background()
	boom := errors.New("boom")

	s.FailNext(boom)
	_, err := s.Produce(ctx, "orders", 0, []publisher.Message{{Value: []byte("a")}})
	assert.ErrorIs(t, err, boom)

	_, err = s.Produce(ctx, "orders", 0, []publisher.Message{{Value: []byte("a")}})
	assert.NoError(t, err)

	s.FailAll(boom)
	_, err = s.Produce(ctx, "orders", 0, []publisher.Message{{Value: []byte("b")}})
	assert.ErrorIs(t, err, boom)

	s.Reset()
	assert.Empty(t, s.Messages("orders"))
	_, err = s.Produce(ctx, "orders", 0, []publisher.Message{{Value: []byte("c")}})
	assert.NoError(t, err)
}

func TestMockSinkRejectsUnknownPartition(t *testing.T) {
	s := NewMockSink(2)
	_, err := s.Produce(context.Background(), "orders", 5, []publisher.Message{{Value: []byte("a")}})
	assert.ErrorIs(t, err, publisher.ErrUnknownPartition)
}

func TestSanitizeStreamName(t *testing.T) {
	assert.Equal(t, "cdc_app_todos", sanitizeStreamName("cdc.app.todos"))
	assert.Equal(t, "user-events", sanitizeStreamName("user-events"))
	assert.Equal(t, "a_b_c", sanitizeStreamName("a*b>c"))
	assert.Equal(t, "user-events.3", partitionSubject("user-events", 3))
}
