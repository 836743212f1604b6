package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ripel-io/ripel/cdc"
	"github.com/ripel-io/ripel/cfg"
	"github.com/ripel-io/ripel/checkpoint"
	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/health"
	"github.com/ripel-io/ripel/pipeline"
	"github.com/ripel-io/ripel/publisher"
	"github.com/ripel-io/ripel/publisher/sink"
	"github.com/ripel-io/ripel/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const binlogFile = "binlog.000001"

func at(off uint32) cdc.Position {
	return cdc.Position{File: binlogFile, Offset: off}
}

// transaction returns the records of one committed transaction inserting one
// row per id into shop.orders
func transaction(tx string, commitAt uint32, ids ...int) []cdc.Record {
	recs := []cdc.Record{{Kind: cdc.TxBegin, TxID: tx, Position: at(commitAt - 50)}}
	for i, id := range ids {
		recs = append(recs, cdc.Record{
			Kind:     cdc.RowInsert,
			TxID:     tx,
			Database: "shop",
			Table:    "orders",
			Columns:  []string{"id", "status"},
			After:    []any{id, "new"},
			Position: at(commitAt - 40 + uint32(i)),
		})
	}
	return append(recs, cdc.Record{Kind: cdc.TxCommit, TxID: tx, Position: at(commitAt)})
}

type fakeSource struct {
	mu      sync.Mutex
	records []cdc.Record
	opens   []cdc.Position
}

func (f *fakeSource) Open(_ context.Context, from cdc.Position) (cdc.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, from)

	var recs []cdc.Record
	for _, r := range f.records {
		if from.IsZero() || r.Position.Compare(from) > 0 {
			recs = append(recs, r)
		}
	}
	return &fakeStream{records: recs}, nil
}

func (f *fakeSource) Opens() []cdc.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cdc.Position(nil), f.opens...)
}

type fakeStream struct {
	records []cdc.Record
}

func (s *fakeStream) Next(ctx context.Context) (cdc.Record, error) {
	if len(s.records) > 0 {
		r := s.records[0]
		s.records = s.records[1:]
		return r, nil
	}
	<-ctx.Done()
	return cdc.Record{}, ctx.Err()
}

func (s *fakeStream) Close() error { return nil }

func testConfig(t *testing.T, dataDir string) *cfg.Configuration {
	t.Helper()
	c := cfg.Default()
	c.DataDir = dataDir
	c.ReaderID = "test-reader"
	c.Source.ServerID = 42
	c.Publisher.Sink = "memory"
	c.Retry = cfg.RetryConfiguration{BaseDelayMS: 1, MaxDelayMS: 5, MaxAttempts: 2}
	c.Publisher.BatchLingerMS = 1
	c.Pipeline.ShutdownTimeoutMS = 5000
	require.NoError(t, c.Validate())
	return c
}

// runService starts s and returns a stop function that cancels it and
// returns the Run error
func runService(t *testing.T, s *Service) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("service did not stop")
			return nil
		}
	}
}

func TestServiceDeliversCommittedTransactions(t *testing.T) {
	src := &fakeSource{}
	src.records = append(transaction("tx1", 300, 1, 2), transaction("tx2", 500, 3)...)
	mock := sink.NewMockSink(1)

	s, err := New(context.Background(), testConfig(t, t.TempDir()), Overrides{Source: src, Sink: mock})
	require.NoError(t, err)
	defer s.Close()

	stop := runService(t, s)

	require.Eventually(t, func() bool {
		return s.Reader().LastCheckpoint() == at(500)
	}, 5*time.Second, 10*time.Millisecond)

	msgs := mock.Messages("ripel.events")
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, int64(i), m.Offset)
		assert.NotEmpty(t, m.Headers[publisher.HeaderDeliveryToken])
	}

	assert.Equal(t, health.Healthy, s.Health().Check().Status)
	assert.Equal(t, uint64(3), s.Pipeline().Stats().Processed)

	require.NoError(t, stop())
	assert.Equal(t, cdc.Stopped, s.Reader().State())
}

func TestServiceResumesFromPersistedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	mock := sink.NewMockSink(1)

	first := &fakeSource{records: transaction("tx1", 300, 1)}
	s, err := New(context.Background(), testConfig(t, dir), Overrides{Source: first, Sink: mock})
	require.NoError(t, err)
	stop := runService(t, s)
	require.Eventually(t, func() bool {
		return s.Reader().LastCheckpoint() == at(300)
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	require.NoError(t, s.Close())

	second := &fakeSource{records: append(transaction("tx1", 300, 1), transaction("tx2", 500, 2)...)}
	s, err = New(context.Background(), testConfig(t, dir), Overrides{Source: second, Sink: mock})
	require.NoError(t, err)
	defer s.Close()
	stop = runService(t, s)
	require.Eventually(t, func() bool {
		return s.Reader().LastCheckpoint() == at(500)
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	require.NotEmpty(t, second.Opens())
	assert.Equal(t, at(300), second.Opens()[0])
	assert.Len(t, mock.Messages("ripel.events"), 2)
}

func TestReplayedTransactionIsNotDeliveredTwice(t *testing.T) {
	dir := t.TempDir()
	mock := sink.NewMockSink(1)
	records := transaction("tx1", 300, 1, 2)

	for run := 0; run < 2; run++ {
		// a fresh in-memory checkpoint makes every run replay from the start
		s, err := New(context.Background(), testConfig(t, dir), Overrides{
			Source:      &fakeSource{records: records},
			Sink:        mock,
			Checkpoints: checkpoint.NewMemory("test-reader"),
		})
		require.NoError(t, err, "run %d", run)
		stop := runService(t, s)
		require.Eventually(t, func() bool {
			return s.Reader().LastCheckpoint() == at(300)
		}, 5*time.Second, 10*time.Millisecond, "run %d", run)
		require.NoError(t, stop())
		require.NoError(t, s.Close())
	}

	assert.Len(t, mock.Messages("ripel.events"), 2)
}

func TestUndeliverableEventsAreSpooledAndCheckpointAdvances(t *testing.T) {
	mock := sink.NewMockSink(1)
	mock.FailAll(errors.New("broker unavailable"))
	src := &fakeSource{records: transaction("tx1", 300, 1)}

	s, err := New(context.Background(), testConfig(t, t.TempDir()), Overrides{Source: src, Sink: mock})
	require.NoError(t, err)
	defer s.Close()
	stop := runService(t, s)

	require.Eventually(t, func() bool {
		return s.Reader().LastCheckpoint() == at(300)
	}, 5*time.Second, 10*time.Millisecond)

	n, err := s.spool.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, mock.Messages("ripel.events"))

	snap := s.Health().Check()
	assert.NotEqual(t, health.Healthy, snap.Status, snap.Summary())

	require.NoError(t, stop())
}

func TestRunTwice(t *testing.T) {
	s, err := New(context.Background(), testConfig(t, t.TempDir()), Overrides{Source: &fakeSource{}, Sink: sink.NewMockSink(1)})
	require.NoError(t, err)
	defer s.Close()

	stop := runService(t, s)
	require.Eventually(t, func() bool {
		return s.Reader().State() == cdc.Streaming
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
	require.NoError(t, stop())
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	c := testConfig(t, t.TempDir())
	c.Publisher.Format = "avro"
	_, err := New(context.Background(), c, Overrides{Source: &fakeSource{}, Sink: sink.NewMockSink(1)})
	assert.Error(t, err)
}

func TestOutcome(t *testing.T) {
	fatal := resilience.NewFatal("dead_letter", publisher.ErrDeadLetterFailed)
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"delivered", nil, nil},
		{"dead lettered", &publisher.DeadLetteredError{Reason: event.ReasonRetryExhausted, Attempts: 3, Err: errors.New("timeout")}, nil},
		{"spooled", &publisher.DeadLetteredError{Reason: event.ReasonRetryExhausted, Spooled: true, Err: errors.New("timeout")}, nil},
		{"dropped", fmt.Errorf("unroutable: %w", publisher.ErrDropped), nil},
		{"fatal", fatal, fatal},
		{"stopped", pipeline.ErrStopped, pipeline.ErrStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcome(tt.err))
		})
	}
}

func TestPinBy(t *testing.T) {
	ev := event.New("user.created", "api", nil).WithMetadata(event.MetaPartitionKey, "shop:orders")

	assert.Nil(t, pinBy("none"))
	assert.Nil(t, pinBy(""))
	assert.Equal(t, "api", pinBy("source")(ev))
	assert.Equal(t, "shop:orders", pinBy("partition_key")(ev))
}

func TestSourceDSN(t *testing.T) {
	c := cfg.Default().Source
	c.User = "repl"
	c.Password = "secret"
	dsn := sourceDSN(c)
	assert.Contains(t, dsn, "repl:secret@tcp(127.0.0.1:3306)/")
	assert.Contains(t, dsn, "timeout=10s")
}
