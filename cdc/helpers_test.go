package cdc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ripel-io/ripel/cfg"
	"github.com/stretchr/testify/require"
)

func pos(file string, off uint32) Position {
	return Position{File: file, Offset: off}
}

func begin(tx string, off uint32) Record {
	return Record{Kind: TxBegin, TxID: tx, Position: pos("binlog.000001", off)}
}

func commit(tx string, off uint32) Record {
	return Record{Kind: TxCommit, TxID: tx, Position: pos("binlog.000001", off)}
}

func rollback(tx string, off uint32) Record {
	return Record{Kind: TxRollback, TxID: tx, Position: pos("binlog.000001", off)}
}

func insert(tx, db, table string, off uint32, values ...any) Record {
	return Record{
		Kind: RowInsert, TxID: tx, Database: db, Table: table,
		Columns: []string{"id", "name", "secret"}, After: values,
		Position: pos("binlog.000001", off),
	}
}

func update(tx, db, table string, off uint32, before, after []any) Record {
	return Record{
		Kind: RowUpdate, TxID: tx, Database: db, Table: table,
		Columns: []string{"id", "name", "secret"}, Before: before, After: after,
		Position: pos("binlog.000001", off),
	}
}

func remove(tx, db, table string, off uint32, values ...any) Record {
	return Record{
		Kind: RowDelete, TxID: tx, Database: db, Table: table,
		Columns: []string{"id", "name", "secret"}, Before: values,
		Position: pos("binlog.000001", off),
	}
}

func newTestFilter(t *testing.T, mutate func(*cfg.FilterConfiguration)) *Filter {
	t.Helper()
	c := cfg.Default().Filter
	if mutate != nil {
		mutate(&c)
	}
	f, err := NewFilter(c)
	require.NoError(t, err)
	return f
}

// script is one replication session: its records are returned in order,
// then end is returned (or Next blocks until ctx ends when end is nil)
type script struct {
	records []Record
	end     error
}

type scriptedSource struct {
	mu      sync.Mutex
	scripts []script
	openErr []error
	opens   []Position
}

func (s *scriptedSource) Open(ctx context.Context, from Position) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens = append(s.opens, from)
	if len(s.openErr) > 0 {
		err := s.openErr[0]
		s.openErr = s.openErr[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(s.scripts) == 0 {
		return &scriptedStream{}, nil
	}
	sc := s.scripts[0]
	s.scripts = s.scripts[1:]
	return &scriptedStream{records: sc.records, end: sc.end}, nil
}

func (s *scriptedSource) Opens() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Position(nil), s.opens...)
}

type scriptedStream struct {
	records []Record
	end     error
	closed  bool
}

func (s *scriptedStream) Next(ctx context.Context) (Record, error) {
	if len(s.records) > 0 {
		r := s.records[0]
		s.records = s.records[1:]
		return r, nil
	}
	if s.end != nil {
		return Record{}, s.end
	}
	<-ctx.Done()
	return Record{}, ctx.Err()
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type memCheckpoints struct {
	mu      sync.Mutex
	pos     Position
	found   bool
	saves   []Position
	loadErr error
}

func (m *memCheckpoints) Load(context.Context) (Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return Position{}, false, m.loadErr
	}
	return m.pos, m.found, nil
}

func (m *memCheckpoints) Save(_ context.Context, p Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos, m.found = p, true
	m.saves = append(m.saves, p)
	return nil
}

func (m *memCheckpoints) Saves() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Position(nil), m.saves...)
}

var errStreamLost = errors.New("connection reset by peer")
