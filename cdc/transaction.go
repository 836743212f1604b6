package cdc

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/id"
	"github.com/ripel-io/ripel/telemetry"
)

// PendingTransaction buffers the captured rows of an open transaction.
type PendingTransaction struct {
	ID    string
	Start Position
	Rows  []event.Change
}

// Commit is the outcome of a completed transaction boundary. Events is empty
// when every row was filtered out or the boundary was a DDL statement; the
// position still advances.
type Commit struct {
	TxID     string
	Events   []*event.Event
	Position Position

	// DDL lists the tables invalidated by a schema change.
	DDL []TableRef
}

// Decoder assembles row records into committed transactions. Rows are
// filtered and projected as they arrive and only turned into events once
// the commit is observed; rollbacks discard the buffer.
type Decoder struct {
	filter  *Filter
	pending map[string]*PendingTransaction
	begins  map[string]Position
}

// NewDecoder creates a decoder applying the filter
func NewDecoder(filter *Filter) *Decoder {
	return &Decoder{
		filter:  filter,
		pending: make(map[string]*PendingTransaction),
		begins:  make(map[string]Position),
	}
}

// Apply feeds one record to the decoder. It returns a Commit when the record
// closes a transaction or is a DDL boundary, otherwise nil.
func (d *Decoder) Apply(rec Record) *Commit {
	if rec.Kind.IsRow() {
		d.applyRow(rec)
		return nil
	}

	switch rec.Kind {
	case TxBegin:
		d.begins[rec.TxID] = rec.Position
		return nil

	case TxCommit:
		return d.commit(rec)

	case TxRollback:
		if tx, ok := d.pending[rec.TxID]; ok {
			log.Debug().Str("tx", rec.TxID).Int("rows", len(tx.Rows)).Msg("Discarding rolled back transaction")
		}
		delete(d.pending, rec.TxID)
		delete(d.begins, rec.TxID)
		telemetry.ReaderTransactionsTotal.With("rolled_back").Inc()
		return nil

	case DDL:
		return &Commit{TxID: rec.TxID, Position: rec.Position, DDL: rec.Tables}
	}
	return nil
}

// Pending returns the number of open transactions holding rows
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// Reset drops every open transaction. Used when the stream is re-opened
// from the last checkpoint.
func (d *Decoder) Reset() {
	clear(d.pending)
	clear(d.begins)
	telemetry.ReaderPendingTransactions.Set(0)
}

func (d *Decoder) applyRow(rec Record) {
	op := rec.Kind.Operation()
	telemetry.ReaderRowsTotal.With(string(op)).Inc()

	if !d.filter.Match(rec.Database, rec.Table, op) {
		telemetry.ReaderRowsFilteredTotal.Inc()
		return
	}

	tx, ok := d.pending[rec.TxID]
	if !ok {
		start, seen := d.begins[rec.TxID]
		if !seen {
			start = rec.Position
		}
		tx = &PendingTransaction{ID: rec.TxID, Start: start}
		d.pending[rec.TxID] = tx
		telemetry.ReaderPendingTransactions.Set(float64(len(d.pending)))
	}

	change := event.Change{
		Database:      rec.Database,
		Table:         rec.Table,
		Operation:     op,
		Position:      rec.Position.String(),
		TransactionID: rec.TxID,
		EventType:     d.filter.EventType(rec.Database, rec.Table),
	}
	if op != event.OpDelete {
		change.After = d.filter.Project(rec.Database, rec.Table, rec.Columns, rec.After)
	}
	if op != event.OpInsert && d.filter.CaptureBefore(rec.Database, rec.Table) {
		change.Before = d.filter.Project(rec.Database, rec.Table, rec.Columns, rec.Before)
	}
	tx.Rows = append(tx.Rows, change)
}

func (d *Decoder) commit(rec Record) *Commit {
	tx := d.pending[rec.TxID]
	delete(d.pending, rec.TxID)
	delete(d.begins, rec.TxID)
	telemetry.ReaderPendingTransactions.Set(float64(len(d.pending)))

	c := &Commit{TxID: rec.TxID, Position: rec.Position}
	if tx == nil {
		telemetry.ReaderTransactionsTotal.With("empty").Inc()
		return c
	}
	telemetry.ReaderTransactionsTotal.With("committed").Inc()

	committedAt := rec.Timestamp
	if committedAt.IsZero() {
		committedAt = time.Now()
	}
	c.Events = make([]*event.Event, 0, len(tx.Rows))
	for i, row := range tx.Rows {
		row.CommittedAt = committedAt
		row.ID = changeID(rec.Position, i)
		c.Events = append(c.Events, event.FromChange(row))
	}
	telemetry.ReaderTransactionRows.Observe(float64(len(c.Events)))
	return c
}

// changeID derives the event id of the i-th row of the transaction committed
// at pos. A zero position falls back to a fresh id.
func changeID(pos Position, i int) string {
	if pos.File == "" && pos.Offset == 0 {
		return ""
	}
	return id.Derive(fmt.Sprintf("%s:%d/%d", pos.File, pos.Offset, i))
}
