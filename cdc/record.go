package cdc

import (
	"time"

	"github.com/ripel-io/ripel/event"
)

// RecordKind classifies a decoded binlog record.
type RecordKind uint8

const (
	RowInsert RecordKind = iota + 1
	RowUpdate
	RowDelete
	TxBegin
	TxCommit
	TxRollback
	Heartbeat
	DDL
	Rotate
)

func (k RecordKind) String() string {
	switch k {
	case RowInsert:
		return "row_insert"
	case RowUpdate:
		return "row_update"
	case RowDelete:
		return "row_delete"
	case TxBegin:
		return "tx_begin"
	case TxCommit:
		return "tx_commit"
	case TxRollback:
		return "tx_rollback"
	case Heartbeat:
		return "heartbeat"
	case DDL:
		return "ddl"
	case Rotate:
		return "rotate"
	}
	return "unknown"
}

// IsRow reports whether the record carries a row image.
func (k RecordKind) IsRow() bool {
	return k == RowInsert || k == RowUpdate || k == RowDelete
}

// Operation maps a row kind to its change operation.
func (k RecordKind) Operation() event.Operation {
	switch k {
	case RowInsert:
		return event.OpInsert
	case RowUpdate:
		return event.OpUpdate
	case RowDelete:
		return event.OpDelete
	}
	return ""
}

// TableRef names a table touched by a DDL statement. An empty Table means
// the whole database.
type TableRef struct {
	Database string
	Table    string
}

// Record is one decoded unit from the binlog stream. Row records carry
// parallel Columns and Before/After slices; the other kinds only carry
// Position and, where relevant, the transaction id.
type Record struct {
	Kind      RecordKind
	TxID      string
	Database  string
	Table     string
	Columns   []string
	Before    []any
	After     []any
	Position  Position
	Timestamp time.Time

	// Query and Tables are set for DDL records.
	Query  string
	Tables []TableRef
}
