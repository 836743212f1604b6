package event

import (
	"fmt"
	"time"
)

// Operation is a row-level change kind
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Change describes one row change inside a committed transaction
type Change struct {
	// ID is used as the event id when set
	ID            string
	Database      string
	Table         string
	Operation     Operation
	Before        map[string]any
	After         map[string]any
	Position      string
	TransactionID string
	CommittedAt   time.Time
	// EventType overrides the derived "database.{db}.{table}.{op}" type when set
	EventType string
}

// ChangeEventType returns the default event type for a change
func ChangeEventType(database, table string, op Operation) string {
	return fmt.Sprintf("database.%s.%s.%s", database, table, op)
}

// ChangeSource returns the source identifier for a table
func ChangeSource(database, table string) string {
	return fmt.Sprintf("mysql://%s/%s", database, table)
}

// FromChange builds the event for a row change
func FromChange(c Change) *Event {
	eventType := c.EventType
	if eventType == "" {
		eventType = ChangeEventType(c.Database, c.Table, c.Operation)
	}

	payload := map[string]any{
		"operation": string(c.Operation),
		"database":  c.Database,
		"table":     c.Table,
		"before":    c.Before,
		"after":     c.After,
		"position":  c.Position,
	}
	if c.TransactionID != "" {
		payload["transaction_id"] = c.TransactionID
	}

	e := New(eventType, ChangeSource(c.Database, c.Table), payload)
	if c.ID != "" {
		e.ID = c.ID
	}
	if !c.CommittedAt.IsZero() {
		e.OccurredAt = c.CommittedAt.UTC()
	}
	e.Metadata[MetaPartitionKey] = c.Database + ":" + c.Table
	e.Metadata[MetaDatabase] = c.Database
	e.Metadata[MetaTable] = c.Table
	e.Metadata[MetaOperation] = string(c.Operation)
	return e
}
