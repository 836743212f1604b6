// Package transformer provides implementations of the publisher.Transformer interface
// for converting events to various sink-specific formats.
package transformer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/publisher"
	"github.com/rs/zerolog/log"
)

// ErrNotChangeEvent is returned when a non change-capture event is given to
// the debezium transformer
var ErrNotChangeEvent = errors.New("debezium format requires a change event")

func init() {
	// Register debezium transformer factory
	publisher.RegisterTransformer("debezium", func() publisher.Transformer {
		return NewDebeziumTransformer()
	})
}

// DebeziumTransformer transforms change events to Debezium JSON with Schema format.
// It implements the Debezium message format with both schema and payload sections,
// compatible with Debezium consumers like Kafka Connect and stream processing systems.
//
// The transformer:
//   - Generates Debezium-compatible JSON messages with embedded schema
//   - Caches envelope schemas per table and column set
//   - Infers Debezium types from decoded row values (int64, double, string, bytes, boolean)
//   - Supports INSERT ("c"), UPDATE ("u"), and DELETE ("d") operations
//
// Output format includes:
//   - schema: Structured schema definition with column types
//   - payload: Event data with before/after states, operation type, timestamp, and source metadata
type DebeziumTransformer struct {
	connectorName string
	schemaCache   sync.Map // cache built schemas: "db.table|col:type,..." -> *debeziumEnvelopeSchema
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{
		connectorName: "ripel",
	}
}

// debeziumEnvelopeSchema represents the cached schema structure
type debeziumEnvelopeSchema struct {
	Type   string                `json:"type"`
	Name   string                `json:"name"`
	Fields []debeziumSchemaField `json:"fields"`
}

type debeziumSchemaField struct {
	Field    string                `json:"field"`
	Type     string                `json:"type"`
	Optional bool                  `json:"optional,omitempty"`
	Name     string                `json:"name,omitempty"`
	Fields   []debeziumSchemaField `json:"fields,omitempty"`
}

type debeziumMessage struct {
	Schema  *debeziumEnvelopeSchema `json:"schema"`
	Payload debeziumPayload         `json:"payload"`
}

type debeziumPayload struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source debeziumSource `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	Db        string `json:"db"`
	Table     string `json:"table"`
	TxID      string `json:"txId,omitempty"`
	Pos       string `json:"pos,omitempty"`
	EventID   string `json:"event_id"`
}

// ContentType returns application/json
func (d *DebeziumTransformer) ContentType() string {
	return "application/json"
}

// Transform converts a change event to Debezium JSON with Schema format
func (d *DebeziumTransformer) Transform(ev *event.Event) ([]byte, error) {
	database := ev.Meta(event.MetaDatabase)
	table := ev.Meta(event.MetaTable)
	operation := ev.Meta(event.MetaOperation)
	if database == "" || table == "" || operation == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotChangeEvent, ev.ID)
	}

	before, err := rowImage(ev.Payload["before"])
	if err != nil {
		return nil, fmt.Errorf("failed to decode before data: %w", err)
	}
	after, err := rowImage(ev.Payload["after"])
	if err != nil {
		return nil, fmt.Errorf("failed to decode after data: %w", err)
	}

	// Get or build envelope schema
	envelopeSchema := d.getOrBuildSchema(database, table, before, after)

	// Build payload
	payload := debeziumPayload{
		Before: before,
		After:  after,
		Op:     d.mapOperation(event.Operation(operation)),
		TsMs:   ev.OccurredAt.UnixMilli(),
		Source: debeziumSource{
			Connector: d.connectorName,
			Db:        database,
			Table:     table,
			TxID:      stringField(ev.Payload, "transaction_id"),
			Pos:       stringField(ev.Payload, "position"),
			EventID:   ev.ID,
		},
	}

	// Build full message
	message := debeziumMessage{
		Schema:  envelopeSchema,
		Payload: payload,
	}

	// Encode as JSON
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return data, nil
}

// rowImage accepts the before/after payload values in the shapes events
// take in memory and after a msgpack round trip
func rowImage(v any) (map[string]any, error) {
	switch row := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return row, nil
	case map[string]string:
		out := make(map[string]any, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected row image type %T", v)
}

func stringField(payload map[string]any, key string) string {
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

// mapOperation maps a change operation to a Debezium operation
func (d *DebeziumTransformer) mapOperation(op event.Operation) string {
	switch op {
	case event.OpInsert:
		return "c" // create
	case event.OpUpdate:
		return "u" // update
	case event.OpDelete:
		return "d" // delete
	default:
		log.Warn().Str("operation", string(op)).Msg("unknown change operation, defaulting to update")
		return "u" // default to update
	}
}

type column struct {
	name     string
	typ      string
	optional bool
}

// columnsOf derives the column list from the row images. A column whose
// value is nil in every image is optional and typed string.
func columnsOf(before, after map[string]any) []column {
	types := make(map[string]string)
	optional := make(map[string]bool)
	for _, row := range []map[string]any{before, after} {
		for name, v := range row {
			if v == nil {
				optional[name] = true
				if _, ok := types[name]; !ok {
					types[name] = ""
				}
				continue
			}
			types[name] = debeziumType(v)
		}
	}

	cols := make([]column, 0, len(types))
	for name, typ := range types {
		if typ == "" {
			typ = "string"
		}
		cols = append(cols, column{name: name, typ: typ, optional: optional[name]})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].name < cols[j].name })
	return cols
}

// getOrBuildSchema retrieves or builds the envelope schema for a table
func (d *DebeziumTransformer) getOrBuildSchema(database, table string, before, after map[string]any) *debeziumEnvelopeSchema {
	cols := columnsOf(before, after)

	var key strings.Builder
	key.WriteString(database + "." + table + "|")
	for _, c := range cols {
		fmt.Fprintf(&key, "%s:%s:%t,", c.name, c.typ, c.optional)
	}

	// Check cache
	if cached, ok := d.schemaCache.Load(key.String()); ok {
		return cached.(*debeziumEnvelopeSchema)
	}

	// Build schema
	envelopeSchema := d.buildEnvelopeSchema(database, table, cols)

	// Store in cache
	d.schemaCache.Store(key.String(), envelopeSchema)

	return envelopeSchema
}

// buildEnvelopeSchema constructs the Debezium envelope schema
func (d *DebeziumTransformer) buildEnvelopeSchema(database, table string, cols []column) *debeziumEnvelopeSchema {
	valueSchemaName := database + "." + table + ".Value"
	envelopeName := database + "." + table + ".Envelope"

	// Build column fields
	columnFields := make([]debeziumSchemaField, len(cols))
	for i, col := range cols {
		columnFields[i] = debeziumSchemaField{
			Field:    col.name,
			Type:     col.typ,
			Optional: col.optional,
		}
	}

	// Build envelope schema
	return &debeziumEnvelopeSchema{
		Type: "struct",
		Name: envelopeName,
		Fields: []debeziumSchemaField{
			{
				Field:    "before",
				Type:     "struct",
				Optional: true,
				Name:     valueSchemaName,
				Fields:   columnFields,
			},
			{
				Field:    "after",
				Type:     "struct",
				Optional: true,
				Name:     valueSchemaName,
				Fields:   columnFields,
			},
			{
				Field: "op",
				Type:  "string",
			},
			{
				Field: "ts_ms",
				Type:  "int64",
			},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.ripel.connector.mysql.Source",
				Fields: []debeziumSchemaField{
					{Field: "connector", Type: "string"},
					{Field: "db", Type: "string"},
					{Field: "table", Type: "string"},
					{Field: "txId", Type: "string", Optional: true},
					{Field: "pos", Type: "string", Optional: true},
					{Field: "event_id", Type: "string"},
				},
			},
		},
	}
}

// debeziumType maps a decoded row value to a Debezium type. The binlog
// decoder yields Go integers, floats, strings and raw bytes; DECIMAL and
// temporal columns arrive as strings.
func debeziumType(v any) string {
	switch v.(type) {
	case int8, int16, int32, int64, int, uint8, uint16, uint32, uint64, uint:
		return "int64"
	case float32, float64:
		return "double"
	case bool:
		return "boolean"
	case []byte:
		return "bytes"
	default:
		return "string"
	}
}
