package cdc

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// ColumnResolver names the columns of a table in ordinal order. Row events
// only carry names when the source logs full row metadata.
type ColumnResolver interface {
	Columns(ctx context.Context, database, table string) ([]string, error)
}

// SchemaInvalidator drops cached table metadata after DDL
type SchemaInvalidator interface {
	Invalidate(refs ...TableRef)
}

var mysqlDialect = goqu.Dialect("mysql")

// InformationSchema resolves column names from information_schema with an
// LRU cache in front.
type InformationSchema struct {
	db    *sql.DB
	cache *lru.Cache[TableRef, []string]
}

// NewInformationSchema creates a resolver over db caching up to size tables
func NewInformationSchema(db *sql.DB, size int) (*InformationSchema, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[TableRef, []string](size)
	if err != nil {
		return nil, err
	}
	return &InformationSchema{db: db, cache: cache}, nil
}

// Columns returns the ordinal column names of database.table
func (s *InformationSchema) Columns(ctx context.Context, database, table string) ([]string, error) {
	key := TableRef{Database: database, Table: table}
	if cols, ok := s.cache.Get(key); ok {
		return cols, nil
	}

	query, args, err := columnsQuery(database, table)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError("resolve columns", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("resolve columns", err)
	}

	s.cache.Add(key, cols)
	return cols, nil
}

// Invalidate drops cached tables. A ref without a table drops every cached
// table of its database.
func (s *InformationSchema) Invalidate(refs ...TableRef) {
	for _, ref := range refs {
		if ref.Table != "" {
			s.cache.Remove(ref)
			continue
		}
		for _, k := range s.cache.Keys() {
			if k.Database == ref.Database {
				s.cache.Remove(k)
			}
		}
	}
	log.Debug().Interface("tables", refs).Msg("Invalidated schema cache")
}

// Len returns the number of cached tables
func (s *InformationSchema) Len() int {
	return s.cache.Len()
}

func columnsQuery(database, table string) (string, []any, error) {
	return mysqlDialect.
		From(goqu.S("information_schema").Table("COLUMNS")).
		Select("COLUMN_NAME").
		Where(goqu.Ex{"TABLE_SCHEMA": database, "TABLE_NAME": table}).
		Order(goqu.C("ORDINAL_POSITION").Asc()).
		Prepared(true).
		ToSQL()
}
