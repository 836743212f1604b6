package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnsQuery(t *testing.T) {
	query, args, err := columnsQuery("shop", "orders")
	require.NoError(t, err)
	assert.Contains(t, query, "`information_schema`.`COLUMNS`")
	assert.Contains(t, query, "ORDER BY `ORDINAL_POSITION` ASC")
	assert.NotContains(t, query, "shop")
	assert.ElementsMatch(t, []any{"shop", "orders"}, args)
}

func TestInvalidateDropsCachedTables(t *testing.T) {
	s, err := NewInformationSchema(nil, 16)
	require.NoError(t, err)

	s.cache.Add(TableRef{Database: "shop", Table: "orders"}, []string{"id"})
	s.cache.Add(TableRef{Database: "shop", Table: "customers"}, []string{"id"})
	s.cache.Add(TableRef{Database: "billing", Table: "invoices"}, []string{"id"})

	s.Invalidate(TableRef{Database: "shop", Table: "orders"})
	assert.Equal(t, 2, s.Len())

	s.Invalidate(TableRef{Database: "shop"})
	assert.Equal(t, 1, s.Len())
	_, ok := s.cache.Get(TableRef{Database: "billing", Table: "invoices"})
	assert.True(t, ok)
}

func TestCachedColumnsSkipDatabase(t *testing.T) {
	s, err := NewInformationSchema(nil, 16)
	require.NoError(t, err)
	s.cache.Add(TableRef{Database: "shop", Table: "orders"}, []string{"id", "total"})

	cols, err := s.Columns(t.Context(), "shop", "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "total"}, cols)
}
