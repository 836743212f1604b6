package cdc

import (
	"testing"

	"github.com/ripel-io/ripel/cfg"
	"github.com/ripel-io/ripel/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterExcludesSystemSchemasByDefault(t *testing.T) {
	f := newTestFilter(t, nil)

	for _, db := range []string{"mysql", "sys", "information_schema", "performance_schema"} {
		assert.False(t, f.MatchTable(db, "anything"), db)
	}
	assert.True(t, f.MatchTable("shop", "orders"))
}

func TestFilterUserExcludesKeepSystemSchemasExcluded(t *testing.T) {
	doc := `
data_dir = "` + t.TempDir() + `"

[source]
server_id = 42

[filter]
exclude_databases = ["staging"]
`
	c, err := cfg.LoadString(doc)
	require.NoError(t, err)
	f, err := NewFilter(c.Filter)
	require.NoError(t, err)

	assert.False(t, f.MatchTable("staging", "orders"))
	assert.False(t, f.MatchTable("mysql", "user"))
	assert.False(t, f.MatchTable("sys", "x"))
	assert.True(t, f.MatchTable("shop", "orders"))

	c.Filter.IncludeSystemDatabases = true
	f, err = NewFilter(c.Filter)
	require.NoError(t, err)
	assert.True(t, f.MatchTable("mysql", "user"))
	assert.False(t, f.MatchTable("staging", "orders"))
}

func TestFilterExcludeWinsOverInclude(t *testing.T) {
	f := newTestFilter(t, func(c *cfg.FilterConfiguration) {
		c.IncludeDatabases = []string{"shop*"}
		c.IncludeTables = []string{"*"}
		c.ExcludeTables = []string{"shop.audit_*", "tmp_*"}
	})

	assert.True(t, f.MatchTable("shop", "orders"))
	assert.True(t, f.MatchTable("shop_eu", "orders"))
	assert.False(t, f.MatchTable("billing", "orders"))
	assert.False(t, f.MatchTable("shop", "audit_log"))
	assert.True(t, f.MatchTable("shop_eu", "audit_log"))
	assert.False(t, f.MatchTable("shop_eu", "tmp_import"))
	assert.True(t, f.MatchDatabase("shop"))
	assert.False(t, f.MatchDatabase("billing"))
}

func TestFilterOperations(t *testing.T) {
	f := newTestFilter(t, func(c *cfg.FilterConfiguration) {
		c.Operations = []string{"INSERT", "update"}
	})
	assert.True(t, f.Match("shop", "orders", event.OpInsert))
	assert.True(t, f.Match("shop", "orders", event.OpUpdate))
	assert.False(t, f.Match("shop", "orders", event.OpDelete))

	_, err := NewFilter(cfg.FilterConfiguration{Operations: []string{"upsert"}})
	assert.Error(t, err)
}

func TestFilterRejectsBadPatterns(t *testing.T) {
	_, err := NewFilter(cfg.FilterConfiguration{IncludeTables: []string{"[unterminated"}})
	assert.Error(t, err)
}

func TestProjectIncludeColumns(t *testing.T) {
	f := newTestFilter(t, func(c *cfg.FilterConfiguration) {
		c.Tables = []cfg.TableConfiguration{{Name: "orders", IncludeColumns: []string{"id"}}}
	})

	got := f.Project("shop", "orders", []string{"id", "name"}, []any{1, "a"})
	assert.Equal(t, map[string]any{"id": 1}, got)

	got = f.Project("shop", "customers", []string{"id", "name"}, []any{1, "a"})
	assert.Equal(t, map[string]any{"id": 1, "name": "a"}, got)
}

func TestProjectNamesUnknownColumns(t *testing.T) {
	f := newTestFilter(t, nil)
	got := f.Project("shop", "orders", []string{"id"}, []any{1, "a"})
	assert.Equal(t, map[string]any{"id": 1, "col_1": "a"}, got)
	assert.Nil(t, f.Project("shop", "orders", nil, nil))
}

func TestRuleLookupPrefersQualifiedTable(t *testing.T) {
	off := false
	f := newTestFilter(t, func(c *cfg.FilterConfiguration) {
		c.Tables = []cfg.TableConfiguration{
			{Name: "orders", EventType: "generic.order"},
			{Database: "shop", Name: "orders", EventType: "shop.order", CaptureBefore: &off},
		}
	})
	assert.Equal(t, "shop.order", f.EventType("shop", "orders"))
	assert.Equal(t, "generic.order", f.EventType("billing", "orders"))
	assert.False(t, f.CaptureBefore("shop", "orders"))
	assert.True(t, f.CaptureBefore("billing", "orders"))
	assert.Empty(t, f.EventType("shop", "customers"))
}

func TestMutuallyExclusiveColumnLists(t *testing.T) {
	_, err := NewFilter(cfg.FilterConfiguration{Tables: []cfg.TableConfiguration{{
		Name: "orders", IncludeColumns: []string{"a"}, ExcludeColumns: []string{"b"},
	}}})
	require.Error(t, err)
}
