package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ripel-io/ripel/cdc"
	"github.com/ripel-io/ripel/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPebbleStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	cp := NewPebbleStore(st, "reader-1")

	_, found, err := cp.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	want := cdc.Position{File: "binlog.000004", Offset: 1234, GTIDSet: "3e11fa47-71ca-11e1-9e33-c80aa9429562:1-9"}
	require.NoError(t, cp.Save(ctx, want))

	got, found, err := cp.Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	other := NewPebbleStore(st, "reader-2")
	_, found, err = other.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found, "readers must not share checkpoints")

	require.NoError(t, cp.Reset())
	_, found, err = cp.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")

	st, err := storage.Open(dir)
	require.NoError(t, err)
	require.NoError(t, NewPebbleStore(st, "r").Save(ctx, cdc.Position{File: "binlog.000001", Offset: 99}))
	require.NoError(t, st.Close())

	st, err = storage.Open(dir)
	require.NoError(t, err)
	defer st.Close()
	got, found, err := NewPebbleStore(st, "r").Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint32(99), got.Offset)
}

func TestStoresRejectEmptyPosition(t *testing.T) {
	ctx := context.Background()
	assert.Error(t, NewMemory("r").Save(ctx, cdc.Position{}))
	assert.Error(t, NewPebbleStore(openStore(t), "r").Save(ctx, cdc.Position{}))
	assert.Error(t, NewMySQLStore(nil, "t", "r").Save(ctx, cdc.Position{}))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("r")
	_, found, _ := m.Load(ctx)
	assert.False(t, found)

	require.NoError(t, m.Save(ctx, cdc.Position{File: "binlog.000001", Offset: 7}))
	got, found, err := m.Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint32(7), got.Offset)
}

func TestMySQLStoreStatements(t *testing.T) {
	s := NewMySQLStore(nil, "ripel_checkpoints", "reader-1")

	assert.Contains(t, s.createTableSQL(), "CREATE TABLE IF NOT EXISTS `ripel_checkpoints`")

	query, args, err := s.loadSQL()
	require.NoError(t, err)
	assert.Contains(t, query, "FROM `ripel_checkpoints`")
	assert.Contains(t, query, "`reader_id` = ?")
	assert.Equal(t, []any{"reader-1"}, args)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	query, args, err = s.saveSQL(cdc.Position{File: "binlog.000002", Offset: 42}, now)
	require.NoError(t, err)
	assert.Contains(t, query, "INSERT INTO `ripel_checkpoints`")
	assert.Contains(t, query, "ON DUPLICATE KEY UPDATE")
	assert.Contains(t, args, "reader-1")
	assert.Contains(t, args, "binlog.000002")
}

var _ Store = (*PebbleStore)(nil)
var _ Store = (*MySQLStore)(nil)
var _ Store = (*Memory)(nil)
