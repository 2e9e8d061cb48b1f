//go:build unit

package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-offsync/offsync/kv"
	"github.com/LerianStudio/lib-offsync/offsync/kv/kvtest"
)

func newMemoryStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStoreConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.ConditionalStore {
		return newMemoryStore(t)
	})
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.db")
	ctx := context.Background()

	first, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "outbox", []byte(`[]`)))
	require.NoError(t, first.Close())

	second, err := Open(ctx, path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = second.Close() })

	value, err := second.Get(ctx, "outbox")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[]`), value)
}

func TestEmptyValueIsNotAbsent(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte{}))

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, value)
	assert.Empty(t, value)
}

func TestNewValidatesTableName(t *testing.T) {
	db, err := sql.Open(driverName, ":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	_, err = New(context.Background(), db, WithTableName("kv; DROP TABLE x"))
	require.ErrorIs(t, err, ErrInvalidTableName)

	_, err = New(context.Background(), nil)
	require.ErrorIs(t, err, ErrNilDB)
}

func TestCustomTableName(t *testing.T) {
	db, err := sql.Open(driverName, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	t.Cleanup(func() { _ = db.Close() })

	store, err := New(context.Background(), db, WithTableName("device_state"))
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "k", []byte("v")))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM device_state`).Scan(&count))
	assert.Equal(t, 1, count)

	require.NoError(t, store.Close())
	require.NoError(t, db.Ping())
}
