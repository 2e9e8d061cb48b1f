//go:build unit

package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-offsync/offsync/kv"
	"github.com/LerianStudio/lib-offsync/offsync/kv/kvtest"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, opts...)
	require.NoError(t, err)

	return store, mr
}

func TestStoreConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.ConditionalStore {
		store, _ := newTestStore(t)
		return store
	})
}

func TestNewRejectsNilClient(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrNilClient)
}

func TestStoreAppliesKeyPrefix(t *testing.T) {
	store, mr := newTestStore(t, WithKeyPrefix("device-7:"))

	require.NoError(t, store.Set(context.Background(), "cursor", []byte("42")))

	got, err := mr.Get("device-7:cursor")
	require.NoError(t, err)
	assert.Equal(t, "42", got)
}

func TestStoreSurfacesConnectionErrors(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis get")

	_, err = store.CompareAndSwap(context.Background(), "k", nil, []byte("v"))
	require.Error(t, err)
}
