// Package kvtest holds a conformance suite shared by every kv.Store backend.
package kvtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-offsync/offsync/kv"
)

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T) kv.ConditionalStore

// Run exercises the Store and ConditionalStore contracts against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("missing key reads as nil", func(t *testing.T) {
		store := newStore(t)

		value, err := store.Get(context.Background(), "absent")
		require.NoError(t, err)
		assert.Nil(t, value)
	})

	t.Run("set then get round trips bytes", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "k", []byte(`{"a":1}`)))

		value, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"a":1}`), value)
	})

	t.Run("nil value deletes", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "k", []byte("v")))
		require.NoError(t, store.Set(ctx, "k", nil))

		value, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, value)
	})

	t.Run("empty key rejected", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(context.Background(), " ")
		require.ErrorIs(t, err, kv.ErrEmptyKey)
		require.ErrorIs(t, store.Set(context.Background(), "", []byte("v")), kv.ErrEmptyKey)
	})

	t.Run("compare and swap on absent key", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		swapped, err := store.CompareAndSwap(ctx, "k", nil, []byte("first"))
		require.NoError(t, err)
		assert.True(t, swapped)

		swapped, err = store.CompareAndSwap(ctx, "k", nil, []byte("second"))
		require.NoError(t, err)
		assert.False(t, swapped)

		value, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), value)
	})

	t.Run("compare and swap replaces only matching value", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "k", []byte("a")))

		swapped, err := store.CompareAndSwap(ctx, "k", []byte("b"), []byte("c"))
		require.NoError(t, err)
		assert.False(t, swapped)

		swapped, err = store.CompareAndSwap(ctx, "k", []byte("a"), []byte("c"))
		require.NoError(t, err)
		assert.True(t, swapped)

		value, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("c"), value)
	})

	t.Run("compare and swap with nil value deletes", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "k", []byte("a")))

		swapped, err := store.CompareAndSwap(ctx, "k", []byte("a"), nil)
		require.NoError(t, err)
		assert.True(t, swapped)

		value, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, value)
	})
}
