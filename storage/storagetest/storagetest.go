// Package storagetest provides a conformance suite for storage.Store
// implementations.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incitrack/incitrack/storage"
)

// Run executes the common suite against store. The store should be empty.
func Run(t *testing.T, store storage.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "suite:a", []byte("alpha"), 0))
		got, err := store.Get(ctx, "suite:a")
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha"), got)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get(ctx, "suite:missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "suite:ow", []byte("v1"), 0))
		require.NoError(t, store.Put(ctx, "suite:ow", []byte("v2"), 0))
		got, err := store.Get(ctx, "suite:ow")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "suite:del", []byte("x"), 0))
		require.NoError(t, store.Delete(ctx, "suite:del"))
		_, err := store.Get(ctx, "suite:del")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		assert.NoError(t, store.Delete(ctx, "suite:never-existed"))
	})

	t.Run("Keys", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "keys:b", []byte("1"), 0))
		require.NoError(t, store.Put(ctx, "keys:a", []byte("1"), 0))
		require.NoError(t, store.Put(ctx, "other:c", []byte("1"), 0))
		keys, err := store.Keys(ctx, "keys:")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"keys:a", "keys:b"}, keys)
	})

	t.Run("Expiry", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "suite:ttl", []byte("x"), 1*time.Second))
		got, err := store.Get(ctx, "suite:ttl")
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), got)

		require.Eventually(t, func() bool {
			_, err := store.Get(ctx, "suite:ttl")
			return err != nil
		}, 5*time.Second, 100*time.Millisecond)
	})

	t.Run("Concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("conc:%d", i)
				assert.NoError(t, store.Put(ctx, key, []byte(key), 0))
				got, err := store.Get(ctx, key)
				assert.NoError(t, err)
				assert.Equal(t, []byte(key), got)
			}(i)
		}
		wg.Wait()
		keys, err := store.Keys(ctx, "conc:")
		require.NoError(t, err)
		assert.Len(t, keys, 16)
	})
}
