package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("put and get round trip", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "run_1", "dist.tar.gz", []byte("payload")))
		data, err := store.Get(ctx, "run_1", "dist.tar.gz")
		require.NoError(t, err)
		require.Equal(t, []byte("payload"), data)
	})

	t.Run("names are scoped per run", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "run_a", "report", []byte("from a")))
		require.NoError(t, store.Put(ctx, "run_b", "report", []byte("from b")))

		data, err := store.Get(ctx, "run_a", "report")
		require.NoError(t, err)
		require.Equal(t, []byte("from a"), data)
	})

	t.Run("put overwrites", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "run_1", "log", []byte("v1")))
		require.NoError(t, store.Put(ctx, "run_1", "log", []byte("v2")))

		data, err := store.Get(ctx, "run_1", "log")
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), data)
	})

	t.Run("missing artifact", func(t *testing.T) {
		_, err := store.Get(ctx, "run_1", "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing run", func(t *testing.T) {
		_, err := store.Get(ctx, "run_unknown", "dist.tar.gz")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStoreCopiesData(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	original := []byte("immutable")
	require.NoError(t, store.Put(ctx, "run_1", "blob", original))
	original[0] = 'X'

	data, err := store.Get(ctx, "run_1", "blob")
	require.NoError(t, err)
	require.Equal(t, []byte("immutable"), data)

	// Mutating a retrieved copy must not affect later reads either.
	data[0] = 'Y'
	again, err := store.Get(ctx, "run_1", "blob")
	require.NoError(t, err)
	require.Equal(t, []byte("immutable"), again)
}

func TestFileStore(t *testing.T) {
	testStore(t, NewFileStore(t.TempDir()))
}
