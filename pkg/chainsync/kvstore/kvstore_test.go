package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, []byte("k1"), []byte("v1")))

	v, ok, err := store.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestGetMissingKey(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, []byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHasAndDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, []byte("k2"), []byte("v2")))
	has, err := store.Has(ctx, []byte("k2"))
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, store.Delete(ctx, []byte("k2")))
	has, err = store.Has(ctx, []byte("k2"))
	require.NoError(t, err)
	require.False(t, has)
}

func TestScanPrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, []byte("/results/a"), []byte("1")))
	require.NoError(t, store.Put(ctx, []byte("/results/b"), []byte("2")))
	require.NoError(t, store.Put(ctx, []byte("/other/c"), []byte("3")))

	seen := map[string]string{}
	err := store.ScanPrefix(ctx, []byte("/results"), func(key, value []byte) error {
		seen[string(key)] = string(value)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.Equal(t, "1", seen["/results/a"])
	require.Equal(t, "2", seen["/results/b"])
}
