package interpreter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chainsync/kvstore"
	"github.com/filecoin-project/venus-core/pkg/chainsync/syncerr"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

type countingInterpreter struct {
	calls int
	fail  error
}

func (c *countingInterpreter) Interpret(ctx context.Context, ts *types.Tipset) (StateResult, error) {
	c.calls++
	if c.fail != nil {
		return StateResult{}, c.fail
	}
	return StateResult{StateRoot: []byte("state"), ReceiptsRoot: []byte("receipts")}, nil
}

func testTipset(h byte, height uint64) *types.Tipset {
	var hash types.TipsetHash
	hash[0] = h
	return &types.Tipset{Key: types.NewTipsetKey(hash), Height: height}
}

func openStore(t *testing.T) kvstore.Store {
	t.Helper()
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCachedInterpreterMemoizesAcrossCalls(t *testing.T) {
	store := openStore(t)
	inner := &countingInterpreter{}
	ci := NewCachedInterpreter(inner, store)
	ts := testTipset(1, 10)

	res1, err := ci.Interpret(context.Background(), ts)
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)

	res2, err := ci.Interpret(context.Background(), ts)
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls, "second interpret of the same tipset must not call the inner interpreter")
	require.Equal(t, res1, res2)
}

func TestCachedInterpreterDoesNotMemoizeBadTipset(t *testing.T) {
	store := openStore(t)
	inner := &countingInterpreter{fail: syncerr.ErrTipsetMarkedBad}
	ci := NewCachedInterpreter(inner, store)
	ts := testTipset(2, 20)

	_, err := ci.Interpret(context.Background(), ts)
	require.ErrorIs(t, err, syncerr.ErrTipsetMarkedBad)

	saved, err := GetSavedResult(context.Background(), store, ts.Key.Hash())
	require.NoError(t, err)
	require.Nil(t, saved)
}

func TestGetSavedResultMissing(t *testing.T) {
	store := openStore(t)
	var hash types.TipsetHash
	hash[0] = 9
	res, err := GetSavedResult(context.Background(), store, hash)
	require.NoError(t, err)
	require.Nil(t, res)
}
