package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

func testKey(t *testing.T, b byte) types.TipsetKey {
	t.Helper()
	sum, err := mh.Sum([]byte{b}, mh.SHA2_256, -1)
	require.NoError(t, err)
	c := cid.NewCidV1(cid.Raw, sum)
	var hash types.TipsetHash
	hash[0] = b
	return types.NewTipsetKey(hash, c)
}

type delivery struct {
	hash types.TipsetHash
	ts   *types.Tipset
	err  error
}

func collect(loader *MemoryLoader) <-chan delivery {
	ch := make(chan delivery, 1)
	loader.Init(func(hash types.TipsetHash, ts *types.Tipset, err error) {
		ch <- delivery{hash: hash, ts: ts, err: err}
	})
	return ch
}

func awaitDelivery(t *testing.T, ch <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for loader delivery")
		return delivery{}
	}
}

func TestMemoryLoaderResolvesKnownTipset(t *testing.T) {
	loader := NewMemoryLoader()
	key := testKey(t, 1)
	blk := &types.BlockHeader{Cid: key.Cids()[0], Height: 5}
	ts, err := types.NewTipset(key, types.TipsetKey{}, []*types.BlockHeader{blk})
	require.NoError(t, err)
	loader.Put(ts)

	ch := collect(loader)
	require.NoError(t, loader.LoadTipsetAsync(context.Background(), key, "", 0))

	got := awaitDelivery(t, ch)
	require.Equal(t, key.Hash(), got.hash)
	require.NoError(t, got.err)
	require.Equal(t, ts, got.ts)
}

func TestMemoryLoaderReportsUnknown(t *testing.T) {
	loader := NewMemoryLoader()
	key := testKey(t, 2)

	ch := collect(loader)
	require.NoError(t, loader.LoadTipsetAsync(context.Background(), key, "", 0))
	require.ErrorIs(t, awaitDelivery(t, ch).err, ErrUnknownTipset)
}

func TestMemoryLoaderReportsBad(t *testing.T) {
	loader := NewMemoryLoader()
	key := testKey(t, 3)
	loader.MarkBad(key.Hash())

	ch := collect(loader)
	require.NoError(t, loader.LoadTipsetAsync(context.Background(), key, "", 0))
	require.ErrorIs(t, awaitDelivery(t, ch).err, ErrBadTipset)
}
