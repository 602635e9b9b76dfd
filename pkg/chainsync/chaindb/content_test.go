package chaindb

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chainsync/syncerr"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

func newTestBlockstoreContent() *BlockstoreContent {
	bs := blockstore.NewBlockstore(dssync.MutexWrap(datastore.NewMapDatastore()))
	return NewBlockstoreContent(bs)
}

func TestBlockstoreContentRoundTrip(t *testing.T) {
	ctx := context.Background()
	content := newTestBlockstoreContent()

	blk := &types.BlockHeader{Cid: testCid(7), Miner: "t0100", Height: 42, ParentWeight: big.NewInt(9000), Timestamp: 1650000000}
	key := types.NewTipsetKey(hashBlocks(blk), blk.Cid)
	parentBlk := &types.BlockHeader{Cid: testCid(6), Height: 41}
	parents := types.NewTipsetKey(hashBlocks(parentBlk), parentBlk.Cid)
	ts, err := types.NewTipset(key, parents, []*types.BlockHeader{blk})
	require.NoError(t, err)

	require.NoError(t, content.PutTipset(ctx, ts))

	got, err := content.LoadTipsetByHash(ctx, key.Hash())
	require.NoError(t, err)
	require.Equal(t, ts.Height, got.Height)
	require.Equal(t, ts.Key.Hash(), got.Key.Hash())
	require.Equal(t, ts.Parents.Hash(), got.Parents.Hash())
	require.Len(t, got.Blocks, 1)
	require.Equal(t, blk.Cid, got.Blocks[0].Cid)
	require.Equal(t, "t0100", got.Blocks[0].Miner)
	require.True(t, blk.ParentWeight.Equals(got.Blocks[0].ParentWeight))
}

func TestBlockstoreContentMissingTipset(t *testing.T) {
	content := newTestBlockstoreContent()
	_, err := content.LoadTipsetByHash(context.Background(), types.TipsetHash{1, 2, 3})
	require.ErrorIs(t, err, syncerr.ErrIndexTipsetNotFound)
}
