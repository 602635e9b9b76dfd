package syncer

import (
	"context"
	"crypto/sha256"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chainsync/chaindb"
	"github.com/filecoin-project/venus-core/pkg/chainsync/exchange"
	"github.com/filecoin-project/venus-core/pkg/chainsync/indexdb"
	"github.com/filecoin-project/venus-core/pkg/chainsync/scheduler"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

type memContent struct {
	mu sync.Mutex
	m  map[types.TipsetHash]*types.Tipset
}

func newMemContent() *memContent { return &memContent{m: make(map[types.TipsetHash]*types.Tipset)} }

func (m *memContent) LoadTipsetByHash(ctx context.Context, hash types.TipsetHash) (*types.Tipset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.m[hash]
	if !ok {
		return nil, os.ErrNotExist
	}
	return ts, nil
}

func (m *memContent) PutTipset(ctx context.Context, ts *types.Tipset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[ts.Key.Hash()] = ts
	return nil
}

func testCid(b byte) cid.Cid {
	sum, err := mh.Sum([]byte{b}, mh.SHA2_256, -1)
	if err != nil {
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, sum)
}

func hashBlocks(blocks ...*types.BlockHeader) types.TipsetHash {
	h := sha256.New()
	for _, b := range blocks {
		h.Write(b.Cid.Bytes())
	}
	var out types.TipsetHash
	copy(out[:], h.Sum(nil))
	return out
}

func mkTipset(t *testing.T, parent types.TipsetKey, height uint64, weight int64, tag byte) *types.Tipset {
	t.Helper()
	blk := &types.BlockHeader{Cid: testCid(tag), Miner: "miner", Height: height, ParentWeight: big.NewInt(weight)}
	key := types.NewTipsetKey(hashBlocks(blk), blk.Cid)
	ts, err := types.NewTipset(key, parent, []*types.BlockHeader{blk})
	require.NoError(t, err)
	return ts
}

func openIndexForTest(t *testing.T) *indexdb.DB {
	t.Helper()
	dsn := os.Getenv("INDEXDB_TEST_DSN")
	if dsn == "" {
		t.Skip("INDEXDB_TEST_DSN not set, skipping syncer integration test")
	}
	db, err := indexdb.Open(dsn)
	require.NoError(t, err)
	return db
}

func newChainDB(t *testing.T) (*chaindb.ChainDB, *types.Tipset) {
	t.Helper()
	idx := openIndexForTest(t)
	content := newMemContent()
	blk := &types.BlockHeader{Cid: testCid(1), Miner: "genesis", Height: 0, ParentWeight: big.Zero()}
	key := types.NewTipsetKey(hashBlocks(blk), blk.Cid)
	genesis, err := types.NewTipset(key, types.TipsetKey{}, []*types.BlockHeader{blk})
	require.NoError(t, err)
	cdb, err := chaindb.Open(context.Background(), idx, content, genesis)
	require.NoError(t, err)
	return cdb, genesis
}

func waitSynced(t *testing.T, ch <-chan types.TipsetKey) types.TipsetKey {
	t.Helper()
	select {
	case head := <-ch:
		return head
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync to complete")
		return types.TipsetKey{}
	}
}

func TestSyncerLinearCatchUp(t *testing.T) {
	cdb, genesis := newChainDB(t)
	loader := exchange.NewMemoryLoader()

	b1 := mkTipset(t, genesis.Key, 1, 10, 10)
	b2 := mkTipset(t, b1.Key, 2, 20, 11)
	b3 := mkTipset(t, b2.Key, 3, 30, 12)
	loader.Put(b1)
	loader.Put(b2)
	loader.Put(b3)

	sched := scheduler.New(16)
	defer sched.Stop()

	synced := make(chan types.TipsetKey, 1)
	s := New(sched, loader, cdb, func(ctx context.Context, head types.TipsetKey) { synced <- head })

	ctx := context.Background()
	s.NewTarget(ctx, "peer-a", b3.Key, b3.Weight(), b3.Height)

	head := waitSynced(t, synced)
	require.Equal(t, b3.Key.Hash(), head.Hash())
	require.True(t, cdb.TipsetIsStored(ctx, b1.Key.Hash()))
	require.True(t, cdb.TipsetIsStored(ctx, b2.Key.Hash()))
	require.Equal(t, b3.Weight(), s.CurrentWeight())
}

func TestSyncerRejectsLighterTarget(t *testing.T) {
	cdb, genesis := newChainDB(t)
	loader := exchange.NewMemoryLoader()

	heavy := mkTipset(t, genesis.Key, 1, 50, 20)
	light := mkTipset(t, genesis.Key, 1, 10, 21)
	loader.Put(heavy)
	loader.Put(light)

	sched := scheduler.New(16)
	defer sched.Stop()

	synced := make(chan types.TipsetKey, 2)
	s := New(sched, loader, cdb, func(ctx context.Context, head types.TipsetKey) { synced <- head })
	ctx := context.Background()

	s.NewTarget(ctx, "peer-a", heavy.Key, heavy.Weight(), heavy.Height)
	waitSynced(t, synced)

	// Offering a lighter target after the heavier one has already been
	// adopted must be dropped without starting a job.
	s.NewTarget(ctx, "peer-b", light.Key, light.Weight(), light.Height)
	select {
	case <-synced:
		t.Fatal("lighter target must not trigger a sync")
	case <-time.After(200 * time.Millisecond):
	}
	require.False(t, cdb.TipsetIsStored(ctx, light.Key.Hash()))
}

func TestSyncJobMidWalkFailureReportsLastLoaded(t *testing.T) {
	cdb, genesis := newChainDB(t)
	loader := exchange.NewMemoryLoader()

	b1 := mkTipset(t, genesis.Key, 1, 10, 60)
	b2 := mkTipset(t, b1.Key, 2, 20, 61)
	b3 := mkTipset(t, b2.Key, 3, 30, 62)
	loader.Put(b2)
	loader.Put(b3) // b1 deliberately missing: the walk breaks there

	sched := scheduler.New(16)
	defer sched.Stop()

	job := NewSyncJob(sched, loader, cdb)
	ctx := context.Background()
	loader.Init(func(hash types.TipsetHash, ts *types.Tipset, err error) {
		job.OnTipsetLoaded(ctx, hash, ts, err)
	})

	outcomes := make(chan Outcome, 1)
	job.Start(ctx, "peer-a", b3.Key, 3, func(o Outcome) { outcomes <- o })

	select {
	case o := <-outcomes:
		require.Equal(t, InternalError, o.State)
		require.Error(t, o.Err)
		require.Equal(t, b2.Key.Hash(), o.LastLoaded, "last loaded must be the deepest tipset that arrived intact")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job outcome")
	}
}

func TestChooseNextTargetPrefersWeightThenHeight(t *testing.T) {
	s := &Syncer{pending: make(map[types.TipsetHash]Target), currentWeight: big.Zero()}

	a := Target{Peer: "a", Head: types.NewTipsetKey(mkTargetHash(1)), Weight: big.NewInt(200), Height: 200}
	b := Target{Peer: "b", Head: types.NewTipsetKey(mkTargetHash(2)), Weight: big.NewInt(210), Height: 199}
	s.pending[a.Head.Hash()] = a
	s.pending[b.Head.Hash()] = b

	got, ok := s.chooseNextTarget()
	require.True(t, ok)
	require.Equal(t, exchange.PeerID("b"), got.Peer)

	// weight ties break toward the taller chain
	c := Target{Peer: "c", Head: types.NewTipsetKey(mkTargetHash(3)), Weight: big.NewInt(200), Height: 150}
	s.pending[c.Head.Hash()] = c
	got, ok = s.chooseNextTarget()
	require.True(t, ok)
	require.Equal(t, exchange.PeerID("a"), got.Peer)

	got, ok = s.chooseNextTarget()
	require.True(t, ok)
	require.Equal(t, exchange.PeerID("c"), got.Peer)

	_, ok = s.chooseNextTarget()
	require.False(t, ok)
}

func mkTargetHash(b byte) types.TipsetHash {
	var h types.TipsetHash
	h[0] = b
	return h
}

func TestNewTargetWithoutPeerReusesLastGood(t *testing.T) {
	cdb, genesis := newChainDB(t)
	loader := exchange.NewMemoryLoader()

	b1 := mkTipset(t, genesis.Key, 1, 10, 40)
	b2 := mkTipset(t, b1.Key, 2, 20, 41)
	loader.Put(b1)
	loader.Put(b2)

	sched := scheduler.New(16)
	defer sched.Stop()

	synced := make(chan types.TipsetKey, 2)
	s := New(sched, loader, cdb, func(ctx context.Context, head types.TipsetKey) { synced <- head })
	ctx := context.Background()

	// with no last good peer remembered, a peerless target is dropped
	s.NewTarget(ctx, "", b1.Key, b1.Weight(), b1.Height)
	select {
	case <-synced:
		t.Fatal("peerless target with no last good peer must not sync")
	case <-time.After(200 * time.Millisecond):
	}

	s.NewTarget(ctx, "peer-a", b1.Key, b1.Weight(), b1.Height)
	waitSynced(t, synced)

	// now the remembered peer fills in for a missing one
	s.NewTarget(ctx, "", b2.Key, b2.Weight(), b2.Height)
	head := waitSynced(t, synced)
	require.Equal(t, b2.Key.Hash(), head.Hash())
}

func TestSyncerRejectsKnownBadTarget(t *testing.T) {
	cdb, genesis := newChainDB(t)
	loader := exchange.NewMemoryLoader()

	badTs := mkTipset(t, genesis.Key, 1, 10, 50)
	loader.MarkBad(badTs.Key.Hash())

	sched := scheduler.New(16)
	defer sched.Stop()

	synced := make(chan types.TipsetKey, 1)
	s := New(sched, loader, cdb, func(ctx context.Context, head types.TipsetKey) { synced <- head })
	ctx := context.Background()

	s.NewTarget(ctx, "peer-a", badTs.Key, badTs.Weight(), badTs.Height)
	select {
	case <-synced:
		t.Fatal("bad target must not complete a sync")
	case <-time.After(200 * time.Millisecond):
	}

	// once marked bad by the failed job, re-offering it is a silent no-op
	s.NewTarget(ctx, "peer-b", badTs.Key, badTs.Weight(), badTs.Height)
	require.False(t, s.IsSyncing())
}

func TestSyncerIgnoresStaleDelivery(t *testing.T) {
	cdb, genesis := newChainDB(t)
	loader := exchange.NewMemoryLoader()

	b1 := mkTipset(t, genesis.Key, 1, 10, 30)
	loader.Put(b1)

	sched := scheduler.New(16)
	defer sched.Stop()

	synced := make(chan types.TipsetKey, 1)
	s := New(sched, loader, cdb, func(ctx context.Context, head types.TipsetKey) { synced <- head })
	ctx := context.Background()

	s.NewTarget(ctx, "peer-a", b1.Key, b1.Weight(), b1.Height)
	waitSynced(t, synced)

	// A delivery for a hash no job is waiting on anymore must be a no-op,
	// not a panic or a corrupted state transition.
	require.NotPanics(t, func() {
		s.onTipsetLoaded(b1.Key.Hash(), b1, nil)
	})
}
