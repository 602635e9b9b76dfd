// Package chaindb implements the ChainDB facade of spec §4.3: the single
// entry point combining the in-memory Branch Graph, the persistent
// IndexDB, and raw tipset/block content, exposing the operations the
// Syncer and InterpreterJob need without either touching storage
// internals directly. Grounded on original_source/core/sync/chain_db.cpp
// and on the teacher's pkg/chain/store.go (mutex-protected head state,
// pubsub.PubSub head-change notifications, an LRU tipset cache, a
// blockstore-backed content layer).
package chaindb

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	logging "github.com/ipfs/go-log/v2"
	"github.com/filecoin-project/pubsub"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chainsync/graph"
	"github.com/filecoin-project/venus-core/pkg/chainsync/indexdb"
	"github.com/filecoin-project/venus-core/pkg/chainsync/syncerr"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

var log = logging.Logger("chainsync.chaindb")

const tipsetCacheSize = 1000

// HeadChange is published on the head-change topic whenever a branch's
// adopted head moves, mirroring the teacher's reorg notification shape in
// pkg/chain/store.go.
type HeadChange struct {
	Type string // HCApply or HCRevert
	Head *types.Tipset
}

const (
	HCApply  = "apply"
	HCRevert = "revert"
)

// ContentStore loads and stores the raw tipset/block content addressed by
// tipset hash, independent of sync bookkeeping. A thin seam so tests can
// substitute an in-memory double for the go-ipfs-blockstore-backed
// implementation used in production.
type ContentStore interface {
	LoadTipsetByHash(ctx context.Context, hash types.TipsetHash) (*types.Tipset, error)
	PutTipset(ctx context.Context, ts *types.Tipset) error
}

// ChainDB is the synchronized facade over Graph + IndexDB + ContentStore.
// Per spec §5 all mutating calls are expected to arrive from the single
// scheduler goroutine, but reads may come from elsewhere, so head access
// is still guarded the way the teacher's chain.Store guards mu.
type ChainDB struct {
	mu sync.RWMutex

	idx     *indexdb.DB
	graph   *graph.Graph
	content ContentStore

	genesis *types.Tipset

	cache *lru.ARCCache

	headEvents *pubsub.PubSub
}

// Open builds a ChainDB over an already-open IndexDB, loading the branch
// graph from it. If the IndexDB is empty, genesis must be supplied to seed
// it, mirroring ChainDb::init's creating_new_db branch.
func Open(ctx context.Context, idx *indexdb.DB, content ContentStore, genesis *types.Tipset) (*ChainDB, error) {
	cache, err := lru.NewARC(tipsetCacheSize)
	if err != nil {
		return nil, xerrors.Errorf("creating tipset cache: %w", err)
	}

	cdb := &ChainDB{
		idx:        idx,
		graph:      graph.New(),
		content:    content,
		cache:      cache,
		headEvents: pubsub.New(50),
	}

	branches, err := idx.LoadGraph(ctx)
	if err != nil {
		return nil, xerrors.Errorf("loading branch graph: %w", err)
	}

	if len(branches) == 0 {
		if genesis == nil {
			return nil, syncerr.ErrNoGenesisBlock
		}
		if err := cdb.storeGenesis(ctx, genesis); err != nil {
			return nil, err
		}
		return cdb, nil
	}

	if err := cdb.graph.Load(branches); err != nil {
		return nil, err
	}

	gb, ok := branches[types.GenesisBranch]
	if !ok {
		return nil, xerrors.Errorf("indexdb has branches but no genesis branch: %w", syncerr.ErrDataIntegrity)
	}
	gt, err := cdb.loadTipsetByHash(ctx, gb.Bottom)
	if err != nil {
		return nil, xerrors.Errorf("loading genesis tipset: %w", err)
	}
	cdb.genesis = gt

	return cdb, nil
}

func (c *ChainDB) storeGenesis(ctx context.Context, genesis *types.Tipset) error {
	if err := c.content.PutTipset(ctx, genesis); err != nil {
		return xerrors.Errorf("storing genesis content: %w", err)
	}
	row := indexdb.TipsetRow{
		Hash:         fromHash(genesis.Key.Hash()),
		Branch:       uint64(types.GenesisBranch),
		Height:       0,
		ParentBranch: uint64(types.NoBranch),
		SyncState:    int(types.HeaderSynced),
		Weight:       indexdb.EncodeWeight(genesis.Weight()),
	}
	cids := make([][]byte, len(genesis.Key.Cids()))
	for i, cid := range genesis.Key.Cids() {
		cids[i] = cid.Bytes()
	}
	if err := c.idx.Store(ctx, row, cids); err != nil {
		return xerrors.Errorf("storing genesis index row: %w", err)
	}
	c.graph.NewRootBranch(types.GenesisBranch, genesis.Key.Hash(), genesis.Key.Hash(), 0)
	c.genesis = genesis
	c.cache.Add(genesis.Key.Hash(), genesis)
	return nil
}

func fromHash(h types.TipsetHash) []byte {
	out := make([]byte, len(h))
	copy(out, h[:])
	return out
}

// Genesis returns the genesis tipset.
func (c *ChainDB) Genesis() *types.Tipset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.genesis
}

// SubscribeHeadChanges registers a callback invoked for every head-change
// event, returning an unsubscribe function.
func (c *ChainDB) SubscribeHeadChanges(cb func(HeadChange)) func() {
	ch := c.headEvents.Sub("head")
	go func() {
		for v := range ch {
			cb(v.(HeadChange))
		}
	}()
	return func() { c.headEvents.Unsub(ch) }
}

// TipsetIsStored reports whether hash is already indexed.
func (c *ChainDB) TipsetIsStored(ctx context.Context, hash types.TipsetHash) bool {
	_, err := c.idx.GetTipsetInfo(ctx, hash)
	return err == nil
}

// GetTipsetByHash returns the tipset for hash, consulting the LRU cache
// before falling back to content storage, mirroring
// ChainDb::getTipsetByHash.
func (c *ChainDB) GetTipsetByHash(ctx context.Context, hash types.TipsetHash) (*types.Tipset, error) {
	c.mu.RLock()
	if c.genesis != nil && hash == c.genesis.Key.Hash() {
		c.mu.RUnlock()
		return c.genesis, nil
	}
	c.mu.RUnlock()
	return c.loadTipsetByHash(ctx, hash)
}

func (c *ChainDB) loadTipsetByHash(ctx context.Context, hash types.TipsetHash) (*types.Tipset, error) {
	if v, ok := c.cache.Get(hash); ok {
		return v.(*types.Tipset), nil
	}
	if _, err := c.idx.GetTipsetInfo(ctx, hash); err != nil {
		return nil, err
	}
	ts, err := c.content.LoadTipsetByHash(ctx, hash)
	if err != nil {
		return nil, xerrors.Errorf("loading tipset content for %x: %w", hash[:8], err)
	}
	c.cache.Add(hash, ts)
	return ts, nil
}

// GetTipsetByHeight resolves the tipset at height on the currently
// adopted chain.
func (c *ChainDB) GetTipsetByHeight(ctx context.Context, height uint64) (*types.Tipset, error) {
	c.mu.RLock()
	branchID, err := c.graph.FindByHeight(height)
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	hash, err := c.idx.GetHashAtBranchHeight(ctx, branchID, height)
	if err != nil {
		return nil, err
	}
	return c.GetTipsetByHash(ctx, hash)
}

// SetCurrentHead adopts head's branch as the active chain, publishing a
// HeadChange event on success.
func (c *ChainDB) SetCurrentHead(ctx context.Context, head types.TipsetHash) error {
	info, err := c.idx.GetTipsetInfo(ctx, head)
	if err != nil {
		return err
	}
	c.mu.Lock()
	err = c.graph.SwitchToHead(types.BranchId(info.Branch))
	c.mu.Unlock()
	if err != nil {
		return err
	}
	ts, err := c.loadTipsetByHash(ctx, head)
	if err != nil {
		return err
	}
	log.Infof("head changed to %s at height %d", ts.Key, ts.Height)
	c.headEvents.Pub(HeadChange{Type: HCApply, Head: ts}, "head")
	return nil
}

// WalkForwardCb receives each tipset visited by WalkForward, in increasing
// height order.
type WalkForwardCb func(*types.Tipset) error

// WalkForward visits every tipset in (fromHeight, toHeight] on the
// currently adopted chain, crossing branch boundaries transparently, the
// same loop shape as ChainDb::walkForward. The lookups themselves (graph
// height resolution plus content load) are independent per height and are
// prefetched concurrently via errgroup, the same parallel-fetch-then-
// sequential-process idiom the teacher's syncer uses for per-block
// validation; cb is still invoked strictly in increasing height order so
// callers that depend on sequential replay (InterpreterJob) see no
// difference from a purely sequential walk.
func (c *ChainDB) WalkForward(ctx context.Context, fromHeight, toHeight uint64, cb WalkForwardCb) error {
	if toHeight <= fromHeight {
		return nil
	}
	n := int(toHeight - fromHeight)
	tipsets := make([]*types.Tipset, n)
	errs := make([]error, n)

	var wg errgroup.Group
	for i := 0; i < n; i++ {
		i, h := i, fromHeight+1+uint64(i)
		wg.Go(func() error {
			ts, err := c.GetTipsetByHeight(ctx, h)
			if err != nil {
				errs[i] = err
				return nil
			}
			tipsets[i] = ts
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			// null rounds leave height gaps; anything else is fatal
			if errIsNotFound(errs[i]) {
				continue
			}
			return errs[i]
		}
		if err := cb(tipsets[i]); err != nil {
			return err
		}
	}
	return nil
}

func errIsNotFound(err error) bool {
	return xerrors.Is(err, syncerr.ErrBranchNotFound) || xerrors.Is(err, syncerr.ErrIndexTipsetNotFound) || xerrors.Is(err, syncerr.ErrNoCurrentChain)
}

// WalkBackward visits ancestors of the tipset named by from, down to (and
// including) the first tipset for which stop returns true, or genesis.
func (c *ChainDB) WalkBackward(ctx context.Context, from types.TipsetHash, stop func(*types.Tipset) bool) ([]*types.Tipset, error) {
	var chain []*types.Tipset
	cur := from
	for {
		ts, err := c.GetTipsetByHash(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, ts)
		if stop(ts) || ts.Height == 0 {
			break
		}
		cur = ts.Parents.Hash()
	}
	return chain, nil
}

// Graph exposes the underlying branch graph for read-only inspection.
func (c *ChainDB) Graph() *graph.Graph {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.graph
}

// Index exposes the underlying IndexDB for callers that need direct
// persistence access beyond the facade's convenience methods.
func (c *ChainDB) Index() *indexdb.DB { return c.idx }
