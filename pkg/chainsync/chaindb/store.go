package chaindb

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chainsync/indexdb"
	"github.com/filecoin-project/venus-core/pkg/chainsync/syncerr"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

// StoreTipset persists a newly loaded tipset and assigns it to a branch,
// mirroring ChainDb::storeTipset. It returns the next tipset the caller
// (SyncJob) should request the parent of, or nil when this segment is now
// connected all the way up to genesis and the backward walk is done.
//
// Three placements are possible, per chain_db.cpp's storeTipset:
//   - the tipset's parent is unknown: a brand new orphan root branch is
//     created, bottom == top == this tipset; the caller keeps walking
//     backward from here.
//   - the parent is known and is the current top of its branch: the
//     branch is simply extended upward.
//   - the parent is known but is not the current top (some higher tipset
//     already occupies that branch): the branch is split at the parent's
//     height and this tipset becomes a brand new sibling fork.
//
// After placement, if some already-stored tipset was waiting on this one
// as its parent (an orphan branch bottom), the two segments are linked.
//
// Every structural index change — the split relabel, the tipset row, its
// block membership and links, the block rows, the orphan-branch rename —
// runs inside one transaction; any sub-step failure rolls the whole
// placement back. The in-memory graph is not mutated until that
// transaction has committed.
func (c *ChainDB) StoreTipset(ctx context.Context, ts *types.Tipset) (*types.Tipset, error) {
	hash := ts.Key.Hash()
	if c.TipsetIsStored(ctx, hash) {
		return c.GetUnsyncedBottom(ctx, hash)
	}
	if ts.Height == 0 {
		return nil, xerrors.Errorf("storing non-genesis tipset at height 0: %w", syncerr.ErrDataIntegrity)
	}

	parentHash := ts.Parents.Hash()
	parentInfo, parentErr := c.idx.GetTipsetInfo(ctx, parentHash)
	parentKnown := parentErr == nil
	if parentErr != nil && !xerrors.Is(parentErr, syncerr.ErrIndexTipsetNotFound) {
		return nil, parentErr
	}

	// Decide the placement first, reading only. applyGraph carries the
	// deferred in-memory edit matching the decision; it runs strictly
	// after the index transaction below has committed.
	var (
		assignedBranch types.BranchId
		parentBranchID types.BranchId
		splitUpper     types.BranchId
		applyGraph     func() error
	)

	if !parentKnown {
		newID, err := c.idx.NextBranchID(ctx)
		if err != nil {
			return nil, err
		}
		assignedBranch = newID
		applyGraph = func() error {
			c.graph.NewRootBranch(newID, hash, hash, ts.Height)
			return nil
		}
	} else {
		parentBranchID = types.BranchId(parentInfo.Branch)
		c.mu.RLock()
		parentBranchRec, err := c.graph.GetBranch(parentBranchID)
		c.mu.RUnlock()
		if err != nil {
			return nil, err
		}

		if parentBranchRec.Top == parentHash {
			assignedBranch = parentBranchID
			applyGraph = func() error {
				return c.graph.AppendToHead(parentBranchID, hash, ts.Height)
			}
		} else {
			ids, err := c.idx.NextBranchID(ctx)
			if err != nil {
				return nil, err
			}
			upperID, forkID := ids, ids+1
			upperBottom, upperBottomHeight, err := c.idx.GetLowestAbove(ctx, parentBranchID, parentInfo.Height)
			if err != nil {
				return nil, err
			}
			assignedBranch = forkID
			splitUpper = upperID
			applyGraph = func() error {
				return c.graph.Fork(parentBranchID, parentHash, parentInfo.Height, upperID, upperBottom, upperBottomHeight, forkID, hash, ts.Height)
			}
		}
	}

	// An already-stored segment may be waiting on this tipset as its
	// missing parent; if so the two segments are linked below.
	orphanBranch, _, orphanFound, err := c.idx.FindOrphanChildByParentHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	linkOrphan := orphanFound && orphanBranch != assignedBranch

	row := indexdb.TipsetRow{
		Hash:         fromHash(hash),
		Branch:       uint64(assignedBranch),
		Height:       ts.Height,
		ParentHash:   fromHash(parentHash),
		ParentBranch: uint64(parentBranchID),
		SyncState:    int(types.HeaderSynced),
		Weight:       indexdb.EncodeWeight(ts.Weight()),
	}
	cids := make([][]byte, len(ts.Key.Cids()))
	for i, cidv := range ts.Key.Cids() {
		cids[i] = cidv.Bytes()
	}

	// Content first: a stray content-addressed blob is harmless if the
	// index transaction never commits, whereas index rows pointing at
	// missing content are not.
	if err := c.content.PutTipset(ctx, ts); err != nil {
		return nil, xerrors.Errorf("storing tipset content: %w", err)
	}

	err = c.idx.WithTx(ctx, func(tx *indexdb.Tx) error {
		if splitUpper != types.NoBranch {
			if err := tx.SplitBranch(parentBranchID, splitUpper, parentInfo.Height+1); err != nil {
				return err
			}
		}
		if err := tx.Store(row, cids); err != nil {
			return err
		}
		for _, blk := range ts.Blocks {
			if err := tx.StoreBlock(indexdb.BlockRow{
				Cid:       blk.Cid.Bytes(),
				Type:      int(types.BlockTypeHeader),
				SyncState: int(types.HeaderSynced),
				Miner:     blk.Miner,
				Height:    blk.Height,
				Timestamp: blk.Timestamp,
			}); err != nil {
				return err
			}
		}
		if linkOrphan {
			if err := tx.MergeBranchToHead(assignedBranch, orphanBranch); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	err = applyGraph()
	if err == nil && linkOrphan {
		err = c.graph.LinkToHead(assignedBranch, orphanBranch)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if linkOrphan {
		assignedBranch = orphanBranch
	}
	c.cache.Add(hash, ts)

	c.mu.RLock()
	root, err := c.graph.RootOf(assignedBranch)
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if root.Bottom == c.Genesis().Key.Hash() {
		return nil, nil
	}
	return c.loadTipsetByHash(ctx, root.Bottom)
}

// GetUnsyncedBottom returns the deepest tipset still disconnected from
// genesis along hash's branch lineage, or nil if hash's branch is already
// connected, mirroring ChainDb::getUnsyncedBottom.
func (c *ChainDB) GetUnsyncedBottom(ctx context.Context, hash types.TipsetHash) (*types.Tipset, error) {
	info, err := c.idx.GetTipsetInfo(ctx, hash)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	root, err := c.graph.RootOf(types.BranchId(info.Branch))
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if root.Bottom == c.Genesis().Key.Hash() {
		return nil, nil
	}
	return c.loadTipsetByHash(ctx, root.Bottom)
}
