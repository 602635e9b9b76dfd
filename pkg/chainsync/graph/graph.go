// Package graph implements the in-memory Branch Graph of spec §4.1: the
// canonical model of all known chain branches, supporting lookup by height
// on the adopted chain and the structural edits (load, switch-head,
// remove-head, link, split) used by IndexDB and ChainDB. Grounded on
// original_source/core/storage/indexdb/graph.{hpp,cpp}.
//
// Graph performs no I/O and takes no lock: per spec §5 it is only ever
// touched from the single scheduler goroutine that owns the chain-sync
// subsystem, exactly as the C++ original assumes a single-threaded caller.
package graph

import (
	"sort"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chainsync/syncerr"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

var log = logging.Logger("chainsync.graph")

// Graph is the in-memory branch skeleton. The zero value is an empty,
// usable graph.
type Graph struct {
	allBranches              map[types.BranchId]*types.Branch
	roots                    map[types.BranchId]struct{}
	heads                    map[types.BranchId]struct{}
	currentChain             map[uint64]types.BranchId
	currentChainBottomHeight uint64
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		allBranches:  make(map[types.BranchId]*types.Branch),
		roots:        make(map[types.BranchId]struct{}),
		heads:        make(map[types.BranchId]struct{}),
		currentChain: make(map[uint64]types.BranchId),
	}
}

// Empty reports whether the graph holds no branches.
func (g *Graph) Empty() bool { return len(g.allBranches) == 0 }

// GetBranch returns a defensive copy of the branch record for id.
func (g *Graph) GetBranch(id types.BranchId) (*types.Branch, error) {
	b, ok := g.allBranches[id]
	if !ok {
		return nil, syncerr.ErrBranchNotFound
	}
	return b.Clone(), nil
}

// GetRoots returns every branch with no parent.
func (g *Graph) GetRoots() []*types.Branch { return g.collect(g.roots) }

// GetHeads returns every branch with no forks.
func (g *Graph) GetHeads() []*types.Branch { return g.collect(g.heads) }

func (g *Graph) collect(ids map[types.BranchId]struct{}) []*types.Branch {
	out := make([]*types.Branch, 0, len(ids))
	for id := range ids {
		out = append(out, g.allBranches[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load rebuilds all indices from scratch given a vector of branch records.
// Every structural violation found is accumulated via multierror.Append
// rather than failing on the first one, so a caller debugging a corrupted
// IndexDB sees the whole picture in one error instead of fixing issues one
// restart at a time. On any violation all state is wiped and the
// accumulated errors are wrapped in a single ErrGraphLoad, per spec §4.1.
func (g *Graph) Load(branches map[types.BranchId]*types.Branch) error {
	g.clear()

	all := make(map[types.BranchId]*types.Branch, len(branches))
	for id, b := range branches {
		all[id] = b.Clone()
	}
	g.allBranches = all

	var violations *multierror.Error
	for id, b := range g.allBranches {
		if id == types.NoBranch {
			log.Errorf("cannot load graph: branch id 0 is reserved")
			violations = multierror.Append(violations, xerrors.New("branch id 0 is reserved"))
			continue
		}
		if id != b.ID {
			log.Errorf("cannot load graph: inconsistent branch id %d", id)
			violations = multierror.Append(violations, xerrors.Errorf("inconsistent branch id %d", id))
			continue
		}
		if b.TopHeight < b.BottomHeight {
			log.Errorf("cannot load graph: heights inconsistent (%d and %d) for id %d", b.TopHeight, b.BottomHeight, b.ID)
			violations = multierror.Append(violations, xerrors.Errorf("heights inconsistent (%d and %d) for id %d", b.TopHeight, b.BottomHeight, b.ID))
			continue
		}
		if b.Parent != types.NoBranch {
			if b.Parent == b.ID {
				log.Errorf("cannot load graph: parent and branch id are the same (%d)", b.ID)
				violations = multierror.Append(violations, xerrors.Errorf("branch %d is its own parent", b.ID))
				continue
			}
			parent, ok := g.allBranches[b.Parent]
			if !ok {
				log.Errorf("cannot load graph: parent %d not found for branch %d", b.Parent, b.ID)
				violations = multierror.Append(violations, xerrors.Errorf("parent %d not found for branch %d", b.Parent, b.ID))
				continue
			}
			if parent.TopHeight >= b.BottomHeight {
				log.Errorf("cannot load graph: parent height inconsistent (%d and %d) for id %d and parent %d",
					b.BottomHeight, parent.TopHeight, b.ID, b.Parent)
				violations = multierror.Append(violations, xerrors.Errorf("parent height inconsistent (%d and %d) for id %d and parent %d",
					b.BottomHeight, parent.TopHeight, b.ID, b.Parent))
				continue
			}
			if parent.Forks == nil {
				parent.Forks = make(map[types.BranchId]struct{})
			}
			parent.Forks[b.ID] = struct{}{}
		} else {
			g.roots[b.ID] = struct{}{}
		}
	}

	if violations.ErrorOrNil() != nil {
		g.clear()
		return xerrors.Errorf("%s: %w", violations, syncerr.ErrGraphLoad)
	}

	for id, b := range g.allBranches {
		if b.Forks == nil {
			b.Forks = make(map[types.BranchId]struct{})
		}
		if len(b.Forks) == 0 {
			g.heads[id] = struct{}{}
		} else if len(b.Forks) == 1 {
			log.Warnf("inconsistent # of forks (1) for branch %d, must be merged", id)
		}
	}

	return nil
}

func (g *Graph) clear() {
	g.allBranches = make(map[types.BranchId]*types.Branch)
	g.roots = make(map[types.BranchId]struct{})
	g.heads = make(map[types.BranchId]struct{})
	g.currentChain = make(map[uint64]types.BranchId)
	g.currentChainBottomHeight = 0
}

// SwitchToHead adopts head as the current chain, walking parent pointers
// back to a root. Idempotent if head is already the active head.
func (g *Graph) SwitchToHead(head types.BranchId) error {
	if top, ok := g.currentTop(); ok && top == head {
		return nil
	}
	if _, ok := g.heads[head]; !ok {
		log.Errorf("branch %d is not a head", head)
		return syncerr.ErrBranchIsNotAHead
	}

	chain := make(map[uint64]types.BranchId)

	cycleGuard := len(g.allBranches) + 1
	currID := head
	for {
		b, ok := g.allBranches[currID]
		if !ok {
			// internal-consistency postcondition: parent-map dereference
			// must always succeed for ids reachable from a valid head.
			panic("graph: dangling branch id in parent chain")
		}
		chain[b.TopHeight] = b.ID
		currID = b.Parent
		if currID == types.NoBranch {
			break
		}
		cycleGuard--
		if cycleGuard == 0 {
			log.Errorf("cycle detected while switching to head %d", head)
			return syncerr.ErrCycleDetected
		}
	}

	g.currentChain = chain
	bottomBranch := types.NoBranch
	minHeight := ^uint64(0)
	for h, id := range chain {
		if h < minHeight {
			minHeight = h
			bottomBranch = id
		}
	}
	g.currentChainBottomHeight = g.allBranches[bottomBranch].BottomHeight
	return nil
}

func (g *Graph) currentTop() (types.BranchId, bool) {
	var top uint64
	var id types.BranchId
	found := false
	for h, bid := range g.currentChain {
		if !found || h > top {
			top, id, found = h, bid, true
		}
	}
	return id, found
}

// FindByHeight returns the branch id whose height range covers h on the
// current chain.
func (g *Graph) FindByHeight(h uint64) (types.BranchId, error) {
	if len(g.currentChain) == 0 {
		return types.NoBranch, syncerr.ErrNoCurrentChain
	}
	if h < g.currentChainBottomHeight {
		return types.NoBranch, syncerr.ErrBranchNotFound
	}
	var best types.BranchId
	var bestHeight uint64
	found := false
	for topHeight, id := range g.currentChain {
		if topHeight < h {
			continue
		}
		if !found || topHeight < bestHeight {
			bestHeight, best, found = topHeight, id, true
		}
	}
	if !found {
		return types.NoBranch, syncerr.ErrBranchNotFound
	}
	return best, nil
}

// RemoveHead removes a head branch. If its parent is left with exactly one
// fork, the parent is folded into that fork: the fork takes over the
// parent's bottom and parent pointer and the parent branch is deleted,
// per spec §4.1. A parent left with no forks becomes a head. Returns (collapsedParent,
// survivingSuccessor) or (NoBranch, NoBranch) when no merge occurred.
func (g *Graph) RemoveHead(head types.BranchId) (types.BranchId, types.BranchId, error) {
	if _, ok := g.heads[head]; !ok {
		log.Errorf("branch %d is not a head", head)
		return types.NoBranch, types.NoBranch, syncerr.ErrBranchIsNotAHead
	}

	b := g.allBranches[head]
	parent := b.Parent

	delete(g.heads, head)
	delete(g.roots, head)
	if top, ok := g.currentTop(); ok && top == head {
		g.currentChain = make(map[uint64]types.BranchId)
	}
	delete(g.allBranches, head)

	if parent == types.NoBranch {
		return types.NoBranch, types.NoBranch, nil
	}

	pb, ok := g.allBranches[parent]
	if !ok {
		panic("graph: dangling parent reference")
	}
	delete(pb.Forks, head)
	if len(pb.Forks) == 0 {
		// parent has no other children left: it becomes a head itself,
		// no merge candidate exists.
		g.heads[parent] = struct{}{}
		return types.NoBranch, types.NoBranch, nil
	}
	if len(pb.Forks) != 1 {
		return types.NoBranch, types.NoBranch, nil
	}

	delete(g.allBranches, parent)
	return g.merge(pb)
}

// merge absorbs b (which has exactly one fork) into that surviving fork.
func (g *Graph) merge(b *types.Branch) (types.BranchId, types.BranchId, error) {
	var successorID types.BranchId
	for id := range b.Forks {
		successorID = id
	}
	successor, ok := g.allBranches[successorID]
	if !ok {
		panic("graph: dangling fork reference")
	}
	successor.Bottom = b.Bottom
	successor.BottomHeight = b.BottomHeight
	successor.Parent = b.Parent

	if b.Parent != types.NoBranch {
		gp, ok := g.allBranches[b.Parent]
		if !ok {
			panic("graph: dangling grandparent reference")
		}
		delete(gp.Forks, b.ID)
		gp.Forks[successorID] = struct{}{}
	} else {
		delete(g.roots, b.ID)
		g.roots[successorID] = struct{}{}
	}

	return b.ID, successorID, nil
}

// LinkToHead concatenates successorRoot onto baseHead by absorbing base's
// bottom, bottom height and parent into successor, per spec §4.1. The
// decision to delete the absorbed base branch from allBranches (rather than
// leave it dangling) resolves the Open Question in spec §9.
func (g *Graph) LinkToHead(baseHead, successorRoot types.BranchId) error {
	if _, ok := g.roots[successorRoot]; !ok {
		return syncerr.ErrBranchIsNotARoot
	}
	if _, ok := g.heads[baseHead]; !ok {
		return syncerr.ErrBranchIsNotAHead
	}

	base, ok := g.allBranches[baseHead]
	if !ok {
		return syncerr.ErrBranchNotFound
	}
	successor, ok := g.allBranches[successorRoot]
	if !ok {
		return syncerr.ErrBranchNotFound
	}

	if successor.BottomHeight <= base.TopHeight {
		return syncerr.ErrLinkHeightMismatch
	}

	successor.BottomHeight = base.BottomHeight
	successor.Bottom = base.Bottom
	successor.Parent = base.Parent

	if base.Parent != types.NoBranch {
		gp, ok := g.allBranches[base.Parent]
		if !ok {
			panic("graph: dangling parent reference")
		}
		delete(gp.Forks, baseHead)
		gp.Forks[successorRoot] = struct{}{}
	} else {
		delete(g.roots, baseHead)
		g.roots[successorRoot] = struct{}{}
	}

	if top, ok := g.currentTop(); ok && top == baseHead {
		g.currentChain = make(map[uint64]types.BranchId)
	}

	delete(g.heads, baseHead)
	delete(g.allBranches, baseHead)

	return nil
}

// LinkBranches splits base at parentHeight into a lower half (base keeps its
// id, shrunk to end at parentHeight) and an upper half (a new branch,
// upperHalfID, carrying base's old top and forks) and attaches both the
// upper half and successorRoot as forks of the (shrunk) base — the new id
// applies to the upper, younger half, per the spec §9 resolution of the
// Open Question on split semantics left as a stub in the original. The
// caller supplies the identity of the tipset that becomes the upper half's
// new bottom, since the Graph itself does not track interior tipsets of a
// branch.
func (g *Graph) LinkBranches(base types.BranchId, successorRoot types.BranchId, parentHash types.TipsetHash, parentHeight uint64, upperBottom types.TipsetHash, upperBottomHeight uint64, upperHalfID types.BranchId) (types.BranchId, error) {
	if _, ok := g.roots[successorRoot]; !ok {
		return types.NoBranch, syncerr.ErrBranchIsNotARoot
	}
	baseBranch, ok := g.allBranches[base]
	if !ok {
		return types.NoBranch, syncerr.ErrBranchNotFound
	}
	if parentHeight < baseBranch.BottomHeight || parentHeight >= baseBranch.TopHeight {
		return types.NoBranch, syncerr.ErrLinkHeightMismatch
	}
	if upperBottomHeight <= parentHeight || upperBottomHeight > baseBranch.TopHeight {
		return types.NoBranch, syncerr.ErrLinkHeightMismatch
	}
	successor, ok := g.allBranches[successorRoot]
	if !ok {
		return types.NoBranch, syncerr.ErrBranchNotFound
	}
	if successor.BottomHeight <= parentHeight {
		return types.NoBranch, syncerr.ErrLinkHeightMismatch
	}

	upper := &types.Branch{
		ID:           upperHalfID,
		Parent:       base,
		Top:          baseBranch.Top,
		TopHeight:    baseBranch.TopHeight,
		Bottom:       upperBottom,
		BottomHeight: upperBottomHeight,
		Forks:        baseBranch.Forks,
	}
	for id := range upper.Forks {
		g.allBranches[id].Parent = upperHalfID
	}

	wasHead := baseBranch.IsHead()

	baseBranch.Top = parentHash
	baseBranch.TopHeight = parentHeight
	baseBranch.Forks = map[types.BranchId]struct{}{
		upperHalfID:   {},
		successorRoot: {},
	}

	successor.Parent = base

	g.allBranches[upperHalfID] = upper
	delete(g.roots, successorRoot)
	if wasHead {
		delete(g.heads, base)
		g.heads[upperHalfID] = struct{}{}
	}
	if top, ok := g.currentTop(); ok && top == base {
		g.currentChain = make(map[uint64]types.BranchId)
	}

	return upperHalfID, nil
}

// AppendToHead extends a head branch's top in place after a new tipset is
// stored directly above it, with no fork created.
func (g *Graph) AppendToHead(branch types.BranchId, newTop types.TipsetHash, newTopHeight uint64) error {
	b, ok := g.allBranches[branch]
	if !ok {
		return syncerr.ErrBranchNotFound
	}
	if !b.IsHead() {
		return syncerr.ErrBranchIsNotAHead
	}
	if newTopHeight <= b.TopHeight {
		return syncerr.ErrLinkHeightMismatch
	}
	b.Top = newTop
	b.TopHeight = newTopHeight
	return nil
}

// NewRootBranch registers a brand new root branch (first tipset of an
// unknown chain segment), returning the created record.
func (g *Graph) NewRootBranch(id types.BranchId, bottom, top types.TipsetHash, height uint64) *types.Branch {
	b := &types.Branch{
		ID:           id,
		Parent:       types.NoBranch,
		Top:          top,
		TopHeight:    height,
		Bottom:       bottom,
		BottomHeight: height,
		Forks:        make(map[types.BranchId]struct{}),
	}
	g.allBranches[id] = b
	g.roots[id] = struct{}{}
	g.heads[id] = struct{}{}
	return b.Clone()
}

// NewForkBranch registers a new branch forking off parent at a given
// bottom tipset, updating parent's forks and the heads set.
func (g *Graph) NewForkBranch(id types.BranchId, parent types.BranchId, bottom, top types.TipsetHash, height uint64) (*types.Branch, error) {
	pb, ok := g.allBranches[parent]
	if !ok {
		return nil, syncerr.ErrBranchNotFound
	}
	wasHead := pb.IsHead()
	b := &types.Branch{
		ID:           id,
		Parent:       parent,
		Top:          top,
		TopHeight:    height,
		Bottom:       bottom,
		BottomHeight: height,
		Forks:        make(map[types.BranchId]struct{}),
	}
	g.allBranches[id] = b
	pb.Forks[id] = struct{}{}
	g.heads[id] = struct{}{}
	if wasHead {
		delete(g.heads, parent)
	}
	return b.Clone(), nil
}

// CurrentChainRange returns the [bottom, top] height range currently
// adopted, and whether a current chain exists at all.
func (g *Graph) CurrentChainRange() (bottom, top uint64, ok bool) {
	id, found := g.currentTop()
	if !found {
		return 0, 0, false
	}
	return g.currentChainBottomHeight, g.allBranches[id].TopHeight, true
}

// RootOf walks parent pointers from id up to a root and returns that root
// branch, mirroring BranchLayer::getRootBranch used by ChainDb to decide
// whether a segment is connected to genesis.
func (g *Graph) RootOf(id types.BranchId) (*types.Branch, error) {
	cycleGuard := len(g.allBranches) + 1
	for {
		b, ok := g.allBranches[id]
		if !ok {
			return nil, syncerr.ErrBranchNotFound
		}
		if b.Parent == types.NoBranch {
			return b.Clone(), nil
		}
		id = b.Parent
		cycleGuard--
		if cycleGuard == 0 {
			return nil, syncerr.ErrCycleDetected
		}
	}
}

// Fork splits base at parentHeight (which must be strictly below base's
// current top) into a shrunk base ending at parentHeight and two new
// children: upperID (inheriting base's old top and forks, rooted at
// upperBottom/upperBottomHeight) and forkID (a brand-new one-tipset branch
// rooted at forkBottom/forkHeight). Used by ChainDB.StoreTipset when a
// freshly arrived tipset's parent already has a later descendant on base —
// i.e. the arriving tipset creates a fork strictly below base's top.
// Grounded on chain_db.cpp's storeTipset split path, generalized since the
// new fork's root doesn't pre-exist (unlike LinkBranches, which relinks an
// already-known root).
func (g *Graph) Fork(base types.BranchId, parentHash types.TipsetHash, parentHeight uint64, upperID types.BranchId, upperBottom types.TipsetHash, upperBottomHeight uint64, forkID types.BranchId, forkBottom types.TipsetHash, forkHeight uint64) error {
	baseBranch, ok := g.allBranches[base]
	if !ok {
		return syncerr.ErrBranchNotFound
	}
	if parentHeight < baseBranch.BottomHeight || parentHeight >= baseBranch.TopHeight {
		return syncerr.ErrLinkHeightMismatch
	}
	if forkHeight <= parentHeight || upperBottomHeight <= parentHeight || upperBottomHeight > baseBranch.TopHeight {
		return syncerr.ErrLinkHeightMismatch
	}

	upper := &types.Branch{
		ID:           upperID,
		Parent:       base,
		Top:          baseBranch.Top,
		TopHeight:    baseBranch.TopHeight,
		Bottom:       upperBottom,
		BottomHeight: upperBottomHeight,
		Forks:        baseBranch.Forks,
	}
	for id := range upper.Forks {
		g.allBranches[id].Parent = upperID
	}

	fork := &types.Branch{
		ID:           forkID,
		Parent:       base,
		Top:          forkBottom,
		TopHeight:    forkHeight,
		Bottom:       forkBottom,
		BottomHeight: forkHeight,
		Forks:        make(map[types.BranchId]struct{}),
	}

	wasHead := baseBranch.IsHead()

	baseBranch.Top = parentHash
	baseBranch.TopHeight = parentHeight
	baseBranch.Forks = map[types.BranchId]struct{}{
		upperID: {},
		forkID:  {},
	}

	g.allBranches[upperID] = upper
	g.allBranches[forkID] = fork
	g.heads[forkID] = struct{}{}
	if wasHead {
		delete(g.heads, base)
		g.heads[upperID] = struct{}{}
	}
	if top, ok := g.currentTop(); ok && top == base {
		g.currentChain = make(map[uint64]types.BranchId)
	}

	return nil
}
