package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chainsync/syncerr"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

func hash(b byte) types.TipsetHash {
	var h types.TipsetHash
	h[0] = b
	return h
}

func branch(id, parent types.BranchId, bottom, top uint64, forks ...types.BranchId) *types.Branch {
	fm := make(map[types.BranchId]struct{}, len(forks))
	for _, f := range forks {
		fm[f] = struct{}{}
	}
	return &types.Branch{
		ID:           id,
		Parent:       parent,
		Bottom:       hash(byte(bottom)),
		BottomHeight: bottom,
		Top:          hash(byte(top)),
		TopHeight:    top,
		Forks:        fm,
	}
}

func TestLoadEmpty(t *testing.T) {
	g := New()
	require.NoError(t, g.Load(nil))
	require.True(t, g.Empty())
	require.Empty(t, g.GetRoots())
	require.Empty(t, g.GetHeads())
}

func TestLoadSingleRootIsHeadAndRoot(t *testing.T) {
	g := New()
	b1 := branch(1, types.NoBranch, 10, 20)
	require.NoError(t, g.Load(map[types.BranchId]*types.Branch{1: b1}))

	roots := g.GetRoots()
	heads := g.GetHeads()
	require.Len(t, roots, 1)
	require.Len(t, heads, 1)
	require.Equal(t, types.BranchId(1), roots[0].ID)
	require.Equal(t, types.BranchId(1), heads[0].ID)
}

func TestLoadRejectsReservedZeroID(t *testing.T) {
	g := New()
	b0 := branch(0, types.NoBranch, 0, 5)
	err := g.Load(map[types.BranchId]*types.Branch{0: b0})
	require.ErrorIs(t, err, syncerr.ErrGraphLoad)
	require.True(t, g.Empty())
}

func TestLoadRejectsHeightInversion(t *testing.T) {
	g := New()
	b1 := branch(1, types.NoBranch, 20, 10)
	err := g.Load(map[types.BranchId]*types.Branch{1: b1})
	require.ErrorIs(t, err, syncerr.ErrGraphLoad)
}

func TestLoadRejectsMissingParent(t *testing.T) {
	g := New()
	b2 := branch(2, 99, 21, 30)
	err := g.Load(map[types.BranchId]*types.Branch{2: b2})
	require.ErrorIs(t, err, syncerr.ErrGraphLoad)
}

func TestLoadRejectsSelfParent(t *testing.T) {
	g := New()
	b1 := branch(1, 1, 10, 20)
	err := g.Load(map[types.BranchId]*types.Branch{1: b1})
	require.ErrorIs(t, err, syncerr.ErrGraphLoad)
}

func TestLoadRejectsOverlappingParentChild(t *testing.T) {
	g := New()
	b1 := branch(1, types.NoBranch, 10, 20)
	b2 := branch(2, 1, 20, 30) // child bottom == parent top: inconsistent
	err := g.Load(map[types.BranchId]*types.Branch{1: b1, 2: b2})
	require.ErrorIs(t, err, syncerr.ErrGraphLoad)
}

// fourBranchFixture builds the spec §8 scenario #4 fixture:
//   B1 (10..20, root)
//   B2 (21..30, parent B1)
//   B3 (31..40, parent B2)   <- head
//   B4 (25..27, parent B1)   <- head (a fork off B1, split under B2's range)
func fourBranchFixture(t *testing.T) *Graph {
	t.Helper()
	g := New()
	b1 := branch(1, types.NoBranch, 10, 20, 2, 4)
	b2 := branch(2, 1, 21, 30, 3)
	b3 := branch(3, 2, 31, 40)
	b4 := branch(4, 1, 25, 27)
	require.NoError(t, g.Load(map[types.BranchId]*types.Branch{1: b1, 2: b2, 3: b3, 4: b4}))
	return g
}

func TestGetRootsAndHeadsFourBranch(t *testing.T) {
	g := fourBranchFixture(t)
	roots := g.GetRoots()
	require.Len(t, roots, 1)
	require.Equal(t, types.BranchId(1), roots[0].ID)

	heads := g.GetHeads()
	require.Len(t, heads, 2)
	ids := []types.BranchId{heads[0].ID, heads[1].ID}
	require.ElementsMatch(t, []types.BranchId{3, 4}, ids)
}

func TestRemoveHeadLeavesChildlessParentAsHead(t *testing.T) {
	g := fourBranchFixture(t)

	collapsedParent, successor, err := g.RemoveHead(3)
	require.NoError(t, err)
	require.Equal(t, types.BranchId(0), collapsedParent, "B2 loses its only fork and becomes a head, no merge occurs")
	require.Equal(t, types.BranchId(0), successor)

	// After removing B3, B2 has zero forks (B3 was its only fork and is
	// gone), so no merge candidate remains: B2 itself becomes a head.
	heads := g.GetHeads()
	ids := make([]types.BranchId, 0, len(heads))
	for _, h := range heads {
		ids = append(ids, h.ID)
	}
	require.ElementsMatch(t, []types.BranchId{2, 4}, ids)
}

func TestRemoveHeadCollapsesParentIntoSurvivor(t *testing.T) {
	g := New()
	b1 := branch(1, types.NoBranch, 10, 20, 2, 4)
	b2 := branch(2, 1, 21, 30)
	b4 := branch(4, 1, 21, 27)
	require.NoError(t, g.Load(map[types.BranchId]*types.Branch{1: b1, 2: b2, 4: b4}))

	collapsedParent, successor, err := g.RemoveHead(2)
	require.NoError(t, err)
	require.Equal(t, types.BranchId(1), collapsedParent)
	require.Equal(t, types.BranchId(4), successor)

	// B1 had one remaining fork after B2 left, so it was absorbed into B4:
	// B4 now spans B1's old bottom and is the sole root and head.
	_, err = g.GetBranch(1)
	require.ErrorIs(t, err, syncerr.ErrBranchNotFound)

	merged, err := g.GetBranch(4)
	require.NoError(t, err)
	require.Equal(t, uint64(10), merged.BottomHeight)
	require.Equal(t, types.NoBranch, merged.Parent)

	roots := g.GetRoots()
	require.Len(t, roots, 1)
	require.Equal(t, types.BranchId(4), roots[0].ID)
}

func TestSwitchToHeadAndFindByHeight(t *testing.T) {
	g := fourBranchFixture(t)

	require.NoError(t, g.SwitchToHead(3))
	bottom, top, ok := g.CurrentChainRange()
	require.True(t, ok)
	require.Equal(t, uint64(10), bottom)
	require.Equal(t, uint64(40), top)

	id, err := g.FindByHeight(35)
	require.NoError(t, err)
	require.Equal(t, types.BranchId(3), id)

	id, err = g.FindByHeight(25)
	require.NoError(t, err)
	require.Equal(t, types.BranchId(2), id)

	_, err = g.FindByHeight(5)
	require.ErrorIs(t, err, syncerr.ErrBranchNotFound)
}

func TestSwitchToHeadIdempotent(t *testing.T) {
	g := fourBranchFixture(t)
	require.NoError(t, g.SwitchToHead(3))
	require.NoError(t, g.SwitchToHead(3))
	_, top, ok := g.CurrentChainRange()
	require.True(t, ok)
	require.Equal(t, uint64(40), top)
}

func TestSwitchToHeadRejectsNonHead(t *testing.T) {
	g := fourBranchFixture(t)
	err := g.SwitchToHead(2)
	require.ErrorIs(t, err, syncerr.ErrBranchIsNotAHead)
}

func TestLinkToHeadAbsorbsBaseAndDeletesDangling(t *testing.T) {
	g := New()
	b1 := branch(1, types.NoBranch, 10, 20)
	b2 := branch(2, types.NoBranch, 21, 30)
	require.NoError(t, g.Load(map[types.BranchId]*types.Branch{1: b1, 2: b2}))

	require.NoError(t, g.LinkToHead(1, 2))

	_, err := g.GetBranch(1)
	require.ErrorIs(t, err, syncerr.ErrBranchNotFound, "base branch must be erased, not left dangling")

	merged, err := g.GetBranch(2)
	require.NoError(t, err)
	require.Equal(t, uint64(10), merged.BottomHeight)
	require.Equal(t, uint64(30), merged.TopHeight)

	roots := g.GetRoots()
	require.Len(t, roots, 1)
	require.Equal(t, types.BranchId(2), roots[0].ID)
}

func TestLinkToHeadRejectsHeightMismatch(t *testing.T) {
	g := New()
	b1 := branch(1, types.NoBranch, 10, 20)
	b2 := branch(2, types.NoBranch, 15, 30)
	require.NoError(t, g.Load(map[types.BranchId]*types.Branch{1: b1, 2: b2}))
	err := g.LinkToHead(1, 2)
	require.ErrorIs(t, err, syncerr.ErrLinkHeightMismatch)
}

func TestLinkBranchesSplitsUpperHalfGetsNewID(t *testing.T) {
	g := New()
	base := branch(1, types.NoBranch, 10, 40)
	successorRoot := branch(2, types.NoBranch, 26, 35)
	require.NoError(t, g.Load(map[types.BranchId]*types.Branch{1: base, 2: successorRoot}))

	upperID, err := g.LinkBranches(1, 2, hash(25), 25, hash(26), 26, 3)
	require.NoError(t, err)
	require.Equal(t, types.BranchId(3), upperID)

	lower, err := g.GetBranch(1)
	require.NoError(t, err)
	require.Equal(t, uint64(10), lower.BottomHeight)
	require.Equal(t, uint64(25), lower.TopHeight)
	require.Contains(t, lower.Forks, types.BranchId(3))
	require.Contains(t, lower.Forks, types.BranchId(2))

	upper, err := g.GetBranch(3)
	require.NoError(t, err)
	require.Equal(t, uint64(26), upper.BottomHeight, "upper half keeps the old branch's original top-half range")
	require.Equal(t, uint64(40), upper.TopHeight)
	require.Equal(t, types.BranchId(1), upper.Parent)

	succ, err := g.GetBranch(2)
	require.NoError(t, err)
	require.Equal(t, types.BranchId(1), succ.Parent)
}

func TestAppendToHeadExtendsInPlace(t *testing.T) {
	g := New()
	b1 := branch(1, types.NoBranch, 10, 20)
	require.NoError(t, g.Load(map[types.BranchId]*types.Branch{1: b1}))

	require.NoError(t, g.AppendToHead(1, hash(21), 21))
	b, err := g.GetBranch(1)
	require.NoError(t, err)
	require.Equal(t, uint64(21), b.TopHeight)
}

func TestNewRootAndForkBranch(t *testing.T) {
	g := New()
	g.NewRootBranch(1, hash(10), hash(20), 20)
	_, err := g.NewForkBranch(2, 1, hash(15), hash(18), 18)
	require.NoError(t, err)

	heads := g.GetHeads()
	ids := make([]types.BranchId, 0, len(heads))
	for _, h := range heads {
		ids = append(ids, h.ID)
	}
	require.ElementsMatch(t, []types.BranchId{2}, ids, "parent branch loses head status once it forks")
}
