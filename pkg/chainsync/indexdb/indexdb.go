package indexdb

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/xerrors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	logging "github.com/ipfs/go-log/v2"

	"github.com/filecoin-project/venus-core/pkg/chainsync/syncerr"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

var log = logging.Logger("chainsync.indexdb")

// DB is the persistent, transactional index over tipsets, blocks and their
// links. Every mutating method runs inside its own transaction, following
// the original's beginTx/commit/rollback discipline; gorm's PrepareStmt
// mirrors the original's cached prepared statements (get_tipset_info_,
// insert_tipset_, ...).
type DB struct {
	gdb *gorm.DB
}

// Open dials a MySQL DSN with prepared-statement caching enabled and
// ensures the schema exists, mirroring the teacher's gorm.Open(mysql...)
// wiring with PrepareStmt: true.
func Open(dsn string) (*DB, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, xerrors.Errorf("opening indexdb: %w", err)
	}
	db := &DB{gdb: gdb}
	if err := db.migrate(); err != nil {
		return nil, err
	}
	return db, nil
}

// New wraps an already-open gorm handle, used by tests that construct
// their own connection (e.g. against a scratch schema).
func New(gdb *gorm.DB) *DB { return &DB{gdb: gdb} }

func (db *DB) migrate() error {
	return db.gdb.AutoMigrate(&TipsetRow{}, &BlockRow{}, &TipsetBlockRow{}, &LinkRow{})
}

// withTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise, matching the original's Tx RAII wrapper.
func (db *DB) withTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return db.gdb.WithContext(ctx).Transaction(fn)
}

// Tx is one open IndexDB transaction. The structural mutators hang off it
// so a caller (ChainDB.StoreTipset) can compose several of them — split,
// tipset insert, block inserts, branch rename — into a single
// commit/rollback scope, per the original's beginTx/commitTx discipline
// where the transaction is opened by the caller, never per-statement.
type Tx struct {
	tx *gorm.DB
}

// WithTx opens a transaction, hands it to fn, and commits on nil error;
// any error from fn rolls every sub-step back.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return db.gdb.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		return fn(&Tx{tx: g})
	})
}

// GetTipsetInfo returns the stored row for hash.
func (db *DB) GetTipsetInfo(ctx context.Context, hash types.TipsetHash) (*TipsetRow, error) {
	var row TipsetRow
	err := db.gdb.WithContext(ctx).Where("hash = ?", fromHash(hash)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerr.ErrIndexTipsetNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("get tipset info: %s: %w", err, syncerr.ErrIndexExecute)
	}
	return &row, nil
}

// Store inserts a new tipset row and its block links in a transaction of
// its own. Callers composing the insert with other structural changes
// (ChainDB.StoreTipset) use WithTx and Tx.Store instead.
func (db *DB) Store(ctx context.Context, row TipsetRow, blockCids [][]byte) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		return tx.Store(row, blockCids)
	})
}

// Store inserts a new tipset row, its block membership and its parent
// link. Returns ErrIndexAlreadyExists if the hash is already present.
func (t *Tx) Store(row TipsetRow, blockCids [][]byte) error {
	var count int64
	if err := t.tx.Model(&TipsetRow{}).Where("hash = ?", row.Hash).Count(&count).Error; err != nil {
		return xerrors.Errorf("checking existing tipset: %w", err)
	}
	if count > 0 {
		return syncerr.ErrIndexAlreadyExists
	}
	if err := t.tx.Create(&row).Error; err != nil {
		return xerrors.Errorf("insert tipset: %s: %w", err, syncerr.ErrIndexExecute)
	}
	for i, cid := range blockCids {
		link := TipsetBlockRow{TipsetHash: row.Hash, BlockCid: cid, Position: i}
		if err := t.tx.Create(&link).Error; err != nil {
			return xerrors.Errorf("insert tipset block link: %s: %w", err, syncerr.ErrIndexExecute)
		}
	}
	if len(row.ParentHash) > 0 {
		link := LinkRow{ParentHash: row.ParentHash, ChildHash: row.Hash}
		if err := t.tx.Create(&link).Error; err != nil {
			return xerrors.Errorf("insert parent/child link: %s: %w", err, syncerr.ErrIndexExecute)
		}
	}
	return nil
}

// SetTipsetSyncState writes an explicit sync state for a tipset, refusing
// transitions that would move backward (Bad stays terminal).
func (db *DB) SetTipsetSyncState(ctx context.Context, hash types.TipsetHash, state types.SyncState) error {
	return db.withTx(ctx, func(tx *gorm.DB) error {
		var row TipsetRow
		if err := tx.Where("hash = ?", fromHash(hash)).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return syncerr.ErrIndexTipsetNotFound
			}
			return xerrors.Errorf("set sync state: %s: %w", err, syncerr.ErrIndexExecute)
		}
		if !types.CanTransition(types.SyncState(row.SyncState), state) {
			return xerrors.Errorf("sync state %s -> %s for %s: %w",
				types.SyncState(row.SyncState), state, hash, syncerr.ErrDataIntegrity)
		}
		if err := tx.Model(&TipsetRow{}).
			Where("hash = ?", fromHash(hash)).
			Update("sync_state", int(state)).Error; err != nil {
			return xerrors.Errorf("set sync state: %s: %w", err, syncerr.ErrIndexExecute)
		}
		return nil
	})
}

// UpdateTipsetSyncState recomputes a tipset's sync state as the minimum
// over its member blocks' states, per spec §4.2: a tipset is only as synced
// as its least-synced block.
func (db *DB) UpdateTipsetSyncState(ctx context.Context, hash types.TipsetHash) (types.SyncState, error) {
	var minState *int
	err := db.gdb.WithContext(ctx).Model(&BlockRow{}).
		Select("MIN(blocks.sync_state)").
		Joins("JOIN tipset_blocks ON tipset_blocks.block_cid = blocks.cid").
		Where("tipset_blocks.tipset_hash = ?", fromHash(hash)).
		Row().Scan(&minState)
	if err != nil {
		return types.Unknown, xerrors.Errorf("recompute sync state: %s: %w", err, syncerr.ErrIndexExecute)
	}
	if minState == nil {
		return types.Unknown, syncerr.ErrIndexTipsetNotFound
	}
	state := types.SyncState(*minState)
	if err := db.SetTipsetSyncState(ctx, hash, state); err != nil {
		return types.Unknown, err
	}
	return state, nil
}

// GetBranchSyncState walks parent pointers from branch up to its root and
// returns that root's id together with the minimum sync state found over
// the walked subchain, per spec §4.2.
func (db *DB) GetBranchSyncState(ctx context.Context, branch types.BranchId) (types.BranchId, types.SyncState, error) {
	minState := types.Bad
	cur := branch
	// branch count bounds the walk; a longer chain of parents means a cycle
	var total int64
	if err := db.gdb.WithContext(ctx).Model(&TipsetRow{}).Distinct("branch").Count(&total).Error; err != nil {
		return types.NoBranch, types.Unknown, xerrors.Errorf("counting branches: %s: %w", err, syncerr.ErrIndexExecute)
	}
	for guard := total + 1; ; guard-- {
		if guard == 0 {
			return types.NoBranch, types.Unknown, syncerr.ErrCycleDetected
		}
		var branchMin *int
		err := db.gdb.WithContext(ctx).Model(&TipsetRow{}).
			Select("MIN(sync_state)").
			Where("branch = ?", uint64(cur)).
			Row().Scan(&branchMin)
		if err != nil {
			return types.NoBranch, types.Unknown, xerrors.Errorf("branch sync state: %s: %w", err, syncerr.ErrIndexExecute)
		}
		if branchMin == nil {
			return types.NoBranch, types.Unknown, syncerr.ErrIndexTipsetNotFound
		}
		if types.SyncState(*branchMin) < minState {
			minState = types.SyncState(*branchMin)
		}
		var bottom TipsetRow
		if err := db.gdb.WithContext(ctx).Where("branch = ?", uint64(cur)).
			Order("height asc").First(&bottom).Error; err != nil {
			return types.NoBranch, types.Unknown, xerrors.Errorf("branch bottom: %s: %w", err, syncerr.ErrIndexExecute)
		}
		if types.BranchId(bottom.ParentBranch) == types.NoBranch {
			return cur, minState, nil
		}
		cur = types.BranchId(bottom.ParentBranch)
	}
}

// GetTipsetSyncState returns the persisted sync state of a tipset.
func (db *DB) GetTipsetSyncState(ctx context.Context, hash types.TipsetHash) (types.SyncState, error) {
	row, err := db.GetTipsetInfo(ctx, hash)
	if err != nil {
		return types.Unknown, err
	}
	return types.SyncState(row.SyncState), nil
}

// LoadGraph derives the full branch map from the tipsets table by grouping
// on branch and taking MIN/MAX height, exactly as the original's
// loadGraph() does — there is no persisted Branches table.
func (db *DB) LoadGraph(ctx context.Context) (map[types.BranchId]*types.Branch, error) {
	var bottoms []struct {
		Branch       uint64
		Height       uint64
		Hash         []byte
		ParentBranch uint64
	}
	err := db.gdb.WithContext(ctx).Model(&TipsetRow{}).
		Select("branch, MIN(height) as height, parent_branch").
		Group("branch").
		Find(&bottoms).Error
	if err != nil {
		return nil, xerrors.Errorf("loading graph bottoms: %s: %w", err, syncerr.ErrIndexExecute)
	}
	if len(bottoms) == 0 {
		return map[types.BranchId]*types.Branch{}, nil
	}

	// MIN(height) alone doesn't select the row's hash/parent_branch in
	// standard SQL without an explicit join; fetch per-branch bottom rows
	// directly instead.
	branches := make(map[types.BranchId]*types.Branch, len(bottoms))
	for _, b := range bottoms {
		var bottomRow TipsetRow
		if err := db.gdb.WithContext(ctx).Where("branch = ? AND height = ?", b.Branch, b.Height).First(&bottomRow).Error; err != nil {
			return nil, xerrors.Errorf("loading graph bottom row for branch %d: %s: %w", b.Branch, err, syncerr.ErrIndexExecute)
		}
		branches[types.BranchId(b.Branch)] = &types.Branch{
			ID:           types.BranchId(b.Branch),
			Parent:       types.BranchId(bottomRow.ParentBranch),
			Bottom:       toHash(bottomRow.Hash),
			BottomHeight: bottomRow.Height,
			Forks:        make(map[types.BranchId]struct{}),
		}
	}

	var tops []struct {
		Branch uint64
		Height uint64
	}
	if err := db.gdb.WithContext(ctx).Model(&TipsetRow{}).
		Select("branch, MAX(height) as height").
		Group("branch").
		Find(&tops).Error; err != nil {
		return nil, xerrors.Errorf("loading graph tops: %s: %w", err, syncerr.ErrIndexExecute)
	}
	for _, t := range tops {
		b, ok := branches[types.BranchId(t.Branch)]
		if !ok {
			log.Errorf("cannot load graph data integrity error: branch %d has no bottom row", t.Branch)
			return nil, syncerr.ErrIndexExecute
		}
		var topRow TipsetRow
		if err := db.gdb.WithContext(ctx).Where("branch = ? AND height = ?", t.Branch, t.Height).First(&topRow).Error; err != nil {
			return nil, xerrors.Errorf("loading graph top row for branch %d: %s: %w", t.Branch, err, syncerr.ErrIndexExecute)
		}
		b.Top = toHash(topRow.Hash)
		b.TopHeight = topRow.Height
	}

	return branches, nil
}

// GetRoots returns branch ids with no parent, computed from the full
// LoadGraph result.
func (db *DB) GetRoots(ctx context.Context) ([]types.BranchId, error) {
	branches, err := db.LoadGraph(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.BranchId
	for id, b := range branches {
		if b.Parent == types.NoBranch {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// GetHeads returns branch ids that are not any other branch's parent.
func (db *DB) GetHeads(ctx context.Context) ([]types.BranchId, error) {
	branches, err := db.LoadGraph(ctx)
	if err != nil {
		return nil, err
	}
	hasChild := make(map[types.BranchId]bool, len(branches))
	for _, b := range branches {
		if b.Parent != types.NoBranch {
			hasChild[b.Parent] = true
		}
	}
	var out []types.BranchId
	for id := range branches {
		if !hasChild[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// MergeBranchToHead renames every tipset of fromBranch into intoBranch in
// a transaction of its own; Tx.MergeBranchToHead is the composable form.
func (db *DB) MergeBranchToHead(ctx context.Context, fromBranch, intoBranch types.BranchId) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		return tx.MergeBranchToHead(fromBranch, intoBranch)
	})
}

// MergeBranchToHead renames every tipset of fromBranch into intoBranch,
// used when a newly stored tipset is the missing parent of an orphan
// branch's bottom: the new tipset's branch is folded into that orphan
// branch. It runs the same two UPDATE statements (rename_branch_,
// rename_parent_branch_) the original runs inside its applyTipset
// transaction.
func (t *Tx) MergeBranchToHead(fromBranch, intoBranch types.BranchId) error {
	if err := t.tx.Model(&TipsetRow{}).
		Where("branch = ?", uint64(fromBranch)).
		Update("branch", uint64(intoBranch)).Error; err != nil {
		return xerrors.Errorf("renaming branch: %s: %w", err, syncerr.ErrIndexExecute)
	}
	if err := t.tx.Model(&TipsetRow{}).
		Where("parent_branch = ?", uint64(fromBranch)).
		Update("parent_branch", uint64(intoBranch)).Error; err != nil {
		return xerrors.Errorf("renaming parent branch: %s: %w", err, syncerr.ErrIndexExecute)
	}
	return nil
}

// SplitBranch reassigns every tipset at or above splitHeight on oldBranch
// to newBranch in a transaction of its own; Tx.SplitBranch is the
// composable form.
func (db *DB) SplitBranch(ctx context.Context, oldBranch, newBranch types.BranchId, splitHeight uint64) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		return tx.SplitBranch(oldBranch, newBranch, splitHeight)
	})
}

// SplitBranch reassigns every tipset at or above splitHeight on oldBranch
// to newBranch, the persistence-layer half of Graph.LinkBranches. Rows
// (in any branch) whose parent tipset moved must have their parent_branch
// re-pointed as well; MySQL refuses a same-table subquery inside UPDATE,
// so the moved hashes are collected first.
func (t *Tx) SplitBranch(oldBranch, newBranch types.BranchId, splitHeight uint64) error {
	var moved [][]byte
	if err := t.tx.Model(&TipsetRow{}).
		Where("branch = ? AND height >= ?", uint64(oldBranch), splitHeight).
		Pluck("hash", &moved).Error; err != nil {
		return xerrors.Errorf("collecting split rows: %s: %w", err, syncerr.ErrIndexExecute)
	}
	if err := t.tx.Model(&TipsetRow{}).
		Where("branch = ? AND height >= ?", uint64(oldBranch), splitHeight).
		Update("branch", uint64(newBranch)).Error; err != nil {
		return xerrors.Errorf("splitting branch: %s: %w", err, syncerr.ErrIndexExecute)
	}
	if len(moved) > 0 {
		if err := t.tx.Model(&TipsetRow{}).
			Where("parent_branch = ? AND parent_hash IN ?", uint64(oldBranch), moved).
			Update("parent_branch", uint64(newBranch)).Error; err != nil {
			return xerrors.Errorf("relinking split children: %s: %w", err, syncerr.ErrIndexExecute)
		}
	}
	return nil
}

// GetHashAtBranchHeight returns the tipset hash stored at (branch, height).
func (db *DB) GetHashAtBranchHeight(ctx context.Context, branch types.BranchId, height uint64) (types.TipsetHash, error) {
	var row TipsetRow
	err := db.gdb.WithContext(ctx).
		Where("branch = ? AND height = ?", uint64(branch), height).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.TipsetHash{}, syncerr.ErrIndexTipsetNotFound
	}
	if err != nil {
		return types.TipsetHash{}, xerrors.Errorf("get hash at branch height: %s: %w", err, syncerr.ErrIndexExecute)
	}
	return toHash(row.Hash), nil
}

// GetLowestAbove returns the lowest tipset of branch strictly above
// height; heights may have gaps (null rounds), so an exact height+1 probe
// would miss.
func (db *DB) GetLowestAbove(ctx context.Context, branch types.BranchId, height uint64) (types.TipsetHash, uint64, error) {
	var row TipsetRow
	err := db.gdb.WithContext(ctx).
		Where("branch = ? AND height > ?", uint64(branch), height).
		Order("height asc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.TipsetHash{}, 0, syncerr.ErrIndexTipsetNotFound
	}
	if err != nil {
		return types.TipsetHash{}, 0, xerrors.Errorf("get lowest above: %s: %w", err, syncerr.ErrIndexExecute)
	}
	return toHash(row.Hash), row.Height, nil
}

// GetBlockCids returns the ordered block CIDs belonging to a tipset.
func (db *DB) GetBlockCids(ctx context.Context, hash types.TipsetHash) ([][]byte, error) {
	var rows []TipsetBlockRow
	err := db.gdb.WithContext(ctx).
		Where("tipset_hash = ?", fromHash(hash)).
		Order("position asc").
		Find(&rows).Error
	if err != nil {
		return nil, xerrors.Errorf("loading tipset blocks: %s: %w", err, syncerr.ErrIndexExecute)
	}
	if len(rows) == 0 {
		return nil, syncerr.ErrIndexTipsetNotFound
	}
	out := make([][]byte, len(rows))
	for i, r := range rows {
		out[i] = r.BlockCid
	}
	return out, nil
}

// GetChildren returns every child tipset hash linked to parent.
func (db *DB) GetChildren(ctx context.Context, parent types.TipsetHash) ([]types.TipsetHash, error) {
	var rows []LinkRow
	err := db.gdb.WithContext(ctx).Where("parent_hash = ?", fromHash(parent)).Find(&rows).Error
	if err != nil {
		return nil, xerrors.Errorf("loading children: %s: %w", err, syncerr.ErrIndexExecute)
	}
	out := make([]types.TipsetHash, len(rows))
	for i, r := range rows {
		out[i] = toHash(r.ChildHash)
	}
	return out, nil
}

// StoreBlock persists a block header row in a transaction of its own;
// Tx.StoreBlock is the composable form.
func (db *DB) StoreBlock(ctx context.Context, row BlockRow) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		return tx.StoreBlock(row)
	})
}

// StoreBlock persists a block header row. Blocks may be shared across
// tipsets referencing the same CID; a re-insert bumps ref_count instead of
// duplicating the row.
func (t *Tx) StoreBlock(row BlockRow) error {
	if row.RefCount == 0 {
		row.RefCount = 1
	}
	err := t.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cid"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"ref_count": gorm.Expr("ref_count + 1")}),
	}).Create(&row).Error
	if err != nil {
		return xerrors.Errorf("storing block: %s: %w", err, syncerr.ErrIndexExecute)
	}
	return nil
}

// NextBranchID returns an id not yet used by any branch, computed as
// max(branch)+1 over the tipsets table (or GenesisBranch+1 if empty),
// mirroring the original's monotonically increasing branch counter.
func (db *DB) NextBranchID(ctx context.Context) (types.BranchId, error) {
	var max uint64
	err := db.gdb.WithContext(ctx).Model(&TipsetRow{}).Select("COALESCE(MAX(branch), 0)").Row().Scan(&max)
	if err != nil {
		return 0, xerrors.Errorf("computing next branch id: %s: %w", err, syncerr.ErrIndexExecute)
	}
	if max < uint64(types.GenesisBranch) {
		max = uint64(types.GenesisBranch)
	}
	return types.BranchId(max + 1), nil
}

// FindOrphanChildByParentHash returns the branch id and bottom hash of a
// previously stored tipset whose parent_hash equals parentHash, if it is
// the bottom tipset of its branch (i.e. an orphan segment waiting for
// exactly this parent to connect it upward). Returns found=false if none.
func (db *DB) FindOrphanChildByParentHash(ctx context.Context, parentHash types.TipsetHash) (branch types.BranchId, bottomHash types.TipsetHash, found bool, err error) {
	var rows []TipsetRow
	e := db.gdb.WithContext(ctx).Where("parent_hash = ?", fromHash(parentHash)).Find(&rows).Error
	if e != nil {
		return 0, types.TipsetHash{}, false, xerrors.Errorf("finding orphan child: %s: %w", e, syncerr.ErrIndexExecute)
	}
	for _, r := range rows {
		var bottom TipsetRow
		e := db.gdb.WithContext(ctx).Where("branch = ?", r.Branch).Order("height asc").First(&bottom).Error
		if e != nil {
			return 0, types.TipsetHash{}, false, xerrors.Errorf("loading orphan bottom: %s: %w", e, syncerr.ErrIndexExecute)
		}
		if string(bottom.Hash) == string(r.Hash) {
			return types.BranchId(r.Branch), toHash(r.Hash), true, nil
		}
	}
	return 0, types.TipsetHash{}, false, nil
}
