// Package indexdb implements the persistent transactional index of spec
// §4.2: the durable record of every known tipset, block and their
// branch/parent relationships, on top of which the in-memory Branch Graph
// is reconstructed on startup. Grounded on the real schema in
// original_source/core/storage/indexdb/indexdb_impl.cpp (a single `tipsets`
// table with branch membership derived via GROUP BY, not a persisted
// Branches table) and on the teacher's use of gorm.io/gorm with a prepared
// MySQL driver (pkg/chainsync/syncer in the teacher repo wires gorm the
// same way for its datastore needs).
package indexdb

import "github.com/filecoin-project/venus-core/pkg/chainsync/types"

// TipsetRow is the durable record of one tipset: its branch membership,
// height and link to its parent. This is the only table the original
// implementation actually persists; Branch records are derived from it by
// LoadGraph rather than stored separately.
type TipsetRow struct {
	Hash         []byte `gorm:"column:hash;primaryKey;size:32"`
	Branch       uint64 `gorm:"column:branch;not null;index:idx_branch_height,priority:1"`
	Height       uint64 `gorm:"column:height;not null;index:idx_branch_height,priority:2"`
	ParentHash   []byte `gorm:"column:parent_hash;size:32"`
	ParentBranch uint64 `gorm:"column:parent_branch;not null"`
	SyncState    int    `gorm:"column:sync_state;not null"`
	// Weight is the chain weight encoded by EncodeWeight: a decimal string
	// with a length prefix so that lexicographic order over the column
	// matches numeric order over the arbitrary-precision integer.
	Weight string `gorm:"column:weight;not null;size:128"`
}

// TableName pins the gorm table name regardless of pluralization rules.
func (TipsetRow) TableName() string { return "tipsets" }

// BlockRow is the durable record of one block header belonging to a
// tipset, supplementing spec.md's richer row model beyond the single
// coalesced table the original persists.
type BlockRow struct {
	Cid       []byte `gorm:"column:cid;primaryKey;size:128"`
	MsgCid    []byte `gorm:"column:msg_cid;size:128"`
	Type      int    `gorm:"column:type;not null"`
	SyncState int    `gorm:"column:sync_state;not null"`
	RefCount  int    `gorm:"column:ref_count;not null"`
	Miner     string `gorm:"column:miner;not null;size:256"`
	Height    uint64 `gorm:"column:height;not null;index"`
	Timestamp uint64 `gorm:"column:timestamp;not null"`
	Header    []byte `gorm:"column:header"`
}

func (BlockRow) TableName() string { return "blocks" }

// TipsetBlockRow links a tipset to its member block CIDs, preserving block
// ordering within the tipset.
type TipsetBlockRow struct {
	TipsetHash []byte `gorm:"column:tipset_hash;primaryKey;size:32"`
	BlockCid   []byte `gorm:"column:block_cid;primaryKey;size:128"`
	Position   int    `gorm:"column:position;not null"`
}

func (TipsetBlockRow) TableName() string { return "tipset_blocks" }

// LinkRow records an explicit parent/child tipset edge, read back by
// DB.GetChildren. WalkForward does not use it; it resolves heights
// through the branch graph.
type LinkRow struct {
	ParentHash []byte `gorm:"column:parent_hash;primaryKey;size:32"`
	ChildHash  []byte `gorm:"column:child_hash;primaryKey;size:32"`
}

func (LinkRow) TableName() string { return "links" }

func toHash(b []byte) types.TipsetHash {
	var h types.TipsetHash
	copy(h[:], b)
	return h
}

func fromHash(h types.TipsetHash) []byte {
	out := make([]byte, len(h))
	copy(out, h[:])
	return out
}
