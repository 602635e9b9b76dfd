package chaindb

import (
	"context"

	"github.com/filecoin-project/go-state-types/big"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	cbornode "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chainsync/syncerr"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

func init() {
	cbornode.RegisterCborType(tipsetNode{})
	cbornode.RegisterCborType(blockNode{})
}

// blockNode is the CBOR shape of one block header inside a stored tipset.
// ParentWeight travels as its decimal string form since the big.Int type
// has no refmt atlas.
type blockNode struct {
	Cid          cid.Cid
	Miner        string
	Height       uint64
	ParentWeight string
	Timestamp    uint64
}

// tipsetNode is the CBOR shape of a stored tipset.
type tipsetNode struct {
	Cids       []cid.Cid
	Hash       []byte
	Height     uint64
	ParentCids []cid.Cid
	ParentHash []byte
	Blocks     []blockNode
}

// BlockstoreContent is the production ContentStore: tipsets serialized as
// dag-cbor nodes in an ipfs blockstore, addressed by a CID wrapping the
// tipset hash itself so lookup never needs a separate hash-to-cid index.
type BlockstoreContent struct {
	bs blockstore.Blockstore
}

// NewBlockstoreContent wraps bs as a ContentStore.
func NewBlockstoreContent(bs blockstore.Blockstore) *BlockstoreContent {
	return &BlockstoreContent{bs: bs}
}

func contentCid(hash types.TipsetHash) (cid.Cid, error) {
	mhash, err := mh.Encode(hash[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, xerrors.Errorf("encoding tipset hash: %w", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mhash), nil
}

func (s *BlockstoreContent) PutTipset(ctx context.Context, ts *types.Tipset) error {
	node := tipsetNode{
		Cids:       ts.Key.Cids(),
		Hash:       ts.Key.Hash().Bytes(),
		Height:     ts.Height,
		ParentCids: ts.Parents.Cids(),
		ParentHash: ts.Parents.Hash().Bytes(),
		Blocks:     make([]blockNode, len(ts.Blocks)),
	}
	for i, b := range ts.Blocks {
		node.Blocks[i] = blockNode{
			Cid:          b.Cid,
			Miner:        b.Miner,
			Height:       b.Height,
			ParentWeight: b.ParentWeight.String(),
			Timestamp:    b.Timestamp,
		}
	}

	data, err := cbornode.DumpObject(node)
	if err != nil {
		return xerrors.Errorf("encoding tipset %s: %w", ts.Key, err)
	}
	c, err := contentCid(ts.Key.Hash())
	if err != nil {
		return err
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return xerrors.Errorf("wrapping tipset block: %w", err)
	}
	if err := s.bs.Put(ctx, blk); err != nil {
		return xerrors.Errorf("storing tipset content: %w", err)
	}
	return nil
}

func (s *BlockstoreContent) LoadTipsetByHash(ctx context.Context, hash types.TipsetHash) (*types.Tipset, error) {
	c, err := contentCid(hash)
	if err != nil {
		return nil, err
	}
	blk, err := s.bs.Get(ctx, c)
	if err != nil {
		if xerrors.Is(err, blockstore.ErrNotFound) {
			return nil, syncerr.ErrIndexTipsetNotFound
		}
		return nil, xerrors.Errorf("loading tipset content: %w", err)
	}

	var node tipsetNode
	if err := cbornode.DecodeInto(blk.RawData(), &node); err != nil {
		return nil, xerrors.Errorf("decoding tipset content: %s: %w", err, syncerr.ErrDataIntegrity)
	}
	return nodeToTipset(&node)
}

func nodeToTipset(node *tipsetNode) (*types.Tipset, error) {
	headers := make([]*types.BlockHeader, len(node.Blocks))
	for i, b := range node.Blocks {
		w, err := big.FromString(b.ParentWeight)
		if err != nil {
			return nil, xerrors.Errorf("decoding block weight: %s: %w", err, syncerr.ErrDataIntegrity)
		}
		headers[i] = &types.BlockHeader{
			Cid:          b.Cid,
			Miner:        b.Miner,
			Height:       b.Height,
			ParentWeight: w,
			Timestamp:    b.Timestamp,
		}
	}
	key := types.NewTipsetKey(types.HashFromBytes(node.Hash), node.Cids...)
	parents := types.NewTipsetKey(types.HashFromBytes(node.ParentHash), node.ParentCids...)
	return types.NewTipset(key, parents, headers)
}
