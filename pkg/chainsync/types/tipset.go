package types

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

// TipsetHash is the 32-byte digest derived from the sorted set of block
// CIDs composing a tipset. Derivation itself (the hash function) lives
// outside the CORE; callers hand in an already-computed hash when building
// a TipsetKey.
type TipsetHash [32]byte

// IsEmpty reports whether h is the zero hash.
func (h TipsetHash) IsEmpty() bool {
	return h == TipsetHash{}
}

func (h TipsetHash) String() string {
	return cid.NewCidV1(cid.Raw, h[:]).String()[:16]
}

// Bytes returns the hash as a fresh byte slice.
func (h TipsetHash) Bytes() []byte {
	out := make([]byte, len(h))
	copy(out, h[:])
	return out
}

// HashFromBytes rebuilds a TipsetHash from its serialized form; short or
// long inputs are truncated/zero-padded rather than rejected since the
// digest width is fixed by construction everywhere hashes are produced.
func HashFromBytes(b []byte) TipsetHash {
	var h TipsetHash
	copy(h[:], b)
	return h
}

// TipsetKey is an ordered sequence of block CIDs plus the hash derived from
// them. Two keys are equal iff their hashes are equal; the hash is assumed
// to be a pure function of the CID sequence, so TipsetKey never recomputes
// it.
type TipsetKey struct {
	cids []cid.Cid
	hash TipsetHash
}

// NewTipsetKey builds a key from block CIDs already in canonical (sorted)
// order and the hash derived from them.
func NewTipsetKey(hash TipsetHash, cids ...cid.Cid) TipsetKey {
	out := make([]cid.Cid, len(cids))
	copy(out, cids)
	return TipsetKey{cids: out, hash: hash}
}

func (k TipsetKey) Cids() []cid.Cid  { return k.cids }
func (k TipsetKey) Hash() TipsetHash { return k.hash }
func (k TipsetKey) IsEmpty() bool    { return len(k.cids) == 0 }

func (k TipsetKey) Equals(other TipsetKey) bool {
	return k.hash == other.hash
}

func (k TipsetKey) String() string {
	b := bytes.Buffer{}
	b.WriteByte('{')
	for i, c := range k.cids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(c.String())
	}
	b.WriteByte('}')
	return b.String()
}

func (k TipsetKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Cids []cid.Cid  `json:"cids"`
		Hash TipsetHash `json:"hash"`
	}{k.cids, k.hash})
}

// BlockHeader is the minimal shape the CORE needs from a block: enough to
// compute tipset identity, height and weight. The real header codec
// (signature, messages, VRF proofs, ...) is out of scope and owned by an
// external collaborator.
type BlockHeader struct {
	Cid          cid.Cid
	Miner        string
	Height       uint64
	ParentWeight big.Int
	Timestamp    uint64
}

// Tipset is the atomic unit of chain progression: a set of blocks mined at
// the same height over the same parent set.
type Tipset struct {
	Key     TipsetKey
	Height  uint64
	Parents TipsetKey
	Blocks  []*BlockHeader
}

// NewTipset validates and constructs a Tipset, enforcing the invariants of
// spec §3: blocks share height and parents, and are sorted by CID.
func NewTipset(key TipsetKey, parents TipsetKey, blocks []*BlockHeader) (*Tipset, error) {
	if len(blocks) == 0 {
		return nil, errors.New("tipset: no blocks")
	}
	height := blocks[0].Height
	for i, b := range blocks {
		if b.Height != height {
			return nil, errors.Errorf("tipset: block %d height %d != %d", i, b.Height, height)
		}
		if i > 0 && blocks[i-1].Cid.KeyString() > b.Cid.KeyString() {
			return nil, errors.New("tipset: blocks not sorted by cid")
		}
	}
	return &Tipset{Key: key, Height: height, Parents: parents, Blocks: blocks}, nil
}

// Weight returns the heaviest parent weight carried by the tipset's blocks;
// by construction all blocks share the same parent weight.
func (t *Tipset) Weight() big.Int {
	if len(t.Blocks) == 0 {
		return big.Zero()
	}
	return t.Blocks[0].ParentWeight
}

// SortBlocksByCid reorders blocks in place by ascending CID, matching the
// canonical ordering NewTipset expects.
func SortBlocksByCid(blocks []*BlockHeader) {
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Cid.KeyString() < blocks[j].Cid.KeyString()
	})
}
