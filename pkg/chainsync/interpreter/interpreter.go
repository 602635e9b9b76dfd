// Package interpreter declares the Interpreter collaborator boundary of
// spec §4.5 plus the memoizing decorator the InterpreterJob relies on to
// never redo a state transition it has already computed. Grounded on
// original_source/core/sync/interpreter_job.cpp's use of
// vm::interpreter::CachedInterpreter wrapping a plain Interpreter over a
// storage::PersistentBufferMap, and on the teacher's use of
// golang.org/x/xerrors for wrapped sentinel errors.
package interpreter

import (
	"context"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chainsync/kvstore"
	"github.com/filecoin-project/venus-core/pkg/chainsync/syncerr"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

// StateResult is the outcome of interpreting one tipset: the resulting
// state root and the receipts root covering its messages. The CORE treats
// both as opaque CIDs encoded as bytes; it never inspects VM semantics.
type StateResult struct {
	StateRoot    []byte
	ReceiptsRoot []byte
}

// Interpreter performs the state transition for a single tipset given its
// parent state, an external collaborator the CORE never implements
// itself. Implementations may return syncerr.ErrTipsetMarkedBad to signal
// the tipset (and thus its whole subchain) is invalid.
type Interpreter interface {
	Interpret(ctx context.Context, ts *types.Tipset) (StateResult, error)
}

// memoKeyPrefix namespaces memoized results within the shared kvstore so
// the InterpreterJob's cache coexists with any other consumer of the same
// Store. The hash travels hex-encoded: datastore keys are cleaned as
// paths, so raw digest bytes containing '/' would not round-trip.
const memoKeyPrefix = "/interpreter/result/"

func memoKey(hash types.TipsetHash) []byte {
	return []byte(memoKeyPrefix + hex.EncodeToString(hash[:]))
}

// encodeResult/decodeResult use a trivial length-prefixed layout rather
// than a full codec: the CORE never interprets these bytes, it only
// round-trips them.
func encodeResult(r StateResult) []byte {
	buf := make([]byte, 4+len(r.StateRoot)+4+len(r.ReceiptsRoot))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(r.StateRoot)))
	copy(buf[4:4+len(r.StateRoot)], r.StateRoot)
	off := 4 + len(r.StateRoot)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(r.ReceiptsRoot)))
	copy(buf[off+4:], r.ReceiptsRoot)
	return buf
}

func decodeResult(buf []byte) (StateResult, error) {
	if len(buf) < 4 {
		return StateResult{}, xerrors.New("interpreter: truncated memo record")
	}
	srLen := binary.BigEndian.Uint32(buf[0:4])
	if uint64(4+srLen) > uint64(len(buf)) {
		return StateResult{}, xerrors.New("interpreter: truncated memo record")
	}
	sr := buf[4 : 4+srLen]
	off := int(4 + srLen)
	if len(buf) < off+4 {
		return StateResult{}, xerrors.New("interpreter: truncated memo record")
	}
	rrLen := binary.BigEndian.Uint32(buf[off : off+4])
	if uint64(off+4+int(rrLen)) > uint64(len(buf)) {
		return StateResult{}, xerrors.New("interpreter: truncated memo record")
	}
	rr := buf[off+4 : off+4+int(rrLen)]
	return StateResult{StateRoot: append([]byte(nil), sr...), ReceiptsRoot: append([]byte(nil), rr...)}, nil
}

// GetSavedResult returns the memoized result for ts if one was already
// computed, mirroring vm::interpreter::getSavedResult(kv_store, tipset)'s
// use in InterpreterJob::start to skip already-interpreted prefixes.
func GetSavedResult(ctx context.Context, store kvstore.Store, hash types.TipsetHash) (*StateResult, error) {
	buf, ok, err := store.Get(ctx, memoKey(hash))
	if err != nil {
		return nil, xerrors.Errorf("reading memoized result: %w", err)
	}
	if !ok {
		return nil, nil
	}
	res, err := decodeResult(buf)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CachedInterpreter decorates an Interpreter with memoization in store,
// the Go shape of vm::interpreter::CachedInterpreter.
type CachedInterpreter struct {
	inner Interpreter
	store kvstore.Store
}

// NewCachedInterpreter wraps inner with a memoizing layer over store.
func NewCachedInterpreter(inner Interpreter, store kvstore.Store) *CachedInterpreter {
	return &CachedInterpreter{inner: inner, store: store}
}

// Interpret returns the memoized result if present, otherwise delegates to
// inner and persists the outcome before returning it. A result of
// syncerr.ErrTipsetMarkedBad is not memoized: a tipset's validity can
// depend on its ancestry, which may change across reorgs.
func (c *CachedInterpreter) Interpret(ctx context.Context, ts *types.Tipset) (StateResult, error) {
	hash := ts.Key.Hash()
	if saved, err := GetSavedResult(ctx, c.store, hash); err != nil {
		return StateResult{}, err
	} else if saved != nil {
		return *saved, nil
	}

	res, err := c.inner.Interpret(ctx, ts)
	if err != nil {
		if xerrors.Is(err, syncerr.ErrTipsetMarkedBad) {
			return StateResult{}, err
		}
		return StateResult{}, xerrors.Errorf("interpreting tipset %s: %w", hash, err)
	}

	if err := c.store.Put(ctx, memoKey(hash), encodeResult(res)); err != nil {
		return StateResult{}, xerrors.Errorf("memoizing result for %s: %w", hash, err)
	}
	return res, nil
}
