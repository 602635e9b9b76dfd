// Package syncerr declares the stable error taxonomy of the CORE
// chain-synchronization subsystem (spec §7). Each sentinel names a kind,
// not a Go type; components wrap these with golang.org/x/xerrors.Errorf's
// %w verb to add context while keeping errors.Is comparisons working, the
// same mix the teacher uses across pkg/chain and pkg/chainsync/syncer.
package syncerr

import "golang.org/x/xerrors"

// Graph errors (spec §7, Graph).
var (
	ErrNoCurrentChain     = xerrors.New("graph: no current chain")
	ErrBranchNotFound     = xerrors.New("graph: branch not found")
	ErrBranchIsNotAHead   = xerrors.New("graph: branch is not a head")
	ErrBranchIsNotARoot   = xerrors.New("graph: branch is not a root")
	ErrLinkHeightMismatch = xerrors.New("graph: link height mismatch")
	ErrCycleDetected      = xerrors.New("graph: cycle detected")
	ErrGraphLoad          = xerrors.New("graph: load failed")
)

// ChainStore errors (spec §7, ChainStore).
var (
	ErrNoMinTicketBlock    = xerrors.New("chainstore: no min ticket block")
	ErrNoHeaviestTipset    = xerrors.New("chainstore: no heaviest tipset")
	ErrNoGenesisBlock      = xerrors.New("chainstore: no genesis block")
	ErrStoreNotInitialized = xerrors.New("chainstore: not initialized")
	ErrDataIntegrity       = xerrors.New("chainstore: data integrity error")
)

// Sync errors (spec §7, Sync). INTERNAL_ERROR carries an inner error via
// %w wrapping rather than a dedicated field.
var (
	ErrInterrupted = xerrors.New("sync: interrupted")
	ErrBadBlocks   = xerrors.New("sync: bad blocks")
	ErrInternal    = xerrors.New("sync: internal error")
)

// ErrTipsetMarkedBad is the sentinel the Interpreter collaborator may
// return; the CORE recognizes it to short-circuit a subchain (spec §7).
var ErrTipsetMarkedBad = xerrors.New("interpreter: tipset marked bad")

// IndexDB errors.
var (
	ErrIndexAlreadyExists  = xerrors.New("indexdb: tipset already exists")
	ErrIndexTipsetNotFound = xerrors.New("indexdb: tipset not found")
	ErrIndexExecute        = xerrors.New("indexdb: execute error")
)
