// Package syncer implements the Sync Orchestrator of spec §4.3: a
// single-job state machine (SyncJob) that walks a peer-advertised head
// backward until it subsumes the local store or reaches genesis, and a
// supervisor (Syncer) that queues competing targets, runs one SyncJob at a
// time, and hands a fully-downloaded head to the InterpreterJob. Grounded
// on original_source/core/sync/sync_job.{hpp,cpp} and, for ambient Go
// idiom (doc comments, logging, sentinel errors), on the teacher's
// pkg/chainsync/dispatcher package.
package syncer

import (
	"github.com/filecoin-project/go-state-types/big"

	"github.com/filecoin-project/venus-core/pkg/chainsync/exchange"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

// Target is a peer-advertised chain head competing to become the locally
// adopted chain, the Go shape of Syncer::Target in sync_job.hpp.
type Target struct {
	Peer   exchange.PeerID
	Head   types.TipsetKey
	Weight big.Int
	Height uint64
}

// JobState is the terminal (or in-progress) state of a SyncJob, per spec
// §4.3.
type JobState int

const (
	Idle JobState = iota
	InProgress
	SyncedToGenesis
	Interrupted
	BadBlocks
	InternalError
)

func (s JobState) String() string {
	switch s {
	case Idle:
		return "idle"
	case InProgress:
		return "in_progress"
	case SyncedToGenesis:
		return "synced_to_genesis"
	case Interrupted:
		return "interrupted"
	case BadBlocks:
		return "bad_blocks"
	case InternalError:
		return "internal_error"
	default:
		return "invalid"
	}
}

// Outcome is delivered to a SyncJob's completion callback, carrying enough
// context for the Syncer to decide what to do next and for the operator to
// retry, exclude a peer, or surface an error, per spec §7.
type Outcome struct {
	State      JobState
	Err        error
	Peer       exchange.PeerID
	Head       types.TipsetKey
	LastLoaded types.TipsetHash
}
