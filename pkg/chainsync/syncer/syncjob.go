package syncer

import (
	"context"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chainsync/chaindb"
	"github.com/filecoin-project/venus-core/pkg/chainsync/exchange"
	"github.com/filecoin-project/venus-core/pkg/chainsync/scheduler"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
)

var log = logging.Logger("chainsync.syncer")

// SyncJob drives one backward-walk session toward a single peer-advertised
// head, per spec §4.3. It is single-use: once it reaches a terminal state
// it must be discarded, matching SyncJob's one-shot lifecycle in
// sync_job.cpp.
type SyncJob struct {
	id      uuid.UUID
	sched   *scheduler.Scheduler
	loader  exchange.TipsetLoader
	chainDB *chaindb.ChainDB

	active     bool
	peer       exchange.PeerID
	head       types.TipsetKey
	next       types.TipsetHash
	lastLoaded types.TipsetHash
	onDone     func(Outcome)

	cbHandle scheduler.Handle
}

// NewSyncJob builds a SyncJob over the given collaborators. A single
// SyncJob instance is used for exactly one target; the Syncer constructs a
// fresh one per job.
func NewSyncJob(sched *scheduler.Scheduler, loader exchange.TipsetLoader, chainDB *chaindb.ChainDB) *SyncJob {
	return &SyncJob{id: uuid.New(), sched: sched, loader: loader, chainDB: chainDB}
}

// IsActive reports whether the job is currently in progress.
func (j *SyncJob) IsActive() bool { return j.active }

// Start begins the backward walk toward head, requesting content from peer
// and hinting probableDepth tipsets of remaining depth to the loader. cb is
// invoked exactly once, with the terminal Outcome, deferred through the
// scheduler.
func (j *SyncJob) Start(ctx context.Context, peer exchange.PeerID, head types.TipsetKey, probableDepth uint64, cb func(Outcome)) {
	if j.active {
		log.Warnf("sync job %s: start called while already active", j.id)
		return
	}
	j.active = true
	j.peer = peer
	j.head = head
	j.onDone = cb

	if j.chainDB.TipsetIsStored(ctx, head.Hash()) {
		bottom, err := j.chainDB.GetUnsyncedBottom(ctx, head.Hash())
		if err != nil {
			j.finish(InternalError, err)
			return
		}
		j.nextTarget(ctx, bottom)
		return
	}

	j.requestLoad(ctx, head, probableDepth)
}

// OnTipsetLoaded is the callback the Syncer routes every TipsetLoader
// delivery through. Deliveries whose hash doesn't match the job's current
// outstanding request are silently dropped — per spec §5, stale or
// out-of-order deliveries must never perturb job state.
func (j *SyncJob) OnTipsetLoaded(ctx context.Context, hash types.TipsetHash, ts *types.Tipset, err error) {
	if !j.active || hash != j.next {
		return
	}
	if err != nil {
		// lastLoaded keeps the hash of the last tipset that arrived intact,
		// so the Outcome tells the caller where the walk broke off.
		if xerrors.Is(err, exchange.ErrBadTipset) {
			j.finish(BadBlocks, err)
		} else {
			j.finish(InternalError, err)
		}
		return
	}

	next, storeErr := j.chainDB.StoreTipset(ctx, ts)
	if storeErr != nil {
		j.finish(InternalError, storeErr)
		return
	}
	j.lastLoaded = hash
	j.nextTarget(ctx, next)
}

// Cancel atomically clears the job's active flag and cancels any pending
// deferred completion callback. Safe to call at any time; idempotent.
func (j *SyncJob) Cancel() {
	if !j.active {
		return
	}
	j.active = false
	j.cbHandle.Cancel()
}

func (j *SyncJob) requestLoad(ctx context.Context, key types.TipsetKey, hintDepth uint64) {
	j.next = key.Hash()
	if err := j.loader.LoadTipsetAsync(ctx, key, j.peer, int(hintDepth)); err != nil {
		j.finish(InternalError, err)
	}
}

// nextTarget continues the backward walk from lastLoaded's parent, or
// finishes with SyncedToGenesis if there is no further unsynced bottom.
func (j *SyncJob) nextTarget(ctx context.Context, lastLoaded *types.Tipset) {
	if lastLoaded == nil {
		j.finish(SyncedToGenesis, nil)
		return
	}
	var hint uint64
	if lastLoaded.Height > 0 {
		hint = lastLoaded.Height - 1
	}
	j.requestLoad(ctx, lastLoaded.Parents, hint)
}

// finish defers delivery of the terminal Outcome through the scheduler, so
// a callback firing from within a caller's own call stack can never
// re-enter the job synchronously.
func (j *SyncJob) finish(state JobState, err error) {
	peer, head, lastLoaded, cb := j.peer, j.head, j.lastLoaded, j.onDone
	j.cbHandle = j.sched.Schedule(func() {
		j.active = false
		cb(Outcome{State: state, Err: err, Peer: peer, Head: head, LastLoaded: lastLoaded})
	})
}
