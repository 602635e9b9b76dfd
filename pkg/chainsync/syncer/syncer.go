package syncer

import (
	"context"
	"sync"

	"github.com/filecoin-project/go-state-types/big"

	"github.com/filecoin-project/venus-core/pkg/chainsync/chaindb"
	"github.com/filecoin-project/venus-core/pkg/chainsync/exchange"
	"github.com/filecoin-project/venus-core/pkg/chainsync/scheduler"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
	"github.com/filecoin-project/venus-core/pkg/metrics"
)

var (
	syncJobTimer = metrics.NewTimerMs("syncer/sync_job", "Duration of a single SyncJob run, from target admission to terminal state")
	badBlocksCnt = metrics.NewInt64Counter("syncer/bad_blocks", "The number of SyncJobs that terminated because a peer served a known-bad tipset")
)

// OnSynced is invoked once a target has been fully downloaded and adopted
// as the current head, handing off to whatever drives interpretation
// forward (normally an interpreterjob.InterpreterJob).
type OnSynced func(ctx context.Context, head types.TipsetKey)

// Syncer is the supervisor of spec §4.3: it admits competing peer-
// advertised Targets, runs exactly one SyncJob at a time on the shared
// Scheduler, and always picks the heaviest admissible target once the
// running job finishes. Grounded on Syncer's pending_targets/current_job_
// shape in sync_job.{hpp,cpp}, with the admission/dispatch loop idiom
// (one active job, a map of contenders, pick-heaviest-on-completion)
// carried over from the teacher's Dispatcher.
type Syncer struct {
	mu sync.Mutex

	sched    *scheduler.Scheduler
	loader   exchange.TipsetLoader
	chainDB  *chaindb.ChainDB
	onSynced OnSynced

	pending map[types.TipsetHash]Target
	bad     *types.BadTipsetCache

	running       *SyncJob
	runningTarget Target
	runningCtx    context.Context
	runningTimer  *metrics.Stopwatch

	currentWeight big.Int
	currentHeight uint64
	lastGoodPeer  exchange.PeerID
}

// New builds a Syncer and registers it as the loader's single callback
// sink. onSynced may be nil if nothing needs to react to a completed sync
// (tests, mostly).
func New(sched *scheduler.Scheduler, loader exchange.TipsetLoader, chainDB *chaindb.ChainDB, onSynced OnSynced) *Syncer {
	s := &Syncer{
		sched:         sched,
		loader:        loader,
		chainDB:       chainDB,
		onSynced:      onSynced,
		pending:       make(map[types.TipsetHash]Target),
		bad:           types.NewBadTipsetCache(),
		currentWeight: big.Zero(),
	}
	loader.Init(s.onTipsetLoaded)
	return s
}

// CurrentWeight returns the weight of the chain this Syncer has most
// recently adopted.
func (s *Syncer) CurrentWeight() big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentWeight
}

// IsSyncing reports whether a SyncJob is currently in progress.
func (s *Syncer) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running != nil
}

// NewTarget admits a peer-advertised head into the contention pool,
// mirroring Syncer::newTarget. A target is rejected when it is known bad,
// when neither its weight nor its height is above the locally adopted
// chain's, or when no peer is supplied and none is remembered; re-offering
// the target of the running job is a no-op. Everything else is queued and,
// if no job is currently running, started right away.
// An empty peer means "whoever served us well last time".
func (s *Syncer) NewTarget(ctx context.Context, peer exchange.PeerID, head types.TipsetKey, weight big.Int, height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bad.Has(head.Hash()) {
		log.Warnf("dropping target %s from %s: known bad", head, peer)
		return
	}
	if !weight.GreaterThan(s.currentWeight) && height <= s.currentHeight {
		log.Debugf("dropping target %s from %s: weight %s and height %d both below current (%s, %d)",
			head, peer, weight, height, s.currentWeight, s.currentHeight)
		return
	}
	if peer == "" {
		if s.lastGoodPeer == "" {
			log.Warnf("dropping target %s: no peer supplied and none remembered", head)
			return
		}
		peer = s.lastGoodPeer
	}
	if s.running != nil && s.runningTarget.Head.Hash() == head.Hash() {
		return
	}
	s.pending[head.Hash()] = Target{Peer: peer, Head: head, Weight: weight, Height: height}

	if s.running == nil {
		s.startNextLocked(ctx)
	}
}

// chooseNextTarget picks the heaviest queued target, ties broken by
// greater height, and removes it from the pool, returning ok == false if
// the pool is empty. The original C++ had a bug reusing a stale max-height
// accumulator across candidates instead of the current candidate's own
// height; this always compares against the candidate actually being
// examined.
func (s *Syncer) chooseNextTarget() (Target, bool) {
	var best Target
	var bestHash types.TipsetHash
	found := false
	for hash, t := range s.pending {
		better := !found ||
			t.Weight.GreaterThan(best.Weight) ||
			(t.Weight.Equals(best.Weight) && t.Height > best.Height)
		if better {
			best = t
			bestHash = hash
			found = true
		}
	}
	if found {
		delete(s.pending, bestHash)
	}
	return best, found
}

// startNextLocked must be called with mu held and no job currently
// running. It keeps discarding queued targets that have fallen below the
// current adopted weight (stale by the time their turn comes) until it
// finds one worth running, or the queue empties.
func (s *Syncer) startNextLocked(ctx context.Context) {
	for {
		target, ok := s.chooseNextTarget()
		if !ok {
			return
		}
		if !target.Weight.GreaterThan(s.currentWeight) && target.Height <= s.currentHeight {
			continue
		}
		if s.bad.Has(target.Head.Hash()) {
			continue
		}

		job := NewSyncJob(s.sched, s.loader, s.chainDB)
		s.running = job
		s.runningTarget = target
		s.runningCtx = ctx
		s.runningTimer = syncJobTimer.Start(ctx)

		var probableDepth uint64
		if target.Height > s.currentHeight {
			probableDepth = target.Height - s.currentHeight
		}

		job.Start(ctx, target.Peer, target.Head, probableDepth, func(o Outcome) {
			s.onJobDone(o)
		})
		return
	}
}

func (s *Syncer) onTipsetLoaded(hash types.TipsetHash, ts *types.Tipset, err error) {
	s.mu.Lock()
	job, ctx := s.running, s.runningCtx
	s.mu.Unlock()
	if job == nil {
		return
	}
	job.OnTipsetLoaded(ctx, hash, ts, err)
}

// onJobDone runs on the scheduler goroutine (SyncJob defers its terminal
// callback through Schedule), so it never races NewTarget/onTipsetLoaded.
func (s *Syncer) onJobDone(o Outcome) {
	s.mu.Lock()
	target := s.runningTarget
	ctx := s.runningCtx
	s.running = nil
	s.runningTarget = Target{}
	if s.runningTimer != nil {
		s.runningTimer.Stop(ctx)
		s.runningTimer = nil
	}

	switch o.State {
	case SyncedToGenesis:
		s.currentWeight = target.Weight
		s.currentHeight = target.Height
		s.lastGoodPeer = o.Peer
	case BadBlocks:
		badBlocksCnt.Inc(ctx, 1)
		s.bad.Add(target.Head.Hash())
		if !o.LastLoaded.IsEmpty() {
			s.bad.Add(o.LastLoaded)
		}
		log.Warnf("sync target %s from %s rejected: %s", target.Head, o.Peer, o.Err)
	case InternalError:
		log.Warnf("sync target %s from %s failed: %s", target.Head, o.Peer, o.Err)
	case Interrupted:
		log.Infof("sync target %s from %s cancelled", target.Head, o.Peer)
	}
	s.startNextLocked(ctx)
	s.mu.Unlock()

	if o.State == SyncedToGenesis {
		if err := s.chainDB.SetCurrentHead(ctx, target.Head.Hash()); err != nil {
			log.Errorf("adopting synced head %s: %s", target.Head, err)
			return
		}
		if s.onSynced != nil {
			s.onSynced(ctx, target.Head)
		}
	}
}

// Stop cancels the currently running job, if any. Queued targets are
// discarded; the Syncer must not be reused afterward.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != nil {
		s.running.Cancel()
		s.running = nil
	}
	s.pending = make(map[types.TipsetHash]Target)
}
