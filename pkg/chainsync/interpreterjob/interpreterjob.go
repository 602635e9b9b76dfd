// Package interpreterjob implements the InterpreterJob of spec §4.4: once
// the Syncer has fully downloaded a head, this component replays every
// not-yet-interpreted tipset between the last interpreted ancestor and
// that head, in batches of up to 100, rescheduling itself one step at a
// time through the Scheduler so interpretation never blocks the rest of
// the CORE. Grounded on
// original_source/core/sync/interpreter_job.{hpp,cpp}.
package interpreterjob

import (
	"context"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/chainsync/chaindb"
	"github.com/filecoin-project/venus-core/pkg/chainsync/interpreter"
	"github.com/filecoin-project/venus-core/pkg/chainsync/kvstore"
	"github.com/filecoin-project/venus-core/pkg/chainsync/scheduler"
	"github.com/filecoin-project/venus-core/pkg/chainsync/syncerr"
	"github.com/filecoin-project/venus-core/pkg/chainsync/types"
	"github.com/filecoin-project/venus-core/pkg/metrics"
)

var log = logging.Logger("chainsync.interpreterjob")

var (
	stepTimer    = metrics.NewTimerMs("interpreterjob/step", "Duration of interpreting a single tipset")
	badTipsetCnt = metrics.NewInt64Counter("interpreterjob/bad_tipset", "The number of interpretation runs that stopped on a bad tipset")
)

// queryLimit bounds how many tipsets a single WalkForward batch prefetches
// before handing control back to the scheduler, matching the original's
// kQueryLimit.
const queryLimit = 100

// Status reports the InterpreterJob's progress: how far it has replayed
// versus how far it intends to go.
type Status struct {
	CurrentHeight uint64
	TargetHeight  uint64
}

// Result is delivered to a job's completion callback: the last tipset
// interpretation reached (which may be short of the target on failure)
// and either its state result or the error that stopped the run.
type Result struct {
	LastInterpreted *types.Tipset
	StateResult     interpreter.StateResult
	Err             error
}

// Callback receives the terminal Result of a Start call.
type Callback func(Result)

// InterpreterJob drives memoized forward replay toward one target head at
// a time. It is reused across successive Start calls (a new head simply
// restarts it), unlike SyncJob, which the Syncer discards and rebuilds
// per target.
type InterpreterJob struct {
	id      uuid.UUID
	sched   *scheduler.Scheduler
	chainDB *chaindb.ChainDB
	interp  interpreter.Interpreter
	store   kvstore.Store

	active    bool
	ctx       context.Context
	status    Status
	result    Result
	nextSteps []*types.Tipset
	cursor    int
	cb        Callback
	cbHandle  scheduler.Handle
}

// New builds an InterpreterJob. interp is typically an
// interpreter.CachedInterpreter wrapping the real state-transition
// collaborator over store, so memoized results are visible both to this
// job's own probes and to the inner interpreter's cache.
func New(sched *scheduler.Scheduler, chainDB *chaindb.ChainDB, interp interpreter.Interpreter, store kvstore.Store) *InterpreterJob {
	return &InterpreterJob{id: uuid.New(), sched: sched, chainDB: chainDB, interp: interp, store: store}
}

// Status returns the job's current progress.
func (j *InterpreterJob) Status() Status { return j.status }

// Start begins (or restarts) replay toward head. If a previous run is
// still active it is cancelled first. A head whose result is already
// memoized resolves immediately with no interpretation performed.
func (j *InterpreterJob) Start(ctx context.Context, head types.TipsetKey, cb Callback) error {
	if j.active {
		log.Warnf("interpreter job %s (%d -> %d) still active, cancelling", j.id, j.status.CurrentHeight, j.status.TargetHeight)
		j.Cancel()
	}

	headTs, err := j.chainDB.GetTipsetByHash(ctx, head.Hash())
	if err != nil {
		return err
	}
	j.cb = cb
	j.ctx = ctx
	j.status = Status{TargetHeight: headTs.Height}
	j.result = Result{}

	hash := head.Hash()
	saved, err := interpreter.GetSavedResult(ctx, j.store, hash)
	if err != nil {
		return err
	}
	if saved != nil {
		j.result = Result{LastInterpreted: headTs, StateResult: *saved}
		j.status.CurrentHeight = j.status.TargetHeight
		j.scheduleResult()
		return nil
	}

	if err := j.chainDB.SetCurrentHead(ctx, hash); err != nil {
		return err
	}

	var walkErr error
	_, err = j.chainDB.WalkBackward(ctx, hash, func(ts *types.Tipset) bool {
		res, e := interpreter.GetSavedResult(ctx, j.store, ts.Key.Hash())
		if e != nil {
			walkErr = e
			return true
		}
		if res != nil {
			j.status.CurrentHeight = ts.Height
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	if walkErr != nil {
		return walkErr
	}

	log.Infof("interpreter job %s starting %d -> %d", j.id, j.status.CurrentHeight, j.status.TargetHeight)
	j.active = true
	j.scheduleStep()
	return nil
}

// Cancel halts the job in place; its Status reflects wherever it stopped.
// Cancel is idempotent.
func (j *InterpreterJob) Cancel() Status {
	j.active = false
	j.cbHandle.Cancel()
	return j.status
}

func (j *InterpreterJob) scheduleResult() {
	j.active = false
	j.nextSteps = nil
	j.cursor = 0
	j.cbHandle = j.sched.Schedule(func() {
		cb := j.cb
		if cb != nil {
			cb(j.result)
		}
	})
}

func (j *InterpreterJob) scheduleStep() {
	if !j.active {
		return
	}
	j.cbHandle = j.sched.Schedule(j.nextStep)
}

func (j *InterpreterJob) nextStep() {
	if !j.active {
		return
	}

	ctx := j.ctx
	if err := j.fillNextSteps(ctx); err != nil {
		j.result = Result{Err: err}
		j.active = false
		j.scheduleResult()
		return
	}
	if len(j.nextSteps) == 0 {
		j.scheduleResult()
		return
	}

	ts := j.nextSteps[j.cursor]
	j.cursor++
	j.status.CurrentHeight = ts.Height
	log.Infof("interpreter job %s: interpreting %d/%d", j.id, j.status.CurrentHeight, j.status.TargetHeight)

	sw := stepTimer.Start(ctx)
	res, err := j.interp.Interpret(ctx, ts)
	sw.Stop(ctx)
	if err != nil {
		if isBadTipset(err) {
			badTipsetCnt.Inc(ctx, 1)
		}
		log.Errorf("interpreter job %s: stopped at height %d: %s", j.id, j.status.CurrentHeight, err)
		j.result = Result{LastInterpreted: ts, Err: err}
		j.active = false
		j.scheduleResult()
		return
	}

	j.result = Result{LastInterpreted: ts, StateResult: res}
	j.scheduleStep()
}

// fillNextSteps refills j.nextSteps with the next batch (up to queryLimit
// tipsets) once the previous batch has been fully consumed.
func (j *InterpreterJob) fillNextSteps(ctx context.Context) error {
	if j.cursor < len(j.nextSteps) {
		return nil
	}
	j.nextSteps = nil
	j.cursor = 0

	if j.status.CurrentHeight >= j.status.TargetHeight {
		return nil
	}

	toHeight := j.status.TargetHeight
	if toHeight-j.status.CurrentHeight > queryLimit {
		toHeight = j.status.CurrentHeight + queryLimit
	}

	steps := make([]*types.Tipset, 0, toHeight-j.status.CurrentHeight)
	err := j.chainDB.WalkForward(ctx, j.status.CurrentHeight, toHeight, func(ts *types.Tipset) error {
		steps = append(steps, ts)
		return nil
	})
	if err != nil {
		log.Errorf("interpreter job %s: failed loading tipsets from height %d: %s", j.id, j.status.CurrentHeight+1, err)
		return err
	}
	j.nextSteps = steps
	log.Debugf("interpreter job %s: scheduled %d tipsets starting at height %d", j.id, len(steps), j.status.CurrentHeight+1)
	return nil
}

func isBadTipset(err error) bool {
	return xerrors.Is(err, syncerr.ErrTipsetMarkedBad)
}
