// Package scheduler implements the single-goroutine cooperative scheduling
// primitive of spec §5: every CORE component (SyncJob, Syncer,
// InterpreterJob) defers its next step through Schedule instead of calling
// it directly or spawning its own goroutine, so the whole subsystem runs
// on one logical thread with no internal locking. Grounded on the
// teacher's pkg/chainsync/dispatcher control-channel/worker-loop pattern,
// generalized from "dispatch sync targets" to "run arbitrary deferred
// closures", and on streadway/handy/atomic for the outstanding-job
// counter the teacher uses the same way.
package scheduler

import (
	"context"
	"sync"

	"github.com/streadway/handy/atomic"
)

// Func is a unit of deferred work. It receives no arguments and returns
// nothing; closures capture whatever state they need, matching the
// original's libp2p::protocol::Scheduler::schedule(std::function<void()>).
type Func func()

// Handle cancels a previously scheduled Func. Cancel is idempotent and
// safe to call more than once or after the Func has already run.
type Handle struct {
	id uint64
	s  *Scheduler
}

// Cancel prevents the scheduled Func from running, if it hasn't already.
func (h Handle) Cancel() {
	if h.s == nil {
		return
	}
	h.s.cancel(h.id)
}

// Scheduler runs Funcs one at a time, in submission order, on a single
// worker goroutine, so components built on top of it never need to
// synchronize among themselves.
type Scheduler struct {
	queue chan scheduledFunc

	mu        sync.Mutex
	cancelled map[uint64]bool
	nextID    uint64

	outstanding atomic.Int

	ctx       context.Context
	ctxCancel context.CancelFunc
	done      chan struct{}
}

type scheduledFunc struct {
	id uint64
	fn Func
}

// New starts a Scheduler with a worker goroutine draining a queue of the
// given depth.
func New(queueSize int) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		queue:     make(chan scheduledFunc, queueSize),
		cancelled: make(map[uint64]bool),
		ctx:       ctx,
		ctxCancel: cancel,
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule enqueues fn to run on the worker goroutine and returns a Handle
// that can cancel it before it runs.
func (s *Scheduler) Schedule(fn Func) Handle {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	s.outstanding.Add(1)
	select {
	case s.queue <- scheduledFunc{id: id, fn: fn}:
	case <-s.ctx.Done():
	}
	return Handle{id: id, s: s}
}

func (s *Scheduler) cancel(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[id] = true
}

func (s *Scheduler) wasCancelled(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := s.cancelled[id]
	delete(s.cancelled, id)
	return cancelled
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case item := <-s.queue:
			if !s.wasCancelled(item.id) {
				item.fn()
			}
			s.outstanding.Add(-1)
		case <-s.ctx.Done():
			return
		}
	}
}

// Outstanding returns the number of Funcs submitted but not yet run,
// useful for tests asserting the scheduler has drained.
func (s *Scheduler) Outstanding() int { return int(s.outstanding.Get()) }

// Stop halts the worker goroutine. Pending Funcs are discarded. Stop
// blocks until the worker has exited.
func (s *Scheduler) Stop() {
	s.ctxCancel()
	<-s.done
}
