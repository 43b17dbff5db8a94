package taskpool

import (
	"context"
	"fmt"
	"sync/atomic"
)

// workerKind distinguishes the two Worker variants spec.md §3/§4.A describe.
// A tagged field plus a common capability set replaces the
// abstract-base/subclass split of the source system, per DESIGN NOTES §9.
type workerKind int

const (
	poolableKind workerKind = iota
	detachedKind
)

// workItem is one executable assignment: the context it should run under,
// the function to invoke, and bookkeeping used for logging and priority
// escalation hints.
type workItem struct {
	ctx  context.Context
	fn   func(context.Context)
	name string
}

type workerIDKey struct{}

// workerIDFromContext recovers the identity stamped by Assign, used by
// Task.WaitForFinish to detect a self-wait (spec.md §4.C, §5, invariant P5).
func workerIDFromContext(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(workerIDKey{}).(uint64)
	return id, ok
}

// worker is a single execution context: either Poolable (parks and is
// reassigned) or Detached (runs once and exits). Both variants share this
// struct; runPoolable/runDetached implement the two lifecycles from
// spec.md §4.A.
type worker struct {
	id       uint64
	kind     workerKind
	daemon   bool
	supplier *ThreadSupplier // non-owning back-reference; supplier outlives workers (DESIGN NOTES §9)

	work chan workItem // capacity 1; a channel receive is this worker's "park on own monitor"
	done chan struct{} // closed once the worker's goroutine has exited

	alive  atomic.Bool
	parked atomic.Bool // true exactly while sitting in a sleeping slot, unclaimed
	name   atomic.Value
	prio   atomic.Int64

	slot int // index into the supplier's sleeping array while parked; -1 otherwise
}

func newWorker(s *ThreadSupplier, id uint64, kind workerKind) *worker {
	w := &worker{
		id:       id,
		kind:     kind,
		daemon:   s.cfg.DaemonByDefault,
		supplier: s,
		work:     make(chan workItem, 1),
		done:     make(chan struct{}),
		slot:     -1,
	}
	w.alive.Store(true)
	w.name.Store(fmt.Sprintf("%s-%s-%d", s.cfg.Name, kind.label(), id))
	w.prio.Store(int64(PriorityNorm))
	return w
}

func (k workerKind) label() string {
	if k == poolableKind {
		return "poolable"
	}
	return "detached"
}

func (w *worker) Name() string { return w.name.Load().(string) }

func (w *worker) Priority() Priority { return Priority(w.prio.Load()) }

func (w *worker) setPriority(p Priority) { w.prio.Store(int64(p)) }

// Assign hands the worker its next executable. The caller must only call
// Assign on a worker it just obtained from ThreadSupplier.GetOrCreate (or a
// freshly created one); the supplier's assignment protocol (§4.A) requires
// the caller to publish the work while the worker is known to be waiting.
func (w *worker) Assign(ctx context.Context, name string, priority Priority, fn func(context.Context)) {
	w.name.Store(name)
	w.prio.Store(int64(priority))
	wrapped := context.WithValue(ctx, workerIDKey{}, w.id)
	w.work <- workItem{ctx: wrapped, fn: fn, name: name}
}

// start launches the worker's goroutine according to its kind.
func (w *worker) start() {
	if w.kind == poolableKind {
		go w.runPoolable()
	} else {
		go w.runDetached()
	}
}

// runPoolable implements spec.md §4.A's Poolable lifecycle: run, clean up,
// park for reuse, repeat until told to stop.
func (w *worker) runPoolable() {
	defer close(w.done)
	for item := range w.work {
		w.supplier.runningAdd(w)
		w.runOne(item)
		w.supplier.runningRemove(w)
		w.name.Store("")

		if !w.alive.Load() {
			return
		}
		if !w.supplier.parkPoolable(w) {
			// Parking failed: every slot was occupied under its keyed
			// mutex. The worker must not be silently lost, so it retires
			// itself rather than leak as neither running nor parked.
			w.alive.Store(false)
			w.supplier.retirePoolable(w)
			return
		}
		w.supplier.notifyWaiters()
	}
}

// runDetached implements spec.md §4.A's Detached lifecycle: a single
// executable, then exit.
func (w *worker) runDetached() {
	defer close(w.done)
	item, ok := <-w.work
	if !ok {
		return
	}
	w.supplier.runningAdd(w)
	w.runOne(item)
	w.supplier.runningRemove(w)
	w.supplier.retireDetached(w)
}

// runOne invokes the assigned executable, catching and logging any panic so
// it never escapes the worker's goroutine (spec.md §7: "nothing silently
// swallows an exception").
func (w *worker) runOne(item workItem) {
	defer func() {
		if r := recover(); r != nil {
			w.supplier.logger.Errorf("worker %s: recovered panic: %v", w.Name(), r)
		}
	}()
	item.fn(item.ctx)
}

// interruptDefective is invoked by the supplier when a worker is retrieved
// from a sleeping slot but is not actually in the parked state (spec.md
// §4.B retrieval freshness rule, P4). The worker is not returned to the
// caller; it is torn down instead.
func (w *worker) interruptDefective() {
	w.alive.Store(false)
	if w.kind == poolableKind {
		close(w.work)
		w.supplier.retirePoolable(w)
	}
}

// shutdownParked marks a parked worker dead and wakes it so its loop exits
// (spec.md §4.B shutDownAll: "parked workers not-alive, they exit on wake").
func (w *worker) shutdownParked() {
	w.alive.Store(false)
	close(w.work)
}

// shutdownRunning marks a running worker dead; it notices and exits after
// its current call returns (spec.md §4.B shutDownAll).
func (w *worker) shutdownRunning() {
	w.alive.Store(false)
}
