package taskpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Sassine/taskpool-core/pkg/logging"
	"github.com/Sassine/taskpool-core/pkg/taskpool/mutex"
)

type drainState int32

const (
	stateDraining drainState = iota
	stateSuspended
	stateTerminated
)

// CreatorToken gates ShutDown on an Undestroyable executor to whoever
// created it — the idiomatic substitute for comparing the tearing-down
// caller's thread identity against the creating thread's, since Go has no
// public goroutine-identity primitive (DESIGN NOTES §9 cyclic-reference
// discussion applies the same non-owning-reference discipline here).
type CreatorToken struct{ id uint64 }

var creatorTokenSeq atomic.Uint64

func newCreatorToken() *CreatorToken {
	return &CreatorToken{id: creatorTokenSeq.Add(1)}
}

// ExecutorConfig configures a single priority-tier drain loop.
type ExecutorConfig struct {
	Name          string
	Undestroyable bool
}

// Executor is the Queued Task Executor of spec.md §4.D: a single FIFO
// queue drained by one dedicated goroutine, with cooperative suspension,
// priority escalation, and shutdown.
type Executor struct {
	cfg      ExecutorConfig
	supplier *ThreadSupplier
	logger   *logging.Logger
	registry *onceRegistry

	queue *taskQueue

	state atomic.Int32 // drainState

	inFlight sync.Map // *Task -> struct{}

	mutexes       *mutex.Registry
	resumeCond    *mutex.Cond
	suspendCond   *mutex.Cond
	queueFillCond *mutex.Cond
	drainDoneCond *mutex.Cond

	creator *CreatorToken

	syncCount   atomic.Int64
	syncRunning atomic.Bool

	drainStopped chan struct{}
}

// NewExecutor constructs an Executor bound to supplier for worker
// acquisition, with its own drain goroutine already running.
func NewExecutor(cfg ExecutorConfig, supplier *ThreadSupplier, logger *logging.Logger) *Executor {
	if cfg.Name == "" {
		cfg.Name = "executor"
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	e := &Executor{
		cfg:          cfg,
		supplier:     supplier,
		logger:       logger.WithComponent(cfg.Name),
		registry:     defaultOnceRegistry,
		queue:        newTaskQueue(),
		mutexes:      mutex.NewRegistry(),
		drainStopped: make(chan struct{}),
	}
	if cfg.Undestroyable {
		e.creator = newCreatorToken()
	}
	e.resumeCond = e.mutexes.GetMutex(e.key("resume"))
	e.suspendCond = e.mutexes.GetMutex(e.key("suspension"))
	e.queueFillCond = e.mutexes.GetMutex(e.key("queue-fill"))
	e.drainDoneCond = e.mutexes.GetMutex(e.key("drain-complete"))

	go e.drainLoop()
	return e
}

// Creator returns the token that must be presented to ShutDown if this
// executor was created Undestroyable; nil otherwise.
func (e *Executor) Creator() *CreatorToken { return e.creator }

func (e *Executor) key(suffix string) string {
	return fmt.Sprintf("%s:%s", e.cfg.Name, suffix)
}

func (e *Executor) state_() drainState { return drainState(e.state.Load()) }

// admit enqueues t, or — for ModePureAsync — dispatches it immediately,
// bypassing the queue entirely (spec.md §4.C "PURE_ASYNC").
func (e *Executor) admit(t *Task) error {
	if e.state_() == stateTerminated {
		return newError(AdmissionErr, e.cfg.Name, ErrExecutorTerminated)
	}
	t.executor = e

	if t.Mode() == ModePureAsync {
		e.dispatchAsync(t)
		return nil
	}

	e.queue.enqueue(t)
	e.signalQueueFill()
	return nil
}

func (e *Executor) signalQueueFill() {
	e.queueFillCond.L.Lock()
	e.queueFillCond.Broadcast()
	e.queueFillCond.L.Unlock()
}

func (e *Executor) signalSuspensionWaiters() {
	e.suspendCond.L.Lock()
	e.suspendCond.Broadcast()
	e.suspendCond.L.Unlock()
}

func (e *Executor) signalDrainDone() {
	e.drainDoneCond.L.Lock()
	e.drainDoneCond.Broadcast()
	e.drainDoneCond.L.Unlock()
}

// drainLoop is the executor's single dedicated goroutine implementing the
// pseudocode of spec.md §4.D.
func (e *Executor) drainLoop() {
	defer close(e.drainStopped)
	for e.state_() != stateTerminated {
		if !e.queue.empty() {
			for _, t := range e.queue.snapshot() {
				if e.state_() == stateSuspended {
					e.waitForResume()
					break // continue outer loop
				}
				if !e.queue.remove(t) {
					continue
				}

				switch t.Mode() {
				case ModeSync:
					e.syncRunning.Store(true)
					t.run(contextForWorkerless())
					e.syncRunning.Store(false)
					e.syncCount.Add(1)
					e.logger.Debugf("%s: ran sync task", e.cfg.Name)
				default: // ModeAsync
					e.inFlight.Store(t, struct{}{})
					e.dispatchAsync(t)
				}

				e.signalSuspensionWaiters()
				if e.state_() == stateTerminated {
					break
				}
			}
		} else {
			e.signalDrainDone()
			e.waitForQueueFill()
		}
	}
}

func contextForWorkerless() context.Context { return context.Background() }

func (e *Executor) waitForResume() {
	e.resumeCond.L.Lock()
	for e.state_() == stateSuspended {
		e.resumeCond.Wait()
	}
	e.resumeCond.L.Unlock()
}

func (e *Executor) waitForQueueFill() {
	e.queueFillCond.L.Lock()
	for e.queue.empty() && e.state_() != stateTerminated {
		e.queueFillCond.Wait()
	}
	e.queueFillCond.L.Unlock()
}

// dispatchAsync obtains a worker and starts the task on it, tracking it in
// the in-flight set until completion.
func (e *Executor) dispatchAsync(t *Task) {
	e.inFlight.Store(t, struct{}{})
	go func() {
		w, err := e.supplier.GetOrCreate(context.Background())
		if err != nil {
			e.logger.LogError(fmt.Sprintf("%s: failed to obtain worker", e.cfg.Name), err)
			e.inFlight.Delete(t)
			t.mu.Lock()
			t.err = err
			t.finished.Store(true)
			t.finishCond.Broadcast()
			t.mu.Unlock()
			return
		}
		t.worker.Store(w)
		w.Assign(context.Background(), fmt.Sprintf("%s-task", e.cfg.Name), t.Priority(), func(ctx context.Context) {
			t.run(ctx)
			e.inFlight.Delete(t)
			t.worker.Store(nil)
		})
	}()
}

// WaitFor escalates t's priority to p, raising the priority hint of every
// task strictly preceding it in the queue and of any currently running
// asynchronous tasks already dispatched to a worker (spec.md §4.D
// "Priority escalation" — best-effort, not a correctness property).
func (e *Executor) WaitFor(ctx context.Context, t *Task, p Priority) error {
	p = ClampPriority(p)
	e.queue.raisePriorityBefore(t, p)
	e.inFlight.Range(func(k, _ any) bool {
		if other, ok := k.(*Task); ok && other != t {
			other.setPriorityHint(p)
		}
		return true
	})
	t.setPriorityHint(p)
	return t.WaitForFinish(ctx, false)
}

// SuspendImmediate sets suspended := true, waits for in-flight async tasks
// to join, and — if a SYNC task is currently running on the drain thread —
// waits until the drain loop observes the flag (spec.md §4.D "Suspension",
// "Immediate").
func (e *Executor) SuspendImmediate() {
	e.state.Store(int32(stateSuspended))

	e.inFlight.Range(func(k, _ any) bool {
		if t, ok := k.(*Task); ok {
			t.WaitForFinish(context.Background(), true)
		}
		return true
	})

	if e.syncRunning.Load() {
		e.suspendCond.L.Lock()
		for e.syncRunning.Load() {
			e.suspendCond.Wait()
		}
		e.suspendCond.L.Unlock()
	}
}

// SuspendGraceful enqueues a SYNC sentinel task that flips suspended :=
// true (the sentinel is not registered as once-only, so concurrent calls
// each enqueue their own), escalates every prior task in the queue to
// callerPriority, and waits for the sentinel to complete (spec.md §4.D
// "Suspension", "Graceful").
func (e *Executor) SuspendGraceful(ctx context.Context, callerPriority Priority) error {
	// Admitted directly via e.admit rather than Task.Submit, so it bypasses
	// the once-only registry entirely — a harmless, idempotent sentinel,
	// not a dedup candidate.
	sentinel := NewRunnableTask(func(context.Context) error {
		e.state.Store(int32(stateSuspended))
		return nil
	}).Sync()
	sentinel.executor = e
	sentinel.submitted.Store(true)

	e.queue.raisePriorityBefore(sentinel, callerPriority)
	if err := e.admit(sentinel); err != nil {
		return err
	}
	return sentinel.WaitForFinish(ctx, false)
}

// Resume clears the suspended flag and wakes the resume waiters (spec.md
// §4.D "Resume").
func (e *Executor) Resume() {
	e.state.CompareAndSwap(int32(stateSuspended), int32(stateDraining))
	e.resumeCond.L.Lock()
	e.resumeCond.Broadcast()
	e.resumeCond.L.Unlock()
}

// WaitForTasksEnding blocks until the queue and in-flight set are both
// empty.
func (e *Executor) WaitForTasksEnding() {
	for {
		e.drainDoneCond.L.Lock()
		for !e.queue.empty() {
			e.drainDoneCond.Wait()
		}
		e.drainDoneCond.L.Unlock()
		if e.inFlightEmpty() {
			return
		}
	}
}

func (e *Executor) inFlightEmpty() bool {
	empty := true
	e.inFlight.Range(func(_, _ any) bool {
		empty = false
		return false
	})
	return empty
}

// ShutDown tears the executor down. If waitForTasksTermination is true it
// behaves as graceful suspend first (draining what's queued); otherwise it
// behaves as immediate suspend (spec.md §4.D "Shutdown"). token must match
// the executor's CreatorToken if it was created Undestroyable.
func (e *Executor) ShutDown(ctx context.Context, waitForTasksTermination bool, token *CreatorToken) error {
	if e.creator != nil && token != e.creator {
		return newError(AdmissionErr, e.cfg.Name, fmt.Errorf("shutdown refused: executor is undestroyable by this caller"))
	}

	if waitForTasksTermination {
		e.WaitForTasksEnding()
	} else {
		e.SuspendImmediate()
	}

	e.state.Store(int32(stateTerminated))
	e.queue.clear()
	e.inFlight.Range(func(k, _ any) bool {
		e.inFlight.Delete(k)
		return true
	})

	e.resumeCond.L.Lock()
	e.resumeCond.Broadcast()
	e.resumeCond.L.Unlock()
	e.signalQueueFill()

	<-e.drainStopped

	e.mutexes.RemoveMutex(e.key("resume"))
	e.mutexes.RemoveMutex(e.key("suspension"))
	e.mutexes.RemoveMutex(e.key("queue-fill"))
	e.mutexes.RemoveMutex(e.key("drain-complete"))
	return nil
}
