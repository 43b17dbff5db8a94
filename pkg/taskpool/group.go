package taskpool

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Sassine/taskpool-core/pkg/logging"
)

// GroupConfig configures an Executor Group.
type GroupConfig struct {
	Name          string
	Daemon        bool
	Undestroyable bool
}

// Group is the Executor Group of spec.md §4.E: a fixed fan-out of three
// Executors, one per priority tier, that jointly accept tasks and forward
// cross-priority mutations.
type Group struct {
	cfg      GroupConfig
	supplier *ThreadSupplier
	logger   *logging.Logger

	executors map[Priority]*Executor // exactly {PriorityMin, PriorityNorm, PriorityMax}

	creator *CreatorToken

	trackCreation atomic.Bool
}

// NewGroup constructs a Group with three Executors, one per priority tier,
// all backed by the same ThreadSupplier.
func NewGroup(cfg GroupConfig, supplier *ThreadSupplier, logger *logging.Logger) *Group {
	if cfg.Name == "" {
		cfg.Name = "group"
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	g := &Group{
		cfg:      cfg,
		supplier: supplier,
		logger:   logger.WithComponent(cfg.Name),
	}
	if cfg.Undestroyable {
		g.creator = newCreatorToken()
	}
	g.executors = map[Priority]*Executor{
		PriorityMin:  NewExecutor(ExecutorConfig{Name: cfg.Name + "-low"}, supplier, g.logger),
		PriorityNorm: NewExecutor(ExecutorConfig{Name: cfg.Name + "-normal"}, supplier, g.logger),
		PriorityMax:  NewExecutor(ExecutorConfig{Name: cfg.Name + "-high"}, supplier, g.logger),
	}
	return g
}

// Creator returns the token required to shut this group down, if it was
// created Undestroyable.
func (g *Group) Creator() *CreatorToken { return g.creator }

// tierFor is the Group's priority selector (spec.md §4.E): values < NORM
// map to MIN, NORM ≤ x < MAX map to NORM, and everything else maps to MAX.
func tierFor(p Priority) Priority {
	switch {
	case p < PriorityNorm:
		return PriorityMin
	case p < PriorityMax:
		return PriorityNorm
	default:
		return PriorityMax
	}
}

func (g *Group) executorFor(p Priority) *Executor {
	return g.executors[tierFor(p)]
}

// SetTasksCreationTrackingFlag toggles whether CreateRunnableTask and
// CreateProducerTask capture a
// creation-site stack snapshot on every task it builds.
func (g *Group) SetTasksCreationTrackingFlag(enabled bool) {
	g.trackCreation.Store(enabled)
}

func (g *Group) captureCreationStack() string {
	if !g.trackCreation.Load() {
		return ""
	}
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}

func (g *Group) attach(t *Task, priority Priority) {
	t.group = g
	t.priority.Store(int64(ClampPriority(priority)))
	t.executor = g.executorFor(priority)
	t.creationStack = g.captureCreationStack()
}

// CreateRunnableTask builds a Task bound to this Group at priority,
// without submitting it.
func (g *Group) CreateRunnableTask(priority Priority, fn func(ctx context.Context) error) *Task {
	t := NewRunnableTask(fn)
	g.attach(t, priority)
	return t
}

// CreateProducerTask builds a ProducerTask[T] bound to group at priority,
// without submitting it. A package-level function, not a Group method,
// because Go methods cannot carry their own type parameters.
func CreateProducerTask[T any](g *Group, priority Priority, fn func(ctx context.Context) (T, error)) *ProducerTask[T] {
	p := NewProducerTask(fn)
	g.attach(p.Task, priority)
	return p
}

// rebindPriority moves t between tier queues when its priority changes
// while it is owned by this Group (spec.md §4.C ChangePriority, §4.E).
func (g *Group) rebindPriority(t *Task, p Priority) {
	newExec := g.executorFor(p)

	t.mu.Lock()
	oldExec := t.executor
	t.mu.Unlock()

	if oldExec == nil || oldExec == newExec {
		t.priority.Store(int64(p))
		if w := t.worker.Load(); w != nil {
			w.setPriority(p)
		}
		return
	}

	if !t.IsSubmitted() {
		// Not yet admitted anywhere: just repoint which tier it will be
		// enqueued into once Submit is called.
		t.mu.Lock()
		t.priority.Store(int64(p))
		t.executor = newExec
		t.mu.Unlock()
		return
	}

	if oldExec.queue.remove(t) {
		t.mu.Lock()
		t.priority.Store(int64(p))
		t.executor = newExec
		t.mu.Unlock()
		newExec.queue.enqueue(t)
		newExec.signalQueueFill()
		return
	}

	// Already drained/dispatched: the move would race the worker that
	// already owns it, so only the scheduling hint is updated.
	t.priority.Store(int64(p))
	if w := t.worker.Load(); w != nil {
		w.setPriority(p)
	}
}

// rebindMode updates t's execution mode while owned by this Group. If t is
// still queued and the new mode is PURE_ASYNC, it is pulled out of the
// queue and dispatched immediately (spec.md §4.C async/pureAsync/sync).
func (g *Group) rebindMode(t *Task, m Mode) {
	t.mu.Lock()
	exec := t.executor
	t.mu.Unlock()
	if exec == nil {
		t.mode.Store(int64(m))
		return
	}

	if m == ModePureAsync && exec.queue.remove(t) {
		t.mode.Store(int64(m))
		exec.dispatchAsync(t)
		return
	}
	t.mode.Store(int64(m))
}

// WaitFor escalates t's priority to p within its owning executor and waits
// for it to finish (spec.md §4.D "Priority escalation").
func (g *Group) WaitFor(ctx context.Context, t *Task, p Priority) error {
	t.mu.Lock()
	exec := t.executor
	t.mu.Unlock()
	if exec == nil {
		return t.WaitForFinish(ctx, false)
	}
	return exec.WaitFor(ctx, t, p)
}

// WaitForTasksEnding waits for the single executor at priority's tier to
// fully drain. When waitForNewAddedTasks is true it re-checks for tasks
// admitted during the wait and keeps waiting until a full pass observes an
// empty queue and in-flight set together.
func (g *Group) WaitForTasksEnding(priority Priority, waitForNewAddedTasks bool) {
	exec := g.executorFor(priority)
	g.waitExecutor(exec, waitForNewAddedTasks)
}

// WaitForAllTasksEnding waits for every tier's executor to fully drain,
// each in turn, applying the same waitForNewAddedTasks semantics as
// WaitForTasksEnding to each.
func (g *Group) WaitForAllTasksEnding(waitForNewAddedTasks bool) {
	for _, p := range [...]Priority{PriorityMin, PriorityNorm, PriorityMax} {
		g.waitExecutor(g.executors[p], waitForNewAddedTasks)
	}
}

func (g *Group) waitExecutor(exec *Executor, waitForNewAddedTasks bool) {
	exec.WaitForTasksEnding()
	if !waitForNewAddedTasks {
		return
	}
	for {
		exec.WaitForTasksEnding()
		if exec.queue.empty() && exec.inFlightEmpty() {
			return
		}
	}
}

// ShutDown tears down every tier's executor and releases the tier map.
// token must match the Group's CreatorToken if it was created
// Undestroyable.
func (g *Group) ShutDown(ctx context.Context, waitForTasksTermination bool, token *CreatorToken) error {
	if g.creator != nil && token != g.creator {
		return newError(AdmissionErr, g.cfg.Name, fmt.Errorf("shutdown refused: group is undestroyable by this caller"))
	}
	var wg sync.WaitGroup
	errs := make([]error, len(g.executors))
	i := 0
	for _, exec := range g.executors {
		wg.Add(1)
		go func(idx int, e *Executor) {
			defer wg.Done()
			errs[idx] = e.ShutDown(ctx, waitForTasksTermination, e.Creator())
		}(i, exec)
		i++
	}
	wg.Wait()
	g.executors = nil
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
