package taskpool

import "sync"

// taskQueue is the copy-on-write FIFO backing a single Executor (spec.md
// §5: "The queue is a copy-on-write sequence; iteration yields a stable
// snapshot and removal is by identity"). Every mutation replaces the
// backing slice rather than editing it in place, so a snapshot taken by
// the drain loop is never mutated out from under it.
type taskQueue struct {
	mu    sync.Mutex
	items []*Task
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

func (q *taskQueue) enqueue(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := make([]*Task, len(q.items)+1)
	copy(next, q.items)
	next[len(q.items)] = t
	q.items = next
}

// snapshot returns the queue's current backing slice. Because every
// mutation allocates a new slice rather than editing this one, the caller
// may range over the result without holding any lock.
func (q *taskQueue) snapshot() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items
}

func (q *taskQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// remove drops t by identity, returning false if it is no longer present
// (e.g. a concurrent drain already claimed it — the drain loop's "if
// remove(task) failed: continue" step).
func (q *taskQueue) remove(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == t {
			next := make([]*Task, 0, len(q.items)-1)
			next = append(next, q.items[:i]...)
			next = append(next, q.items[i+1:]...)
			q.items = next
			return true
		}
	}
	return false
}

// clear empties the queue, returning what it held — used by shutdown to
// cancel pending tasks without executing them.
func (q *taskQueue) clear() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// raisePriorityBefore raises the priority hint of every task strictly
// preceding target in FIFO order to p (spec.md §4.D "Priority escalation";
// the presumed intent of changePriorityToAllTaskBefore per DESIGN NOTES §9
// open question (b) — the source iterates predecessors but always mutates
// the passed-in task; here the iterated predecessor is the one raised).
func (q *taskQueue) raisePriorityBefore(target *Task, p Priority) {
	for _, t := range q.snapshot() {
		if t == target {
			return
		}
		t.setPriorityHint(p)
	}
}
