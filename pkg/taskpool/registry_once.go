package taskpool

import "sync"

// onceEntry is the capability the once-only registry needs from a
// participating Task, so the registry does not depend on Task's full
// surface (spec.md §3 "Once-only registry", DESIGN NOTES §9: "specify as module
// state with explicit init/teardown; expose only through the Task
// once-only operations").
type onceEntry interface {
	onceKey() string
	hasFinished() bool
}

// onceRegistry is the process-wide map from once-key to the winning Task.
// The zero value is ready to use; a package-level instance backs every
// Task's runOnlyOnce, and newOnceRegistry exists so tests can construct an
// isolated instance instead of sharing global state.
type onceRegistry struct {
	entries sync.Map // string -> onceEntry
}

func newOnceRegistry() *onceRegistry {
	return &onceRegistry{}
}

// putIfAbsent registers t under key if no entry exists yet, returning the
// (possibly pre-existing) winner and whether t itself won.
func (r *onceRegistry) putIfAbsent(key string, t onceEntry) (winner onceEntry, won bool) {
	actual, loaded := r.entries.LoadOrStore(key, t)
	if !loaded {
		return t, true
	}
	return actual.(onceEntry), false
}

// remove clears key's entry, but only if t is still the registered winner —
// a defensive check against a stale removal racing a fresh admission under
// the same key after the first winner already cleared it.
func (r *onceRegistry) remove(key string, t onceEntry) {
	r.entries.CompareAndDelete(key, t)
}

// lookup returns the current winner for key, if any.
func (r *onceRegistry) lookup(key string) (onceEntry, bool) {
	v, ok := r.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(onceEntry), true
}

// defaultOnceRegistry backs every Task created without an explicit
// registry (the common case). Tests that need isolation construct their
// own via newOnceRegistry and assign it to the task's registry field
// before Submit.
var defaultOnceRegistry = newOnceRegistry()
