package taskpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, name string) *Executor {
	t.Helper()
	s := newTestSupplier(t, SupplierConfig{
		Name:                  name + "-supplier",
		MaxPoolable:            4,
		MaxDetachedAdditional:  4,
		RequestTimeout:         50 * time.Millisecond,
		IncreasingStep:         2,
		DecayThreshold:         time.Second,
	})
	e := NewExecutor(ExecutorConfig{Name: name}, s, nil)
	t.Cleanup(func() { e.ShutDown(context.Background(), false, e.Creator()) })
	return e
}

func TestSubmitIsMonotonic(t *testing.T) {
	e := newTestExecutor(t, "monotonic")
	task := e.newBoundRunnable(PriorityNorm, func(context.Context) error { return nil })

	require.NoError(t, task.Submit())
	err := task.Submit()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestProducerTaskJoinReturnsCachedResult(t *testing.T) {
	e := newTestExecutor(t, "producer")
	calls := 0
	var mu sync.Mutex

	pt := NewProducerTask(func(context.Context) (int, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return 42, nil
	})
	pt.executor = e
	require.NoError(t, pt.Submit())

	v1, err := pt.Join(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v1)

	v2, err := pt.Join(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "a producer's executable runs exactly once across repeated Join calls")
}

func TestSelfWaitDoesNotBlock(t *testing.T) {
	e := newTestExecutor(t, "selfwait")

	var task *Task
	blocked := make(chan struct{})
	finishedSelfWait := make(chan struct{})

	task = e.newBoundRunnable(PriorityNorm, func(ctx context.Context) error {
		err := task.WaitForFinish(ctx, false)
		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrSelfWaitSuppressed)
		close(finishedSelfWait)
		return nil
	})
	task.Async()
	require.NoError(t, task.Submit())

	select {
	case <-finishedSelfWait:
	case <-time.After(2 * time.Second):
		close(blocked)
		t.Fatal("waitForFinish from the task's own worker must return without blocking")
	}
}

func TestOnceOnlyDeduplication(t *testing.T) {
	e := newTestExecutor(t, "onceonly")
	registry := newOnceRegistry()

	var runs int32
	build := func() *Task {
		task := e.newBoundRunnable(PriorityNorm, func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			runs++
			mu.Unlock()
			return nil
		})
		task.registry = registry
		task.RunOnlyOnce("K", nil)
		return task
	}

	t1 := build()
	t2 := build()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); require.NoError(t, t1.Submit()) }()
	go func() { defer wg.Done(); require.NoError(t, t2.Submit()) }()
	wg.Wait()

	require.NoError(t, t1.WaitForFinish(context.Background(), false))
	require.NoError(t, t2.WaitForFinish(context.Background(), false))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), runs, "P2: at most one once-keyed task runs to completion")
}

var mu sync.Mutex

func TestEndedWithErrorsCapturesExecutableError(t *testing.T) {
	e := newTestExecutor(t, "errors")
	boom := errors.New("boom")
	task := e.newBoundRunnable(PriorityNorm, func(context.Context) error { return boom })

	require.NoError(t, task.Submit())
	require.NoError(t, task.WaitForFinish(context.Background(), false))

	assert.True(t, task.EndedWithErrors())
	assert.ErrorIs(t, task.GetException(), boom)
}

// newBoundRunnable is a test helper standing in for Group.CreateRunnableTask
// when exercising a bare Executor without an owning Group.
func (e *Executor) newBoundRunnable(priority Priority, fn func(context.Context) error) *Task {
	t := NewRunnableTask(fn)
	t.priority.Store(int64(priority))
	t.executor = e
	return t
}
