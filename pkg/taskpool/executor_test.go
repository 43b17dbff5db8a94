package taskpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncTasksStartInFIFOOrder(t *testing.T) {
	e := newTestExecutor(t, "fifo")

	const n = 1000
	results := make([]int, 0, n)
	var mu sync.Mutex

	for i := 0; i < n; i++ {
		i := i
		task := e.newBoundRunnable(PriorityNorm, func(context.Context) error {
			mu.Lock()
			results = append(results, i)
			mu.Unlock()
			return nil
		})
		task.Sync()
		require.NoError(t, task.Submit())
	}

	e.WaitForTasksEnding()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, n)
	for i, v := range results {
		assert.Equal(t, i, v, "P1: per-priority FIFO admission-to-dispatch order")
	}
}

func TestSuspendImmediateThenResume(t *testing.T) {
	e := newTestExecutor(t, "suspend")

	started := make(chan struct{})
	release := make(chan struct{})
	running := e.newBoundRunnable(PriorityNorm, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	running.Sync()
	require.NoError(t, running.Submit())

	<-started

	suspendDone := make(chan struct{})
	go func() {
		e.SuspendImmediate()
		close(suspendDone)
	}()

	// The in-flight SYNC task must be allowed to finish before suspend
	// returns.
	select {
	case <-suspendDone:
		t.Fatal("SuspendImmediate returned before the running SYNC task finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case <-suspendDone:
	case <-time.After(2 * time.Second):
		t.Fatal("SuspendImmediate never observed the drain loop settling")
	}
	require.NoError(t, running.WaitForFinish(context.Background(), false))

	accumulated := e.newBoundRunnable(PriorityNorm, func(context.Context) error { return nil })
	accumulated.Sync()
	require.NoError(t, accumulated.Submit())

	time.Sleep(30 * time.Millisecond)
	assert.False(t, accumulated.HasFinished(), "new submissions accumulate without starting while suspended")

	e.Resume()
	require.NoError(t, accumulated.WaitForFinish(context.Background(), false))
	assert.True(t, accumulated.HasFinished(), "P8: resume liveness — the drain loop makes progress again")
}

func TestShutDownWithoutWaitDropsQueuedTasks(t *testing.T) {
	e := newTestExecutor(t, "shutdown")

	var ran bool
	queued := e.newBoundRunnable(PriorityNorm, func(context.Context) error {
		ran = true
		return nil
	})
	queued.Sync()

	e.SuspendImmediate()
	require.NoError(t, queued.Submit())

	require.NoError(t, e.ShutDown(context.Background(), false, e.Creator()))
	assert.False(t, ran, "P7: shutDown(false) clears enqueued tasks without executing them")
}

func TestUndestroyableExecutorRefusesForeignShutdown(t *testing.T) {
	s := newTestSupplier(t, SupplierConfig{Name: "undestroyable-supplier", MaxPoolable: 2})
	e := NewExecutor(ExecutorConfig{Name: "undestroyable", Undestroyable: true}, s, nil)

	err := e.ShutDown(context.Background(), false, nil)
	require.Error(t, err)

	require.NoError(t, e.ShutDown(context.Background(), false, e.Creator()))
}
