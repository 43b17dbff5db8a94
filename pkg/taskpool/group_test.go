package taskpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGroup(t *testing.T, name string) *Group {
	t.Helper()
	s := newTestSupplier(t, SupplierConfig{
		Name:                  name + "-supplier",
		MaxPoolable:           4,
		MaxDetachedAdditional: 4,
		RequestTimeout:        50 * time.Millisecond,
		IncreasingStep:        2,
		DecayThreshold:        time.Second,
	})
	g := NewGroup(GroupConfig{Name: name}, s, nil)
	t.Cleanup(func() { g.ShutDown(context.Background(), false, g.Creator()) })
	return g
}

func TestTierForClampsToThreeBuckets(t *testing.T) {
	assert.Equal(t, PriorityMin, tierFor(1))
	assert.Equal(t, PriorityMin, tierFor(4))
	assert.Equal(t, PriorityNorm, tierFor(5))
	assert.Equal(t, PriorityNorm, tierFor(9))
	assert.Equal(t, PriorityMax, tierFor(10))
}

func TestCreateRunnableTaskBindsTierExecutor(t *testing.T) {
	g := newTestGroup(t, "bind")
	low := g.CreateRunnableTask(PriorityMin, func(context.Context) error { return nil })
	high := g.CreateRunnableTask(PriorityMax, func(context.Context) error { return nil })

	assert.Same(t, g.executors[PriorityMin], low.executor)
	assert.Same(t, g.executors[PriorityMax], high.executor)
}

func TestChangePriorityBeforeSubmitRetargetsExecutor(t *testing.T) {
	g := newTestGroup(t, "retarget")
	task := g.CreateRunnableTask(PriorityMin, func(context.Context) error { return nil })
	require.Same(t, g.executors[PriorityMin], task.executor)

	task.ChangePriority(PriorityMax)
	assert.Same(t, g.executors[PriorityMax], task.executor,
		"changing priority before Submit must repoint the owning executor, not just the hint")

	require.NoError(t, task.Submit())
	require.NoError(t, task.WaitForFinish(context.Background(), false))
}

func TestChangePriorityAfterEnqueueMovesBetweenTiers(t *testing.T) {
	s := newTestSupplier(t, SupplierConfig{Name: "move-supplier", MaxPoolable: 1})
	g := NewGroup(GroupConfig{Name: "move"}, s, nil)
	t.Cleanup(func() { g.ShutDown(context.Background(), false, g.Creator()) })

	g.executors[PriorityMin].SuspendImmediate()

	task := g.CreateRunnableTask(PriorityMin, func(context.Context) error { return nil })
	task.Sync()
	require.NoError(t, task.Submit())

	task.ChangePriority(PriorityMax)
	assert.Same(t, g.executors[PriorityMax], task.executor)
	assert.True(t, g.executors[PriorityMin].queue.empty())

	g.executors[PriorityMax].Resume()
	require.NoError(t, task.WaitForFinish(context.Background(), false))
}

func TestWaitForAllTasksEndingDrainsEveryTier(t *testing.T) {
	g := newTestGroup(t, "drainall")

	var ran [3]bool
	tasks := []*Task{
		g.CreateRunnableTask(PriorityMin, func(context.Context) error { ran[0] = true; return nil }),
		g.CreateRunnableTask(PriorityNorm, func(context.Context) error { ran[1] = true; return nil }),
		g.CreateRunnableTask(PriorityMax, func(context.Context) error { ran[2] = true; return nil }),
	}
	for _, task := range tasks {
		require.NoError(t, task.Submit())
	}

	g.WaitForAllTasksEnding(false)
	assert.True(t, ran[0])
	assert.True(t, ran[1])
	assert.True(t, ran[2])
}

func TestUndestroyableGroupRefusesForeignShutdown(t *testing.T) {
	s := newTestSupplier(t, SupplierConfig{Name: "undestroyable-group-supplier", MaxPoolable: 2})
	g := NewGroup(GroupConfig{Name: "undestroyable-group", Undestroyable: true}, s, nil)

	err := g.ShutDown(context.Background(), false, nil)
	require.Error(t, err)

	require.NoError(t, g.ShutDown(context.Background(), false, g.Creator()))
}
