// Package taskpool implements a priority-aware, pool-backed task execution
// core: a Thread Supplier that hands out reusable and detached workers, a
// Queued Task Executor that drains per-priority FIFOs onto those workers,
// and an Executor Group that fans a single admission surface out across
// three priority tiers.
//
// A minimal program looks like:
//
//	supplier, err := taskpool.NewThreadSupplier(taskpool.SupplierConfig{
//		Name:                  "app",
//		MaxPoolable:           taskpool.AutoDetectPoolable,
//		MaxDetachedAdditional: 8,
//		RequestTimeout:        5 * time.Second,
//		IncreasingStep:        2,
//		DecayThreshold:        time.Minute,
//	}, nil)
//	if err != nil {
//		// handle a pathological configuration
//	}
//	group := taskpool.NewGroup(taskpool.GroupConfig{Name: "app"}, supplier, nil)
//
//	task := group.CreateRunnableTask(taskpool.PriorityNorm, func(ctx context.Context) error {
//		return doWork(ctx)
//	})
//	if err := task.Submit(); err != nil {
//		// handle admission failure
//	}
//	task.WaitForFinish(context.Background(), false)
package taskpool
