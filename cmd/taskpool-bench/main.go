package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/Sassine/taskpool-core/pkg/common/config"
	"github.com/Sassine/taskpool-core/pkg/logging"
	"github.com/Sassine/taskpool-core/pkg/taskpool"
)

// benchConfig holds the knobs for a single soak run against an Executor
// Group: how many tasks, what mix of modes, and how long each simulated
// unit of work takes.
type benchConfig struct {
	Tasks       int
	WorkMillis  int
	SyncRatio   float64
	AsyncRatio  float64
	ConfigFile  string
	Verbose     bool
}

func parseFlags() benchConfig {
	cfg := benchConfig{}
	flag.IntVar(&cfg.Tasks, "tasks", 2000, "number of tasks to submit across all three priority tiers")
	flag.IntVar(&cfg.WorkMillis, "work-ms", 2, "simulated work duration per task, in milliseconds")
	flag.Float64Var(&cfg.SyncRatio, "sync-ratio", 0.2, "fraction of tasks submitted in SYNC mode")
	flag.Float64Var(&cfg.AsyncRatio, "async-ratio", 0.7, "fraction of tasks submitted in ASYNC mode (remainder is PURE_ASYNC)")
	flag.StringVar(&cfg.ConfigFile, "config", "", "optional JSON config file for thread supplier tuning")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable debug-level logging")
	flag.Parse()
	return cfg
}

func main() {
	cfg := parseFlags()

	logCfg := logging.DefaultConfig()
	if cfg.Verbose {
		logCfg.Level = logging.DebugLevel
	}
	logger := logging.NewLogger(logCfg).WithComponent("taskpool-bench")

	poolCfg, err := config.LoadConfig(cfg.ConfigFile)
	if err != nil {
		logger.Errorf("failed to load config: %v", err)
		return
	}

	supplierCfg, err := taskpool.SupplierConfigFrom("bench", poolCfg)
	if err != nil {
		logger.Errorf("failed to derive thread supplier config: %v", err)
		return
	}

	supplier, err := taskpool.NewThreadSupplier(supplierCfg, logger)
	if err != nil {
		logger.LogError("failed to construct thread supplier", err)
		return
	}
	defer supplier.ShutDownAll()

	group := taskpool.NewGroup(taskpool.GroupConfig{Name: "bench"}, supplier, logger)
	defer group.ShutDown(context.Background(), true, group.Creator())

	fmt.Printf("taskpool-bench: submitting %d tasks (sync=%.0f%% async=%.0f%% pure-async=%.0f%%)\n",
		cfg.Tasks, cfg.SyncRatio*100, cfg.AsyncRatio*100, (1-cfg.SyncRatio-cfg.AsyncRatio)*100)

	var completedLow, completedNorm, completedHigh atomic.Int64
	work := func(priority taskpool.Priority) func(context.Context) error {
		return func(ctx context.Context) error {
			time.Sleep(time.Duration(cfg.WorkMillis) * time.Millisecond)
			switch priority {
			case taskpool.PriorityMin:
				completedLow.Add(1)
			case taskpool.PriorityMax:
				completedHigh.Add(1)
			default:
				completedNorm.Add(1)
			}
			return nil
		}
	}

	tiers := [...]taskpool.Priority{taskpool.PriorityMin, taskpool.PriorityNorm, taskpool.PriorityMax}
	start := time.Now()

	for i := 0; i < cfg.Tasks; i++ {
		priority := tiers[i%len(tiers)]
		task := group.CreateRunnableTask(priority, work(priority))

		roll := rand.Float64()
		switch {
		case roll < cfg.SyncRatio:
			task.Sync()
		case roll < cfg.SyncRatio+cfg.AsyncRatio:
			task.Async()
		default:
			task.PureAsync()
		}

		if err := task.Submit(); err != nil {
			logger.Warnf("submit failed: %v", err)
		}
	}

	group.WaitForAllTasksEnding(true)
	elapsed := time.Since(start)

	poolable, total := supplier.Counts()
	fmt.Printf("done in %s\n", elapsed)
	fmt.Printf("completed: low=%d normal=%d high=%d\n", completedLow.Load(), completedNorm.Load(), completedHigh.Load())
	fmt.Printf("thread supplier: poolable=%d total=%d maxTotal=%d\n", poolable, total, supplier.MaxTotal())
}
