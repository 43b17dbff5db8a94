package taskpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sassine/taskpool-core/pkg/logging"
	"github.com/Sassine/taskpool-core/pkg/taskpool/mutex"
)

// AutoDetectPoolable is the sentinel MaxPoolable value that resolves to
// 3×NumCPU, matching the "autodetect" config value spec.md §6 names for
// thread-supplier.max-poolable-thread-count.
const AutoDetectPoolable = -1

// UnboundedDetached marks MaxDetachedAdditional as effectively unbounded.
// It is the only value treated that way: any other negative value is
// added to MaxPoolable as-is, and validate rejects it if the sum is zero
// or below.
const UnboundedDetached = -1

// SupplierConfig tunes a ThreadSupplier. Every field corresponds directly
// to a key in spec.md §6's configuration table.
type SupplierConfig struct {
	Name                  string
	DaemonByDefault        bool
	MaxPoolable            int           // AutoDetectPoolable ⇒ 3×runtime.NumCPU()
	MaxDetachedAdditional  int           // UnboundedDetached ⇒ no cap beyond MaxPoolable
	RequestTimeout         time.Duration // max wait on a saturated supplier before growing
	IncreasingStep         int           // <=0 disables adaptive growth (pure polling retry)
	DecayThreshold         time.Duration // quiescence duration after which maxTotal decays
}

// resolved returns a copy with defaults and "autodetect"/unbounded sentinels
// applied, so the rest of the supplier never special-cases them again.
func (c SupplierConfig) resolved() SupplierConfig {
	if c.MaxPoolable == AutoDetectPoolable || c.MaxPoolable <= 0 {
		c.MaxPoolable = 3 * runtime.NumCPU()
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Name == "" {
		c.Name = "thread-supplier"
	}
	return c
}

func (c SupplierConfig) initialMaxTotal() int {
	if c.MaxDetachedAdditional == UnboundedDetached {
		return int(^uint(0) >> 1) // effectively unbounded
	}
	return c.MaxPoolable + c.MaxDetachedAdditional
}

// validate rejects a configuration whose resolved max-total thread count
// can never be satisfied. UnboundedDetached (-1) is the one sentinel
// meaning "no cap"; any other MaxDetachedAdditional that leaves the
// combined total at zero or below is a pathological configuration, not a
// legitimate unbounded request, and is rejected rather than silently
// treated as unbounded (spec.md §7 "hard rejection" for a permanently
// unsatisfiable max-total).
func (c SupplierConfig) validate() error {
	if c.MaxDetachedAdditional != UnboundedDetached && c.MaxPoolable+c.MaxDetachedAdditional <= 0 {
		return newError(SaturationErr, c.Name, ErrNegativeMaxTotal)
	}
	return nil
}

// ThreadSupplier is the hybrid worker pool of spec.md §4.B: it multiplexes
// reusable Poolable workers with elastically created Detached workers,
// growing the detached cap under contention and decaying it back down
// during quiescence.
type ThreadSupplier struct {
	cfg    SupplierConfig
	logger *logging.Logger

	mu              sync.Mutex
	cond            *sync.Cond // the "sleeping-array monitor" of spec.md §4.B step 4
	poolableCount   int
	totalCount      int
	initialMaxTotal int
	maxTotal        int
	lastGrowth      time.Time

	sleeping     []atomic.Pointer[worker]
	slotMutexes  *mutex.Registry
	takeForward  atomic.Bool
	parkForward  atomic.Bool

	running sync.Map // id (uint64) -> *worker

	nextID uint64

	notifierTrigger chan struct{}
	notifierDone    chan struct{}
	notifierOnce    sync.Once

	shutdown atomic.Bool
}

// NewThreadSupplier constructs a supplier ready to hand out workers. It
// returns an error (kind SaturationErr) if cfg resolves to a permanently
// unsatisfiable max-total thread count.
func NewThreadSupplier(cfg SupplierConfig, logger *logging.Logger) (*ThreadSupplier, error) {
	cfg = cfg.resolved()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &ThreadSupplier{
		cfg:         cfg,
		logger:      logger.WithComponent(cfg.Name),
		sleeping:    make([]atomic.Pointer[worker], cfg.MaxPoolable),
		slotMutexes: mutex.NewRegistry(),
	}
	s.cond = sync.NewCond(&s.mu)
	s.initialMaxTotal = cfg.initialMaxTotal()
	s.maxTotal = s.initialMaxTotal
	s.lastGrowth = time.Now()
	return s, nil
}

func (s *ThreadSupplier) slotKey(i int) string {
	return fmt.Sprintf("%s:slot:%d", s.cfg.Name, i)
}

// GetOrCreate implements the acquisition algorithm of spec.md §4.B: take a
// parked Poolable, else grow the Poolable set, else grow the Detached set,
// else wait (and adaptively grow the cap) until one becomes available.
func (s *ThreadSupplier) GetOrCreate(ctx context.Context) (*worker, error) {
	for {
		if w := s.tryTakeParked(); w != nil {
			return w, nil
		}

		if w, ok := s.tryGrowPoolable(); ok {
			return w, nil
		}
		if w, ok := s.tryGrowDetached(); ok {
			return w, nil
		}

		// Step 4: saturated. Re-check under the monitor, then wait.
		if s.cfg.IncreasingStep <= 0 {
			// Growth disabled: the wait degenerates into a polling retry
			// (spec.md §4.B step 5).
			select {
			case <-time.After(s.pollInterval()):
			case <-ctx.Done():
				return nil, newError(InterruptedErr, s.cfg.Name, ctx.Err())
			}
			continue
		}

		timedOut, err := s.waitForAvailability(ctx)
		if err != nil {
			return nil, newError(InterruptedErr, s.cfg.Name, err)
		}
		if !timedOut {
			s.maybeDecay()
			continue
		}
		s.grow()
	}
}

func (s *ThreadSupplier) pollInterval() time.Duration {
	if s.cfg.RequestTimeout > 0 {
		return s.cfg.RequestTimeout
	}
	return 50 * time.Millisecond
}

func (s *ThreadSupplier) tryGrowPoolable() (*worker, bool) {
	s.mu.Lock()
	if s.poolableCount >= s.cfg.MaxPoolable {
		s.mu.Unlock()
		return nil, false
	}
	s.poolableCount++
	s.totalCount++
	s.mu.Unlock()

	id := atomic.AddUint64(&s.nextID, 1)
	w := newWorker(s, id, poolableKind)
	w.start()
	return w, true
}

func (s *ThreadSupplier) tryGrowDetached() (*worker, bool) {
	s.mu.Lock()
	if s.totalCount >= s.maxTotal {
		s.mu.Unlock()
		return nil, false
	}
	s.totalCount++
	s.mu.Unlock()

	id := atomic.AddUint64(&s.nextID, 1)
	w := newWorker(s, id, detachedKind)
	w.start()
	return w, true
}

// waitForAvailability blocks on the sleeping-array monitor for up to
// RequestTimeout, waking early if a worker becomes available in the
// meantime (signaled via notifyWaiters). Returns timedOut=true when the
// full timeout elapsed without being woken.
func (s *ThreadSupplier) waitForAvailability(ctx context.Context) (timedOut bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poolableParkedLocked() || s.poolableCount < s.cfg.MaxPoolable || s.totalCount < s.maxTotal {
		return false, nil
	}

	woken := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	timer := time.AfterFunc(s.cfg.RequestTimeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
		close(woken)
	})
	defer timer.Stop()

	deadline := time.Now().Add(s.cfg.RequestTimeout)
	for {
		select {
		case <-woken:
			return true, nil
		default:
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if !time.Now().Before(deadline) {
			return true, nil
		}
		s.cond.Wait()
		// A Broadcast can mean "worker became available" or "timer/ctx
		// fired"; the loop re-evaluates both on wake.
		if s.poolableParkedLocked() || s.totalCount < s.maxTotal {
			return false, nil
		}
	}
}

func (s *ThreadSupplier) poolableParkedLocked() bool {
	for i := range s.sleeping {
		if s.sleeping[i].Load() != nil {
			return true
		}
	}
	return false
}

func (s *ThreadSupplier) maybeDecay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxTotal > s.initialMaxTotal && time.Since(s.lastGrowth) > s.cfg.DecayThreshold {
		shrink := s.cfg.IncreasingStep / 2
		s.maxTotal -= shrink
		if s.maxTotal < s.initialMaxTotal {
			s.maxTotal = s.initialMaxTotal
		}
		s.lastGrowth = time.Now()
	}
}

func (s *ThreadSupplier) grow() {
	s.mu.Lock()
	s.lastGrowth = time.Now()
	s.maxTotal += s.cfg.IncreasingStep
	s.mu.Unlock()
}

// MaxTotal reports the current (possibly grown or decayed) total-thread
// cap, exposed for tests and observability (scenario 3 in spec.md §8).
func (s *ThreadSupplier) MaxTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxTotal
}

// Counts reports the live counters backing invariant P3.
func (s *ThreadSupplier) Counts() (poolable, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poolableCount, s.totalCount
}

// tryTakeParked scans the sleeping-slot array, alternating sweep direction
// on each call to spread contention (spec.md §4.B step 1).
func (s *ThreadSupplier) tryTakeParked() *worker {
	n := len(s.sleeping)
	if n == 0 {
		return nil
	}
	forward := !s.takeForward.Load()
	s.takeForward.Store(forward)

	for i := 0; i < n; i++ {
		idx := i
		if !forward {
			idx = n - 1 - i
		}
		if s.sleeping[idx].Load() == nil {
			continue
		}
		var taken *worker
		s.slotMutexes.Execute(s.slotKey(idx), func() {
			w := s.sleeping[idx].Load()
			if w == nil {
				return
			}
			if !w.parked.Load() {
				// Retrieval freshness rule: a worker sitting in a slot
				// that isn't actually parked/waiting is defective.
				s.sleeping[idx].Store(nil)
				err := newError(InvariantViolationErr, s.cfg.Name,
					fmt.Errorf("slot %d held defective worker %s", idx, w.Name()))
				s.logger.LogError("interrupting defective parked worker", err)
				w.interruptDefective()
				return
			}
			s.sleeping[idx].Store(nil)
			w.parked.Store(false)
			w.slot = -1
			taken = w
		})
		if taken != nil {
			return taken
		}
	}
	return nil
}

// parkPoolable implements addPoolableSleepingThread from spec.md §4.B: find
// a NULL slot under its keyed mutex and publish the worker there.
func (s *ThreadSupplier) parkPoolable(w *worker) bool {
	n := len(s.sleeping)
	forward := !s.parkForward.Load()
	s.parkForward.Store(forward)

	for i := 0; i < n; i++ {
		idx := i
		if !forward {
			idx = n - 1 - i
		}
		if s.sleeping[idx].Load() != nil {
			continue
		}
		published := false
		s.slotMutexes.Execute(s.slotKey(idx), func() {
			if s.sleeping[idx].Load() != nil {
				return
			}
			w.parked.Store(true)
			w.slot = idx
			s.sleeping[idx].Store(w)
			published = true
		})
		if published {
			return true
		}
	}
	return false
}

func (s *ThreadSupplier) runningAdd(w *worker)    { s.running.Store(w.id, w) }
func (s *ThreadSupplier) runningRemove(w *worker) { s.running.Delete(w.id) }

// retirePoolable tears down a Poolable worker that could not be parked
// (sleeping array exhausted, or interrupted as defective), decrementing the
// counters it held.
func (s *ThreadSupplier) retirePoolable(w *worker) {
	s.mu.Lock()
	s.poolableCount--
	s.totalCount--
	s.mu.Unlock()
	s.notifyWaiters()
}

// retireDetached tears down a Detached worker after its single executable
// returns.
func (s *ThreadSupplier) retireDetached(w *worker) {
	s.mu.Lock()
	s.totalCount--
	s.mu.Unlock()
	s.notifyWaiters()
}

// notifyWaiters wakes the lazily created notifier worker, which in turn
// broadcasts on the sleeping-array monitor. Decoupling the broadcast into
// the notifier's own goroutine keeps a busy worker's completion path from
// contending on the supplier's primary monitor (spec.md §4.B "Notifier").
func (s *ThreadSupplier) notifyWaiters() {
	s.ensureNotifier()
	select {
	case s.notifierTrigger <- struct{}{}:
	default:
		// A wakeup is already pending; coalescing is fine since the
		// notifier's job is just "make sure waiters re-check."
	}
}

func (s *ThreadSupplier) ensureNotifier() {
	s.notifierOnce.Do(func() {
		s.notifierTrigger = make(chan struct{}, 1)
		s.notifierDone = make(chan struct{})
		go s.runNotifier()
	})
}

func (s *ThreadSupplier) runNotifier() {
	defer close(s.notifierDone)
	for range s.notifierTrigger {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// ShutDownAll marks every parked worker not-alive (they exit on wake),
// every running worker not-alive (they exit after their current call), and
// retires the notifier (spec.md §4.B "Shutdown").
func (s *ThreadSupplier) ShutDownAll() {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	for i := range s.sleeping {
		idx := i
		s.slotMutexes.Execute(s.slotKey(idx), func() {
			w := s.sleeping[idx].Load()
			if w == nil {
				return
			}
			s.sleeping[idx].Store(nil)
			w.shutdownParked()
		})
	}
	s.running.Range(func(_, v any) bool {
		v.(*worker).shutdownRunning()
		return true
	})

	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.notifierTrigger != nil {
		close(s.notifierTrigger)
		<-s.notifierDone
	}
}
