package taskpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupplier(t *testing.T, cfg SupplierConfig) *ThreadSupplier {
	t.Helper()
	s, err := NewThreadSupplier(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(s.ShutDownAll)
	return s
}

func TestGetOrCreatePrefersPoolableThenDetached(t *testing.T) {
	s := newTestSupplier(t, SupplierConfig{
		Name:                  "prefer",
		MaxPoolable:            1,
		MaxDetachedAdditional:  1,
		RequestTimeout:         50 * time.Millisecond,
		IncreasingStep:         0,
	})

	w1, err := s.GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, poolableKind, w1.kind)

	hold := make(chan struct{})
	w1.Assign(context.Background(), "hold", PriorityNorm, func(ctx context.Context) {
		<-hold
	})

	w2, err := s.GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, detachedKind, w2.kind, "poolable cap is exhausted, so the second worker must be detached")

	poolable, total := s.Counts()
	assert.Equal(t, 1, poolable)
	assert.Equal(t, 2, total)

	close(hold)
	w2.Assign(context.Background(), "noop", PriorityNorm, func(context.Context) {})
}

func TestCounterInvariantsUnderConcurrentAcquisition(t *testing.T) {
	s := newTestSupplier(t, SupplierConfig{
		Name:                  "counters",
		MaxPoolable:            4,
		MaxDetachedAdditional:  4,
		RequestTimeout:         20 * time.Millisecond,
		IncreasingStep:         0,
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := s.GetOrCreate(context.Background())
			require.NoError(t, err)
			done := make(chan struct{})
			w.Assign(context.Background(), "noop", PriorityNorm, func(context.Context) {
				close(done)
			})
			<-done
		}()
	}
	wg.Wait()

	time.Sleep(20 * time.Millisecond) // let poolable workers finish parking
	poolable, total := s.Counts()
	assert.LessOrEqual(t, poolable, s.cfg.MaxPoolable, "P3: poolableThreadCount <= maxPoolable")
	assert.LessOrEqual(t, total, s.MaxTotal(), "P3: threadCount <= maxTotal")
}

func TestMaxTotalGrowsOnTimeoutAndDecaysOnQuiescence(t *testing.T) {
	s := newTestSupplier(t, SupplierConfig{
		Name:                  "growth",
		MaxPoolable:            1,
		MaxDetachedAdditional:  0,
		RequestTimeout:         30 * time.Millisecond,
		IncreasingStep:         4,
		DecayThreshold:         10 * time.Millisecond,
	})
	initial := s.MaxTotal()

	s.grow()
	assert.Equal(t, initial+4, s.MaxTotal())

	time.Sleep(20 * time.Millisecond)
	s.maybeDecay()
	assert.Less(t, s.MaxTotal(), initial+4, "maxTotal decays by floor(step/2) once quiescent past the threshold")
	assert.GreaterOrEqual(t, s.MaxTotal(), initial)
}

func TestParkedWorkerIsReusedNotRecreated(t *testing.T) {
	s := newTestSupplier(t, SupplierConfig{
		Name:                  "reuse",
		MaxPoolable:            1,
		MaxDetachedAdditional:  0,
		RequestTimeout:         50 * time.Millisecond,
	})

	w1, err := s.GetOrCreate(context.Background())
	require.NoError(t, err)
	done1 := make(chan struct{})
	w1.Assign(context.Background(), "first", PriorityNorm, func(context.Context) { close(done1) })
	<-done1

	// Give the worker a chance to park before the second acquisition.
	time.Sleep(20 * time.Millisecond)

	w2, err := s.GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.Same(t, w1, w2, "P4: the parked poolable worker must be handed back out, not duplicated")
}

func TestNewThreadSupplierRejectsPathologicalNegativeMaxTotal(t *testing.T) {
	_, err := NewThreadSupplier(SupplierConfig{
		Name:                  "pathological",
		MaxPoolable:            1,
		MaxDetachedAdditional:  -2, // not the UnboundedDetached sentinel, and leaves total <= 0
	}, nil)
	require.Error(t, err)

	var tpErr *Error
	require.ErrorAs(t, err, &tpErr)
	assert.Equal(t, SaturationErr, tpErr.Kind)
}

func TestNewThreadSupplierAllowsUnboundedDetachedSentinel(t *testing.T) {
	s, err := NewThreadSupplier(SupplierConfig{
		Name:                  "unbounded",
		MaxPoolable:            1,
		MaxDetachedAdditional:  UnboundedDetached,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(s.ShutDownAll)
}
