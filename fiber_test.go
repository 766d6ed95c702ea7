// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Many fibers sleeping concurrently all complete, and are all
// returned to the pool.
func TestSleep_manyFibers(t *testing.T) {
	rt := newTestRuntime(t, WithLimits(0, 0, 128))

	const n = 100
	var done int
	start := rt.Now()
	for range n {
		_, err := rt.Spawn(func(any) {
			rt.Sleep(10 * time.Millisecond)
			done++
		}, nil)
		require.NoError(t, err)
	}
	drive(t, rt, 10*time.Second, func() bool { return done == n })

	assert.GreaterOrEqual(t, rt.Now()-start, 10*time.Millisecond)
	m := rt.Metrics()
	assert.Equal(t, int64(0), m.Active)
	assert.Equal(t, int64(n), m.Pooled)
	assert.LessOrEqual(t, m.MaxRunning, int64(1))
}

func TestFibers_neverConcurrent(t *testing.T) {
	rt := newTestRuntime(t)

	var (
		running  int
		overlaps int
		done     int
	)
	for range 20 {
		_, err := rt.Spawn(func(any) {
			for range 5 {
				running++
				if running > 1 {
					overlaps++
				}
				time.Sleep(100 * time.Microsecond)
				running--
				rt.Sleep(0)
			}
			done++
		}, nil)
		require.NoError(t, err)
	}
	drive(t, rt, 10*time.Second, func() bool { return done == 20 })

	assert.Zero(t, overlaps)
	assert.Equal(t, int64(1), rt.Metrics().MaxRunning)
}

// The main loop runs between any two fiber activations.
func TestRunOnce_interleavesFibers(t *testing.T) {
	rt := newTestRuntime(t)

	var trace []string
	var done int
	for _, name := range []string{"a", "b", "c"} {
		_, err := rt.Spawn(func(any) {
			for range 3 {
				trace = append(trace, name)
				rt.Sleep(0)
			}
			done++
		}, nil)
		require.NoError(t, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for done < 3 {
		require.True(t, time.Now().Before(deadline))
		trace = append(trace, "loop")
		rt.RunOnce(rt.Deadline(5 * time.Millisecond))
	}

	var fibers int
	for i, v := range trace {
		if v == "loop" {
			continue
		}
		fibers++
		require.NotZero(t, i)
		require.Equal(t, "loop", trace[i-1], "consecutive fiber activations at %d: %v", i, trace)
	}
	assert.Equal(t, 9, fibers)
}

func TestSpawn_pooling(t *testing.T) {
	rt := newTestRuntime(t, WithLimits(0, 0, 16))

	batch := func() {
		var done int
		for range 10 {
			_, err := rt.Spawn(func(any) { done++ }, nil)
			require.NoError(t, err)
		}
		drive(t, rt, 5*time.Second, func() bool { return done == 10 })
	}

	batch()
	m := rt.Metrics()
	assert.Equal(t, int64(10), m.Pooled)
	assert.Equal(t, uint64(10), m.PoolMisses)
	assert.Zero(t, m.PoolHits)

	batch()
	m = rt.Metrics()
	assert.Equal(t, int64(10), m.Pooled)
	assert.Equal(t, uint64(10), m.PoolMisses)
	assert.Equal(t, uint64(10), m.PoolHits)
	assert.Equal(t, uint64(20), m.Spawns)
	assert.Zero(t, m.Freed)
}

func TestSpawn_poolMax(t *testing.T) {
	rt := newTestRuntime(t, WithLimits(0, 0, 4))

	var done int
	for range 10 {
		_, err := rt.Spawn(func(any) { done++ }, nil)
		require.NoError(t, err)
	}
	drive(t, rt, 5*time.Second, func() bool { return done == 10 })

	m := rt.Metrics()
	assert.Equal(t, int64(4), m.Pooled)
	assert.Equal(t, uint64(6), m.Freed)
}

func TestSpawn_reusesContext(t *testing.T) {
	rt := newTestRuntime(t)

	var ids []uint64
	for range 2 {
		var done bool
		_, err := rt.Spawn(func(any) {
			ids = append(ids, rt.Current().ID())
			done = true
		}, nil)
		require.NoError(t, err)
		drive(t, rt, time.Second, func() bool { return done })
	}
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
}

func TestSpawn_fiberLimit(t *testing.T) {
	rt := newTestRuntime(t, WithLimits(2, 0, 2))

	for range 2 {
		_, err := rt.Spawn(func(any) {}, nil)
		require.NoError(t, err)
	}
	_, err := rt.Spawn(func(any) {}, nil)
	assert.ErrorIs(t, err, ErrFiberLimit)
}

func TestSpawn_errors(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Spawn(nil, nil)
	assert.ErrorIs(t, err, ErrNilFunc)

	var g errgroup.Group
	g.Go(func() error {
		_, err := rt.Spawn(func(any) {}, nil)
		return err
	})
	assert.ErrorIs(t, g.Wait(), ErrForeignThread)
}

func TestSpawn_fromFiber(t *testing.T) {
	rt := newTestRuntime(t)

	var order []string
	_, err := rt.Spawn(func(any) {
		_, err := rt.Spawn(func(arg any) { order = append(order, arg.(string)) }, "child")
		if err != nil {
			panic(err)
		}
		order = append(order, "parent")
	}, nil)
	require.NoError(t, err)
	drive(t, rt, time.Second, func() bool { return len(order) == 2 })

	// spawning never preempts the spawner
	assert.Equal(t, []string{"parent", "child"}, order)
}

func TestGo_foreign(t *testing.T) {
	rt := newTestRuntime(t)

	var ran bool
	var g errgroup.Group
	g.Go(func() error { return rt.Go(func() { ran = rt.Current() != nil }) })
	require.NoError(t, g.Wait())

	drive(t, rt, time.Second, func() bool { return ran })
	assert.ErrorIs(t, rt.Go(nil), ErrNilFunc)
}

func TestResume_yieldValues(t *testing.T) {
	rt := newTestRuntime(t)

	var finished bool
	f, err := rt.Spawn(func(arg any) {
		v := rt.Yield(arg.(int) + 1)
		rt.Yield(v.(int) * 2)
		finished = true
	}, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, rt.Resume(f, nil))
	assert.Equal(t, 20, rt.Resume(f, 10))
	assert.Nil(t, rt.Resume(f, nil))
	assert.True(t, finished)

	// the pending start event is stale, and must not rerun anything
	finished = false
	rt.RunOnce(rt.Deadline(time.Millisecond))
	assert.False(t, finished)
	assert.Equal(t, int64(0), rt.Metrics().Active)
}

func TestResume_fromFiberIsScheduled(t *testing.T) {
	rt := newTestRuntime(t)

	var trace []string
	target, err := rt.Spawn(func(any) {
		trace = append(trace, "target-start")
		rt.Yield(nil)
		trace = append(trace, "target-resumed")
	}, nil)
	require.NoError(t, err)
	drive(t, rt, time.Second, func() bool { return len(trace) == 1 })

	_, err = rt.Spawn(func(any) {
		assert.Nil(t, rt.Resume(target, nil))
		trace = append(trace, "resumer-continued")
	}, nil)
	require.NoError(t, err)
	drive(t, rt, time.Second, func() bool { return len(trace) == 3 })

	assert.Equal(t, []string{"target-start", "resumer-continued", "target-resumed"}, trace)
}

// A foreign goroutine resuming a context while the main fiber completes and
// reuses it. Run with -race.
func TestResume_foreignWhileReused(t *testing.T) {
	rt := newTestRuntime(t, WithLimits(0, 0, 1))

	var completed int
	body := func(any) {
		rt.Yield(nil)
		completed++
	}
	f, err := rt.Spawn(body, nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			assert.Nil(t, rt.Resume(f, nil))
			time.Sleep(20 * time.Microsecond)
		}
	})

	const cycles = 200
	for i := range cycles {
		if i != 0 {
			reused, err := rt.Spawn(body, nil)
			require.NoError(t, err)
			require.Same(t, f, reused)
		}
		drive(t, rt, 5*time.Second, func() bool {
			// not waiting on the foreign goroutine for progress
			rt.Resume(f, nil)
			return completed == i+1
		})
	}
	close(stop)
	require.NoError(t, g.Wait())

	m := rt.Metrics()
	assert.Equal(t, uint64(cycles-1), m.PoolHits)
	assert.Equal(t, uint64(1), m.PoolMisses)
	assert.Equal(t, int64(0), m.Active)
}

func TestYield_onMainPanics(t *testing.T) {
	rt := newTestRuntime(t)
	assert.PanicsWithValue(t, ErrYieldOnMain, func() { rt.Yield(nil) })
	assert.True(t, rt.IsMainFiber())
	assert.Nil(t, rt.Current())
}

func TestYield_foreignPanics(t *testing.T) {
	rt := newTestRuntime(t)

	var g errgroup.Group
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err, _ = r.(error)
			}
		}()
		rt.Yield(nil)
		return nil
	})
	assert.ErrorIs(t, g.Wait(), ErrForeignThread)
}

func TestAbort(t *testing.T) {
	rt := newTestRuntime(t)

	var deferred, after bool
	_, err := rt.Spawn(func(any) {
		defer func() { deferred = true }()
		rt.Abort()
		after = true
	}, nil)
	require.NoError(t, err)
	drive(t, rt, time.Second, func() bool { return deferred })

	assert.False(t, after)
	m := rt.Metrics()
	assert.Equal(t, int64(0), m.Active)
	assert.Equal(t, int64(0), m.Pooled)
	assert.Equal(t, uint64(1), m.Freed)

	assert.PanicsWithValue(t, ErrNotInFiber, func() { rt.Abort() })
}

func TestFiber_panicIsLogged(t *testing.T) {
	rt, logs := newLoggedRuntime(t)

	var started bool
	_, err := rt.Spawn(func(any) {
		started = true
		panic(errors.New("kaboom"))
	}, nil)
	require.NoError(t, err)
	drive(t, rt, time.Second, func() bool { return rt.Metrics().Freed == 1 })

	assert.True(t, started)
	assert.Contains(t, logs.String(), "fiber panicked")
	assert.Contains(t, logs.String(), "kaboom")
	assert.Equal(t, int64(0), rt.Metrics().Active)
}

func TestSleep_onMainBlocks(t *testing.T) {
	rt := newTestRuntime(t)
	start := time.Now()
	rt.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestRunBlocking(t *testing.T) {
	rt := newTestRuntime(t)

	type result struct {
		value any
		err   error
	}
	var results []result
	var ticks int
	_, err := rt.Spawn(func(any) {
		v, err := rt.RunBlocking(func() (any, error) {
			time.Sleep(20 * time.Millisecond)
			return 42, nil
		})
		results = append(results, result{v, err})
		v, err = rt.RunBlocking(func() (any, error) { panic("nope") })
		results = append(results, result{v, err})
	}, nil)
	require.NoError(t, err)
	_, err = rt.Spawn(func(any) {
		for len(results) == 0 {
			ticks++
			rt.Sleep(time.Millisecond)
		}
	}, nil)
	require.NoError(t, err)

	drive(t, rt, 5*time.Second, func() bool { return len(results) == 2 })

	assert.Equal(t, 42, results[0].value)
	assert.NoError(t, results[0].err)
	var pe PanicError
	require.ErrorAs(t, results[1].err, &pe)
	assert.Equal(t, "nope", pe.Value)
	assert.Greater(t, ticks, 1, "runtime stalled during blocking call")

	v, err := rt.RunBlocking(func() (any, error) { return "inline", nil })
	assert.NoError(t, err)
	assert.Equal(t, "inline", v)
}

func TestPrune(t *testing.T) {
	rt := newTestRuntime(t, WithLimits(0, 1, 16), WithPoolPruning(time.Minute, 0))

	var done int
	for range 3 {
		_, err := rt.Spawn(func(any) { done++ }, nil)
		require.NoError(t, err)
	}
	drive(t, rt, time.Second, func() bool { return done == 3 })
	require.Equal(t, int64(3), rt.Metrics().Pooled)

	assert.Zero(t, rt.prune(rt.Now()))
	assert.Equal(t, 2, rt.prune(rt.Now()+time.Hour))
	m := rt.Metrics()
	assert.Equal(t, int64(1), m.Pooled)
	assert.Equal(t, uint64(2), m.Freed)
}

func TestSetLimits(t *testing.T) {
	rt := newTestRuntime(t)

	var done int
	for range 5 {
		_, err := rt.Spawn(func(any) { done++ }, nil)
		require.NoError(t, err)
	}
	drive(t, rt, time.Second, func() bool { return done == 5 })

	require.NoError(t, rt.SetLimits(0, 0, 2))
	assert.Equal(t, int64(2), rt.Metrics().Pooled)

	assert.Error(t, rt.SetLimits(0, 3, 2))
	assert.Error(t, rt.SetLimits(-1, 0, 2))

	var g errgroup.Group
	g.Go(func() error { return rt.SetLimits(0, 0, 1) })
	assert.ErrorIs(t, g.Wait(), ErrForeignThread)
}

func TestShutdown_unwindsSuspendedFibers(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)

	var unwound []int
	for i := range 3 {
		_, err := rt.Spawn(func(any) {
			defer func() { unwound = append(unwound, i) }()
			rt.Sleep(time.Hour)
			panic(fmt.Sprintf("fiber %d resumed after shutdown", i))
		}, nil)
		require.NoError(t, err)
	}
	drive(t, rt, time.Second, func() bool { return rt.Metrics().Swaps == 3 })

	require.NoError(t, rt.Close())
	assert.ElementsMatch(t, []int{0, 1, 2}, unwound)
	assert.Equal(t, StateStopped, rt.State())
	assert.Equal(t, uint64(3), rt.Metrics().Freed)
}
