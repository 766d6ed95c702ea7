// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"errors"
	"fmt"
	"time"
)

// allocFiber takes a fiber from the pool, or creates one, and assigns it an
// entry. Main fiber (or running fiber) only.
func (rt *Runtime) allocFiber(entry func(arg any), arg any) (*Fiber, error) {
	if rt.maxActive > 0 && int(rt.counters.active.Load()) >= rt.maxActive {
		return nil, ErrFiberLimit
	}

	var f *Fiber
	if n := len(rt.free); n != 0 {
		f = rt.free[n-1]
		rt.free[n-1] = nil
		rt.free = rt.free[:n-1]
		rt.counters.pooled.Add(-1)
		rt.counters.poolHits.Add(1)
		if f.stack.Committed() > rt.stackCfg.ResetThreshold {
			f.stack.reset()
		}
	} else {
		stack, err := newStack(rt.stackCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
		}
		f = rt.newFiber(stack)
		rt.fibers[f] = struct{}{}
		rt.counters.poolMisses.Add(1)
	}

	f.entry = entry
	f.arg = arg
	f.exception = nil
	f.status = fiberReady
	f.gen.Add(1)
	rt.counters.active.Add(1)
	rt.counters.spawns.Add(1)
	return f, nil
}

// release returns an active fiber whose entry has finished to the pool, or
// destroys it if the pool is full or the runtime is shutting down.
func (rt *Runtime) release(f *Fiber) {
	rt.counters.active.Add(-1)
	f.entry = nil
	f.arg = nil
	f.gen.Add(1)
	if len(rt.free) >= rt.poolMax || !rt.state.CanAcceptWork() {
		rt.destroy(f)
		return
	}
	f.status = fiberIdle
	f.idleSince = rt.clock.Now()
	rt.free = append(rt.free, f)
	rt.counters.pooled.Add(1)
}

// discard frees an active fiber that terminated abnormally.
func (rt *Runtime) discard(f *Fiber) {
	rt.counters.active.Add(-1)
	rt.destroy(f)
}

// destroy stops the fiber's goroutine, if it is still alive, and frees its
// stack. A suspended fiber unwinds from its pending Yield, running its
// deferred calls on the way out.
func (rt *Runtime) destroy(f *Fiber) {
	if _, ok := rt.fibers[f]; !ok {
		return
	}
	delete(rt.fibers, f)
	f.killed = true
	f.gen.Add(1)
	select {
	case <-f.exited:
	default:
		// the fiber owns the runtime while its deferred calls run
		prev := rt.current.Swap(f)
		close(f.resume)
		<-f.exited
		rt.current.Store(prev)
	}
	f.status = fiberDead
	f.entry = nil
	f.arg = nil
	if err := f.stack.free(); err != nil {
		rt.logger.Err().
			Uint64("fiber", f.id).
			Err(err).
			Log("fiberloop: failed to free fiber stack")
	}
	rt.counters.freed.Add(1)
}

// prune frees pooled fibers idle for longer than the idle timeout, oldest
// first, keeping at least poolMin.
func (rt *Runtime) prune(now time.Duration) int {
	var n int
	for len(rt.free) > rt.poolMin && now-rt.free[0].idleSince > rt.idleTimeout {
		f := rt.free[0]
		rt.free[0] = nil
		rt.free = rt.free[1:]
		rt.counters.pooled.Add(-1)
		rt.destroy(f)
		n++
	}
	if n != 0 {
		rt.logger.Debug().
			Int("pruned", n).
			Int("pooled", len(rt.free)).
			Log("fiberloop: pruned idle fibers")
	}
	return n
}

func (rt *Runtime) schedulePrune() {
	if rt.pruneInterval <= 0 || rt.pruneID != 0 {
		return
	}
	var tick func(any)
	tick = func(any) {
		rt.pruneID = 0
		rt.prune(rt.clock.Now())
		if rt.state.Load() != StateRunning {
			return
		}
		if id, err := rt.Schedule(nil, tick, nil, rt.pruneInterval, EventFast); err == nil {
			rt.pruneID = id
		}
	}
	if id, err := rt.Schedule(nil, tick, nil, rt.pruneInterval, EventFast); err == nil {
		rt.pruneID = id
	}
}

// SetLimits sets the maximum number of active fibers (zero for unlimited)
// and the bounds of the fiber pool. Excess pooled fibers are freed
// immediately. Main fiber only.
func (rt *Runtime) SetLimits(maxActive, poolMin, poolMax int) error {
	if maxActive < 0 || poolMin < 0 || poolMax < 0 || poolMin > poolMax {
		return errors.New("fiberloop: invalid fiber limits")
	}
	if !rt.isOwner(goroutineID()) {
		return ErrForeignThread
	}
	rt.maxActive = maxActive
	rt.poolMin = poolMin
	rt.poolMax = poolMax
	for len(rt.free) > poolMax {
		f := rt.free[0]
		rt.free[0] = nil
		rt.free = rt.free[1:]
		rt.counters.pooled.Add(-1)
		rt.destroy(f)
	}
	return nil
}

// SetStackConfig changes the stack configuration for fibers created after
// the call. Pooled fibers keep their stacks. Main fiber only.
func (rt *Runtime) SetStackConfig(cfg StackConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if !rt.isOwner(goroutineID()) {
		return ErrForeignThread
	}
	rt.stackCfg = cfg
	return nil
}

// destroyFibers tears down every fiber, pooled or suspended.
func (rt *Runtime) destroyFibers() {
	for _, f := range rt.free {
		rt.counters.pooled.Add(-1)
		rt.destroy(f)
	}
	clear(rt.free)
	rt.free = rt.free[:0]
	for f := range rt.fibers {
		if f.status != fiberIdle {
			rt.counters.active.Add(-1)
		}
		rt.destroy(f)
	}
}
