// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Runtime is a single-threaded cooperative runtime: a fiber scheduler, a
// wait multiplexer over a platform readiness backend, and a timer queue.
//
// All fibers, I/O dispatch and timer callbacks execute one at a time, under
// the control of the main fiber, which is the goroutine calling [Runtime.Run]
// (or, before that, the goroutine that called [New]). Foreign goroutines may
// only use [Runtime.Schedule], [Runtime.Cancel], [Runtime.TriggerNow],
// [Runtime.Wakeup], [Runtime.Resume], [Runtime.Go] and the lifecycle methods.
type Runtime struct { // betteralign:ignore
	logger      *logiface.Logger[logiface.Event]
	pollLimiter *catrate.Limiter
	backend     backend
	clock       *clock
	timers      *timerQueue
	waits       *waitMap
	state       *fastState

	// main-only
	fibers    map[*Fiber]struct{}
	free      []*Fiber
	readyBuf  []readyEvent
	expireBuf []*WaitHandle
	stackCfg  StackConfig

	current     atomic.Pointer[Fiber]
	mainGID     atomic.Uint64
	sleeping    atomic.Bool
	wakePending atomic.Bool

	counters counters

	maxPollInterval time.Duration
	idleTimeout     time.Duration
	pruneInterval   time.Duration
	maxActive       int
	poolMin         int
	poolMax         int
	nextFiberID     uint64
	pruneID         EventID
}

// New creates a runtime in [StateInitialized]. The calling goroutine is
// treated as the main fiber until [Runtime.Run] is called.
func New(opts ...Option) (*Runtime, error) {
	options, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	limiter, err := newRateLimiter(options.pollErrorRates)
	if err != nil {
		return nil, err
	}
	be, err := newBackend(options.backend)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		logger:          options.logger,
		pollLimiter:     limiter,
		backend:         be,
		clock:           newClock(),
		timers:          newTimerQueue(),
		waits:           newWaitMap(),
		state:           newFastState(),
		fibers:          make(map[*Fiber]struct{}),
		stackCfg:        options.stack,
		maxPollInterval: options.maxPollInterval,
		idleTimeout:     options.idleTimeout,
		pruneInterval:   options.pruneInterval,
		maxActive:       options.maxActive,
		poolMin:         options.poolMin,
		poolMax:         options.poolMax,
	}
	rt.mainGID.Store(goroutineID())
	rt.logger.Debug().
		Str("backend", be.Kind().String()).
		Str("stack", options.stack.Strategy.String()).
		Log("fiberloop: runtime created")
	return rt, nil
}

// isMainGoroutine reports whether gid is the main fiber's goroutine.
func (rt *Runtime) isMainGoroutine(gid uint64) bool {
	return rt.mainGID.Load() == gid
}

// isOwner reports whether gid may touch scheduler state: the main fiber
// while no fiber runs, or the running fiber.
func (rt *Runtime) isOwner(gid uint64) bool {
	if f := rt.current.Load(); f != nil {
		return f.gid == gid
	}
	return rt.isMainGoroutine(gid)
}

func (rt *Runtime) mustBeMain() {
	if rt.current.Load() != nil || !rt.isMainGoroutine(goroutineID()) {
		panic(ErrForeignThread)
	}
}

// State returns the current lifecycle state.
func (rt *Runtime) State() State {
	return rt.state.Load()
}

// SetState requests a lifecycle transition, and wakes the multiplexer so
// the main loop observes it promptly. It is safe to call from any goroutine,
// including one servicing OS signals. Only [StateStopping] and
// [StateRestart] (from [StateRunning]) may be requested.
func (rt *Runtime) SetState(s State) bool {
	switch s {
	case StateStopping, StateRestart:
	default:
		return false
	}
	for {
		cur := rt.state.Load()
		if !validTransition(cur, s) {
			return false
		}
		if rt.state.TryTransition(cur, s) {
			rt.Wakeup()
			return true
		}
	}
}

// Stop requests an orderly shutdown of a running runtime.
func (rt *Runtime) Stop() bool {
	return rt.SetState(StateStopping)
}

// Restart requests that [Runtime.Run] return [ErrRestart].
func (rt *Runtime) Restart() bool {
	return rt.SetState(StateRestart)
}

// Wakeup interrupts a blocked [Runtime.RunOnce]. It never blocks, does not
// allocate, and may be called from any goroutine.
func (rt *Runtime) Wakeup() {
	if !rt.wakePending.CompareAndSwap(false, true) {
		return
	}
	rt.counters.wakeups.Add(1)
	if err := rt.backend.Wakeup(); err != nil {
		rt.wakePending.Store(false)
	}
}

// Run binds the calling goroutine, locked to its OS thread, as the main
// fiber and runs the main loop until the runtime is stopped, a restart is
// requested, or ctx is done.
//
// Run returns nil after a stop, with the runtime in [StateStopped] and all
// resources released. After a restart request it returns [ErrRestart], with
// the runtime back in [StateInitialized], and Run may be called again. If
// ctx is done the runtime is stopped and ctx.Err() is returned.
func (rt *Runtime) Run(ctx context.Context) error {
	if !rt.state.TryTransition(StateInitialized, StateRunning) {
		switch rt.state.Load() {
		case StateStopped, StateStopping:
			return ErrStopped
		default:
			return ErrAlreadyRunning
		}
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	rt.mainGID.Store(goroutineID())

	stopWatch := context.AfterFunc(ctx, func() {
		rt.Stop()
	})
	defer stopWatch()

	rt.logger.Info().
		Str("backend", rt.backend.Kind().String()).
		Log("fiberloop: running")

	rt.schedulePrune()

	for {
		switch rt.state.Load() {
		case StateStopping:
			rt.shutdown()
			rt.logger.Info().Log("fiberloop: stopped")
			return ctx.Err()
		case StateRestart:
			rt.cancelPrune()
			rt.state.Store(StateInitialized)
			rt.logger.Info().Log("fiberloop: restarting")
			return ErrRestart
		}
		rt.RunOnce(rt.clock.Now() + rt.maxPollInterval)
	}
}

func (rt *Runtime) cancelPrune() {
	if rt.pruneID != 0 {
		_ = rt.Cancel(rt.pruneID)
		rt.pruneID = 0
	}
}

// RunOnce performs one iteration of the main loop. It blocks in the wait
// backend until a descriptor is ready, a wakeup arrives, or the earliest of
// deadline (an absolute tick, zero for none), the earliest wait deadline and
// the earliest timer passes. It then dispatches ready descriptors, expires
// wait deadlines with [Timeout], and runs due timers.
//
// Due timers run on every call, whether or not any descriptor fired, so
// timers are never deferred behind a busy descriptor.
//
// RunOnce returns the earliest pending deadline, or zero if there is none.
// It must be called on the main fiber.
func (rt *Runtime) RunOnce(deadline time.Duration) time.Duration {
	rt.mustBeMain()
	if rt.state.Load() == StateStopped {
		return 0
	}

	// set before reading deadlines, so a concurrent Schedule either is seen
	// below or sees the flag and wakes the backend
	rt.sleeping.Store(true)
	timeout := rt.pollTimeout(deadline)

	start := time.Now()
	events, err := rt.backend.Wait(pollTimeoutMs(timeout), rt.readyBuf[:0])
	rt.sleeping.Store(false)
	rt.wakePending.Store(false)
	rt.counters.polls.Add(1)
	rt.counters.pollLatency.record(time.Since(start))
	if err != nil {
		rt.logPollError("wait", err)
		events = events[:0]
	}
	rt.readyBuf = events

	for _, ev := range events {
		if h := rt.waits.lookup(ev.fd); h != nil {
			rt.dispatch(h, ev.events)
		}
	}
	clear(events)

	now := rt.clock.Now()
	rt.expireBuf = rt.waits.expired(now, rt.expireBuf[:0])
	for _, h := range rt.expireBuf {
		rt.expire(h, now)
	}
	clear(rt.expireBuf)

	rt.RunDue(rt.clock.Now())

	return rt.nextDeadline()
}

// pollTimeout computes how long the backend may block, negative meaning
// indefinitely.
func (rt *Runtime) pollTimeout(deadline time.Duration) time.Duration {
	next := deadline
	if d, ok := rt.waits.earliest(); ok && (next == 0 || d < next) {
		next = d
	}
	if d, ok := rt.timers.next(); ok && (next == 0 || d < next) {
		next = d
	}
	if next == 0 {
		return -1
	}
	return max(next-rt.clock.Now(), 0)
}

func (rt *Runtime) nextDeadline() time.Duration {
	var next time.Duration
	if d, ok := rt.waits.earliest(); ok {
		next = d
	}
	if d, ok := rt.timers.next(); ok && (next == 0 || d < next) {
		next = d
	}
	return next
}

// shutdown releases everything. Fibers still suspended are unwound, so
// their deferred calls run.
func (rt *Runtime) shutdown() {
	rt.cancelPrune()
	rt.destroyFibers()
	for _, h := range rt.waits.all() {
		_ = h.Free()
	}
	rt.timers.clear()
	if err := rt.backend.Close(); err != nil {
		rt.logger.Err().Err(err).Log("fiberloop: failed to close wait backend")
	}
	rt.state.Store(StateStopped)
}

// Close stops a runtime that is not running, releasing its resources. A
// running runtime is asked to stop, and Close returns without waiting for
// [Runtime.Run] to exit.
func (rt *Runtime) Close() error {
	for {
		switch cur := rt.state.Load(); cur {
		case StateStopped:
			return nil
		case StateRunning:
			rt.Stop()
			return nil
		case StateStopping:
			return nil
		default:
			// Initialized or Restart, nothing is running
			if !rt.state.TryTransition(cur, StateStopping) {
				continue
			}
			rt.mainGID.Store(goroutineID())
			rt.shutdown()
			return nil
		}
	}
}
