// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"runtime"
	"sync/atomic"
	"time"
)

type fiberStatus uint8

const (
	// fiberIdle fibers are parked in the pool.
	fiberIdle fiberStatus = iota
	// fiberReady fibers have an entry assigned but have not started it.
	fiberReady
	// fiberSuspended fibers have yielded from inside their entry.
	fiberSuspended
	fiberRunning
	fiberDead
)

type fiberMsgKind uint8

const (
	msgYield fiberMsgKind = iota
	msgDone
	msgPanicked
	msgAborted
)

type fiberMsg struct {
	value any
	kind  fiberMsgKind
}

// Fiber is a cooperatively scheduled unit of execution. Each fiber is backed
// by a goroutine that only runs while the main fiber has handed it control,
// so at most one fiber executes at any instant.
//
// A Fiber is only valid while its entry function runs. Once the entry
// returns the Fiber may be reused for an unrelated entry.
type Fiber struct {
	rt        *Runtime
	entry     func(arg any)
	arg       any
	exception error
	stack     *Stack
	resume    chan any
	yield     chan fiberMsg
	exited    chan struct{}
	idleSince time.Duration
	id        uint64
	gid       uint64
	// gen changes each time the context is assigned or released, and is
	// read by foreign goroutines scheduling a resume.
	gen       atomic.Uint64
	status    fiberStatus
	// killed is set before resume is closed, while the runtime tears the
	// fiber down. Read only by the fiber's goroutine after the close.
	killed bool
}

// ID returns a runtime unique identifier for the fiber's backing context.
// Pooled contexts keep their id across reuse.
func (f *Fiber) ID() uint64 { return f.id }

// Stack returns the fiber-local stack memory region.
func (f *Fiber) Stack() *Stack { return f.stack }

// Exception returns the fault captured by the most recent [Runtime.Protect]
// block on this fiber, or nil.
func (f *Fiber) Exception() error { return f.exception }

func (f *Fiber) generation() uint64 {
	if f == nil {
		return 0
	}
	return f.gen.Load()
}

// dying reports whether the fiber is being torn down, in which case
// blocking primitives return immediately.
func (f *Fiber) dying() bool { return f.killed }

// newFiber creates a fiber context and parks its goroutine, waiting for the
// first resume.
func (rt *Runtime) newFiber(stack *Stack) *Fiber {
	rt.nextFiberID++
	f := &Fiber{
		rt:     rt,
		id:     rt.nextFiberID,
		stack:  stack,
		resume: make(chan any),
		yield:  make(chan fiberMsg),
		exited: make(chan struct{}),
	}
	started := make(chan uint64)
	go f.run(started)
	f.gid = <-started
	return f
}

// run is the fiber's goroutine. Each iteration of the loop is one
// activation of an entry function; between activations the goroutine is
// parked on resume, which is what keeps a pooled context alive.
func (f *Fiber) run(started chan<- uint64) {
	defer close(f.exited)
	defer func() {
		if f.killed {
			return
		}
		// Abort, via runtime.Goexit
		f.rt.counters.exitFiber()
		f.yield <- fiberMsg{kind: msgAborted}
	}()

	started <- goroutineID()

	for {
		if _, ok := <-f.resume; !ok {
			return
		}
		f.rt.counters.enterFiber()
		err := f.runEntry()
		f.rt.counters.exitFiber()
		if err != nil {
			f.yield <- fiberMsg{kind: msgPanicked, value: err}
		} else {
			f.yield <- fiberMsg{kind: msgDone}
		}
	}
}

func (f *Fiber) runEntry() (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if fe := asFault(r); fe != nil {
			// fail fast, the fiber was not in a protected block
			f.rt.logger.Crit().
				Uint64("fiber", f.id).
				Str("kind", fe.Kind.String()).
				Uint64("addr", uint64(fe.Addr)).
				Log("fiberloop: unprotected fault in fiber")
			f.killed = true
			panic(r)
		}
		err = PanicError{Value: r}
	}()
	f.entry(f.arg)
	return nil
}

// switchTo transfers control from the main fiber into f, passing v, and
// blocks until f yields, completes, panics, or aborts.
func (rt *Runtime) switchTo(f *Fiber, v any) any {
	switch f.status {
	case fiberReady, fiberSuspended:
	default:
		return nil
	}
	f.status = fiberRunning
	rt.current.Store(f)
	rt.counters.swaps.Add(1)
	f.resume <- v
	msg := <-f.yield
	rt.current.Store(nil)

	switch msg.kind {
	case msgYield:
		f.status = fiberSuspended
		return msg.value
	case msgDone:
		rt.release(f)
	case msgPanicked:
		rt.logger.Err().
			Uint64("fiber", f.id).
			Err(msg.value.(error)).
			Log("fiberloop: fiber panicked")
		rt.discard(f)
	case msgAborted:
		rt.discard(f)
	}
	return nil
}

// Spawn allocates a fiber, from the pool where possible, that will run
// entry(arg). The fiber is started through the timer queue at the next main
// fiber opportunity, never inline, so the caller is not preempted.
//
// Spawn may be called from the main fiber or from a running fiber. Foreign
// goroutines receive [ErrForeignThread], and should use [Runtime.Go] or
// [Runtime.Schedule] instead.
func (rt *Runtime) Spawn(entry func(arg any), arg any) (*Fiber, error) {
	if entry == nil {
		return nil, ErrNilFunc
	}
	if !rt.state.CanAcceptWork() {
		return nil, ErrStopped
	}
	if !rt.isOwner(goroutineID()) {
		return nil, ErrForeignThread
	}
	f, err := rt.allocFiber(entry, arg)
	if err != nil {
		return nil, err
	}
	if _, err := rt.Schedule(f, nil, nil, 0, EventFast|eventStart); err != nil {
		rt.release(f)
		return nil, err
	}
	return f, nil
}

// Go runs fn in a pooled fiber. Unlike [Runtime.Spawn] it is safe to call
// from any goroutine; the fiber is allocated on the main fiber.
func (rt *Runtime) Go(fn func()) error {
	if fn == nil {
		return ErrNilFunc
	}
	_, err := rt.Schedule(nil, func(any) { fn() }, nil, 0, 0)
	return err
}

// Resume transfers control to f, which receives v as the result of its
// pending [Runtime.Yield] (or starts, if it has not yet run).
//
// Called on the main fiber, Resume switches directly, blocks until f next
// yields, and returns the value f yielded. Called from any other fiber or
// goroutine, Resume instead schedules f through the timer queue, and returns
// nil immediately, so that the main fiber services I/O and timers between
// any two fiber activations.
func (rt *Runtime) Resume(f *Fiber, v any) any {
	if f == nil {
		return nil
	}
	if rt.current.Load() == nil && rt.isMainGoroutine(goroutineID()) {
		return rt.switchTo(f, v)
	}
	_, _ = rt.Schedule(f, nil, v, 0, EventFast)
	return nil
}

// resumeScheduled is the timer queue target for fiber events. Events that
// refer to an earlier use of a pooled context are dropped.
func (rt *Runtime) resumeScheduled(f *Fiber, gen uint64, v any) {
	if f.gen.Load() != gen {
		return
	}
	rt.switchTo(f, v)
}

// Yield suspends the calling fiber, returning control and v to the main
// fiber, and returns the value supplied by the next resume. Yield panics
// with [ErrYieldOnMain] if called on the main fiber.
func (rt *Runtime) Yield(v any) any {
	f := rt.callerFiber()
	if f.killed {
		return nil
	}
	rt.counters.exitFiber()
	f.yield <- fiberMsg{kind: msgYield, value: v}
	r, ok := <-f.resume
	if !ok {
		runtime.Goexit()
	}
	rt.counters.enterFiber()
	return r
}

// callerFiber returns the fiber executing the caller, panicking on misuse.
func (rt *Runtime) callerFiber() *Fiber {
	gid := goroutineID()
	if f := rt.current.Load(); f != nil && f.gid == gid {
		return f
	}
	if rt.isMainGoroutine(gid) {
		panic(ErrYieldOnMain)
	}
	panic(ErrForeignThread)
}

// currentFiber returns the fiber executing the caller, or nil if the caller
// is not a fiber.
func (rt *Runtime) currentFiber() *Fiber {
	if f := rt.current.Load(); f != nil && f.gid == goroutineID() {
		return f
	}
	return nil
}

type sleepToken struct{}

// Sleep suspends the calling fiber for d, letting other fibers run. On the
// main fiber, or a foreign goroutine, it blocks the OS thread instead.
func (rt *Runtime) Sleep(d time.Duration) {
	f := rt.currentFiber()
	if f == nil {
		time.Sleep(d)
		return
	}
	tok := &sleepToken{}
	id, err := rt.Schedule(f, nil, tok, d, EventFast)
	if err != nil {
		return
	}
	for {
		if rt.Yield(nil) == tok || f.killed {
			break
		}
	}
	_ = rt.Cancel(id)
}

// Abort terminates the calling fiber. Deferred calls run, and the fiber is
// freed rather than returned to the pool. Abort does not return.
func (rt *Runtime) Abort() {
	f := rt.currentFiber()
	if f == nil {
		panic(ErrNotInFiber)
	}
	f.status = fiberDead
	runtime.Goexit()
}

// Current returns the fiber executing the caller, or nil on the main fiber
// and foreign goroutines.
func (rt *Runtime) Current() *Fiber {
	return rt.currentFiber()
}

// IsMainFiber reports whether the caller is the main fiber.
func (rt *Runtime) IsMainFiber() bool {
	return rt.current.Load() == nil && rt.isMainGoroutine(goroutineID())
}
