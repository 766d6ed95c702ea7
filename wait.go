// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// IOMask is a set of readiness conditions.
type IOMask uint32

const (
	// Readable indicates the descriptor can be read without blocking.
	Readable IOMask = 1 << iota
	// Writable indicates the descriptor can be written without blocking.
	Writable
	// Modified indicates a filesystem change, kqueue only.
	Modified
	// Timeout is reported when a wait deadline passes.
	Timeout
	// Error is reported, along with Readable and Writable, for error and
	// hangup conditions, and when a handle is freed under a waiting fiber.
	Error
)

// interestMask are the bits that may be registered with a backend.
const interestMask = Readable | Writable | Modified

// String returns the set bits joined by "|".
func (m IOMask) String() string {
	if m == 0 {
		return "0"
	}
	var parts []string
	for _, b := range [...]struct {
		bit  IOMask
		name string
	}{
		{Readable, "R"},
		{Writable, "W"},
		{Modified, "M"},
		{Timeout, "TIMEOUT"},
		{Error, "ERROR"},
	} {
		if m&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "|")
}

// HandlerFlags select how a wait handler is dispatched.
type HandlerFlags uint8

const (
	// HandlerSpawn runs the handler in a pooled fiber per event. This is the
	// default.
	HandlerSpawn HandlerFlags = 0
	// HandlerInline runs the handler directly on the main fiber. Inline
	// handlers must not block, and suit accept loops that only spawn.
	HandlerInline HandlerFlags = 1
)

// Handler is a wait handle callback.
type Handler func(h *WaitHandle, events IOMask, arg any)

// ioResult is the resume value delivered to a fiber parked in WaitForIO.
type ioResult struct {
	w    *waiter
	mask IOMask
}

// waiter is one fiber parked in WaitForIO.
type waiter struct {
	fiber *Fiber
	gen   uint64
	// deadline is an absolute tick, zero for none
	deadline time.Duration
	mask     IOMask
}

// WaitHandle is the readiness registration for one file descriptor. At most
// one handle exists per live descriptor. Handles are used from the main
// fiber, or the fiber that currently runs.
//
// Any number of fibers may wait on a handle at once, each with its own
// interest and deadline, so one fiber may wait to read while another waits
// to write. The backend registration is the union of the mask set by
// SetMask and the masks of parked waiters.
//
// Readiness is edge-triggered where the backend allows it, so a consumer
// must drain the descriptor (until EAGAIN) after each notification.
type WaitHandle struct {
	rt      *Runtime
	handler Handler
	arg     any
	waiters []*waiter
	// deadline is the handle's own deadline, an absolute tick, zero for none
	deadline time.Duration
	// due is the earliest of deadline and the waiter deadlines
	due time.Duration
	fd  int
	// interest is the mask set by SetMask or SetHandler
	interest IOMask
	// mask is exactly what is registered with the backend
	mask IOMask
	// pending holds readiness that was not delivered, either for lack of a
	// waiter or handler, or for lack of a fiber to run the handler in
	pending IOMask
	// retry is the event redelivering pending to a spawn handler
	retry EventID
	flags HandlerFlags
	freed bool
}

// Allocate creates the wait handle for fd. Nothing is registered with the
// backend until a non-zero mask is set.
func (rt *Runtime) Allocate(fd int) (*WaitHandle, error) {
	if fd < 0 {
		return nil, ErrFDOutOfRange
	}
	if !rt.isOwner(goroutineID()) {
		return nil, ErrForeignThread
	}
	if rt.state.Load() == StateStopped {
		return nil, ErrStopped
	}
	h := &WaitHandle{rt: rt, fd: fd}
	if err := rt.waits.insert(h); err != nil {
		return nil, err
	}
	return h, nil
}

// FD returns the descriptor.
func (h *WaitHandle) FD() int { return h.fd }

// Mask returns the interest mask registered with the backend, which
// includes the interest of any parked waiters.
func (h *WaitHandle) Mask() IOMask { return h.mask }

// Deadline returns the handle's deadline, zero for none. Waiter deadlines
// are not included.
func (h *WaitHandle) Deadline() time.Duration { return h.deadline }

// SetMask sets the interest mask and deadline. Setting the registered mask
// again issues no backend call, but the deadline is always updated. A zero
// mask removes the descriptor from the backend, unless a fiber is waiting
// on it.
func (h *WaitHandle) SetMask(mask IOMask, deadline time.Duration) error {
	if h.freed {
		return ErrHandleFreed
	}
	h.deadline = deadline
	h.refreshDue()
	prev := h.interest
	h.interest = mask & interestMask
	if err := h.register(); err != nil {
		h.interest = prev
		return err
	}
	return nil
}

// refreshDue recomputes the earliest deadline across the handle and its
// waiters.
func (h *WaitHandle) refreshDue() {
	due := h.deadline
	for _, w := range h.waiters {
		if w.deadline != 0 && (due == 0 || w.deadline < due) {
			due = w.deadline
		}
	}
	h.rt.waits.setDue(h, due)
}

// register brings the backend registration in line with the handle's
// interest and its waiters. h.mask always reflects what the backend holds.
func (h *WaitHandle) register() error {
	mask := h.interest
	for _, w := range h.waiters {
		mask |= w.mask
	}
	if mask == h.mask {
		return nil
	}
	rt := h.rt
	var err error
	switch {
	case h.mask == 0:
		err = rt.backendCall(func() error { return rt.backend.Add(h.fd, mask) })
	case mask == 0:
		err = rt.backendCall(func() error { return rt.backend.Delete(h.fd, h.mask) })
	default:
		err = rt.backendCall(func() error { return rt.backend.Modify(h.fd, h.mask, mask) })
		if err != nil && !errors.Is(err, ErrMaskUnsupported) && !errors.Is(err, ErrBackendClosed) {
			// fall back to delete and add
			_ = rt.backendCall(func() error { return rt.backend.Delete(h.fd, h.mask) })
			h.mask = 0
			err = rt.backendCall(func() error { return rt.backend.Add(h.fd, mask) })
		}
	}
	if err != nil {
		return err
	}
	h.mask = mask
	return nil
}

func (rt *Runtime) backendCall(fn func() error) error {
	rt.counters.backendCalls.Add(1)
	return fn()
}

// SetHandler sets the callback run when the descriptor becomes ready or
// its deadline passes, then applies mask and deadline as per SetMask.
// A nil handler clears it.
func (h *WaitHandle) SetHandler(handler Handler, arg any, mask IOMask, deadline time.Duration, flags HandlerFlags) error {
	if h.freed {
		return ErrHandleFreed
	}
	h.handler = handler
	h.arg = arg
	h.flags = flags
	return h.SetMask(mask, deadline)
}

// WaitForIO parks the calling fiber until the descriptor satisfies mask, or
// deadline passes, and returns the conditions that fired. The wait adds to
// the handle's registration for its duration, and other fibers may wait on
// the same handle concurrently, with their own masks and deadlines.
//
// A freed handle, or a fiber torn down at shutdown, resumes the waiter with
// Readable|Writable|Error|Timeout.
func (h *WaitHandle) WaitForIO(mask IOMask, deadline time.Duration) (IOMask, error) {
	if h.freed {
		return 0, ErrHandleFreed
	}
	rt := h.rt
	f := rt.currentFiber()
	if f == nil {
		if rt.isMainGoroutine(goroutineID()) {
			return 0, ErrNotInFiber
		}
		return 0, ErrForeignThread
	}

	if ready := h.pending & mask; ready != 0 {
		h.pending &^= ready
		return ready, nil
	}

	w := &waiter{fiber: f, gen: f.gen.Load(), mask: mask & interestMask, deadline: deadline}
	h.waiters = append(h.waiters, w)
	if err := h.register(); err != nil {
		h.removeWaiter(w)
		return 0, err
	}
	h.refreshDue()

	var result IOMask
	for {
		v := rt.Yield(nil)
		if r, ok := v.(ioResult); ok && r.w == w {
			result = r.mask
			break
		}
		if f.dying() {
			result = Readable | Writable | Error | Timeout
			break
		}
	}

	if !h.freed {
		h.removeWaiter(w)
		h.refreshDue()
		if err := h.register(); err != nil {
			rt.logger.Err().
				Int("fd", h.fd).
				Err(err).
				Log("fiberloop: failed to restore wait mask")
		}
	}
	return result, nil
}

func (h *WaitHandle) removeWaiter(w *waiter) {
	if i := slices.Index(h.waiters, w); i >= 0 {
		h.waiters = slices.Delete(h.waiters, i, i+1)
	}
}

// takeWaiters removes and returns the waiters matching fn, in wait order.
func (h *WaitHandle) takeWaiters(fn func(w *waiter) bool) []*waiter {
	var taken []*waiter
	h.waiters = slices.DeleteFunc(h.waiters, func(w *waiter) bool {
		if fn(w) {
			taken = append(taken, w)
			return true
		}
		return false
	})
	return taken
}

// Free unregisters the handle. Every fiber parked in WaitForIO on it is
// resumed immediately with Readable|Writable|Error|Timeout. Free the handle
// before closing the descriptor, since closing removes it from some
// backends implicitly.
func (h *WaitHandle) Free() error {
	if h.freed {
		return ErrHandleFreed
	}
	rt := h.rt
	var err error
	if h.mask != 0 {
		err = rt.backendCall(func() error { return rt.backend.Delete(h.fd, h.mask) })
		if errors.Is(err, ErrBackendClosed) {
			err = nil
		}
	}
	rt.waits.remove(h)
	if h.retry != 0 {
		_ = rt.Cancel(h.retry)
		h.retry = 0
	}
	h.freed = true
	h.mask = 0
	h.interest = 0
	h.deadline = 0
	h.due = 0
	h.handler = nil
	h.arg = nil
	h.pending = 0
	waiters := h.waiters
	h.waiters = nil
	for _, w := range waiters {
		rt.resumeWaiter(w, Readable|Writable|Error|Timeout)
	}
	return err
}

// resumeWaiter wakes a fiber parked in WaitForIO. On the main fiber it
// switches directly, otherwise the resumption goes through the timer queue.
func (rt *Runtime) resumeWaiter(w *waiter, mask IOMask) {
	f := w.fiber
	if f.gen.Load() != w.gen || f.status != fiberSuspended {
		return
	}
	res := ioResult{w: w, mask: mask}
	if rt.current.Load() == nil && rt.isMainGoroutine(goroutineID()) {
		rt.switchTo(f, res)
		return
	}
	_, _ = rt.Schedule(f, nil, res, 0, EventFast)
}

// dispatch delivers readiness for one handle: to each waiter interested in
// it, then whatever no waiter took to the handler, or else records it as
// pending.
func (rt *Runtime) dispatch(h *WaitHandle, events IOMask) {
	if h.freed {
		return
	}
	woken := h.takeWaiters(func(w *waiter) bool { return events&(w.mask|Error) != 0 })
	if len(woken) == 0 {
		rt.deliver(h, events)
		return
	}
	var taken IOMask
	for _, w := range woken {
		taken |= w.mask
	}
	h.refreshDue()
	for _, w := range woken {
		rt.resumeWaiter(w, events)
	}
	if h.freed {
		return
	}
	if rest := events &^ taken; rest&interestMask != 0 {
		rt.deliver(h, rest)
	}
	if err := h.register(); err != nil {
		rt.logger.Err().
			Int("fd", h.fd).
			Err(err).
			Log("fiberloop: failed to restore wait mask")
	}
}

// expire reports deadlines at or before now: each expired waiter is resumed
// with Timeout, and an expired handle deadline is delivered to the handler.
// Each expiry is reported once.
func (rt *Runtime) expire(h *WaitHandle, now time.Duration) {
	if h.freed {
		return
	}
	woken := h.takeWaiters(func(w *waiter) bool { return w.deadline != 0 && w.deadline <= now })
	expired := h.deadline != 0 && h.deadline <= now
	if expired {
		h.deadline = 0
	}
	h.refreshDue()
	for _, w := range woken {
		rt.resumeWaiter(w, Timeout)
	}
	if h.freed {
		return
	}
	if expired {
		rt.deliver(h, Timeout)
	}
	if h.freed || len(woken) == 0 {
		return
	}
	if err := h.register(); err != nil {
		rt.logger.Err().
			Int("fd", h.fd).
			Err(err).
			Log("fiberloop: failed to restore wait mask")
	}
}

// deliver runs the handler for events, or records them as pending.
func (rt *Runtime) deliver(h *WaitHandle, events IOMask) {
	handler := h.handler
	if handler == nil {
		h.pending |= events
		return
	}
	arg := h.arg
	if h.flags&HandlerInline != 0 {
		rt.safeExecute(func(any) { handler(h, events, arg) }, nil)
		return
	}
	// anything held back for lack of a fiber goes out with this event
	events |= h.pending
	h.pending = 0
	f, err := rt.allocFiber(func(any) { handler(h, events, arg) }, nil)
	if err != nil {
		h.pending |= events
		rt.retryHandler(h, err)
		return
	}
	rt.switchTo(f, nil)
}

// retryHandler redelivers pending readiness to a spawn handler that could
// not get a fiber. Readiness is edge triggered, so it will not be reported
// again. The redelivery is a regular callback event, which the timer queue
// re-queues until a fiber is available.
func (rt *Runtime) retryHandler(h *WaitHandle, cause error) {
	if h.retry != 0 {
		return
	}
	id, err := rt.Schedule(nil, func(any) {
		h.retry = 0
		events := h.pending
		handler, arg := h.handler, h.arg
		if h.freed || handler == nil || events == 0 {
			return
		}
		h.pending = 0
		handler(h, events, arg)
	}, nil, 0, 0)
	if err != nil {
		rt.logger.Warning().
			Int("fd", h.fd).
			Err(cause).
			Log("fiberloop: no fiber for wait handler")
		return
	}
	h.retry = id
	rt.logger.Debug().
		Int("fd", h.fd).
		Err(cause).
		Log("fiberloop: wait handler deferred")
}
