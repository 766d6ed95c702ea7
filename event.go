// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// EventID identifies a scheduled timer event. Zero is never a valid id.
type EventID uint64

// EventFlags modify how a timer event is dispatched.
type EventFlags uint8

const (
	// EventFast runs a callback inline on the main fiber, instead of in a
	// pooled fiber. Fast callbacks must not block or yield.
	EventFast EventFlags = 1 << iota
)

// eventStart marks the event that first runs a spawned fiber. It is dropped
// if the fiber was started some other way in the meantime.
const eventStart EventFlags = 1 << 7

const eventIDMask = 1<<63 - 1

// requeueDelay is the retry delay for callbacks that could not get a fiber.
const requeueDelay = time.Millisecond

// timerEvent is a scheduled one-shot callback or fiber resumption.
type timerEvent struct {
	arg   any
	fiber *Fiber
	cb    func(arg any)
	when  time.Duration
	seq   uint64
	gen   uint64
	id    EventID
	index int
	flags EventFlags
}

// timerHeap is a min-heap keyed by (when, seq), so events with equal
// deadlines pop in scheduling order.
type timerHeap []*timerEvent

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when != h[j].when {
		return h[i].when < h[j].when
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	ev := x.(*timerEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*h = old[:n-1]
	return ev
}

// timerQueue is the only scheduler structure shared with foreign goroutines.
// The lock is held for insert, lookup and unlink only, never while a
// callback runs.
type timerQueue struct {
	byID   map[EventID]*timerEvent
	due    *queue.Queue // main-only
	heap   timerHeap
	nextID uint64
	seq    uint64
	mu     sync.Mutex
}

func newTimerQueue() *timerQueue {
	return &timerQueue{
		byID: make(map[EventID]*timerEvent),
		due:  queue.New(),
	}
}

// push inserts ev, assigning its id and sequence, and reports whether it
// became the earliest event.
func (q *timerQueue) push(ev *timerEvent) (EventID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		q.nextID = (q.nextID + 1) & eventIDMask
		if q.nextID == 0 {
			continue
		}
		if _, ok := q.byID[EventID(q.nextID)]; !ok {
			break
		}
	}
	ev.id = EventID(q.nextID)
	q.seq++
	ev.seq = q.seq
	heap.Push(&q.heap, ev)
	q.byID[ev.id] = ev
	return ev.id, q.heap[0] == ev
}

// requeue reinserts a popped event with its original id.
func (q *timerQueue) requeue(ev *timerEvent, when time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev.when = when
	q.seq++
	ev.seq = q.seq
	heap.Push(&q.heap, ev)
	q.byID[ev.id] = ev
}

func (q *timerQueue) remove(id EventID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.byID[id]
	if !ok {
		return false
	}
	delete(q.byID, id)
	heap.Remove(&q.heap, ev.index)
	return true
}

func (q *timerQueue) trigger(id EventID, now time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.byID[id]
	if !ok {
		return false
	}
	if ev.when > now {
		ev.when = now
	}
	q.seq++
	ev.seq = q.seq
	heap.Fix(&q.heap, ev.index)
	return true
}

// collect moves the events due at now onto the due queue, in order, up to
// and including the first that activates a fiber.
func (q *timerQueue) collect(now time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) != 0 && q.heap[0].when <= now {
		ev := heap.Pop(&q.heap).(*timerEvent)
		delete(q.byID, ev.id)
		q.due.Add(ev)
		if ev.activates() {
			return
		}
	}
}

// activates reports whether firing the event switches into a fiber.
func (ev *timerEvent) activates() bool {
	return ev.fiber != nil || ev.flags&EventFast == 0
}

// next returns the earliest pending deadline.
func (q *timerQueue) next() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0, false
	}
	return q.heap[0].when, true
}

func (q *timerQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *timerQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = nil
	clear(q.byID)
}

// Schedule arranges for either fiber to be resumed with arg, or for cb to be
// called with arg, once delay has elapsed. Exactly one of fiber and cb must
// be non-nil. Callbacks run in a pooled fiber unless flags includes
// [EventFast].
//
// Schedule is safe to call from any goroutine, and is the only way a foreign
// goroutine may inject work into the runtime.
func (rt *Runtime) Schedule(fiber *Fiber, cb func(arg any), arg any, delay time.Duration, flags EventFlags) (EventID, error) {
	if (fiber == nil) == (cb == nil) {
		return 0, ErrInvalidEvent
	}
	if !rt.state.CanAcceptWork() {
		return 0, ErrStopped
	}
	if delay < 0 {
		delay = 0
	}
	ev := &timerEvent{
		when:  rt.clock.Now() + delay,
		fiber: fiber,
		cb:    cb,
		arg:   arg,
		flags: flags,
	}
	if fiber != nil {
		ev.gen = fiber.generation()
	}
	id, first := rt.timers.push(ev)
	if first && rt.sleeping.Load() {
		rt.Wakeup()
	}
	return id, nil
}

// Cancel removes an event that has not yet fired. Safe to call from any
// goroutine.
func (rt *Runtime) Cancel(id EventID) error {
	if id == 0 || !rt.timers.remove(id) {
		return ErrEventNotFound
	}
	rt.counters.timersCancelled.Add(1)
	return nil
}

// TriggerNow makes a pending event due immediately, and wakes the wait
// multiplexer. Safe to call from any goroutine.
func (rt *Runtime) TriggerNow(id EventID) error {
	if id == 0 || !rt.timers.trigger(id, rt.clock.Now()) {
		return ErrEventNotFound
	}
	if rt.sleeping.Load() {
		rt.Wakeup()
	}
	return nil
}

// RunDue fires the events due at now, in deadline order, and returns the
// earliest remaining deadline, if any. It must be called on the main fiber.
//
// At most one fiber is activated per call: fast callbacks due before it fire
// too, but anything after it is left for the next call, so the main loop
// services I/O between any two fiber activations, however they were
// triggered. Due events are detached under the lock, then fired without it,
// so callbacks may freely schedule or cancel further events. Events
// scheduled while dispatching are left for the next call.
func (rt *Runtime) RunDue(now time.Duration) (time.Duration, bool) {
	rt.mustBeMain()
	rt.timers.collect(now)
	for rt.timers.due.Length() != 0 {
		ev := rt.timers.due.Remove().(*timerEvent)
		rt.fire(ev, now)
	}
	return rt.timers.next()
}

func (rt *Runtime) fire(ev *timerEvent, now time.Duration) {
	switch {
	case ev.fiber != nil:
		if ev.flags&eventStart != 0 && ev.fiber.status != fiberReady {
			return
		}
		rt.counters.timersFired.Add(1)
		rt.resumeScheduled(ev.fiber, ev.gen, ev.arg)

	case ev.flags&EventFast != 0:
		rt.counters.timersFired.Add(1)
		rt.safeExecute(ev.cb, ev.arg)

	default:
		f, err := rt.allocFiber(ev.cb, ev.arg)
		if err != nil {
			if errors.Is(err, ErrFiberLimit) || errors.Is(err, ErrNoMemory) {
				rt.timers.requeue(ev, now+requeueDelay)
				return
			}
			rt.logger.Err().
				Uint64("event", uint64(ev.id)).
				Err(err).
				Log("fiberloop: dropping timer event")
			return
		}
		rt.counters.timersFired.Add(1)
		rt.switchTo(f, nil)
	}
}

// safeExecute runs a callback on the main fiber, recovering panics.
func (rt *Runtime) safeExecute(fn func(arg any), arg any) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Err().
				Any("panic", r).
				Log("fiberloop: callback panicked")
		}
	}()
	fn(arg)
}
