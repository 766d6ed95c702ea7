// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"sync"
	"time"
)

// waitMap tracks wait handles by descriptor. The fd index is the only wait
// state shared with foreign goroutines, so only it is guarded. The deadline
// set is main-only.
type waitMap struct {
	// data maps each live descriptor to its handle.
	data map[int]*WaitHandle

	// timed holds the handles with a non-zero deadline, handle or waiter.
	timed map[*WaitHandle]struct{}

	mu sync.RWMutex
}

func newWaitMap() *waitMap {
	return &waitMap{
		data:  make(map[int]*WaitHandle),
		timed: make(map[*WaitHandle]struct{}),
	}
}

func (m *waitMap) insert(h *WaitHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[h.fd]; ok {
		return ErrFDAlreadyRegistered
	}
	m.data[h.fd] = h
	return nil
}

func (m *waitMap) lookup(fd int) *WaitHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[fd]
}

func (m *waitMap) remove(h *WaitHandle) {
	m.mu.Lock()
	if m.data[h.fd] == h {
		delete(m.data, h.fd)
	}
	m.mu.Unlock()
	delete(m.timed, h)
}

func (m *waitMap) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// all returns a snapshot of the live handles.
func (m *waitMap) all() []*WaitHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handles := make([]*WaitHandle, 0, len(m.data))
	for _, h := range m.data {
		handles = append(handles, h)
	}
	return handles
}

// setDue records the earliest deadline of h, zero for none.
func (m *waitMap) setDue(h *WaitHandle, due time.Duration) {
	h.due = due
	if due == 0 {
		delete(m.timed, h)
	} else {
		m.timed[h] = struct{}{}
	}
}

// earliest returns the earliest wait deadline.
func (m *waitMap) earliest() (time.Duration, bool) {
	var (
		next time.Duration
		ok   bool
	)
	for h := range m.timed {
		if !ok || h.due < next {
			next, ok = h.due, true
		}
	}
	return next, ok
}

// expired appends the handles with a deadline at or before now to dst.
func (m *waitMap) expired(now time.Duration, dst []*WaitHandle) []*WaitHandle {
	for h := range m.timed {
		if h.due <= now {
			dst = append(dst, h)
		}
	}
	return dst
}
