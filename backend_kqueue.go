// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build darwin

package fiberloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// wakeIdent is the EVFILT_USER identifier used for wakeups.
const wakeIdent = 0

const vnodeNotes = unix.NOTE_WRITE | unix.NOTE_EXTEND | unix.NOTE_ATTRIB | unix.NOTE_DELETE | unix.NOTE_RENAME

// kqueueBackend registers one EV_CLEAR filter per interest bit, and is woken
// through an EVFILT_USER event.
type kqueueBackend struct { // betteralign:ignore
	eventBuf [256]unix.Kevent_t
	merged   map[int]int
	kq       int
	closed   atomic.Bool
	wakeMu   sync.RWMutex
}

func newKqueueBackend() (*kqueueBackend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	var ev unix.Kevent_t
	ev.Ident = wakeIdent
	ev.Filter = unix.EVFILT_USER
	ev.Flags = unix.EV_ADD | unix.EV_CLEAR
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	return &kqueueBackend{kq: kq, merged: make(map[int]int)}, nil
}

func (b *kqueueBackend) Kind() BackendKind { return BackendKqueue }

// kqueueChanges computes the kevent changes to move from old to mask.
func kqueueChanges(fd int, old, mask IOMask) []unix.Kevent_t {
	var changes []unix.Kevent_t
	diff := func(bit IOMask, filter int, fflags uint32) {
		var flags int
		switch {
		case mask&bit != 0 && old&bit == 0:
			flags = unix.EV_ADD | unix.EV_ENABLE | unix.EV_CLEAR
		case mask&bit == 0 && old&bit != 0:
			flags = unix.EV_DELETE
		default:
			return
		}
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, filter, flags)
		ev.Fflags = fflags
		changes = append(changes, ev)
	}
	diff(Readable, unix.EVFILT_READ, 0)
	diff(Writable, unix.EVFILT_WRITE, 0)
	diff(Modified, unix.EVFILT_VNODE, vnodeNotes)
	return changes
}

func (b *kqueueBackend) apply(fd int, old, mask IOMask) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if err := checkMask(mask, Readable|Writable|Modified); err != nil {
		return err
	}
	changes := kqueueChanges(fd, old, mask)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(b.kq, changes, nil, nil)
	return err
}

func (b *kqueueBackend) Add(fd int, mask IOMask) error {
	return b.apply(fd, 0, mask)
}

func (b *kqueueBackend) Modify(fd int, old, mask IOMask) error {
	return b.apply(fd, old, mask)
}

func (b *kqueueBackend) Delete(fd int, old IOMask) error {
	return b.apply(fd, old, 0)
}

func (b *kqueueBackend) Wait(timeoutMs int, events []readyEvent) ([]readyEvent, error) {
	if b.closed.Load() {
		return events, ErrBackendClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(b.kq, nil, b.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return events, nil
		}
		return events, err
	}
	// one descriptor may report several filters
	clear(b.merged)
	for i := 0; i < n; i++ {
		ev := &b.eventBuf[i]
		if ev.Filter == unix.EVFILT_USER {
			continue
		}
		fd := int(ev.Ident)
		mask := keventToMask(ev)
		if idx, ok := b.merged[fd]; ok {
			events[idx].events |= mask
			continue
		}
		b.merged[fd] = len(events)
		events = append(events, readyEvent{fd: fd, events: mask})
	}
	return events, nil
}

func keventToMask(ev *unix.Kevent_t) IOMask {
	var mask IOMask
	switch ev.Filter {
	case unix.EVFILT_READ:
		mask = Readable
	case unix.EVFILT_WRITE:
		mask = Writable
	case unix.EVFILT_VNODE:
		mask = Modified
	}
	if ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
		mask |= Readable | Writable | Error
	}
	return mask
}

func (b *kqueueBackend) Wakeup() error {
	// held across the write, so Close cannot release the descriptor first
	b.wakeMu.RLock()
	defer b.wakeMu.RUnlock()
	if b.closed.Load() {
		return ErrBackendClosed
	}
	var ev [1]unix.Kevent_t
	ev[0].Ident = wakeIdent
	ev[0].Filter = unix.EVFILT_USER
	ev[0].Fflags = unix.NOTE_TRIGGER
	_, err := unix.Kevent(b.kq, ev[:], nil, nil)
	return err
}

func (b *kqueueBackend) Close() error {
	b.wakeMu.Lock()
	defer b.wakeMu.Unlock()
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(b.kq)
}
