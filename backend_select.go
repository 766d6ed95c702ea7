// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package fiberloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// selectMaxFD is FD_SETSIZE on both supported platforms.
const selectMaxFD = 1024

// selectBackend is level-triggered select(2), woken through a socket pair.
type selectBackend struct {
	masks  map[int]IOMask
	rset   unix.FdSet
	wset   unix.FdSet
	wake   wakePair
	closed atomic.Bool
	wakeMu sync.RWMutex
}

func newSelectBackend() (*selectBackend, error) {
	wake, err := newWakePair()
	if err != nil {
		return nil, err
	}
	if wake.r >= selectMaxFD {
		_ = wake.close()
		return nil, ErrFDOutOfRange
	}
	return &selectBackend{masks: make(map[int]IOMask), wake: wake}, nil
}

func (b *selectBackend) Kind() BackendKind { return BackendSelect }

func (b *selectBackend) Add(fd int, mask IOMask) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if err := checkMask(mask, pollMask); err != nil {
		return err
	}
	if fd < 0 || fd >= selectMaxFD {
		return ErrFDOutOfRange
	}
	if _, ok := b.masks[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	b.masks[fd] = mask
	return nil
}

func (b *selectBackend) Modify(fd int, _, mask IOMask) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if err := checkMask(mask, pollMask); err != nil {
		return err
	}
	if _, ok := b.masks[fd]; !ok {
		return unix.ENOENT
	}
	b.masks[fd] = mask
	return nil
}

func (b *selectBackend) Delete(fd int, _ IOMask) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if _, ok := b.masks[fd]; !ok {
		return unix.ENOENT
	}
	delete(b.masks, fd)
	return nil
}

func (b *selectBackend) Wait(timeoutMs int, events []readyEvent) ([]readyEvent, error) {
	if b.closed.Load() {
		return events, ErrBackendClosed
	}
	b.rset.Zero()
	b.wset.Zero()
	b.rset.Set(b.wake.r)
	nfd := b.wake.r + 1
	for fd, mask := range b.masks {
		if mask&Readable != 0 {
			b.rset.Set(fd)
		}
		if mask&Writable != 0 {
			b.wset.Set(fd)
		}
		nfd = max(nfd, fd+1)
	}
	var tv *unix.Timeval
	if timeoutMs >= 0 {
		t := unix.NsecToTimeval(int64(timeoutMs) * 1e6)
		tv = &t
	}
	n, err := unix.Select(nfd, &b.rset, &b.wset, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return events, nil
		}
		return events, err
	}
	if n == 0 {
		return events, nil
	}
	if b.rset.IsSet(b.wake.r) {
		b.wake.drain()
	}
	for fd := range b.masks {
		var mask IOMask
		if b.rset.IsSet(fd) {
			mask |= Readable
		}
		if b.wset.IsSet(fd) {
			mask |= Writable
		}
		if mask != 0 {
			events = append(events, readyEvent{fd: fd, events: mask})
		}
	}
	return events, nil
}

func (b *selectBackend) Wakeup() error {
	// held across the write, so Close cannot release the descriptor first
	b.wakeMu.RLock()
	defer b.wakeMu.RUnlock()
	if b.closed.Load() {
		return ErrBackendClosed
	}
	return b.wake.signal()
}

func (b *selectBackend) Close() error {
	b.wakeMu.Lock()
	defer b.wakeMu.Unlock()
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.wake.close()
}
