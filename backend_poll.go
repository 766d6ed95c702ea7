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

// pollBackend is level-triggered poll(2). The first entry of the table is
// always the read end of the wakeup socket pair.
type pollBackend struct {
	index  map[int]int
	fds    []unix.PollFd
	wake   wakePair
	closed atomic.Bool
	wakeMu sync.RWMutex
}

func newPollBackend() (*pollBackend, error) {
	wake, err := newWakePair()
	if err != nil {
		return nil, err
	}
	return &pollBackend{
		index: make(map[int]int),
		fds:   []unix.PollFd{{Fd: int32(wake.r), Events: unix.POLLIN}},
		wake:  wake,
	}, nil
}

func (b *pollBackend) Kind() BackendKind { return BackendPoll }

func (b *pollBackend) Add(fd int, mask IOMask) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if err := checkMask(mask, pollMask); err != nil {
		return err
	}
	if _, ok := b.index[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	b.index[fd] = len(b.fds)
	b.fds = append(b.fds, unix.PollFd{Fd: int32(fd), Events: maskToPoll(mask)})
	return nil
}

func (b *pollBackend) Modify(fd int, _, mask IOMask) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if err := checkMask(mask, pollMask); err != nil {
		return err
	}
	i, ok := b.index[fd]
	if !ok {
		return unix.ENOENT
	}
	b.fds[i].Events = maskToPoll(mask)
	return nil
}

func (b *pollBackend) Delete(fd int, _ IOMask) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	i, ok := b.index[fd]
	if !ok {
		return unix.ENOENT
	}
	last := len(b.fds) - 1
	if i != last {
		b.fds[i] = b.fds[last]
		b.index[int(b.fds[i].Fd)] = i
	}
	b.fds = b.fds[:last]
	delete(b.index, fd)
	return nil
}

func (b *pollBackend) Wait(timeoutMs int, events []readyEvent) ([]readyEvent, error) {
	if b.closed.Load() {
		return events, ErrBackendClosed
	}
	n, err := unix.Poll(b.fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return events, nil
		}
		return events, err
	}
	for i := 0; i < len(b.fds) && n > 0; i++ {
		revents := b.fds[i].Revents
		if revents == 0 {
			continue
		}
		n--
		if i == 0 {
			b.wake.drain()
			continue
		}
		events = append(events, readyEvent{fd: int(b.fds[i].Fd), events: pollToMask(revents)})
	}
	return events, nil
}

func (b *pollBackend) Wakeup() error {
	// held across the write, so Close cannot release the descriptor first
	b.wakeMu.RLock()
	defer b.wakeMu.RUnlock()
	if b.closed.Load() {
		return ErrBackendClosed
	}
	return b.wake.signal()
}

func (b *pollBackend) Close() error {
	b.wakeMu.Lock()
	defer b.wakeMu.Unlock()
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.wake.close()
}

func maskToPoll(mask IOMask) int16 {
	var events int16
	if mask&Readable != 0 {
		events |= unix.POLLIN
	}
	if mask&Writable != 0 {
		events |= unix.POLLOUT
	}
	return events
}

func pollToMask(revents int16) IOMask {
	var mask IOMask
	if revents&unix.POLLIN != 0 {
		mask |= Readable
	}
	if revents&unix.POLLOUT != 0 {
		mask |= Writable
	}
	if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		mask |= Readable | Writable | Error
	}
	return mask
}
