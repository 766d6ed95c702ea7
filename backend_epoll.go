// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package fiberloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// epollBackend is edge-triggered epoll, woken through an eventfd.
type epollBackend struct { // betteralign:ignore
	eventBuf [256]unix.EpollEvent
	wakeBuf  [8]byte
	epfd     int
	wakeFD   int
	closed   atomic.Bool
	wakeMu   sync.RWMutex
}

func newEpollBackend() (*epollBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &ev); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, err
	}
	b := &epollBackend{epfd: epfd, wakeFD: wakeFD}
	b.wakeBuf[0] = 1
	return b, nil
}

func (b *epollBackend) Kind() BackendKind { return BackendEpoll }

func (b *epollBackend) ctl(op, fd int, mask IOMask) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if err := checkMask(mask, pollMask); err != nil {
		return err
	}
	ev := unix.EpollEvent{
		Events: maskToEpoll(mask),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(b.epfd, op, fd, &ev)
}

func (b *epollBackend) Add(fd int, mask IOMask) error {
	return b.ctl(unix.EPOLL_CTL_ADD, fd, mask)
}

func (b *epollBackend) Modify(fd int, _, mask IOMask) error {
	return b.ctl(unix.EPOLL_CTL_MOD, fd, mask)
}

func (b *epollBackend) Delete(fd int, _ IOMask) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) Wait(timeoutMs int, events []readyEvent) ([]readyEvent, error) {
	if b.closed.Load() {
		return events, ErrBackendClosed
	}
	n, err := unix.EpollWait(b.epfd, b.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return events, nil
		}
		return events, err
	}
	for i := 0; i < n; i++ {
		fd := int(b.eventBuf[i].Fd)
		if fd == b.wakeFD {
			b.drainWake()
			continue
		}
		events = append(events, readyEvent{fd: fd, events: epollToMask(b.eventBuf[i].Events)})
	}
	return events, nil
}

func (b *epollBackend) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(b.wakeFD, buf[:]); err != nil {
			return
		}
	}
}

func (b *epollBackend) Wakeup() error {
	// held across the write, so Close cannot release the descriptor first
	b.wakeMu.RLock()
	defer b.wakeMu.RUnlock()
	if b.closed.Load() {
		return ErrBackendClosed
	}
	_, err := unix.Write(b.wakeFD, b.wakeBuf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

func (b *epollBackend) Close() error {
	b.wakeMu.Lock()
	defer b.wakeMu.Unlock()
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := unix.Close(b.epfd)
	if err2 := unix.Close(b.wakeFD); err == nil {
		err = err2
	}
	return err
}

func maskToEpoll(mask IOMask) uint32 {
	events := uint32(unix.EPOLLET)
	if mask&Readable != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if mask&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func epollToMask(events uint32) IOMask {
	var mask IOMask
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		mask |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		mask |= Writable
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		mask |= Readable | Writable | Error
	}
	return mask
}
