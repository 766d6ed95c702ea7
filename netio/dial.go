// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package netio

import (
	"net"
	"os"
	"time"

	"github.com/joeycumines/go-fiberloop"
	"golang.org/x/sys/unix"
)

// resolve looks up a TCP address. Name resolution may block, so it runs
// through [fiberloop.Runtime.RunBlocking].
func resolve(rt *fiberloop.Runtime, network, address string) (*net.TCPAddr, error) {
	if err := checkNetwork(network); err != nil {
		return nil, err
	}
	v, err := rt.RunBlocking(func() (any, error) {
		return net.ResolveTCPAddr(network, address)
	})
	if err != nil {
		return nil, err
	}
	return v.(*net.TCPAddr), nil
}

// Dial connects to address from the calling fiber, which is parked while
// the connection is established. A zero timeout means no timeout.
func Dial(rt *fiberloop.Runtime, network, address string, timeout time.Duration) (*Conn, error) {
	deadline := rt.Deadline(timeout)
	opError := func(err error) error {
		return &net.OpError{Op: "dial", Net: network, Err: err}
	}

	raddr, err := resolve(rt, network, address)
	if err != nil {
		return nil, opError(err)
	}
	domain, sa := tcpSockaddr(network, raddr)
	fd, err := newSocket(domain)
	if err != nil {
		return nil, opError(os.NewSyscallError("socket", err))
	}
	h, err := rt.Allocate(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, opError(err)
	}
	fail := func(err error) (*Conn, error) {
		_ = h.Free()
		_ = unix.Close(fd)
		return nil, &net.OpError{Op: "dial", Net: network, Addr: raddr, Err: err}
	}

	err = unix.Connect(fd, sa)
	for err == unix.EINTR {
		err = unix.Connect(fd, sa)
	}
	switch err {
	case nil, unix.EISCONN:
	case unix.EINPROGRESS, unix.EALREADY:
		ev, werr := h.WaitForIO(fiberloop.Writable, deadline)
		if werr != nil {
			return fail(werr)
		}
		if ev&(fiberloop.Writable|fiberloop.Error) == 0 {
			return fail(os.ErrDeadlineExceeded)
		}
		soerr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			return fail(os.NewSyscallError("getsockopt", gerr))
		}
		if soerr != 0 {
			return fail(os.NewSyscallError("connect", unix.Errno(soerr)))
		}
	default:
		return fail(os.NewSyscallError("connect", err))
	}
	return newConn(rt, fd, h)
}
