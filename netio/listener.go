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

	"github.com/joeycumines/go-fiberloop"
	"golang.org/x/sys/unix"
)

// Listener is a non-blocking TCP listener.
type Listener struct {
	rt      *fiberloop.Runtime
	h       *fiberloop.WaitHandle
	addr    net.Addr
	handler func(*Conn)
	fd      int
	closed  bool
}

var _ net.Listener = (*Listener)(nil)

// Listen binds address. If handler is non-nil, connections are accepted on
// the main fiber as they arrive, and each is served by handler in its own
// fiber, the connection being closed when handler returns. Otherwise
// connections are taken with [Listener.Accept].
//
// Listen may be called on the main fiber or a fiber.
func Listen(rt *fiberloop.Runtime, network, address string, handler func(*Conn)) (*Listener, error) {
	opError := func(err error) error {
		return &net.OpError{Op: "listen", Net: network, Err: err}
	}

	laddr, err := resolve(rt, network, address)
	if err != nil {
		return nil, opError(err)
	}
	domain, sa := tcpSockaddr(network, laddr)
	fd, err := newSocket(domain)
	if err != nil {
		return nil, opError(os.NewSyscallError("socket", err))
	}
	fail := func(err error) (*Listener, error) {
		_ = unix.Close(fd)
		return nil, opError(err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail(os.NewSyscallError("setsockopt", err))
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail(os.NewSyscallError("bind", err))
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail(os.NewSyscallError("listen", err))
	}
	h, err := rt.Allocate(fd)
	if err != nil {
		return fail(err)
	}

	l := &Listener{
		rt:      rt,
		h:       h,
		fd:      fd,
		addr:    localAddr(fd),
		handler: handler,
	}
	if handler != nil {
		if err := h.SetHandler(l.onReadable, nil, fiberloop.Readable, 0, fiberloop.HandlerInline); err != nil {
			_ = h.Free()
			return fail(err)
		}
	}
	return l, nil
}

// accept takes one pending connection, returning a nil Conn if there is
// none.
func (l *Listener) accept() (*Conn, error) {
	for {
		nfd, _, err := unix.Accept(l.fd)
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return nil, nil
		default:
			return nil, os.NewSyscallError("accept", err)
		}
		if err := prepareFD(nfd); err != nil {
			_ = unix.Close(nfd)
			return nil, os.NewSyscallError("fcntl", err)
		}
		c, err := newConn(l.rt, nfd, nil)
		if err != nil {
			_ = unix.Close(nfd)
			return nil, err
		}
		return c, nil
	}
}

// onReadable drains the accept queue, since readiness is edge triggered,
// spawning a fiber per connection.
func (l *Listener) onReadable(*fiberloop.WaitHandle, fiberloop.IOMask, any) {
	for !l.closed {
		c, err := l.accept()
		if err != nil || c == nil {
			return
		}
		if _, err := l.rt.Spawn(l.serve, c); err != nil {
			_ = c.Close()
		}
	}
}

func (l *Listener) serve(arg any) {
	c := arg.(*Conn)
	defer func() {
		if !c.closed {
			_ = c.Close()
		}
	}()
	l.handler(c)
}

// Accept parks the calling fiber until a connection arrives. It must not be
// used with a handler.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		if l.closed {
			return nil, &net.OpError{Op: "accept", Net: "tcp", Addr: l.addr, Err: net.ErrClosed}
		}
		c, err := l.accept()
		if err != nil {
			return nil, &net.OpError{Op: "accept", Net: "tcp", Addr: l.addr, Err: err}
		}
		if c != nil {
			return c, nil
		}
		if _, err := l.h.WaitForIO(fiberloop.Readable, 0); err != nil {
			return nil, &net.OpError{Op: "accept", Net: "tcp", Addr: l.addr, Err: err}
		}
	}
}

// Close stops listening. Connections already accepted are unaffected.
func (l *Listener) Close() error {
	if l.closed {
		return &net.OpError{Op: "close", Net: "tcp", Addr: l.addr, Err: net.ErrClosed}
	}
	l.closed = true
	err := l.h.Free()
	if cerr := unix.Close(l.fd); cerr != nil {
		err = os.NewSyscallError("close", cerr)
	}
	return err
}

// Addr returns the bound address, with the port resolved.
func (l *Listener) Addr() net.Addr { return l.addr }
