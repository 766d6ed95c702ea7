// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package netio

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/joeycumines/go-fiberloop"
	"golang.org/x/sys/unix"
)

// Conn is a non-blocking TCP connection driven by a runtime. It implements
// [net.Conn]. Read and Write park the calling fiber until the socket is
// ready or the deadline passes, so a Conn must only be used from fibers of
// the runtime that created it.
//
// One fiber may read while another writes, each parked with its own
// deadline. Deadlines are sampled when an operation starts waiting, and
// changing one does not affect a fiber that is already parked.
type Conn struct {
	rt     *fiberloop.Runtime
	h      *fiberloop.WaitHandle
	laddr  net.Addr
	raddr  net.Addr
	rdl    time.Duration
	wdl    time.Duration
	fd     int
	closed bool
}

var _ net.Conn = (*Conn)(nil)

// newConn takes ownership of a connected, non-blocking socket.
func newConn(rt *fiberloop.Runtime, fd int, h *fiberloop.WaitHandle) (*Conn, error) {
	if h == nil {
		var err error
		if h, err = rt.Allocate(fd); err != nil {
			return nil, err
		}
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return &Conn{
		rt:    rt,
		h:     h,
		fd:    fd,
		laddr: localAddr(fd),
		raddr: remoteAddr(fd),
	}, nil
}

func (c *Conn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: "tcp", Source: c.laddr, Addr: c.raddr, Err: err}
}

// expired reports whether the absolute tick deadline has passed.
func (c *Conn) expired(deadline time.Duration) bool {
	return deadline != 0 && c.rt.Now() >= deadline
}

// wait parks until mask is ready, translating timeouts and closure.
func (c *Conn) wait(op string, mask fiberloop.IOMask, deadline time.Duration) error {
	ev, err := c.h.WaitForIO(mask, deadline)
	switch {
	case c.closed:
		return c.opError(op, net.ErrClosed)
	case err != nil:
		return c.opError(op, err)
	case ev&(mask|fiberloop.Error) == 0 && ev&fiberloop.Timeout != 0:
		return c.opError(op, os.ErrDeadlineExceeded)
	}
	return nil
}

// Read reads into p, parking the fiber until data arrives. It returns
// [io.EOF] once the peer has shut down its side.
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, c.opError("read", net.ErrClosed)
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if c.expired(c.rdl) {
			return 0, c.opError("read", os.ErrDeadlineExceeded)
		}
		n, err := unix.Read(c.fd, p)
		switch err {
		case nil:
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if err := c.wait("read", fiberloop.Readable, c.rdl); err != nil {
				return 0, err
			}
		default:
			return 0, c.opError("read", os.NewSyscallError("read", err))
		}
	}
}

// Write writes all of p, parking the fiber whenever the socket buffer is
// full.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, c.opError("write", net.ErrClosed)
	}
	var written int
	for written < len(p) {
		if c.expired(c.wdl) {
			return written, c.opError("write", os.ErrDeadlineExceeded)
		}
		n, err := unix.Write(c.fd, p[written:])
		if n > 0 {
			written += n
		}
		switch err {
		case nil:
		case unix.EINTR:
		case unix.EAGAIN:
			if err := c.wait("write", fiberloop.Writable, c.wdl); err != nil {
				return written, err
			}
		default:
			return written, c.opError("write", os.NewSyscallError("write", err))
		}
	}
	return written, nil
}

// Close frees the wait handle, resuming any fiber parked on it, then closes
// the socket.
func (c *Conn) Close() error {
	if c.closed {
		return c.opError("close", net.ErrClosed)
	}
	c.closed = true
	err := c.h.Free()
	if cerr := unix.Close(c.fd); cerr != nil {
		err = os.NewSyscallError("close", cerr)
	}
	if err != nil {
		return c.opError("close", err)
	}
	return nil
}

// CloseWrite shuts down the sending side of the connection.
func (c *Conn) CloseWrite() error {
	if c.closed {
		return c.opError("close", net.ErrClosed)
	}
	if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil {
		return c.opError("close", os.NewSyscallError("shutdown", err))
	}
	return nil
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr { return c.laddr }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.raddr }

// FD returns the underlying socket descriptor.
func (c *Conn) FD() int { return c.fd }

func (c *Conn) SetDeadline(t time.Time) error {
	d := c.rt.DeadlineAt(t)
	c.rdl, c.wdl = d, d
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.rdl = c.rt.DeadlineAt(t)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.wdl = c.rt.DeadlineAt(t)
	return nil
}
