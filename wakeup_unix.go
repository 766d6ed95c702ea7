// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package fiberloop

import (
	"golang.org/x/sys/unix"
)

// wakePair is a non-blocking socket pair used to interrupt backends that
// have no native wakeup primitive.
type wakePair struct {
	r, w int
}

func newWakePair() (wakePair, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return wakePair{}, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return wakePair{}, err
		}
	}
	return wakePair{r: fds[0], w: fds[1]}, nil
}

var wakeByte = []byte{1}

// signal is safe to call from any goroutine, and does not allocate.
func (p wakePair) signal() error {
	_, err := unix.Write(p.w, wakeByte)
	if err == unix.EAGAIN {
		// buffer full, the reader has wakeups pending
		return nil
	}
	return err
}

func (p wakePair) drain() {
	var buf [64]byte
	for {
		if n, err := unix.Read(p.r, buf[:]); err != nil || n < len(buf) {
			return
		}
	}
}

func (p wakePair) close() error {
	err := unix.Close(p.r)
	if err2 := unix.Close(p.w); err == nil {
		err = err2
	}
	return err
}
