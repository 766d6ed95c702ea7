// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package fiberloop

import (
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

var faultSignal = func() syscall.Signal {
	if runtime.GOOS == "darwin" {
		return syscall.SIGBUS
	}
	return syscall.SIGSEGV
}()

func mapAnon(size, prot int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func newMappedStack(size int) (*Stack, error) {
	mem, err := mapAnon(size, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return nil, err
	}
	return &Stack{
		mem:       mem,
		size:      size,
		committed: size,
		initial:   size,
		strategy:  StackMapped,
	}, nil
}

// newGrowableStack reserves a guard page plus max bytes, inaccessible, then
// commits the top initial bytes.
func newGrowableStack(initial, max, increment int) (*Stack, error) {
	mem, err := mapAnon(pageSize+max, unix.PROT_NONE)
	if err != nil {
		return nil, err
	}
	s := &Stack{
		mem:       mem,
		guard:     pageSize,
		size:      max,
		initial:   initial,
		increment: increment,
		strategy:  StackGrowable,
	}
	if err := protectReadWrite(mem[len(mem)-initial:]); err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	s.committed = initial
	return s, nil
}

func protectReadWrite(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

// decommit releases the pages backing b, and makes them inaccessible again.
func decommit(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func unmap(b []byte) error {
	return unix.Munmap(b)
}
