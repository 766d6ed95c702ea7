// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build !(linux || darwin)

package fiberloop

import (
	"syscall"
)

// Without anonymous mappings, every strategy degrades to a fixed stack of
// its maximum size.

var faultSignal = syscall.SIGSEGV

func newMappedStack(size int) (*Stack, error) {
	return &Stack{
		mem:       make([]byte, size),
		size:      size,
		committed: size,
		initial:   size,
		strategy:  StackFixed,
	}, nil
}

func newGrowableStack(_, max, _ int) (*Stack, error) {
	return newMappedStack(max)
}

func protectReadWrite([]byte) error { return nil }

func decommit([]byte) error { return nil }

func unmap([]byte) error { return nil }
