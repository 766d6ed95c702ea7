// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

const (
	// sizeOfCacheLine is the size of a CPU cache line. 128 covers Apple
	// Silicon and other ARM64, and is a multiple of the x86-64 64 bytes.
	sizeOfCacheLine = 128

	// sizeOfAtomicUint64 is the size of an atomic.Uint64 variable.
	sizeOfAtomicUint64 = 8
)
