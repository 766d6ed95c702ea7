// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"errors"
	"fmt"
	"syscall"
)

// Standard errors.
var (
	// ErrFiberLimit is returned by [Runtime.Spawn] when the configured maximum
	// number of active fibers has been reached.
	ErrFiberLimit = errors.New("fiberloop: active fiber limit reached")

	// ErrNoMemory is returned when a fiber stack could not be allocated.
	ErrNoMemory = errors.New("fiberloop: stack allocation failed")

	// ErrForeignThread is returned when an operation that touches scheduler
	// state is attempted from a goroutine other than the main fiber or the
	// currently running fiber. Foreign goroutines must use [Runtime.Schedule].
	ErrForeignThread = errors.New("fiberloop: operation not permitted from a foreign goroutine")

	// ErrNotInFiber is returned by blocking primitives called on the main fiber.
	ErrNotInFiber = errors.New("fiberloop: operation requires a non-main fiber")

	// ErrYieldOnMain is the panic value used when Yield is called on the main fiber.
	ErrYieldOnMain = errors.New("fiberloop: yield called on the main fiber")

	// ErrInvalidEvent is returned by [Runtime.Schedule] unless exactly one of
	// fiber and callback is supplied.
	ErrInvalidEvent = errors.New("fiberloop: exactly one of fiber or callback must be set")

	// ErrEventNotFound is returned when an event id is unknown, or has already fired.
	ErrEventNotFound = errors.New("fiberloop: event not found")

	// ErrAlreadyRunning is returned by [Runtime.Run] if the runtime is running.
	ErrAlreadyRunning = errors.New("fiberloop: runtime is already running")

	// ErrStopped is returned for operations attempted on a stopped runtime.
	ErrStopped = errors.New("fiberloop: runtime has been stopped")

	// ErrRestart is returned by [Runtime.Run] when a restart was requested. The
	// runtime is left in [StateInitialized], and Run may be called again.
	ErrRestart = errors.New("fiberloop: restart requested")

	// ErrNilFunc is returned when a required function argument is nil.
	ErrNilFunc = errors.New("fiberloop: nil function")

	// ErrHandleFreed is returned when a freed [WaitHandle] is used.
	ErrHandleFreed = errors.New("fiberloop: wait handle has been freed")

	ErrFDOutOfRange        = errors.New("fiberloop: fd out of range")
	ErrFDAlreadyRegistered = errors.New("fiberloop: fd already registered")
	ErrBackendClosed       = errors.New("fiberloop: wait backend closed")
	ErrBackendUnsupported  = errors.New("fiberloop: wait backend not supported on this platform")
	ErrMaskUnsupported     = errors.New("fiberloop: interest mask not supported by wait backend")
)

// FaultKind classifies a [FaultError].
type FaultKind int

const (
	// FaultMemory is an invalid memory access outside any fiber stack guard region.
	FaultMemory FaultKind = iota + 1
	// FaultStackOverflow is an access beyond the configured maximum stack size.
	FaultStackOverflow
)

// String returns a human-readable representation of the kind.
func (k FaultKind) String() string {
	switch k {
	case FaultMemory:
		return "memory"
	case FaultStackOverflow:
		return "stack overflow"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// FaultError is the exception captured by [Runtime.Protect], when a memory
// fault occurs inside a protected block.
type FaultError struct {
	// Value is the original panic value, if any.
	Value  any
	Kind   FaultKind
	Signal syscall.Signal
	Addr   uintptr
}

// Error implements the error interface.
func (e *FaultError) Error() string {
	return fmt.Sprintf("fiberloop: %s fault (%v) at address %#x", e.Kind, e.Signal, e.Addr)
}

// Unwrap returns the underlying panic value, if it is an error.
func (e *FaultError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// PanicError wraps a recovered panic from a fiber body.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("fiberloop: fiber panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
