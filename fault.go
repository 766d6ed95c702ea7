// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"runtime/debug"
)

// faultAddr is implemented by the runtime error raised for a memory fault
// while debug.SetPanicOnFault is enabled.
type faultAddr interface {
	error
	Addr() uintptr
}

// asFault converts a recovered panic value to a fault, returning nil if it
// is an ordinary panic.
func asFault(r any) *FaultError {
	switch v := r.(type) {
	case *FaultError:
		return v
	case faultAddr:
		return &FaultError{
			Value:  v,
			Kind:   FaultMemory,
			Signal: faultSignal,
			Addr:   v.Addr(),
		}
	}
	return nil
}

// trapFault runs fn with memory faults converted to panics, returning the
// fault address, if one occurred. Other panics propagate.
func trapFault(fn func()) (addr uintptr, faulted bool) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		if r := recover(); r != nil {
			if fa, ok := r.(faultAddr); ok {
				addr, faulted = fa.Addr(), true
				return
			}
			panic(r)
		}
	}()
	fn()
	return 0, false
}

// Protect runs fn as a protected block. A memory fault raised by fn,
// including a fiber stack overflow, is captured and returned as a
// *[FaultError], and recorded as the calling fiber's [Fiber.Exception].
// Ordinary panics are not intercepted.
//
// Faults outside a protected block are fatal.
func (rt *Runtime) Protect(fn func()) (err error) {
	f := rt.currentFiber()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fe := asFault(r)
		if fe == nil {
			panic(r)
		}
		if f != nil {
			f.exception = fe
		}
		rt.logger.Debug().
			Str("kind", fe.Kind.String()).
			Uint64("addr", uint64(fe.Addr)).
			Log("fiberloop: fault captured by protected block")
		err = fe
	}()
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	fn()
	return nil
}
