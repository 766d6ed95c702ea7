// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"runtime"
)

// blockingResult is the resume value delivered by RunBlocking's worker.
type blockingResult struct {
	value any
	err   error
	token *blockingResult
}

// RunBlocking runs fn, which may block, without stalling the runtime. Called
// from a fiber, fn runs on a new goroutine locked to its own OS thread while
// the fiber is parked; completion resumes the fiber through the timer queue.
// Called on the main fiber, or a foreign goroutine, fn simply runs inline.
//
// Panics in fn are returned as a [PanicError].
func (rt *Runtime) RunBlocking(fn func() (any, error)) (any, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	f := rt.currentFiber()
	if f == nil {
		return callBlocking(fn)
	}

	token := new(blockingResult)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		value, err := callBlocking(fn)
		rt.Resume(f, blockingResult{value: value, err: err, token: token})
	}()

	for {
		v := rt.Yield(nil)
		if r, ok := v.(blockingResult); ok && r.token == token {
			return r.value, r.err
		}
		if f.dying() {
			return nil, ErrStopped
		}
	}
}

func callBlocking(fn func() (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
	}()
	return fn()
}
