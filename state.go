// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"sync/atomic"
)

// State is the process-wide lifecycle state of a [Runtime].
//
// State Machine:
//
//	StateInitialized → StateRunning   [Run()]
//	StateRunning     → StateStopping  [Stop(), SetState, signal]
//	StateRunning     → StateRestart   [Restart(), SetState, signal]
//	StateStopping    → StateStopped   [Run() exit]
//	StateRestart     → StateInitialized [Run() exit]
//	StateInitialized → StateStopped   [Close() before Run()]
//	StateStopped     → (terminal)
//
// Transitions use CAS, so they are safe from any goroutine, including the
// goroutine that receives OS signals.
type State uint64

const (
	// StateInitialized indicates the runtime has been created but is not running.
	StateInitialized State = iota
	// StateRunning indicates the main loop is active.
	StateRunning
	// StateStopping indicates an orderly shutdown has been requested.
	StateStopping
	// StateStopped indicates the runtime has been shut down.
	StateStopped
	// StateRestart indicates the main loop should return to the caller, which
	// is expected to reconfigure and call Run again.
	StateRestart
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateRestart:
		return "Restart"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state holder with cache-line padding.
type fastState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte                      //nolint:unused
	v atomic.Uint64                              // State value
	_ [sizeOfCacheLine - sizeOfAtomicUint64]byte //nolint:unused
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint64(StateInitialized))
	return s
}

// Load returns the current state atomically.
func (s *fastState) Load() State {
	return State(s.v.Load())
}

// Store atomically stores a new state. Only used for irreversible states.
func (s *fastState) Store(state State) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// CanAcceptWork returns true if new fibers or events may be submitted.
func (s *fastState) CanAcceptWork() bool {
	switch s.Load() {
	case StateInitialized, StateRunning, StateRestart:
		return true
	default:
		return false
	}
}

// validTransition reports whether SetState may move from one state to another.
func validTransition(from, to State) bool {
	switch to {
	case StateStopping, StateRestart:
		return from == StateRunning
	case StateStopped:
		return from == StateInitialized || from == StateStopping
	case StateRunning:
		return from == StateInitialized
	case StateInitialized:
		return from == StateRestart
	}
	return false
}
