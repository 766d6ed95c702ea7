// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateInitialized: "Initialized",
		StateRunning:     "Running",
		StateStopping:    "Stopping",
		StateStopped:     "Stopped",
		StateRestart:     "Restart",
		State(42):        "Unknown",
	} {
		assert.Equal(t, want, s.String())
	}
}

func TestValidTransition(t *testing.T) {
	all := []State{StateInitialized, StateRunning, StateStopping, StateStopped, StateRestart}
	allowed := map[[2]State]bool{
		{StateInitialized, StateRunning}: true,
		{StateInitialized, StateStopped}: true,
		{StateRunning, StateStopping}:    true,
		{StateRunning, StateRestart}:     true,
		{StateStopping, StateStopped}:    true,
		{StateRestart, StateInitialized}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]State{from, to}], validTransition(from, to), "%v -> %v", from, to)
		}
	}
}

func TestFastState_concurrentTransition(t *testing.T) {
	s := newFastState()
	s.Store(StateRunning)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryTransition(StateRunning, StateStopping) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, StateStopping, s.Load())
	assert.False(t, s.CanAcceptWork())
}
