// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// catchFault runs fn, returning the *FaultError it panicked with.
func catchFault(t *testing.T, fn func()) (fe *FaultError) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a fault")
		var ok bool
		fe, ok = r.(*FaultError)
		require.True(t, ok, "unexpected panic: %v", r)
	}()
	fn()
	return nil
}

func TestStackConfig_validate(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		cfg  StackConfig
		ok   bool
	}{
		{"default", DefaultStackConfig(), true},
		{"zero initial", StackConfig{Strategy: StackFixed}, false},
		{"unknown strategy", StackConfig{Initial: 1, Strategy: 9}, false},
		{"growable max below initial", StackConfig{Initial: 8192, Max: 4096, GrowIncrement: 4096, Strategy: StackGrowable}, false},
		{"growable zero increment", StackConfig{Initial: 4096, Max: 8192, Strategy: StackGrowable}, false},
		{"mapped ignores max", StackConfig{Initial: 4096, Strategy: StackMapped}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseStackStrategy(t *testing.T) {
	for _, s := range []StackStrategy{StackFixed, StackMapped, StackGrowable} {
		v, err := ParseStackStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, v)
	}
	_, err := ParseStackStrategy("segmented")
	assert.Error(t, err)
}

func TestStack_fixed(t *testing.T) {
	s, err := newStack(StackConfig{Initial: 1024, Strategy: StackFixed})
	require.NoError(t, err)
	defer func() { assert.NoError(t, s.free()) }()

	assert.Equal(t, StackFixed, s.Strategy())
	assert.Equal(t, 1024, s.Size())
	assert.Equal(t, 1024, s.Committed())

	top, err := s.Top(16)
	require.NoError(t, err)
	assert.Len(t, top, 16)
	_, err = s.Top(1025)
	assert.Error(t, err)

	s.WriteAt([]byte("abcd"), 4)
	assert.Equal(t, "abcd", string(top[12:]))

	fe := catchFault(t, func() { s.WriteAt(make([]byte, 8), 1032) })
	assert.Equal(t, FaultStackOverflow, fe.Kind)

	assert.Panics(t, func() { s.WriteAt(make([]byte, 8), 4) })
}

func TestProtect_ordinaryPanicPropagates(t *testing.T) {
	rt := newTestRuntime(t)
	assert.PanicsWithValue(t, "not a fault", func() {
		_ = rt.Protect(func() { panic("not a fault") })
	})
	assert.NoError(t, rt.Protect(func() {}))
}

func TestProtect_fixedOverflow(t *testing.T) {
	rt := newTestRuntime(t)

	var (
		err  error
		exc  error
		done bool
	)
	_, spawnErr := rt.Spawn(func(any) {
		stack := rt.Current().Stack()
		err = rt.Protect(func() {
			stack.WriteAt(make([]byte, 8), stack.Size()+8)
		})
		exc = rt.Current().Exception()
		done = true
	}, nil)
	require.NoError(t, spawnErr)
	drive(t, rt, 5*time.Second, func() bool { return done })

	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FaultStackOverflow, fe.Kind)
	assert.Same(t, fe, exc)
	assert.Equal(t, int64(1), rt.Metrics().Pooled)
}
