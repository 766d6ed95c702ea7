// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a goroutine safe log sink.
type syncBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.String()
}

// newTestRuntime creates a runtime owned by the test goroutine, closed at
// the end of the test.
func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rt.Close())
	})
	return rt
}

// newLoggedRuntime is newTestRuntime with debug logging captured.
func newLoggedRuntime(t *testing.T, opts ...Option) (*Runtime, *syncBuffer) {
	t.Helper()
	var buf syncBuffer
	opts = append([]Option{WithLogger(NewLogger(&buf, logiface.LevelDebug))}, opts...)
	return newTestRuntime(t, opts...), &buf
}

// drive runs the main loop on the calling goroutine until done reports true.
func drive(t *testing.T, rt *Runtime, timeout time.Duration, done func() bool) {
	t.Helper()
	limit := time.Now().Add(timeout)
	for !done() {
		if time.Now().After(limit) {
			t.Fatalf("condition not met within %v", timeout)
		}
		rt.RunOnce(rt.Deadline(5 * time.Millisecond))
	}
}
