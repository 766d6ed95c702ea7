// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"time"
)

// clock is the monotonic tick source. Ticks are durations since the anchor,
// which is captured once, so wall-clock adjustments have no effect.
type clock struct {
	anchor time.Time
}

func newClock() *clock {
	return &clock{anchor: time.Now()}
}

// Now returns the current tick.
func (c *clock) Now() time.Duration {
	return time.Since(c.anchor)
}

// Now returns the current monotonic tick of the runtime clock. Deadlines
// accepted by the runtime are absolute ticks, e.g. rt.Now() + time.Second.
func (rt *Runtime) Now() time.Duration {
	return rt.clock.Now()
}

// Ticks returns the current tick in whole milliseconds.
func (rt *Runtime) Ticks() int64 {
	return int64(rt.clock.Now() / time.Millisecond)
}

// Deadline converts a relative timeout to an absolute tick. A non-positive
// timeout yields 0, meaning no deadline.
func (rt *Runtime) Deadline(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	return rt.clock.Now() + timeout
}

// DeadlineAt converts a wall-clock time, as used by [net.Conn] deadlines, to
// an absolute tick. The zero time yields 0, meaning no deadline. Times in the
// past yield a deadline that has already expired.
func (rt *Runtime) DeadlineAt(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	d := rt.clock.Now() + time.Until(t)
	if d <= 0 {
		d = 1
	}
	return d
}

// pollTimeoutMs converts a wait duration to a poll(2)-style millisecond
// timeout, rounding up so that a wait never returns before its deadline.
// Negative durations mean "block indefinitely".
func pollTimeoutMs(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<31-1 {
		ms = 1<<31 - 1
	}
	return int(ms)
}
