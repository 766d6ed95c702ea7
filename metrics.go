// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time snapshot of runtime counters, see
// [Runtime.Metrics].
type Metrics struct {
	// PollLatency describes how long the wait backend blocked per RunOnce.
	PollLatency LatencySnapshot

	// Spawns counts successful [Runtime.Spawn] calls.
	Spawns uint64
	// PoolHits counts spawns satisfied by a pooled fiber.
	PoolHits uint64
	// PoolMisses counts spawns that had to create a new fiber.
	PoolMisses uint64
	// Freed counts fibers whose goroutine and stack were released.
	Freed uint64
	// Swaps counts context switches from the main fiber into a fiber.
	Swaps uint64
	// MaxRunning is the highest number of fibers observed executing at once.
	// Cooperative scheduling means it never exceeds 1.
	MaxRunning int64
	// BackendCalls counts add, modify and delete calls to the wait backend.
	BackendCalls uint64
	Polls        uint64
	PollErrors   uint64
	// TimersFired counts timer events dispatched by RunDue.
	TimersFired     uint64
	TimersCancelled uint64
	Wakeups         uint64

	// Active is the number of fibers that are allocated and not pooled.
	Active int64
	// Pooled is the number of fibers parked in the free list.
	Pooled int64
}

// LatencySnapshot is a percentile summary of recorded durations.
type LatencySnapshot struct {
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

type counters struct {
	spawns          atomic.Uint64
	poolHits        atomic.Uint64
	poolMisses      atomic.Uint64
	freed           atomic.Uint64
	swaps           atomic.Uint64
	backendCalls    atomic.Uint64
	polls           atomic.Uint64
	pollErrors      atomic.Uint64
	timersFired     atomic.Uint64
	timersCancelled atomic.Uint64
	wakeups         atomic.Uint64
	active          atomic.Int64
	pooled          atomic.Int64
	running         atomic.Int64
	maxRunning      atomic.Int64
	pollLatency     latencySampler
}

// enterFiber and exitFiber bracket the period in which a fiber body
// executes, feeding the MaxRunning monitor.
func (c *counters) enterFiber() {
	n := c.running.Add(1)
	for {
		m := c.maxRunning.Load()
		if n <= m || c.maxRunning.CompareAndSwap(m, n) {
			return
		}
	}
}

func (c *counters) exitFiber() {
	c.running.Add(-1)
}

func (c *counters) snapshot() Metrics {
	return Metrics{
		PollLatency:     c.pollLatency.snapshot(),
		Spawns:          c.spawns.Load(),
		PoolHits:        c.poolHits.Load(),
		PoolMisses:      c.poolMisses.Load(),
		Freed:           c.freed.Load(),
		Swaps:           c.swaps.Load(),
		MaxRunning:      c.maxRunning.Load(),
		BackendCalls:    c.backendCalls.Load(),
		Polls:           c.polls.Load(),
		PollErrors:      c.pollErrors.Load(),
		TimersFired:     c.timersFired.Load(),
		TimersCancelled: c.timersCancelled.Load(),
		Wakeups:         c.wakeups.Load(),
		Active:          c.active.Load(),
		Pooled:          c.pooled.Load(),
	}
}

// sampleSize is the number of latency samples retained.
const sampleSize = 1000

// latencySampler keeps a rolling buffer of samples.
type latencySampler struct {
	samples     [sampleSize]time.Duration
	sum         time.Duration
	sampleIdx   int
	sampleCount int
	mu          sync.Mutex
}

func (l *latencySampler) record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sampleCount >= sampleSize {
		l.sum -= l.samples[l.sampleIdx]
	}
	l.samples[l.sampleIdx] = d
	l.sum += d
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

func (l *latencySampler) snapshot() LatencySnapshot {
	l.mu.Lock()
	count := l.sampleCount
	sorted := make([]time.Duration, count)
	copy(sorted, l.samples[:count])
	sum := l.sum
	l.mu.Unlock()

	if count == 0 {
		return LatencySnapshot{}
	}
	slices.Sort(sorted)
	return LatencySnapshot{
		P50:   sorted[percentileIndex(count, 50)],
		P90:   sorted[percentileIndex(count, 90)],
		P99:   sorted[percentileIndex(count, 99)],
		Max:   sorted[count-1],
		Mean:  sum / time.Duration(count),
		Count: count,
	}
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// Metrics returns a snapshot of the runtime counters. Safe to call from any
// goroutine.
func (rt *Runtime) Metrics() Metrics {
	return rt.counters.snapshot()
}
