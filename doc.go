// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package fiberloop is a single-threaded cooperative runtime: fibers, a
// wait multiplexer over epoll, kqueue, poll or select, and a timer queue.
//
// # Fibers
//
// A fiber is a goroutine that only runs while the main fiber has handed it
// control, via [Runtime.Resume] or a dispatch from [Runtime.RunOnce], and
// hands control back via [Runtime.Yield]. Exactly one fiber executes at any
// instant, so fiber bodies may share state without locks. Completed fibers
// are parked in a bounded pool and reused.
//
// Blocking-looking primitives suspend the calling fiber rather than the
// thread: [WaitHandle.WaitForIO], [Runtime.Sleep] and [Runtime.RunBlocking].
//
// # Foreign goroutines
//
// Goroutines other than the main fiber and the running fiber must not touch
// fibers directly. [Runtime.Schedule] is the thread-safe entry point, and
// [Runtime.Resume] and [Runtime.Go] route through it.
//
// # Usage
//
//	rt, err := fiberloop.New(fiberloop.WithLimits(1000, 8, 128))
//	if err != nil {
//		return err
//	}
//	_, _ = rt.Spawn(func(any) {
//		rt.Sleep(10 * time.Millisecond)
//		rt.Stop()
//	}, nil)
//	return rt.Run(ctx)
package fiberloop
