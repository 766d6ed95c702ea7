// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package netio implements non-blocking TCP sockets on top of a
// [fiberloop.Runtime]. A [Conn] looks like an ordinary blocking [net.Conn]
// to the fiber using it: reads and writes that would block park the fiber on
// the runtime's wait multiplexer instead of the thread.
//
// Every method that may block must be called from a fiber. [Listen] accepts
// connections on the main fiber, and hands each one to a new fiber.
package netio
