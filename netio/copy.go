// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package netio

import (
	"io"

	"github.com/joeycumines/go-fiberloop"
)

// maxCopyBuffer bounds the stack region Copy borrows.
const maxCopyBuffer = 32 << 10

// Copy copies from src to dst until EOF, like [io.Copy], using the calling
// fiber's stack memory as the transfer buffer, so steady state copying does
// not allocate. It must be called from a fiber.
func Copy(rt *fiberloop.Runtime, dst io.Writer, src io.Reader) (int64, error) {
	f := rt.Current()
	if f == nil {
		return 0, fiberloop.ErrNotInFiber
	}
	stack := f.Stack()
	buf, err := stack.Top(min(stack.Size(), maxCopyBuffer))
	if err != nil {
		return 0, err
	}
	return io.CopyBuffer(dst, src, buf)
}
