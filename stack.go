// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unsafe"
)

// StackStrategy selects how fiber stack memory is obtained.
type StackStrategy uint8

const (
	// StackFixed allocates the stack as a single heap slice.
	StackFixed StackStrategy = iota
	// StackMapped allocates the stack as an anonymous memory mapping,
	// released independently of the Go heap.
	StackMapped
	// StackGrowable reserves Max bytes plus a guard page, commits Initial
	// bytes at the top, and commits more on demand as deeper regions are
	// touched. Touching the guard page is a stack overflow.
	StackGrowable
)

// String returns the config name of the strategy.
func (s StackStrategy) String() string {
	switch s {
	case StackFixed:
		return "fixed"
	case StackMapped:
		return "mapped"
	case StackGrowable:
		return "growable"
	default:
		return fmt.Sprintf("StackStrategy(%d)", int(s))
	}
}

// ParseStackStrategy parses the output of [StackStrategy.String].
func ParseStackStrategy(s string) (StackStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fixed":
		return StackFixed, nil
	case "mapped":
		return StackMapped, nil
	case "growable":
		return StackGrowable, nil
	default:
		return 0, fmt.Errorf("fiberloop: unknown stack strategy %q", s)
	}
}

// StackConfig configures fiber stacks. Sizes are in bytes, and are rounded
// up to the page size for the mapped strategies.
type StackConfig struct {
	// Initial is the size of fixed and mapped stacks, and the initially
	// committed size of growable stacks.
	Initial int
	// Max bounds the growth of growable stacks.
	Max int
	// GrowIncrement is the granularity in which growable stacks commit.
	GrowIncrement int
	// ResetThreshold is the committed size above which a growable stack is
	// shrunk back to Initial when its fiber is reused from the pool.
	ResetThreshold int
	Strategy       StackStrategy
}

// DefaultStackConfig returns the default configuration: fixed 16 KiB stacks,
// with growable limits of 256 KiB in 16 KiB steps, reset above 64 KiB.
func DefaultStackConfig() StackConfig {
	return StackConfig{
		Strategy:       StackFixed,
		Initial:        16 << 10,
		Max:            256 << 10,
		GrowIncrement:  16 << 10,
		ResetThreshold: 64 << 10,
	}
}

func (c StackConfig) validate() error {
	switch {
	case c.Initial <= 0:
		return errors.New("fiberloop: stack initial size must be positive")
	case c.Strategy > StackGrowable:
		return fmt.Errorf("fiberloop: invalid stack strategy %v", c.Strategy)
	case c.Strategy != StackGrowable:
		return nil
	case c.Max < c.Initial:
		return errors.New("fiberloop: stack max size must not be less than initial")
	case c.GrowIncrement <= 0:
		return errors.New("fiberloop: stack grow increment must be positive")
	case c.ResetThreshold < 0:
		return errors.New("fiberloop: stack reset threshold must not be negative")
	}
	return nil
}

var pageSize = os.Getpagesize()

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}

// Stack is a fiber-local memory region. The usable region grows downward
// from the top, so depth is measured in bytes below the top.
type Stack struct {
	// mem is the whole region, including any guard page at the front.
	mem       []byte
	guard     int
	size      int
	committed int
	initial   int
	increment int
	strategy  StackStrategy
}

func newStack(cfg StackConfig) (*Stack, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch cfg.Strategy {
	case StackMapped:
		return newMappedStack(roundUp(cfg.Initial, pageSize))
	case StackGrowable:
		return newGrowableStack(
			roundUp(cfg.Initial, pageSize),
			roundUp(cfg.Max, pageSize),
			roundUp(cfg.GrowIncrement, pageSize),
		)
	default:
		return &Stack{
			mem:       make([]byte, cfg.Initial),
			size:      cfg.Initial,
			committed: cfg.Initial,
			initial:   cfg.Initial,
			strategy:  StackFixed,
		}, nil
	}
}

// Strategy returns the allocation strategy of the stack.
func (s *Stack) Strategy() StackStrategy { return s.strategy }

// Size returns the maximum usable size, excluding any guard page.
func (s *Stack) Size() int { return s.size }

// Committed returns the number of bytes currently backed by memory.
func (s *Stack) Committed() int { return s.committed }

// Top returns the n bytes at the top of the stack, committing them if
// necessary. It fails if n exceeds [Stack.Size].
func (s *Stack) Top(n int) ([]byte, error) {
	if n < 0 || n > s.size {
		return nil, fmt.Errorf("fiberloop: stack region of %d bytes exceeds size %d", n, s.size)
	}
	if n > s.committed {
		if err := s.commit(n); err != nil {
			return nil, err
		}
	}
	return s.mem[len(s.mem)-n:], nil
}

// WriteAt copies p into the stack, ending depth bytes below the top, so the
// write covers depths in (depth-len(p), depth]. Growable stacks commit pages
// on demand when the write faults in the uncommitted region. A write beyond
// the usable size is a stack overflow, and panics with a *[FaultError], which
// is fatal unless it happens inside [Runtime.Protect].
func (s *Stack) WriteAt(p []byte, depth int) {
	if depth < len(p) {
		panic(fmt.Errorf("fiberloop: write of %d bytes at depth %d crosses the stack top", len(p), depth))
	}
	off := len(s.mem) - depth
	if off < 0 || (s.strategy != StackGrowable && depth > s.size) {
		panic(s.overflow(off))
	}
	for {
		addr, faulted := trapFault(func() {
			copy(s.mem[off:off+len(p)], p)
		})
		if !faulted {
			return
		}
		if !s.growTo(addr) {
			panic(s.overflow(int(addr - s.base())))
		}
	}
}

func (s *Stack) base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(s.mem)))
}

func (s *Stack) overflow(off int) *FaultError {
	return &FaultError{
		Kind:   FaultStackOverflow,
		Signal: faultSignal,
		Addr:   s.base() + uintptr(off),
	}
}

// growTo commits enough of the stack to cover the faulting address,
// reporting false if the address is outside the growable region.
func (s *Stack) growTo(addr uintptr) bool {
	if s.strategy != StackGrowable {
		return false
	}
	base := s.base()
	lo := base + uintptr(s.guard)
	hi := base + uintptr(len(s.mem)-s.committed)
	if addr < lo || addr >= hi {
		return false
	}
	return s.commit(int(base+uintptr(len(s.mem))-addr)) == nil
}

// commit extends the committed region to at least n bytes.
func (s *Stack) commit(n int) error {
	if s.strategy != StackGrowable {
		if n > s.committed {
			return fmt.Errorf("fiberloop: %v stack cannot grow", s.strategy)
		}
		return nil
	}
	target := min(roundUp(n, s.increment), s.size)
	if target <= s.committed {
		return nil
	}
	top := len(s.mem)
	if err := protectReadWrite(s.mem[top-target : top-s.committed]); err != nil {
		return err
	}
	s.committed = target
	return nil
}

// reset shrinks a growable stack back to its initial commit.
func (s *Stack) reset() {
	if s.strategy != StackGrowable || s.committed <= s.initial {
		return
	}
	top := len(s.mem)
	if err := decommit(s.mem[top-s.committed : top-s.initial]); err != nil {
		return
	}
	s.committed = s.initial
}

func (s *Stack) free() error {
	if s.mem == nil {
		return nil
	}
	var err error
	if s.strategy != StackFixed {
		err = unmap(s.mem)
	}
	s.mem = nil
	s.committed = 0
	return err
}
