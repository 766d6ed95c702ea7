// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"fmt"
	"strings"
)

// BackendKind identifies a readiness backend.
type BackendKind uint8

const (
	// BackendAuto selects the best backend for the platform.
	BackendAuto BackendKind = iota
	// BackendEpoll is edge-triggered epoll (Linux).
	BackendEpoll
	// BackendKqueue is kqueue with EV_CLEAR (Darwin).
	BackendKqueue
	// BackendPoll is poll(2), woken through a socket pair.
	BackendPoll
	// BackendSelect is select(2), woken through a socket pair. Descriptors
	// must be below FD_SETSIZE.
	BackendSelect
)

// String returns the config name of the backend.
func (k BackendKind) String() string {
	switch k {
	case BackendAuto:
		return "auto"
	case BackendEpoll:
		return "epoll"
	case BackendKqueue:
		return "kqueue"
	case BackendPoll:
		return "poll"
	case BackendSelect:
		return "select"
	default:
		return fmt.Sprintf("BackendKind(%d)", int(k))
	}
}

// ParseBackendKind parses the output of [BackendKind.String].
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return BackendAuto, nil
	case "epoll":
		return BackendEpoll, nil
	case "kqueue":
		return BackendKqueue, nil
	case "poll":
		return BackendPoll, nil
	case "select":
		return BackendSelect, nil
	default:
		return 0, fmt.Errorf("fiberloop: unknown backend %q", s)
	}
}

// readyEvent is one descriptor reported ready by a backend.
type readyEvent struct {
	fd     int
	events IOMask
}

// backend is a platform readiness facility. Registration and Wait are only
// called from the main fiber; Wakeup may be called from any goroutine.
//
// Implementations report edge-triggered readiness where the platform allows,
// and map error or hangup conditions to Readable|Writable|Error.
type backend interface {
	Kind() BackendKind
	Add(fd int, mask IOMask) error
	Modify(fd int, old, mask IOMask) error
	Delete(fd int, old IOMask) error
	// Wait blocks for up to timeoutMs (negative for no limit), and appends
	// ready descriptors to events. An interrupted wait returns no events and
	// no error. Wakeup notifications are consumed internally.
	Wait(timeoutMs int, events []readyEvent) ([]readyEvent, error)
	Wakeup() error
	Close() error
}

// pollMask is the portable interest mask supported by level backends.
const pollMask = Readable | Writable

func checkMask(mask IOMask, supported IOMask) error {
	if mask&^supported != 0 {
		return ErrMaskUnsupported
	}
	return nil
}
