// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package fiberloop

func newBackend(kind BackendKind) (backend, error) {
	switch kind {
	case BackendAuto, BackendEpoll:
		return newEpollBackend()
	case BackendPoll:
		return newPollBackend()
	case BackendSelect:
		return newSelectBackend()
	default:
		return nil, ErrBackendUnsupported
	}
}
