// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build darwin

package fiberloop

func newBackend(kind BackendKind) (backend, error) {
	switch kind {
	case BackendAuto, BackendKqueue:
		return newKqueueBackend()
	case BackendPoll:
		return newPollBackend()
	case BackendSelect:
		return newSelectBackend()
	default:
		return nil, ErrBackendUnsupported
	}
}
