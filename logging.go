// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// NewLogger builds a JSON logger writing to w, suitable for [WithLogger].
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// ParseLevel parses a syslog style level keyword, as produced by
// [logiface.Level.String]. Common aliases (error, warn, information) are
// accepted. The empty string parses as informational.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ``, `info`, `information`, `informational`:
		return logiface.LevelInformational, nil
	case `disabled`, `off`, `none`:
		return logiface.LevelDisabled, nil
	case `emerg`, `emergency`:
		return logiface.LevelEmergency, nil
	case `alert`:
		return logiface.LevelAlert, nil
	case `crit`, `critical`:
		return logiface.LevelCritical, nil
	case `err`, `error`:
		return logiface.LevelError, nil
	case `warning`, `warn`:
		return logiface.LevelWarning, nil
	case `notice`:
		return logiface.LevelNotice, nil
	case `debug`:
		return logiface.LevelDebug, nil
	case `trace`:
		return logiface.LevelTrace, nil
	default:
		return logiface.LevelDisabled, fmt.Errorf("fiberloop: unknown log level %q", s)
	}
}

// newRateLimiter wraps catrate.NewLimiter, which panics on invalid rates.
func newRateLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			limiter = nil
			err = fmt.Errorf("fiberloop: invalid poll error rates: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// logPollError reports a wait backend failure. Failures are expected to
// repeat every iteration while the condition persists, so they are
// limited per category.
func (rt *Runtime) logPollError(category string, err error) {
	rt.counters.pollErrors.Add(1)
	if rt.logger == nil {
		return
	}
	if rt.pollLimiter != nil {
		if _, ok := rt.pollLimiter.Allow(category); !ok {
			return
		}
	}
	rt.logger.Err().
		Str("category", category).
		Str("backend", rt.backend.Kind().String()).
		Err(err).
		Log("fiberloop: wait backend error")
}
