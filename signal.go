// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"os"
	"os/signal"
	"syscall"
)

// NotifySignals maps SIGINT and SIGTERM to [Runtime.Stop], and SIGHUP to
// [Runtime.Restart]. The returned function stops the notification.
func (rt *Runtime) NotifySignals() (stop func()) {
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				var ok bool
				if sig == syscall.SIGHUP {
					ok = rt.Restart()
				} else {
					ok = rt.Stop()
				}
				rt.logger.Info().
					Str("signal", sig.String()).
					Bool("accepted", ok).
					Log("fiberloop: received signal")
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
