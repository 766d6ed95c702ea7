// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// runtimeOptions holds configuration options for Runtime creation.
type runtimeOptions struct {
	logger          *logiface.Logger[logiface.Event]
	pollErrorRates  map[time.Duration]int
	stack           StackConfig
	backend         BackendKind
	maxActive       int
	poolMin         int
	poolMax         int
	idleTimeout     time.Duration
	pruneInterval   time.Duration
	maxPollInterval time.Duration
}

// --- Runtime Options ---

// Option configures a Runtime instance.
type Option interface {
	applyRuntime(*runtimeOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyRuntimeFunc func(*runtimeOptions) error
}

func (o *optionImpl) applyRuntime(opts *runtimeOptions) error {
	return o.applyRuntimeFunc(opts)
}

// WithBackend selects the readiness backend. [BackendAuto] (the default)
// picks epoll on Linux and kqueue on Darwin.
func WithBackend(kind BackendKind) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.backend = kind
		return nil
	}}
}

// WithLimits sets the fiber pool bounds, see also [Runtime.SetLimits].
// A maxActive of zero means unlimited.
func WithLimits(maxActive, poolMin, poolMax int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if maxActive < 0 || poolMin < 0 || poolMax < 0 || poolMin > poolMax {
			return errors.New("fiberloop: invalid fiber limits")
		}
		opts.maxActive = maxActive
		opts.poolMin = poolMin
		opts.poolMax = poolMax
		return nil
	}}
}

// WithPoolPruning configures how long a pooled fiber may stay idle before
// the pruning timer frees it, and how often that timer runs. A zero
// interval disables pruning.
func WithPoolPruning(idleTimeout, interval time.Duration) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if idleTimeout < 0 || interval < 0 {
			return errors.New("fiberloop: invalid pool pruning durations")
		}
		opts.idleTimeout = idleTimeout
		opts.pruneInterval = interval
		return nil
	}}
}

// WithStack configures the stack strategy and sizes used for new fibers.
func WithStack(cfg StackConfig) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if err := cfg.validate(); err != nil {
			return err
		}
		opts.stack = cfg
		return nil
	}}
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPollErrorRates sets the rate limits applied to logging of wait
// backend failures, keyed by window, e.g. {time.Second: 1, time.Minute: 10}.
func WithPollErrorRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.pollErrorRates = rates
		return nil
	}}
}

// WithMaxPollInterval caps how long [Runtime.Run] will block in the wait
// backend, when nothing else bounds it.
func WithMaxPollInterval(d time.Duration) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if d <= 0 {
			return errors.New("fiberloop: max poll interval must be positive")
		}
		opts.maxPollInterval = d
		return nil
	}}
}

// resolveOptions applies Option instances to runtimeOptions.
func resolveOptions(opts []Option) (*runtimeOptions, error) {
	cfg := &runtimeOptions{
		backend:         BackendAuto,
		poolMax:         64,
		idleTimeout:     30 * time.Second,
		pruneInterval:   time.Second,
		maxPollInterval: 10 * time.Second,
		stack:           DefaultStackConfig(),
		pollErrorRates: map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRuntime(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
