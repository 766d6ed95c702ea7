// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/logiface"
)

// Config is the file and environment form of the runtime tunables.
//
// Example TOML:
//
//	backend = "epoll"
//	log_level = "info"
//
//	[fibers]
//	max_active = 1000
//	pool_min = 8
//	pool_max = 128
//	idle_timeout = "30s"
//	prune_interval = "1s"
//
//	[stack]
//	strategy = "growable"
//	initial = 16384
//	max = 262144
type Config struct {
	Backend  string      `toml:"backend"`
	LogLevel string      `toml:"log_level"`
	Fibers   FiberConfig `toml:"fibers"`
	Stack    StackFile   `toml:"stack"`
	// MaxPollInterval bounds a single wait in Run.
	MaxPollInterval Duration `toml:"max_poll_interval"`
}

// FiberConfig holds the fiber pool tunables.
type FiberConfig struct {
	IdleTimeout   Duration `toml:"idle_timeout"`
	PruneInterval Duration `toml:"prune_interval"`
	MaxActive     int      `toml:"max_active"`
	PoolMin       int      `toml:"pool_min"`
	PoolMax       int      `toml:"pool_max"`
}

// StackFile holds the stack tunables. Zero sizes take the defaults.
type StackFile struct {
	Strategy       string `toml:"strategy"`
	Initial        int    `toml:"initial"`
	Max            int    `toml:"max"`
	GrowIncrement  int    `toml:"grow_increment"`
	ResetThreshold int    `toml:"reset_threshold"`
}

// Duration is a time.Duration that decodes from strings like "1.5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// DefaultConfig returns the configuration equivalent to calling [New]
// without options.
func DefaultConfig() Config {
	stack := DefaultStackConfig()
	return Config{
		Backend:  BackendAuto.String(),
		LogLevel: logiface.LevelInformational.String(),
		Fibers: FiberConfig{
			PoolMax:       64,
			IdleTimeout:   Duration(30 * time.Second),
			PruneInterval: Duration(time.Second),
		},
		Stack: StackFile{
			Strategy:       stack.Strategy.String(),
			Initial:        stack.Initial,
			Max:            stack.Max,
			GrowIncrement:  stack.GrowIncrement,
			ResetThreshold: stack.ResetThreshold,
		},
		MaxPollInterval: Duration(10 * time.Second),
	}
}

// LoadConfig reads TOML from r over the defaults. Unknown keys are an error.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("fiberloop: decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		slices.Sort(keys)
		return Config{}, fmt.Errorf("fiberloop: unknown config keys: %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// LoadConfigFile reads a TOML file, see [LoadConfig].
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return LoadConfig(f)
}

// Environment variables read by [Config.ApplyEnv].
const (
	EnvBackend   = "FIBERLOOP_BACKEND"
	EnvMaxActive = "FIBERLOOP_MAX_ACTIVE"
	EnvPoolMin   = "FIBERLOOP_POOL_MIN"
	EnvPoolMax   = "FIBERLOOP_POOL_MAX"
	EnvStack     = "FIBERLOOP_STACK"
	EnvLogLevel  = "FIBERLOOP_LOG_LEVEL"
)

// ApplyEnv overrides fields from FIBERLOOP_* variables, as resolved by
// lookup (typically os.LookupEnv).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBackend); ok {
		c.Backend = v
	}
	if v, ok := lookup(EnvStack); ok {
		c.Stack.Strategy = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.LogLevel = v
	}
	for _, e := range [...]struct {
		dst  *int
		name string
	}{
		{&c.Fibers.MaxActive, EnvMaxActive},
		{&c.Fibers.PoolMin, EnvPoolMin},
		{&c.Fibers.PoolMax, EnvPoolMax},
	} {
		v, ok := lookup(e.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("fiberloop: %s: %w", e.name, err)
		}
		*e.dst = n
	}
	return nil
}

// Options converts the configuration to runtime options. Logging is
// written to logOutput, or disabled if it is nil.
func (c Config) Options(logOutput io.Writer) ([]Option, error) {
	kind, err := ParseBackendKind(c.Backend)
	if err != nil {
		return nil, err
	}
	strategy, err := ParseStackStrategy(c.Stack.Strategy)
	if err != nil {
		return nil, err
	}
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	stack := DefaultStackConfig()
	stack.Strategy = strategy
	for _, v := range [...]struct {
		dst *int
		src int
	}{
		{&stack.Initial, c.Stack.Initial},
		{&stack.Max, c.Stack.Max},
		{&stack.GrowIncrement, c.Stack.GrowIncrement},
		{&stack.ResetThreshold, c.Stack.ResetThreshold},
	} {
		if v.src != 0 {
			*v.dst = v.src
		}
	}

	opts := []Option{
		WithBackend(kind),
		WithLimits(c.Fibers.MaxActive, c.Fibers.PoolMin, c.Fibers.PoolMax),
		WithPoolPruning(time.Duration(c.Fibers.IdleTimeout), time.Duration(c.Fibers.PruneInterval)),
		WithStack(stack),
	}
	if c.MaxPollInterval > 0 {
		opts = append(opts, WithMaxPollInterval(time.Duration(c.MaxPollInterval)))
	}
	if logOutput != nil {
		opts = append(opts, WithLogger(NewLogger(logOutput, level)))
	}
	return opts, nil
}
