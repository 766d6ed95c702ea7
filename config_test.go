// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
backend = "poll"
log_level = "debug"
max_poll_interval = "250ms"

[fibers]
max_active = 1000
pool_min = 8
pool_max = 128
idle_timeout = "1m"

[stack]
strategy = "growable"
max = 524288
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	want := DefaultConfig()
	want.Backend = "poll"
	want.LogLevel = "debug"
	want.MaxPollInterval = Duration(250 * time.Millisecond)
	want.Fibers.MaxActive = 1000
	want.Fibers.PoolMin = 8
	want.Fibers.PoolMax = 128
	want.Fibers.IdleTimeout = Duration(time.Minute)
	want.Stack.Strategy = "growable"
	want.Stack.Max = 512 << 10

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("unexpected config (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_errors(t *testing.T) {
	_, err := LoadConfig(strings.NewReader("backend = \"epoll\"\nbogus = 1\n[fibers]\nnope = 2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
	assert.Contains(t, err.Error(), "fibers.nope")

	_, err = LoadConfig(strings.NewReader("[fibers]\nidle_timeout = \"soon\"\n"))
	assert.Error(t, err)

	_, err = LoadConfig(strings.NewReader("backend = "))
	assert.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fiberloop.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "poll", cfg.Backend)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_roundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, toml.NewEncoder(&buf).Encode(DefaultConfig()))
	assert.Contains(t, buf.String(), `idle_timeout = "30s"`)

	cfg, err := LoadConfig(&buf)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(DefaultConfig(), cfg))
}

func TestConfig_ApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvBackend:   "select",
		EnvMaxActive: " 50 ",
		EnvPoolMax:   "10",
		EnvStack:     "mapped",
		EnvLogLevel:  "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "select", cfg.Backend)
	assert.Equal(t, 50, cfg.Fibers.MaxActive)
	assert.Zero(t, cfg.Fibers.PoolMin)
	assert.Equal(t, 10, cfg.Fibers.PoolMax)
	assert.Equal(t, "mapped", cfg.Stack.Strategy)
	assert.Equal(t, "warn", cfg.LogLevel)

	env[EnvPoolMin] = "many"
	err := cfg.ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvPoolMin)
}

func TestConfig_Options(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	var logs syncBuffer
	opts, err := cfg.Options(&logs)
	require.NoError(t, err)

	options, err := resolveOptions(opts)
	require.NoError(t, err)
	assert.Equal(t, BackendPoll, options.backend)
	assert.Equal(t, 1000, options.maxActive)
	assert.Equal(t, 8, options.poolMin)
	assert.Equal(t, 128, options.poolMax)
	assert.Equal(t, time.Minute, options.idleTimeout)
	assert.Equal(t, time.Second, options.pruneInterval)
	assert.Equal(t, 250*time.Millisecond, options.maxPollInterval)
	assert.Equal(t, StackGrowable, options.stack.Strategy)
	assert.Equal(t, 512<<10, options.stack.Max)
	assert.Equal(t, DefaultStackConfig().Initial, options.stack.Initial)
	require.NotNil(t, options.logger)

	rt := newTestRuntime(t, opts...)
	assert.Equal(t, BackendPoll, rt.backend.Kind())
	assert.Contains(t, logs.String(), "runtime created")
}

func TestConfig_OptionsInvalid(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.Backend = "iocp" },
		func(c *Config) { c.Stack.Strategy = "segmented" },
		func(c *Config) { c.LogLevel = "loud" },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		_, err := cfg.Options(nil)
		assert.Error(t, err)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]logiface.Level{
		"":        logiface.LevelInformational,
		"INFO":    logiface.LevelInformational,
		"error":   logiface.LevelError,
		"warn":    logiface.LevelWarning,
		"debug":   logiface.LevelDebug,
		"off":     logiface.LevelDisabled,
		" trace ": logiface.LevelTrace,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)

	// round trips the canonical names
	for _, lvl := range []logiface.Level{logiface.LevelError, logiface.LevelNotice, logiface.LevelCritical} {
		got, err := ParseLevel(lvl.String())
		require.NoError(t, err)
		assert.Equal(t, lvl, got)
	}
}
