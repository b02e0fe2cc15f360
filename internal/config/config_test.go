package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	fi "github.com/rocketbitz/tagfabric-go/fi"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", Options{})
	require.NoError(t, err)

	assert.Equal(t, fi.ProviderName, cfg.Provider)
	assert.Equal(t, fi.DefaultFabricName, cfg.Fabric)
	assert.Equal(t, fi.DefaultInjectSize, cfg.Endpoint.InjectSize)
	assert.Equal(t, fi.DefaultEagerSize, cfg.Endpoint.EagerSize)
	assert.Equal(t, fi.DefaultMTU, cfg.Endpoint.MTU)
	assert.Equal(t, fi.DefaultRetryTimeout, cfg.Endpoint.RetryTimeout)
	assert.Equal(t, "tsend", cfg.Bench.Mode)
	assert.Equal(t, 1, cfg.Bench.MinSize)
	assert.Equal(t, 64<<10, cfg.Bench.MaxSize)
	assert.Equal(t, 1, cfg.Bench.Pairs)
	assert.Equal(t, 5*time.Second, cfg.Client.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileEnvAndOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	yaml := `
fabric: from-file
endpoint:
  eager_size: 1024
  inject_size: 16
  retry_timeout: 250ms
bench:
  mode: tsendv
  max_size: 4096
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("TAGFABRIC_ENDPOINT_MTU", "2048")
	t.Setenv("TAGFABRIC_BENCH_MODE", "trecvmsg")

	cfg, err := Load(path, Options{Pairs: 3})
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Fabric)
	assert.Equal(t, 1024, cfg.Endpoint.EagerSize)
	assert.Equal(t, 16, cfg.Endpoint.InjectSize)
	assert.Equal(t, 2048, cfg.Endpoint.MTU)
	assert.Equal(t, 250*time.Millisecond, cfg.Endpoint.RetryTimeout)
	assert.Equal(t, "trecvmsg", cfg.Bench.Mode, "environment overrides the file")
	assert.Equal(t, 4096, cfg.Bench.MaxSize)
	assert.Equal(t, 3, cfg.Bench.Pairs)
	assert.Equal(t, "json", cfg.Log.Format)

	cfg, err = Load(path, Options{Mode: "tinject", Fabric: "flag"})
	require.NoError(t, err)
	assert.Equal(t, "tinject", cfg.Bench.Mode, "options override the environment")
	assert.Equal(t, "flag", cfg.Fabric)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Options{})
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load("", Options{Mode: "rma"})
	require.ErrorContains(t, err, "unknown mode")
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Provider: fi.ProviderName,
			Fabric:   "f",
			Endpoint: EndpointConfig{InjectSize: 64, EagerSize: 8192, MTU: 16384},
			Bench:    BenchConfig{Mode: "tsend", MinSize: 1, MaxSize: 8, Pairs: 1, Iterations: 1},
			Log:      LogConfig{Level: "info", Format: "console"},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero endpoint sizes use provider defaults", mutate: func(c *Config) { c.Endpoint = EndpointConfig{} }},
		{name: "foreign provider", mutate: func(c *Config) { c.Provider = "verbs" }, errMsg: "unsupported provider"},
		{name: "empty fabric", mutate: func(c *Config) { c.Fabric = "" }, errMsg: "fabric name cannot be empty"},
		{name: "inject above eager", mutate: func(c *Config) { c.Endpoint.InjectSize = 9000 }, errMsg: "inject_size 9000 exceeds eager_size 8192"},
		{name: "eager above mtu", mutate: func(c *Config) { c.Endpoint.EagerSize = 20000 }, errMsg: "eager_size 20000 exceeds mtu 16384"},
		{name: "negative mtu", mutate: func(c *Config) { c.Endpoint.MTU = -1 }, errMsg: "mtu cannot be negative"},
		{name: "negative retry", mutate: func(c *Config) { c.Endpoint.RetryTimeout = -time.Second }, errMsg: "retry_timeout cannot be negative"},
		{name: "min above max", mutate: func(c *Config) { c.Bench.MinSize = 16 }, errMsg: "max_size 8 below min_size 16"},
		{name: "zero min", mutate: func(c *Config) { c.Bench.MinSize = 0 }, errMsg: "min_size must be at least 1"},
		{name: "no pairs", mutate: func(c *Config) { c.Bench.Pairs = 0 }, errMsg: "pairs must be at least 1"},
		{name: "no iterations", mutate: func(c *Config) { c.Bench.Iterations = 0 }, errMsg: "iterations must be at least 1"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, errMsg: "log:"},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, errMsg: "unknown format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestEndpointOptions(t *testing.T) {
	cfg := Config{Endpoint: EndpointConfig{
		InjectSize:      8,
		EagerSize:       512,
		MTU:             1024,
		UnexpectedBytes: 4096,
		UnexpectedCount: 4,
		QueueDepth:      16,
		RetryTimeout:    time.Second,
		ProgressBudget:  2,
	}}
	logger := zap.NewNop()

	var attr fi.EndpointAttr
	for _, opt := range cfg.EndpointOptions(logger) {
		opt(&attr)
	}
	assert.Equal(t, fi.EndpointAttr{
		InjectSize:      8,
		EagerSize:       512,
		MTU:             1024,
		UnexpectedBytes: 4096,
		UnexpectedCount: 4,
		QueueDepth:      16,
		RetryTimeout:    time.Second,
		ProgressBudget:  2,
		Logger:          logger,
	}, attr)
}

func TestClientConfig(t *testing.T) {
	cfg, err := Load("", Options{})
	require.NoError(t, err)

	cc := cfg.ClientConfig("bench-0", zap.NewNop())
	assert.Equal(t, "bench-0", cc.Fabric)
	assert.Equal(t, fi.ProviderName, cc.Provider)
	assert.Equal(t, cfg.Client.Timeout, cc.Timeout)
	assert.Equal(t, 32, cc.MRPoolCapacity)
	assert.NotNil(t, cc.Logger)
	assert.Len(t, cc.EndpointOptions, 8)
}

func TestLogBuild(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		logger, err := LogConfig{Level: "warn", Format: format}.Build()
		require.NoError(t, err)
		assert.False(t, logger.Core().Enabled(zap.InfoLevel))
		assert.True(t, logger.Core().Enabled(zap.WarnLevel))
	}
	_, err := LogConfig{Level: "nope"}.Build()
	require.Error(t, err)
}
