// Package config loads tagbench settings from defaults, an optional YAML
// file and TAGFABRIC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/tagfabric-go/client"
	fi "github.com/rocketbitz/tagfabric-go/fi"
)

// EnvPrefix is prepended to every environment override, e.g.
// TAGFABRIC_ENDPOINT_EAGER_SIZE.
const EnvPrefix = "TAGFABRIC"

// Modes lists the transfer variants tagbench can replay.
var Modes = []string{"tsend", "tsendv", "tsendmsg", "tsenddata", "trecvv", "trecvmsg", "tinject", "client"}

// Config is the full tagbench configuration.
type Config struct {
	Provider string         `mapstructure:"provider"`
	Fabric   string         `mapstructure:"fabric"`
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	Client   ClientConfig   `mapstructure:"client"`
	Bench    BenchConfig    `mapstructure:"bench"`
	Log      LogConfig      `mapstructure:"log"`
}

// EndpointConfig mirrors the endpoint attributes. Zero values fall back to
// the provider's advertised defaults.
type EndpointConfig struct {
	InjectSize      int           `mapstructure:"inject_size"`
	EagerSize       int           `mapstructure:"eager_size"`
	MTU             int           `mapstructure:"mtu"`
	UnexpectedBytes int           `mapstructure:"unexpected_bytes"`
	UnexpectedCount int           `mapstructure:"unexpected_count"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	RetryTimeout    time.Duration `mapstructure:"retry_timeout"`
	ProgressBudget  int           `mapstructure:"progress_budget"`
}

// ClientConfig holds the settings used when the bench drives the high-level client.
type ClientConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	CQSize         int           `mapstructure:"cq_size"`
	MRPoolCapacity int           `mapstructure:"mr_pool_capacity"`
}

// BenchConfig selects what tagbench run replays.
type BenchConfig struct {
	Mode       string        `mapstructure:"mode"`
	MinSize    int           `mapstructure:"min_size"`
	MaxSize    int           `mapstructure:"max_size"`
	Pairs      int           `mapstructure:"pairs"`
	Iterations int           `mapstructure:"iterations"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Options are command line overrides. Zero fields leave the loaded value alone.
type Options struct {
	Fabric  string
	Mode    string
	MinSize int
	MaxSize int
	Pairs   int
}

// Load reads configuration from configPath (or tagbench.yaml in the working
// directory when empty), applies environment variables and then opts.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("tagbench")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Fabric != "" {
		v.Set("fabric", opts.Fabric)
	}
	if opts.Mode != "" {
		v.Set("bench.mode", opts.Mode)
	}
	if opts.MinSize != 0 {
		v.Set("bench.min_size", opts.MinSize)
	}
	if opts.MaxSize != 0 {
		v.Set("bench.max_size", opts.MaxSize)
	}
	if opts.Pairs != 0 {
		v.Set("bench.pairs", opts.Pairs)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", fi.ProviderName)
	v.SetDefault("fabric", fi.DefaultFabricName)

	v.SetDefault("endpoint.inject_size", fi.DefaultInjectSize)
	v.SetDefault("endpoint.eager_size", fi.DefaultEagerSize)
	v.SetDefault("endpoint.mtu", fi.DefaultMTU)
	v.SetDefault("endpoint.unexpected_bytes", fi.DefaultUnexpectedBytes)
	v.SetDefault("endpoint.unexpected_count", fi.DefaultUnexpectedCount)
	v.SetDefault("endpoint.queue_depth", 0) // loopback default
	v.SetDefault("endpoint.retry_timeout", fi.DefaultRetryTimeout)
	v.SetDefault("endpoint.progress_budget", 0)

	v.SetDefault("client.timeout", 5*time.Second)
	v.SetDefault("client.cq_size", fi.DefaultCQSize)
	v.SetDefault("client.mr_pool_capacity", 32)

	v.SetDefault("bench.mode", "tsend")
	v.SetDefault("bench.min_size", 1)
	v.SetDefault("bench.max_size", 64<<10)
	v.SetDefault("bench.pairs", 1)
	v.SetDefault("bench.iterations", 1)
	v.SetDefault("bench.timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks the configuration for values no endpoint can honour.
func (c *Config) Validate() error {
	if c.Provider != fi.ProviderName {
		return fmt.Errorf("unsupported provider %q", c.Provider)
	}
	if c.Fabric == "" {
		return errors.New("fabric name cannot be empty")
	}
	if err := c.Endpoint.Validate(); err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	if err := c.Bench.Validate(); err != nil {
		return fmt.Errorf("bench: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	return nil
}

// Validate checks that the path thresholds are ordered.
func (e EndpointConfig) Validate() error {
	for name, v := range map[string]int{
		"inject_size":      e.InjectSize,
		"eager_size":       e.EagerSize,
		"mtu":              e.MTU,
		"unexpected_bytes": e.UnexpectedBytes,
		"unexpected_count": e.UnexpectedCount,
		"queue_depth":      e.QueueDepth,
		"progress_budget":  e.ProgressBudget,
	} {
		if v < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	if e.RetryTimeout < 0 {
		return errors.New("retry_timeout cannot be negative")
	}
	if e.InjectSize > 0 && e.EagerSize > 0 && e.InjectSize > e.EagerSize {
		return fmt.Errorf("inject_size %d exceeds eager_size %d", e.InjectSize, e.EagerSize)
	}
	if e.EagerSize > 0 && e.MTU > 0 && e.EagerSize > e.MTU {
		return fmt.Errorf("eager_size %d exceeds mtu %d", e.EagerSize, e.MTU)
	}
	return nil
}

// Validate checks the bench selection.
func (b BenchConfig) Validate() error {
	if !isMode(b.Mode) {
		return fmt.Errorf("unknown mode %q (want one of %s)", b.Mode, strings.Join(Modes, ", "))
	}
	if b.MinSize < 1 {
		return errors.New("min_size must be at least 1")
	}
	if b.MaxSize < b.MinSize {
		return fmt.Errorf("max_size %d below min_size %d", b.MaxSize, b.MinSize)
	}
	if b.Pairs < 1 {
		return errors.New("pairs must be at least 1")
	}
	if b.Iterations < 1 {
		return errors.New("iterations must be at least 1")
	}
	return nil
}

func isMode(mode string) bool {
	for _, m := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// EndpointOptions converts the endpoint section into endpoint options.
func (c *Config) EndpointOptions(logger *zap.Logger) []fi.EndpointOption {
	e := c.Endpoint
	opts := []fi.EndpointOption{
		fi.WithInjectSize(e.InjectSize),
		fi.WithEagerSize(e.EagerSize),
		fi.WithMTU(e.MTU),
		fi.WithUnexpectedLimits(e.UnexpectedBytes, e.UnexpectedCount),
		fi.WithQueueDepth(e.QueueDepth),
		fi.WithRetryTimeout(e.RetryTimeout),
		fi.WithProgressBudget(e.ProgressBudget),
	}
	if logger != nil {
		opts = append(opts, fi.WithLogger(logger))
	}
	return opts
}

// ClientConfig builds a client configuration that joins fabric.
func (c *Config) ClientConfig(fabric string, logger *zap.Logger) client.Config {
	cfg := client.Config{
		Provider:        c.Provider,
		Fabric:          fabric,
		Timeout:         c.Client.Timeout,
		CQSize:          c.Client.CQSize,
		MRPoolCapacity:  c.Client.MRPoolCapacity,
		EndpointOptions: c.EndpointOptions(logger),
	}
	if logger != nil {
		cfg.Logger = logger.Sugar()
	}
	return cfg
}

// Build constructs the zap logger described by the log section.
func (l LogConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if l.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
