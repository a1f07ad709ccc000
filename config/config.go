// Package config loads the typed configuration a gatewayd process needs to
// construct a core.Pool: the worker list and the Dispatcher/Batch Engine
// tunables. It is an external collaborator to the core package, not part of
// it.
package config

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/LaansDole/distributed-llm-mac/core"
	"github.com/LaansDole/distributed-llm-mac/dialect"
)

var configPtr atomic.Pointer[Config]

// Get returns the most recently loaded Config, or DefaultConfig if Load has
// never succeeded. Safe for concurrent use.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	return DefaultConfig()
}

// Config is the top-level on-disk/environment configuration.
type Config struct {
	Server  ServerConfig   `mapstructure:"server" toml:"server"`
	Pool    PoolConfig     `mapstructure:"pool" toml:"pool"`
	Workers []WorkerConfig `mapstructure:"workers" toml:"workers"`
}

// ServerConfig controls the management HTTP surface.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr" toml:"listen_addr"`
	LogLevel   string `mapstructure:"log_level" toml:"log_level"`
}

// PoolConfig mirrors core.PoolConfig's on-disk fields.
type PoolConfig struct {
	HealthCheckInterval int  `mapstructure:"health_check_interval" toml:"health_check_interval"`
	RequestTimeout      int  `mapstructure:"request_timeout" toml:"request_timeout"`
	MaxRetries          int  `mapstructure:"max_retries" toml:"max_retries"`
	MaxConcurrentBatch  int  `mapstructure:"max_concurrent_batch" toml:"max_concurrent_batch"`
	EnableMetrics       bool `mapstructure:"enable_metrics" toml:"enable_metrics"`
}

// WorkerConfig mirrors core.WorkerConfig's on-disk fields.
type WorkerConfig struct {
	ID                    string `mapstructure:"id" toml:"id"`
	Host                  string `mapstructure:"host" toml:"host"`
	Port                  int    `mapstructure:"port" toml:"port"`
	Dialect               string `mapstructure:"dialect" toml:"dialect"`
	Model                 string `mapstructure:"model" toml:"model"`
	MaxConcurrentRequests int    `mapstructure:"max_concurrent_requests" toml:"max_concurrent_requests"`
}

// DefaultConfig returns the built-in defaults, before any file or
// environment overlay.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8089",
			LogLevel:   "info",
		},
		Pool: PoolConfig{
			HealthCheckInterval: 30,
			RequestTimeout:      300,
			MaxRetries:          3,
			MaxConcurrentBatch:  50,
			EnableMetrics:       true,
		},
	}
}

// Load reads configuration with the following precedence, matching
// original_source/src/config.py's get_config_from_env override order:
//  1. Environment variables (LB_ prefix, _ as the nesting separator)
//  2. The TOML file at path, if path is non-empty (a file that cannot be
//     read, including a missing one, is an error)
//  3. Built-in defaults
//
// The resolved config is validated and stored for Get.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setDefaults(v)

	v.SetEnvPrefix("LB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	configPtr.Store(cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("pool.health_check_interval", d.Pool.HealthCheckInterval)
	v.SetDefault("pool.request_timeout", d.Pool.RequestTimeout)
	v.SetDefault("pool.max_retries", d.Pool.MaxRetries)
	v.SetDefault("pool.max_concurrent_batch", d.Pool.MaxConcurrentBatch)
	v.SetDefault("pool.enable_metrics", d.Pool.EnableMetrics)
}

// validate enforces construction-time checks: invalid config is always an
// error, never a panic.
func validate(cfg *Config) error {
	if len(cfg.Workers) == 0 {
		return fmt.Errorf("config: at least one worker is required")
	}
	seen := make(map[string]bool, len(cfg.Workers))
	for i, w := range cfg.Workers {
		if w.ID == "" {
			return fmt.Errorf("config: workers[%d] missing id", i)
		}
		if seen[w.ID] {
			return fmt.Errorf("config: duplicate worker id %q", w.ID)
		}
		seen[w.ID] = true
		switch w.Dialect {
		case "openai-style", "native-style", "cluster-style":
		default:
			return fmt.Errorf("config: workers[%d] (%s) has unknown dialect %q", i, w.ID, w.Dialect)
		}
		if w.MaxConcurrentRequests < 0 {
			return fmt.Errorf("config: workers[%d] (%s) has negative max_concurrent_requests", i, w.ID)
		}
	}
	if cfg.Pool.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be non-negative")
	}
	if cfg.Pool.MaxConcurrentBatch <= 0 {
		return fmt.Errorf("config: max_concurrent_batch must be positive")
	}
	if cfg.Pool.RequestTimeout <= 0 {
		return fmt.Errorf("config: request_timeout must be positive")
	}
	if cfg.Pool.HealthCheckInterval <= 0 {
		return fmt.Errorf("config: health_check_interval must be positive")
	}
	return nil
}

// CoreWorkerConfigs converts the on-disk worker list into core.WorkerConfig
// values, ready for core.NewPool.
func (c *Config) CoreWorkerConfigs() []core.WorkerConfig {
	out := make([]core.WorkerConfig, 0, len(c.Workers))
	for _, w := range c.Workers {
		out = append(out, core.WorkerConfig{
			ID:                    w.ID,
			Host:                  w.Host,
			Port:                  w.Port,
			Dialect:               dialect.Dialect(w.Dialect),
			Model:                 w.Model,
			MaxConcurrentRequests: w.MaxConcurrentRequests,
		})
	}
	return out
}

// CorePoolConfig converts the on-disk pool tunables into core.PoolConfig.
// The caller is responsible for attaching a logger.
func (c *Config) CorePoolConfig() core.PoolConfig {
	return core.PoolConfig{
		HealthCheckInterval: time.Duration(c.Pool.HealthCheckInterval) * time.Second,
		RequestTimeout:      time.Duration(c.Pool.RequestTimeout) * time.Second,
		MaxRetries:          c.Pool.MaxRetries,
		MaxConcurrentBatch:  c.Pool.MaxConcurrentBatch,
		EnableMetrics:       c.Pool.EnableMetrics,
	}
}
