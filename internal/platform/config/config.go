// Package config loads service configuration from defaults, an optional YAML
// file, HUB_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. HUB_SERVER_ADDR.
const EnvPrefix = "HUB"

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Registry RegistryConfig `mapstructure:"registry"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Search   SearchConfig   `mapstructure:"search"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig captures HTTP server level configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// DefaultModuleURL is recorded on modules added without one.
	DefaultModuleURL string `mapstructure:"default_module_url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RegistryConfig controls the derived module listing.
type RegistryConfig struct {
	SourceDir      string        `mapstructure:"source_dir"`
	SnapshotDir    string        `mapstructure:"snapshot_dir"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	Concurrency    int           `mapstructure:"concurrency"`
	RebuildTimeout time.Duration `mapstructure:"rebuild_timeout"`
	Watch          bool          `mapstructure:"watch"`
	WatchDebounce  time.Duration `mapstructure:"watch_debounce"`
	// RefreshSchedule is a cron spec for background rebuilds; empty disables.
	RefreshSchedule string   `mapstructure:"refresh_schedule"`
	Extensions      []string `mapstructure:"extensions"`
}

// StoreConfig locates persisted module records.
type StoreConfig struct {
	Dir string `mapstructure:"dir"`
}

// RedisConfig holds Redis connection settings. An empty URL disables Redis.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// LLMConfig selects the completion provider.
type LLMConfig struct {
	Provider string        `mapstructure:"provider"`
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SearchConfig tunes relevance search.
type SearchConfig struct {
	Anchor        string        `mapstructure:"anchor"`
	Threshold     float64       `mapstructure:"threshold"`
	FilesRoot     string        `mapstructure:"files_root"`
	MaxCandidates int           `mapstructure:"max_candidates"`
	FilesCacheTTL time.Duration `mapstructure:"files_cache_ttl"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// SetDefaults registers every key with its default so environment
// overrides are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.request_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.default_module_url", "0.0.0.0:8000")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("registry.source_dir", ".")
	v.SetDefault("registry.snapshot_dir", "~/.hub/api")
	v.SetDefault("registry.max_age", 600*time.Second)
	v.SetDefault("registry.concurrency", 8)
	v.SetDefault("registry.rebuild_timeout", 2*time.Minute)
	v.SetDefault("registry.watch", true)
	v.SetDefault("registry.watch_debounce", 500*time.Millisecond)
	v.SetDefault("registry.refresh_schedule", "")
	v.SetDefault("registry.extensions", []string{".go", ".py", ".ts", ".js", ".rs"})

	v.SetDefault("store.dir", "~/.hub/api/modules")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.key_prefix", "modhub:registry:")

	v.SetDefault("llm.provider", "openrouter")
	v.SetDefault("llm.model", "anthropic/claude-3.5-sonnet")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("search.anchor", "OUTPUT")
	v.SetDefault("search.threshold", 0.5)
	v.SetDefault("search.files_root", ".")
	v.SetDefault("search.max_candidates", 2000)
	v.SetDefault("search.files_cache_ttl", 10*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
}

// Load reads configuration into a Config. A config file is read only when one
// was set on v; a missing file is an error in that case.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	for _, p := range []*string{&cfg.Registry.SourceDir, &cfg.Registry.SnapshotDir, &cfg.Store.Dir, &cfg.Search.FilesRoot} {
		expanded, err := ExpandHome(*p)
		if err != nil {
			return nil, err
		}
		*p = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Registry.MaxAge < 0 {
		errs = append(errs, errors.New("registry.max_age must not be negative"))
	}
	if c.Registry.Concurrency < 1 {
		errs = append(errs, errors.New("registry.concurrency must be at least 1"))
	}
	if c.Store.Dir == "" {
		errs = append(errs, errors.New("store.dir is required"))
	}
	if c.Search.Threshold < 0 || c.Search.Threshold > 1 {
		errs = append(errs, errors.New("search.threshold must be between 0 and 1"))
	}
	if strings.TrimSpace(c.Search.Anchor) == "" {
		errs = append(errs, errors.New("search.anchor is required"))
	}
	return errors.Join(errs...)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
