// CLAUDE:SUMMARY Configuration structs (router, apply, backend, browser, cache, retention) and YAML loader for pdpd.
package pdpd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/pdpatch/dbopen"
	"github.com/hazyhaar/pdpatch/observability"
	"github.com/hazyhaar/pdpatch/patch"
	"github.com/hazyhaar/pdpatch/strategy"
)

// Config holds all pdpd configuration.
type Config struct {
	Listen  string        `yaml:"listen"`
	DBPath  string        `yaml:"db_path"`
	DB      DBConfig      `yaml:"db"`
	Router  RouterConfig  `yaml:"router"`
	Apply   ApplyConfig   `yaml:"apply"`
	Backend BackendConfig `yaml:"backend"`
	Browser BrowserConfig `yaml:"browser"`
	Cache   CacheConfig   `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// DBConfig tunes the SQLite connection. Zero values keep the dbopen
// defaults (busy_timeout 10s, synchronous NORMAL).
type DBConfig struct {
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	Synchronous string        `yaml:"synchronous"`
}

func (d DBConfig) options() []dbopen.Option {
	opts := []dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema)}
	if d.BusyTimeout > 0 {
		opts = append(opts, dbopen.WithBusyTimeout(int(d.BusyTimeout.Milliseconds())))
	}
	if d.Synchronous != "" {
		opts = append(opts, dbopen.WithSynchronous(d.Synchronous))
	}
	return opts
}

// RouterConfig controls strategy selection and per-tab processing.
type RouterConfig struct {
	Threshold       int           `yaml:"threshold"`
	DefaultStrategy string        `yaml:"default_strategy"`
	Debounce        time.Duration `yaml:"debounce"`
	// ResolveTimeout bounds recomputes triggered by navigation.
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
}

// ApplyConfig controls patch application.
type ApplyConfig struct {
	RetryDelay  time.Duration `yaml:"retry_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	// AutoApply applies a PDP plan as soon as a navigation recompute
	// produces it.
	AutoApply bool `yaml:"auto_apply"`
}

// BackendConfig points at the generator service. An empty BaseURL leaves
// the backend-driven strategies unconfigured.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// Consecutive transport or 5xx failures before calls are refused for
	// BreakerReset. Zero takes 5 and 30s.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// BrowserConfig controls the live browser. The browser is only started
// when Enabled is set.
type BrowserConfig struct {
	Enabled          bool          `yaml:"enabled"`
	RemoteURL        string        `yaml:"remote_url"`
	Headless         *bool         `yaml:"headless"`
	Stealth          bool          `yaml:"stealth"`
	NavTimeout       time.Duration `yaml:"nav_timeout"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
}

// CacheConfig controls the per-tab cache.
type CacheConfig struct {
	WriteBuffer int `yaml:"write_buffer"`
}

// MetricsConfig controls the SQLite metrics mirror and event retention.
type MetricsConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Retention     time.Duration `yaml:"retention"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":8087"
	}
	if c.DBPath == "" {
		c.DBPath = "pdpd.db"
	}
	if c.Router.DefaultStrategy == "" {
		c.Router.DefaultStrategy = strategy.Default.String()
	}
	if c.Router.Debounce <= 0 {
		c.Router.Debounce = 250 * time.Millisecond
	}
	if c.Router.ResolveTimeout <= 0 {
		c.Router.ResolveTimeout = 60 * time.Second
	}
	if c.Apply.RetryDelay <= 0 {
		c.Apply.RetryDelay = patch.DefaultRetryDelay
	}
	if c.Apply.MaxAttempts <= 0 {
		c.Apply.MaxAttempts = patch.DefaultMaxAttempts
	}
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = 60 * time.Second
	}
	if c.Browser.NavTimeout <= 0 {
		c.Browser.NavTimeout = 30 * time.Second
	}
	if c.Metrics.BufferSize <= 0 {
		c.Metrics.BufferSize = 256
	}
	if c.Metrics.FlushInterval <= 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
	if c.Metrics.Retention <= 0 {
		c.Metrics.Retention = 7 * 24 * time.Hour
	}
}

// headless reports whether the browser runs without a window. Default: true.
func (b BrowserConfig) headless() bool {
	return b.Headless == nil || *b.Headless
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("pdpd: parse %s: %w", path, err)
	}
	return cfg, nil
}
