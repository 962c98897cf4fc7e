// Package config loads and validates the YAML configuration tree shared
// by the host and client processes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete process configuration.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Prefetch   PrefetchConfig   `yaml:"prefetch"`
	Network    NetworkConfig    `yaml:"network"`
	Lock       LockConfig       `yaml:"lock"`
	Sync       SyncConfig       `yaml:"sync"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Host       HostConfig       `yaml:"host"`
}

// HostConfig configures the host-side share (H1-H6): which directory is
// published and which entries its metadata server hides from listings.
type HostConfig struct {
	SharedRoot       string   `yaml:"shared_root"`
	HideSymlinks     bool     `yaml:"hide_symlinks"`
	HiddenPrefixes   []string `yaml:"hidden_prefixes"`
	InvalidationSize int      `yaml:"invalidation_queue_size"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPort int    `yaml:"metrics_port"`
	MountPoint  string `yaml:"mount_point"`
}

// CacheConfig configures the two-tier cache (C2-C4).
type CacheConfig struct {
	RAM  RAMTierConfig  `yaml:"ram"`
	Disk DiskTierConfig `yaml:"disk"`
}

// RAMTierConfig bounds the in-process LRU tier.
type RAMTierConfig struct {
	MaxBytes   int64 `yaml:"max_bytes"`
	MaxEntries int   `yaml:"max_entries"`
}

// DiskTierConfig bounds the content-addressed on-disk tier.
type DiskTierConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Directory   string `yaml:"directory"`
	MaxBytes    int64  `yaml:"max_bytes"`
	Compression bool   `yaml:"compression"`
}

// PrefetchConfig configures the sequential-access governor (C5):
// threshold T, window W, and concurrency cap P from spec.md §4.5.
type PrefetchConfig struct {
	Enabled     bool `yaml:"enabled"`
	Threshold   int  `yaml:"threshold"`   // T
	Window      int  `yaml:"window"`      // W
	Concurrency int  `yaml:"concurrency"` // P
}

// NetworkConfig configures the wire transport and its resilience layer.
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	HeartbeatEvery time.Duration        `yaml:"heartbeat_every"`
	MaxPayload     int64                `yaml:"max_payload"`
}

// TimeoutConfig bounds individual wire round trips.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
}

// RetryConfig mirrors pkg/retry.Config's shape for YAML loading.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig governs when the wire client trips open and
// serves stale cache reads instead of blocking on a dead host.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// LockConfig configures lease TTL/renewal/anti-starvation behavior
// (spec.md §4.9).
type LockConfig struct {
	LeaseTTL            time.Duration `yaml:"lease_ttl"`
	RenewAt             float64       `yaml:"renew_at"` // fraction of TTL, default 0.5
	MaxContinuousHold   time.Duration `yaml:"max_continuous_hold"`
}

// SyncConfig configures the dirty-set drain (C8).
type SyncConfig struct {
	DrainInterval time.Duration `yaml:"drain_interval"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// MonitoringConfig groups observability settings.
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// NewDefault returns a configuration with spec.md's stated defaults
// (T=3, W=5, P=4, lease TTL 60s, renewal at TTL/2, anti-starvation 5m,
// sync drain 5s, backoff 1s/2s/4s/8s over 5 attempts) and the RAM/L1
// budget decided in DESIGN.md's Open Question resolution (512 MiB /
// 4096 entries).
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			MetricsPort: 9090,
		},
		Cache: CacheConfig{
			RAM: RAMTierConfig{
				MaxBytes:   512 * 1024 * 1024,
				MaxEntries: 4096,
			},
			Disk: DiskTierConfig{
				Enabled:     true,
				Directory:   "/var/cache/wormhole",
				MaxBytes:    10 * 1024 * 1024 * 1024,
				Compression: false,
			},
		},
		Prefetch: PrefetchConfig{
			Enabled:     true,
			Threshold:   3,
			Window:      5,
			Concurrency: 4,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Read:    30 * time.Second,
				Write:   30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:  5,
				InitialDelay: 1 * time.Second,
				MaxDelay:     8 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
			HeartbeatEvery: 15 * time.Second,
			MaxPayload:     10 * 1024 * 1024,
		},
		Lock: LockConfig{
			LeaseTTL:          60 * time.Second,
			RenewAt:           0.5,
			MaxContinuousHold: 5 * time.Minute,
		},
		Sync: SyncConfig{
			DrainInterval: 5 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "wormhole",
			},
		},
		Host: HostConfig{
			HideSymlinks:     true,
			HiddenPrefixes:   []string{".wormhole-shadow"},
			InvalidationSize: 256,
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays a handful of environment variables, matching the
// teacher's own OBJECTFS_*-style overrides.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("WORMHOLE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("WORMHOLE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("WORMHOLE_MOUNT_POINT"); val != "" {
		c.Global.MountPoint = val
	}
	if val := os.Getenv("WORMHOLE_CACHE_DISK_COMPRESSION"); val != "" {
		c.Cache.Disk.Compression = strings.ToLower(val) == "true"
	}
	return nil
}

// SaveToFile writes the configuration back out as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the invariants spec.md's components depend on.
func (c *Configuration) Validate() error {
	if c.Prefetch.Threshold <= 0 || c.Prefetch.Window <= 0 || c.Prefetch.Concurrency <= 0 {
		return fmt.Errorf("prefetch threshold/window/concurrency must all be positive")
	}
	if c.Cache.RAM.MaxBytes <= 0 {
		return fmt.Errorf("cache.ram.max_bytes must be positive")
	}
	if c.Lock.LeaseTTL <= 0 {
		return fmt.Errorf("lock.lease_ttl must be positive")
	}
	if c.Lock.RenewAt <= 0 || c.Lock.RenewAt >= 1 {
		return fmt.Errorf("lock.renew_at must be in (0, 1)")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	ok := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
