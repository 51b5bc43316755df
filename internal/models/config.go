// Package models - Service configuration and operational settings.
// This file defines the configuration structures for every gatekeeper component.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, rate limit, counter store, circuits)
// - Defaults match the values that ended the rate-limit/Redis timeout cascade
// - Environment variables override YAML, YAML overrides defaults
// - Validation catches misconfigurations before the gateway takes traffic
package models

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"
)

// Rate limit mode constants
const (
	RateLimitModeRedis = "redis"
	RateLimitModeLocal = "local"
	RateLimitModeOff   = "off"
)

// Counter store driver constants
const (
	CounterStoreDriverGoRedis = "go-redis"
	CounterStoreDriverRueidis = "rueidis"
)

// Rate limit key scope constants
const (
	ScopeIP     = "ip"
	ScopeUser   = "user"
	ScopeAPIKey = "api-key"
)

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP server and network settings
// - RateLimit: admission policy and limiter mode
// - CounterStore: shared counter backend and its timeout/retry budget
// - Circuits: breaker thresholds, defaults and per-upstream overrides
// - Upstreams: the services the gateway forwards to
// - Logging, Metrics, Observability: ambient concerns
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	CounterStore  CounterStoreConfig  `yaml:"counter_store" json:"counter_store"`
	Routes        []RouteLimit        `yaml:"routes" json:"routes"`
	Circuits      CircuitsConfig      `yaml:"circuits" json:"circuits"`
	Upstreams     []UpstreamConfig    `yaml:"upstreams" json:"upstreams"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port" env:"GATEKEEPER_PORT"`
	Host         string        `yaml:"host" json:"host" env:"GATEKEEPER_HOST"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" env:"GATEKEEPER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"GATEKEEPER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout" env:"GATEKEEPER_IDLE_TIMEOUT"`
}

// RateLimitConfig selects the limiter backend and the default admission policy.
type RateLimitConfig struct {
	Mode     string        `yaml:"mode" json:"mode" env:"RATE_LIMIT_MODE"`
	Limit    int64         `yaml:"limit" json:"limit" env:"RATE_LIMIT_LIMIT"`
	WindowMs int64         `yaml:"window_ms" json:"window_ms" env:"RATE_LIMIT_WINDOW_MS"`
	Scope    string        `yaml:"scope" json:"scope" env:"RATE_LIMIT_SCOPE"`
	Local    LocalConfig   `yaml:"local" json:"local"`
	LogEvery time.Duration `yaml:"log_every" json:"log_every" env:"RATE_LIMIT_DEGRADED_LOG_EVERY"`
	// TrustedProxies lists the addresses (IPs or CIDRs) whose X-Forwarded-For
	// and X-Real-IP headers are believed. Requests from anywhere else are
	// keyed by their connection address.
	TrustedProxies []string `yaml:"trusted_proxies" json:"trusted_proxies" env:"RATE_LIMIT_TRUSTED_PROXIES" envSeparator:","`
}

// RouteLimit overrides the default policy for requests whose path starts with
// Prefix. The longest matching prefix wins; zero fields inherit the default.
type RouteLimit struct {
	Prefix   string `yaml:"prefix" json:"prefix"`
	Limit    int64  `yaml:"limit" json:"limit"`
	WindowMs int64  `yaml:"window_ms" json:"window_ms"`
	Scope    string `yaml:"scope" json:"scope"`
}

// LocalConfig tunes the in-process counter used by RATE_LIMIT_MODE=local.
type LocalConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" env:"RATE_LIMIT_LOCAL_CLEANUP_INTERVAL"`
}

// Window returns the default window as a duration.
func (rl RateLimitConfig) Window() time.Duration {
	return time.Duration(rl.WindowMs) * time.Millisecond
}

// TrustedPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (rl RateLimitConfig) TrustedPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(rl.TrustedProxies))
	for _, entry := range rl.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// CounterStoreConfig describes the shared counter backend and its failure budget.
type CounterStoreConfig struct {
	Driver        string `yaml:"driver" json:"driver" env:"COUNTER_STORE_DRIVER"`
	Addr          string `yaml:"addr" json:"addr" env:"COUNTER_STORE_ADDR"`
	Password      string `yaml:"password" json:"-" env:"COUNTER_STORE_PASSWORD"`
	DB            int    `yaml:"db" json:"db" env:"COUNTER_STORE_DB"`
	PoolSize      int    `yaml:"pool_size" json:"pool_size" env:"COUNTER_STORE_POOL_SIZE"`
	KeyPrefix     string `yaml:"key_prefix" json:"key_prefix" env:"COUNTER_STORE_KEY_PREFIX"`
	TimeoutMs     int64  `yaml:"timeout_ms" json:"timeout_ms" env:"COUNTER_STORE_TIMEOUT_MS"`
	MaxRetries    int    `yaml:"max_retries" json:"max_retries" env:"COUNTER_STORE_MAX_RETRIES"`
	BackoffBaseMs int64  `yaml:"backoff_base_ms" json:"backoff_base_ms" env:"COUNTER_STORE_BACKOFF_BASE_MS"`
	BackoffCapMs  int64  `yaml:"backoff_cap_ms" json:"backoff_cap_ms" env:"COUNTER_STORE_BACKOFF_CAP_MS"`
	PingTimeoutMs int64  `yaml:"ping_timeout_ms" json:"ping_timeout_ms" env:"COUNTER_STORE_PING_TIMEOUT_MS"`
}

func (cs CounterStoreConfig) Timeout() time.Duration {
	return time.Duration(cs.TimeoutMs) * time.Millisecond
}

func (cs CounterStoreConfig) BackoffBase() time.Duration {
	return time.Duration(cs.BackoffBaseMs) * time.Millisecond
}

func (cs CounterStoreConfig) BackoffCap() time.Duration {
	return time.Duration(cs.BackoffCapMs) * time.Millisecond
}

func (cs CounterStoreConfig) PingTimeout() time.Duration {
	return time.Duration(cs.PingTimeoutMs) * time.Millisecond
}

// CircuitSettings holds the thresholds of one circuit breaker. The environment
// variables set the defaults shared by every circuit.
type CircuitSettings struct {
	TimeoutMs             int64   `yaml:"timeout_ms" json:"timeout_ms" env:"TIMEOUT_MS"`
	ErrorThresholdPercent float64 `yaml:"error_threshold_percent" json:"error_threshold_percent" env:"ERROR_THRESHOLD_PERCENT"`
	ResetTimeoutMs        int64   `yaml:"reset_timeout_ms" json:"reset_timeout_ms" env:"RESET_TIMEOUT_MS"`
	VolumeThreshold       int     `yaml:"volume_threshold" json:"volume_threshold" env:"VOLUME_THRESHOLD"`
	RollingWindowMs       int64   `yaml:"rolling_window_ms" json:"rolling_window_ms" env:"ROLLING_WINDOW_MS"`
}

func (cs CircuitSettings) Timeout() time.Duration {
	return time.Duration(cs.TimeoutMs) * time.Millisecond
}

func (cs CircuitSettings) ResetTimeout() time.Duration {
	return time.Duration(cs.ResetTimeoutMs) * time.Millisecond
}

func (cs CircuitSettings) RollingWindow() time.Duration {
	return time.Duration(cs.RollingWindowMs) * time.Millisecond
}

// CircuitsConfig holds the default breaker settings and per-upstream overrides.
// Zero-valued fields of an override inherit the default.
type CircuitsConfig struct {
	Defaults  CircuitSettings            `yaml:"defaults" json:"defaults"`
	Overrides map[string]CircuitSettings `yaml:"overrides" json:"overrides"`
}

// For returns the effective settings for the named circuit.
func (cc CircuitsConfig) For(name string) CircuitSettings {
	s := cc.Defaults
	o, ok := cc.Overrides[name]
	if !ok {
		return s
	}
	if o.TimeoutMs > 0 {
		s.TimeoutMs = o.TimeoutMs
	}
	if o.ErrorThresholdPercent > 0 {
		s.ErrorThresholdPercent = o.ErrorThresholdPercent
	}
	if o.ResetTimeoutMs > 0 {
		s.ResetTimeoutMs = o.ResetTimeoutMs
	}
	if o.VolumeThreshold > 0 {
		s.VolumeThreshold = o.VolumeThreshold
	}
	if o.RollingWindowMs > 0 {
		s.RollingWindowMs = o.RollingWindowMs
	}
	return s
}

// UpstreamConfig describes a service the gateway forwards to.
type UpstreamConfig struct {
	Name     string          `yaml:"name" json:"name"`
	URL      string          `yaml:"url" json:"url"`
	Fallback *FallbackConfig `yaml:"fallback" json:"fallback,omitempty"`
}

// FallbackConfig is the static response served when the upstream's circuit
// is open or the call fails.
type FallbackConfig struct {
	Status      int    `yaml:"status" json:"status"`
	ContentType string `yaml:"content_type" json:"content_type"`
	Body        string `yaml:"body" json:"body"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level" env:"GATEKEEPER_LOG_LEVEL"`
	Format   string `yaml:"format" json:"format" env:"GATEKEEPER_LOG_FORMAT"`
	Output   string `yaml:"output" json:"output" env:"GATEKEEPER_LOG_OUTPUT"`
	FilePath string `yaml:"file_path" json:"file_path" env:"GATEKEEPER_LOG_FILE_PATH"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"GATEKEEPER_METRICS_ENABLED"`
	Path    string `yaml:"path" json:"path" env:"GATEKEEPER_METRICS_PATH"`
	Port    int    `yaml:"port" json:"port" env:"GATEKEEPER_METRICS_PORT"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name" env:"GATEKEEPER_SERVICE_NAME"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled" env:"GATEKEEPER_TRACING_ENABLED"`
	Exporter     string  `yaml:"exporter" json:"exporter" env:"GATEKEEPER_TRACING_EXPORTER"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint" env:"GATEKEEPER_TRACING_OTLP_ENDPOINT"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate" env:"GATEKEEPER_TRACING_SAMPLE_RATE"`
}

// NewDefaultConfig creates a configuration with production-ready defaults.
//
// Default Values Rationale:
// - Counter store: 2000 ms per attempt, 3 retries, 50 ms..2000 ms backoff
// - Circuits: volume 10 and a 60000 ms call timeout; a volume of 5 tripped
//   breakers on brief latency blips
// - Rate limit: redis mode, 100 requests per 60 s window keyed by client IP
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Mode:     RateLimitModeRedis,
			Limit:    100,
			WindowMs: 60000,
			Scope:    ScopeIP,
			Local: LocalConfig{
				CleanupInterval: time.Minute,
			},
			LogEvery: time.Second,
		},
		CounterStore: CounterStoreConfig{
			Driver:        CounterStoreDriverGoRedis,
			Addr:          "localhost:6379",
			PoolSize:      20,
			KeyPrefix:     "gatekeeper:",
			TimeoutMs:     2000,
			MaxRetries:    3,
			BackoffBaseMs: 50,
			BackoffCapMs:  2000,
			PingTimeoutMs: 500,
		},
		Circuits: CircuitsConfig{
			Defaults: CircuitSettings{
				TimeoutMs:             60000,
				ErrorThresholdPercent: 50,
				ResetTimeoutMs:        30000,
				VolumeThreshold:       10,
				RollingWindowMs:       10000,
			},
			Overrides: map[string]CircuitSettings{},
		},
		Routes:    []RouteLimit{},
		Upstreams: []UpstreamConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "gatekeeper",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if err := validateRoutes(c.Routes); err != nil {
		return fmt.Errorf("invalid route config: %w", err)
	}

	if c.RateLimit.Mode == RateLimitModeRedis {
		if err := c.CounterStore.Validate(); err != nil {
			return fmt.Errorf("invalid counter store config: %w", err)
		}
	}

	if err := c.Circuits.Defaults.Validate(); err != nil {
		return fmt.Errorf("invalid circuit defaults: %w", err)
	}
	for name := range c.Circuits.Overrides {
		s := c.Circuits.For(name)
		if err := s.Validate(); err != nil {
			return fmt.Errorf("invalid circuit override %q: %w", name, err)
		}
	}

	seen := make(map[string]bool, len(c.Upstreams))
	for _, u := range c.Upstreams {
		if err := u.Validate(); err != nil {
			return fmt.Errorf("invalid upstream %q: %w", u.Name, err)
		}
		if seen[u.Name] {
			return fmt.Errorf("duplicate upstream name: %s", u.Name)
		}
		seen[u.Name] = true
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	return nil
}

func (rl *RateLimitConfig) Validate() error {
	if !slices.Contains([]string{RateLimitModeRedis, RateLimitModeLocal, RateLimitModeOff}, rl.Mode) {
		return fmt.Errorf("invalid rate limit mode: %s", rl.Mode)
	}

	if rl.Mode == RateLimitModeOff {
		return nil
	}

	if rl.Limit < 0 {
		return errors.New("limit cannot be negative")
	}

	if rl.WindowMs <= 0 {
		return errors.New("window must be positive")
	}

	if !validScope(rl.Scope) {
		return fmt.Errorf("invalid scope: %s", rl.Scope)
	}

	if _, err := rl.TrustedPrefixes(); err != nil {
		return err
	}

	return nil
}

func validateRoutes(routes []RouteLimit) error {
	for _, r := range routes {
		if r.Prefix == "" {
			return errors.New("route prefix cannot be empty")
		}
		if r.Limit < 0 {
			return fmt.Errorf("route %s: limit cannot be negative", r.Prefix)
		}
		if r.WindowMs < 0 {
			return fmt.Errorf("route %s: window cannot be negative", r.Prefix)
		}
		if r.Scope != "" && !validScope(r.Scope) {
			return fmt.Errorf("route %s: invalid scope: %s", r.Prefix, r.Scope)
		}
	}

	return nil
}

func validScope(scope string) bool {
	return scope == ScopeIP || scope == ScopeUser || scope == ScopeAPIKey
}

func (cs *CounterStoreConfig) Validate() error {
	if cs.Driver != CounterStoreDriverGoRedis && cs.Driver != CounterStoreDriverRueidis {
		return fmt.Errorf("invalid counter store driver: %s", cs.Driver)
	}

	if cs.Addr == "" {
		return errors.New("counter store address is required in redis mode")
	}

	if cs.TimeoutMs <= 0 {
		return errors.New("timeout must be positive")
	}

	if cs.MaxRetries < 0 {
		return errors.New("max retries cannot be negative")
	}

	if cs.BackoffBaseMs < 0 || cs.BackoffCapMs < cs.BackoffBaseMs {
		return errors.New("backoff cap must be at least the backoff base")
	}

	if cs.PingTimeoutMs <= 0 {
		return errors.New("ping timeout must be positive")
	}

	return nil
}

func (cs *CircuitSettings) Validate() error {
	if cs.TimeoutMs <= 0 {
		return errors.New("timeout must be positive")
	}

	if cs.ErrorThresholdPercent <= 0 || cs.ErrorThresholdPercent > 100 {
		return errors.New("error threshold percent must be in (0, 100]")
	}

	if cs.ResetTimeoutMs <= 0 {
		return errors.New("reset timeout must be positive")
	}

	if cs.VolumeThreshold <= 0 {
		return errors.New("volume threshold must be positive")
	}

	if cs.RollingWindowMs <= 0 {
		return errors.New("rolling window must be positive")
	}

	return nil
}

func (u *UpstreamConfig) Validate() error {
	if u.Name == "" {
		return errors.New("name cannot be empty")
	}

	if u.URL == "" {
		return errors.New("url cannot be empty")
	}

	if u.Fallback != nil && (u.Fallback.Status < 100 || u.Fallback.Status > 599) {
		return fmt.Errorf("invalid fallback status: %d", u.Fallback.Status)
	}

	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, lc.Level) {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	if !slices.Contains([]string{"json", "text"}, lc.Format) {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	if !slices.Contains([]string{"stdout", "stderr", "file"}, lc.Output) {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}
