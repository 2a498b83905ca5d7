package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// CORSConfig controls cross-origin access for the REST API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig throttles credential endpoints (login, register) per
// client address to slow brute-force attempts.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// TelemetryConfig controls the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// JWTSecret signs session tokens. Env override: TASKBOARD_JWT_SECRET.
	// When empty an ephemeral secret is generated at startup, invalidating
	// sessions across restarts.
	JWTSecret string `yaml:"jwt_secret"`

	// TokenTTLHours is the session token lifetime. Default 24.
	TokenTTLHours int `yaml:"token_ttl_hours"`

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. Empty list means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// ActionFeedLimit caps how many action records a single query may
	// return. The log itself retains unbounded history. Default 20.
	ActionFeedLimit int `yaml:"action_feed_limit"`

	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DefaultHomeDir resolves the data directory: TASKBOARD_HOME, else
// ~/.taskboard.
func DefaultHomeDir() string {
	if v := os.Getenv("TASKBOARD_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskboard")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, applies defaults and
// environment overrides. A missing config file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultHomeDir())
}

// LoadFrom loads configuration rooted at the given home directory.
func LoadFrom(homeDir string) (*Config, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	cfg := &Config{HomeDir: homeDir}
	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	// Env overrides.
	if v := os.Getenv("TASKBOARD_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("TASKBOARD_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("TASKBOARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.BindAddr) == "" {
		c.BindAddr = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "taskboard.db")
	}
	if c.TokenTTLHours <= 0 {
		c.TokenTTLHours = 24
	}
	if c.ActionFeedLimit <= 0 {
		c.ActionFeedLimit = 20
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "taskboard"
	}
}

// Fingerprint returns a stable hash of the active configuration, exposed in
// /healthz so operators can confirm which config a process is running.
// Secrets are excluded from the hash input.
func (c *Config) Fingerprint() string {
	clone := *c
	clone.JWTSecret = ""
	out, err := yaml.Marshal(&clone)
	if err != nil {
		return "unknown"
	}
	h := fnv.New64a()
	_, _ = h.Write(out)
	return fmt.Sprintf("%016x", h.Sum64())
}
