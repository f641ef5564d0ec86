// Package config provides configuration structures and loading logic for the gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POLIS_GATEWAY_"

// Config holds the global configuration for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Routes    RoutesConfig    `yaml:"routes"`
	Manager   ManagerConfig   `yaml:"manager"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   logging.Config  `yaml:"logging"`
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	AdminAddress    string        `yaml:"admin_address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RoutesConfig points at the route file.
type RoutesConfig struct {
	File string `yaml:"file"`
	// Watch reloads the gateway when the route file changes.
	Watch bool `yaml:"watch"`
	// InferKindFromName accepts layers without an explicit kind.
	InferKindFromName bool `yaml:"infer_kind_from_name"`
}

// ManagerConfig tunes the pipeline manager.
type ManagerConfig struct {
	MaxPipelines           int           `yaml:"max_pipelines"`
	HealthCheckInterval    time.Duration `yaml:"health_check_interval"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
	RecoveryInterval       time.Duration `yaml:"recovery_interval"`
	IdleThreshold          time.Duration `yaml:"idle_threshold"`
	MaintenanceMaxDuration time.Duration `yaml:"maintenance_max_duration"`
	Breaker                BreakerConfig `yaml:"breaker"`
}

// BreakerConfig enables the per-pipeline failure breaker.
type BreakerConfig struct {
	Enabled                  bool `yaml:"enabled"`
	governance.BreakerConfig `yaml:",inline"`
}

// EventsConfig selects lifecycle event sinks.
type EventsConfig struct {
	Log   bool        `yaml:"log"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis pub/sub event sink.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:    ":19090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Routes: RoutesConfig{File: "routes.yaml"},
		Manager: ManagerConfig{
			MaxPipelines:           1000,
			HealthCheckInterval:    60 * time.Second,
			CleanupInterval:        300 * time.Second,
			RecoveryInterval:       60 * time.Second,
			IdleThreshold:          30 * time.Minute,
			MaintenanceMaxDuration: 30 * time.Minute,
			Breaker:                BreakerConfig{BreakerConfig: governance.DefaultBreakerConfig()},
		},
		Events: EventsConfig{Log: true},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-gateway",
			SampleRatio: 1,
		},
		Logging: logging.Config{Level: "info", Format: "json"},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if val := os.Getenv(EnvPrefix + key); val != "" {
			*dst = val
		}
	}
	boolean := func(key string, dst *bool) error {
		if val := os.Getenv(EnvPrefix + key); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
		return nil
	}
	integer := func(key string, dst *int) error {
		if val := os.Getenv(EnvPrefix + key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		if val := os.Getenv(EnvPrefix + key); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
		return nil
	}

	str("ADMIN_ADDR", &cfg.Server.AdminAddress)
	str("ROUTES_FILE", &cfg.Routes.File)
	str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("ENVIRONMENT", &cfg.Telemetry.Environment)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("REDIS_ADDR", &cfg.Events.Redis.Address)
	str("REDIS_PASSWORD", &cfg.Events.Redis.Password)
	str("REDIS_CHANNEL", &cfg.Events.Redis.Channel)

	checks := []error{
		boolean("ROUTES_WATCH", &cfg.Routes.Watch),
		boolean("OTLP_INSECURE", &cfg.Telemetry.Insecure),
		boolean("REDIS_ENABLED", &cfg.Events.Redis.Enabled),
		boolean("BREAKER_ENABLED", &cfg.Manager.Breaker.Enabled),
		integer("MAX_PIPELINES", &cfg.Manager.MaxPipelines),
		integer("REDIS_DB", &cfg.Events.Redis.DB),
		duration("HEALTH_CHECK_INTERVAL", &cfg.Manager.HealthCheckInterval),
		duration("CLEANUP_INTERVAL", &cfg.Manager.CleanupInterval),
		duration("IDLE_THRESHOLD", &cfg.Manager.IdleThreshold),
		duration("MAINTENANCE_MAX_DURATION", &cfg.Manager.MaintenanceMaxDuration),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Routes.Validate(); err != nil {
		return fmt.Errorf("routes configuration: %w", err)
	}
	if err := c.Manager.Validate(); err != nil {
		return fmt.Errorf("manager configuration: %w", err)
	}
	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := validateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// Validate performs validation of route source configuration
func (c *RoutesConfig) Validate() error {
	if strings.TrimSpace(c.File) == "" {
		return fmt.Errorf("file is required")
	}
	return nil
}

// Validate performs validation of manager configuration
func (c *ManagerConfig) Validate() error {
	durations := map[string]time.Duration{
		"health_check_interval":    c.HealthCheckInterval,
		"cleanup_interval":         c.CleanupInterval,
		"recovery_interval":        c.RecoveryInterval,
		"idle_threshold":           c.IdleThreshold,
		"maintenance_max_duration": c.MaintenanceMaxDuration,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Breaker.FailureRateThreshold < 0 || c.Breaker.FailureRateThreshold > 100 {
		return fmt.Errorf("breaker failure_rate_threshold must be within 0-100")
	}
	return nil
}

// Validate performs validation of event sink configuration
func (c *EventsConfig) Validate() error {
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Address) == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}
	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be within 0-1")
	}
	return nil
}

func validateLogging(c *logging.Config) error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	switch strings.ToLower(c.Format) {
	case "", "json", "text":
		return nil
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
}
