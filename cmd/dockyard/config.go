package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Security SecurityConfig `mapstructure:"security"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// TrustUserHeader accepts X-User-ID as the caller's identity. Only enable
	// behind a gateway that strips the header from client requests.
	TrustUserHeader bool `mapstructure:"trust_user_header"`

	// JWTSecret verifies HS256 bearer tokens. Empty disables bearer auth.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// EngineConfig bounds calls made to remote engines.
type EngineConfig struct {
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	PullTimeout      time.Duration `mapstructure:"pull_timeout"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
}

// SessionsConfig controls engine session verification and reuse.
type SessionsConfig struct {
	TTL              time.Duration `mapstructure:"ttl"`
	ProbeMaxAttempts int           `mapstructure:"probe_max_attempts"`
	ProbeBaseDelay   time.Duration `mapstructure:"probe_base_delay"`
	ProbeMaxDelay    time.Duration `mapstructure:"probe_max_delay"`
}

// SecurityConfig holds secret handling configuration.
type SecurityConfig struct {
	// EncryptionKey is a passphrase from which the key sealing connection
	// TLS material is derived. Set via DOCKYARD_SECURITY_ENCRYPTION_KEY.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// RedisConfig selects the Redis invalidation bus. When disabled, sessions are
// invalidated in-process only.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// MonitorConfig holds resource monitor configuration.
type MonitorConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Interval          time.Duration `mapstructure:"interval"`
	DeploymentTimeout time.Duration `mapstructure:"deployment_timeout"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/dockyard.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.trust_user_header", false)
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("engine.operation_timeout", "60s")
	v.SetDefault("engine.pull_timeout", "10m")
	v.SetDefault("engine.stop_timeout", "10s")

	// Zero reuses verified sessions until they are invalidated.
	v.SetDefault("sessions.ttl", "0s")
	v.SetDefault("sessions.probe_max_attempts", 5)
	v.SetDefault("sessions.probe_base_delay", "1s")
	v.SetDefault("sessions.probe_max_delay", "10s")

	v.SetDefault("security.encryption_key", "") // Must be set via environment

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "dockyard:connections:invalidate")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", "60s")
	v.SetDefault("monitor.deployment_timeout", "30s")
	v.SetDefault("monitor.max_concurrent", 5)

	v.SetDefault("metrics.enabled", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	v.SetEnvPrefix("DOCKYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if c.Monitor.Enabled && c.Monitor.Interval <= 0 {
		return errors.New("monitor.interval must be positive")
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
