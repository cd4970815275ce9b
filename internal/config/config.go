// Package config provides configuration management for graphdeploy.
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values
//  2. Configuration file (./config.yaml, ./configs/config.yaml, ~/.graphdeploy/config.yaml, /etc/graphdeploy/config.yaml)
//  3. .env file
//  4. Environment variables (GD_ prefix)
//
// # Environment Variables
//
// Use the GD_ prefix and underscores for nested keys:
//   - GD_SERVER_PORT=3005
//   - GD_DATABASE_DRIVER=postgres
//   - GD_REDIS_URL=redis://redis:6379/0
//   - GD_AGENTS_URL=http://agent-gateway:8080
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Deployments DeploymentsConfig `mapstructure:"deployments"`
	Agents      ClientConfig      `mapstructure:"agents"`
	Graph       ClientConfig      `mapstructure:"graph"`
	Codegen     ClientConfig      `mapstructure:"codegen"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Security    SecurityConfig    `mapstructure:"security"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 3005)
	Port int `mapstructure:"port"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables echo debug mode
	Debug bool `mapstructure:"debug"`
}

// DatabaseConfig selects and tunes the deployment store.
type DatabaseConfig struct {
	// Driver is sqlite or postgres
	Driver string `mapstructure:"driver"`

	// URL is the driver specific data source name
	URL string `mapstructure:"url"`

	MaxOpenConns int `mapstructure:"max_open_conns"`
	MaxIdleConns int `mapstructure:"max_idle_conns"`
}

// RedisConfig locates the queue backend.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// QueueConfig contains deployment queue settings.
type QueueConfig struct {
	// Name is the queue and handler name deployment jobs use
	Name string `mapstructure:"name"`

	// Prefix namespaces every queue key in redis
	Prefix string `mapstructure:"prefix"`

	// Attempts is the number of times a job runs before it fails for good
	Attempts int `mapstructure:"attempts"`

	// Backoff is the first retry delay; it doubles on every retry
	Backoff time.Duration `mapstructure:"backoff"`

	// Concurrency is the number of jobs one worker process runs at once
	Concurrency int `mapstructure:"concurrency"`

	LockDuration       time.Duration `mapstructure:"lock_duration"`
	MaxStalledCount    int           `mapstructure:"max_stalled_count"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
}

// WorkerConfig is the agent status polling schedule.
type WorkerConfig struct {
	PollInitial    time.Duration `mapstructure:"poll_initial"`
	PollMultiplier float64       `mapstructure:"poll_multiplier"`
	PollMax        time.Duration `mapstructure:"poll_max"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
}

// DeploymentsConfig limits deployment creation.
type DeploymentsConfig struct {
	// MaxPerProject caps stored deployments per project (0: unlimited)
	MaxPerProject int `mapstructure:"max_per_project"`
}

// ClientConfig addresses a collaborating HTTP service. An empty URL means
// the collaborator is not available.
type ClientConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig controls the stale deployment report.
type SchedulerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// SecurityConfig contains security and rate limiting settings.
type SecurityConfig struct {
	// RateLimit is the maximum requests per second per client
	RateLimit int `mapstructure:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AuthEnabled requires a bearer JWT on every API request except /health
	AuthEnabled bool `mapstructure:"auth_enabled"`

	// JWTSecret is the HMAC key tokens are verified with
	JWTSecret string `mapstructure:"jwt_secret"`
}

var cfg *Config

// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for config.yaml in standard locations.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.graphdeploy")
		v.AddConfigPath("/etc/graphdeploy")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig() // .env is optional

	v.SetEnvPrefix("GD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3005)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.debug", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "file:graphdeploy.db?_pragma=busy_timeout(5000)")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("queue.name", "deployments")
	v.SetDefault("queue.prefix", "gdq")
	v.SetDefault("queue.attempts", 3)
	v.SetDefault("queue.backoff", "2s")
	v.SetDefault("queue.concurrency", 5)
	v.SetDefault("queue.lock_duration", "5m")
	v.SetDefault("queue.max_stalled_count", 5)
	v.SetDefault("queue.completed_retention", "1h")

	v.SetDefault("worker.poll_initial", "2s")
	v.SetDefault("worker.poll_multiplier", 1.5)
	v.SetDefault("worker.poll_max", "15s")
	v.SetDefault("worker.poll_timeout", "5m")

	v.SetDefault("deployments.max_per_project", 0)

	v.SetDefault("agents.url", "")
	v.SetDefault("agents.timeout", "10s")
	v.SetDefault("graph.url", "")
	v.SetDefault("graph.timeout", "10s")
	v.SetDefault("codegen.url", "")
	v.SetDefault("codegen.timeout", "30s")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.stale_after", "30m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("security.rate_limit", 100)
	v.SetDefault("security.allowed_origins", []string{"*"})
	v.SetDefault("security.auth_enabled", false)
	v.SetDefault("security.jwt_secret", "change-me-in-production")
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", cfg.Database.Driver)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}

	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}

	if cfg.Queue.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	if cfg.Queue.Attempts < 1 {
		return fmt.Errorf("queue attempts must be at least 1, got %d", cfg.Queue.Attempts)
	}
	if cfg.Queue.Concurrency < 1 {
		return fmt.Errorf("queue concurrency must be at least 1, got %d", cfg.Queue.Concurrency)
	}

	if cfg.Worker.PollMultiplier < 1 {
		return fmt.Errorf("worker poll multiplier must be at least 1, got %v", cfg.Worker.PollMultiplier)
	}
	if cfg.Worker.PollTimeout <= 0 {
		return fmt.Errorf("worker poll timeout must be positive")
	}

	if cfg.Deployments.MaxPerProject < 0 {
		return fmt.Errorf("deployments max_per_project must not be negative")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %q", cfg.Logging.Format)
	}

	if cfg.Security.AuthEnabled && cfg.Security.JWTSecret == "" {
		return fmt.Errorf("security jwt_secret is required when auth is enabled")
	}

	return nil
}

// Get returns the configuration loaded last.
func Get() *Config {
	return cfg
}

// Addr is the server listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
