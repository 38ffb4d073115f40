package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds service configuration values.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	AMQP     AMQPConfig     `mapstructure:"amqp" yaml:"amqp"`
	Worker   WorkerConfig   `mapstructure:"worker" yaml:"worker"`
	History  HistoryConfig  `mapstructure:"history" yaml:"history"`
	Gateway  GatewayConfig  `mapstructure:"gateway" yaml:"gateway"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// InternalAPIKey guards the /internal routes used by other platform services.
	// Empty disables those routes.
	InternalAPIKey string `mapstructure:"internal_api_key" yaml:"internal_api_key"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// DatabaseConfig selects the durable message log backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// RedisConfig configures the history cache. Empty URL selects the in-process cache.
type RedisConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// AMQPConfig configures the work queue. Empty URL selects the in-process queue.
type AMQPConfig struct {
	URL         string `mapstructure:"url" yaml:"url"`
	QueuePrefix string `mapstructure:"queue_prefix" yaml:"queue_prefix"`
}

// WorkerConfig controls persistence consumers.
type WorkerConfig struct {
	// Embedded runs consumers inside the serve process.
	Embedded    bool          `mapstructure:"embedded" yaml:"embedded"`
	Consumers   int           `mapstructure:"consumers" yaml:"consumers"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// HistoryConfig controls the history reader.
type HistoryConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	DefaultLimit int           `mapstructure:"default_limit" yaml:"default_limit"`
	MaxLimit     int           `mapstructure:"max_limit" yaml:"max_limit"`
}

// GatewayConfig controls live connections.
type GatewayConfig struct {
	EventBuffer       int           `mapstructure:"event_buffer" yaml:"event_buffer"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	MessagesPerMinute int           `mapstructure:"messages_per_minute" yaml:"messages_per_minute"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret: "change-me",
			TokenTTL:  24 * time.Hour,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "tutorlink.db",
		},
		AMQP: AMQPConfig{
			QueuePrefix: "tutorlink",
		},
		Worker: WorkerConfig{
			Embedded:    true,
			Consumers:   1,
			MaxAttempts: 5,
			RetryDelay:  time.Second,
		},
		History: HistoryConfig{
			CacheTTL:     5 * time.Minute,
			DefaultLimit: 20,
			MaxLimit:     100,
		},
		Gateway: GatewayConfig{
			EventBuffer:       64,
			MaxMessageBytes:   64 << 10,
			WriteTimeout:      10 * time.Second,
			PingInterval:      30 * time.Second,
			MessagesPerMinute: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate reports settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Worker.Consumers < 1 {
		errs = append(errs, errors.New("worker.consumers must be at least 1"))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, errors.New("worker.max_attempts must be at least 1"))
	}
	if c.History.MaxLimit < 1 || c.History.DefaultLimit < 1 || c.History.DefaultLimit > c.History.MaxLimit {
		errs = append(errs, errors.New("history limits must satisfy 1 <= default_limit <= max_limit"))
	}
	if c.Gateway.EventBuffer < 1 {
		errs = append(errs, errors.New("gateway.event_buffer must be at least 1"))
	}
	return errors.Join(errs...)
}
