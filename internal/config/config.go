// Package config defines the runtime settings for the collaboration server:
// defaults, YAML loading, environment overrides, and validation.
package config

import (
	"time"
)

// Config holds every setting the server reads at startup.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Room        RoomConfig        `yaml:"room"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds HTTP and WebSocket transport settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// HeartbeatConfig controls transport keepalive and stale-session eviction.
// StaleAfter of zero disables eviction.
type HeartbeatConfig struct {
	PingInterval  time.Duration `yaml:"ping_interval"`
	PongWait      time.Duration `yaml:"pong_wait"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RoomConfig holds room defaults.
type RoomConfig struct {
	DefaultRoom     string `yaml:"default_room"`
	DefaultDocument string `yaml:"default_document"`
}

// PersistenceConfig selects the gateway backend and sizes the async dispatcher.
type PersistenceConfig struct {
	Backend   string        `yaml:"backend"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
	// Cache puts Redis in front of Postgres when Backend is "postgres".
	Cache bool `yaml:"cache"`
}

// PostgresConfig holds connection settings for the snapshot database.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
	Migrate  bool   `yaml:"migrate"`
}

// RedisConfig holds connection settings for the Redis gateway or cache.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Persistence backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Default values for optional configuration fields.
const (
	DefaultAddr           = ":8080"
	DefaultOrigin         = "http://localhost:8080"
	DefaultMaxMessageSize = 64 * 1024
	DefaultSendBuffer     = 256
	DefaultReadTimeout    = 15 * time.Second
	DefaultWriteTimeout   = 15 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultBurst          = 30
	DefaultRefillInterval = time.Second
	DefaultPingInterval   = 54 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultSweepInterval  = 30 * time.Second
	DefaultRoom           = "default"
	DefaultDocument       = "# Welcome to the collaborative editor\n# Start coding together!\n"
	DefaultBackend        = BackendMemory
	DefaultWorkers        = 4
	DefaultQueueSize      = 1024
	DefaultPersistTimeout = 5 * time.Second
	DefaultDBPort         = 5432
	DefaultDBSSLMode      = "prefer"
	DefaultMaxConns       = 10
	DefaultMinConns       = 2
	DefaultRedisAddr      = "localhost:6379"
	DefaultSnapshotTTL    = 24 * time.Hour
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero-valued field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{DefaultOrigin}
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Server.SendBuffer <= 0 {
		c.Server.SendBuffer = DefaultSendBuffer
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = DefaultRefillInterval
	}

	if c.Heartbeat.PingInterval <= 0 {
		c.Heartbeat.PingInterval = DefaultPingInterval
	}
	if c.Heartbeat.PongWait <= 0 {
		c.Heartbeat.PongWait = DefaultPongWait
	}
	if c.Heartbeat.SweepInterval <= 0 {
		c.Heartbeat.SweepInterval = DefaultSweepInterval
	}

	if c.Room.DefaultRoom == "" {
		c.Room.DefaultRoom = DefaultRoom
	}
	if c.Room.DefaultDocument == "" {
		c.Room.DefaultDocument = DefaultDocument
	}

	if c.Persistence.Backend == "" {
		c.Persistence.Backend = DefaultBackend
	}
	if c.Persistence.Workers <= 0 {
		c.Persistence.Workers = DefaultWorkers
	}
	if c.Persistence.QueueSize <= 0 {
		c.Persistence.QueueSize = DefaultQueueSize
	}
	if c.Persistence.Timeout <= 0 {
		c.Persistence.Timeout = DefaultPersistTimeout
	}

	if c.Postgres.Port == 0 {
		c.Postgres.Port = DefaultDBPort
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = DefaultDBSSLMode
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = DefaultMaxConns
	}
	if c.Postgres.MinConns == 0 {
		c.Postgres.MinConns = DefaultMinConns
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.SnapshotTTL <= 0 {
		c.Redis.SnapshotTTL = DefaultSnapshotTTL
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
