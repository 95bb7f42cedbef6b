package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.MaxMessageSize < 1 {
		return errors.New("server.max_message_size must be >= 1")
	}
	if c.Server.SendBuffer < 1 {
		return errors.New("server.send_buffer must be >= 1")
	}
	if c.RateLimit.Burst < 1 {
		return errors.New("rate_limit.burst must be >= 1")
	}
	if c.Heartbeat.PingInterval >= c.Heartbeat.PongWait {
		return fmt.Errorf("heartbeat.ping_interval (%s) must be shorter than heartbeat.pong_wait (%s)",
			c.Heartbeat.PingInterval, c.Heartbeat.PongWait)
	}
	if c.Heartbeat.StaleAfter < 0 {
		return errors.New("heartbeat.stale_after must be >= 0")
	}
	if c.Heartbeat.StaleAfter > 0 && c.Heartbeat.StaleAfter <= c.Heartbeat.PingInterval {
		return fmt.Errorf("heartbeat.stale_after (%s) must exceed heartbeat.ping_interval (%s)",
			c.Heartbeat.StaleAfter, c.Heartbeat.PingInterval)
	}
	if c.Room.DefaultRoom == "" {
		return errors.New("room.default_room is required")
	}

	switch c.Persistence.Backend {
	case BackendMemory:
	case BackendPostgres:
		if err := c.Postgres.validate("postgres"); err != nil {
			return err
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required")
		}
	default:
		return fmt.Errorf("persistence.backend %q is not one of memory, postgres, redis", c.Persistence.Backend)
	}

	if c.Persistence.Cache && c.Persistence.Backend != BackendPostgres {
		return errors.New("persistence.cache requires the postgres backend")
	}
	if c.Persistence.Workers < 1 {
		return errors.New("persistence.workers must be >= 1")
	}
	if c.Persistence.QueueSize < 1 {
		return errors.New("persistence.queue_size must be >= 1")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}

	return nil
}

func (db *PostgresConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
