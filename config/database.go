package config

import (
	"fmt"
	"strings"
	"time"
)

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"settlement"`
	Password string `env:"PASSWORD" envDefault:"settlement"`
	Name     string `env:"NAME"     envDefault:"settlement"`
	// SSLMode is "disable" locally and "require" or stricter in deployed environments.
	SSLMode string `env:"SSL_MODE" envDefault:"disable"`
	// ApplicationName shows up in pg_stat_activity.
	ApplicationName      string        `env:"APPLICATION_NAME"        envDefault:"escrow-settlement"`
	RunMigrationsOnStart bool          `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
	MaxOpenConns         int           `env:"MAX_OPEN_CONNS"          envDefault:"25"`
	ConnMaxLifetime      time.Duration `env:"CONN_MAX_LIFETIME"       envDefault:"5m"`
	ConnectTimeout       time.Duration `env:"CONNECT_TIMEOUT"         envDefault:"5s"`
}

// RedisMode selects how the Redis client is built.
type RedisMode string

const (
	RedisModeDirect   RedisMode = "direct"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

// RedisConfig contains Redis configuration. Redis only backs the incoming
// webhook dedup guard, so it is off unless REDIS_ENABLED is set.
type RedisConfig struct {
	Enabled bool      `env:"ENABLED" envDefault:"false"`
	Mode    RedisMode `env:"MODE"    envDefault:"direct"`
	// URI is a redis:// or rediss:// URL, or a bare host:port, in direct mode.
	URI      string `env:"URI"      envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	// Nodes lists sentinel addresses in sentinel mode and seed nodes in cluster mode.
	Nodes              []string `env:"NODES"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"`
	// KeyPrefix namespaces every key written by this service.
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"settlement"`
}

// Sanitize trims node lists and lowercases the mode.
func (c *RedisConfig) Sanitize() {
	c.Mode = RedisMode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.Mode == "" {
		c.Mode = RedisModeDirect
	}
	c.URI = strings.TrimSpace(c.URI)
	nodes := c.Nodes[:0]
	for _, n := range c.Nodes {
		if n = strings.TrimSpace(n); n != "" {
			nodes = append(nodes, n)
		}
	}
	c.Nodes = nodes
}

// Validate checks that the selected mode has the addresses it needs.
func (c *RedisConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Mode {
	case RedisModeDirect:
		if c.URI == "" {
			return fmt.Errorf("REDIS_URI is required in %s mode", c.Mode)
		}
	case RedisModeSentinel:
		if len(c.Nodes) == 0 || c.SentinelMasterName == "" {
			return fmt.Errorf("REDIS_NODES and REDIS_SENTINEL_MASTER_NAME are required in %s mode", c.Mode)
		}
	case RedisModeCluster:
		if len(c.Nodes) == 0 {
			return fmt.Errorf("REDIS_NODES is required in %s mode", c.Mode)
		}
	default:
		return fmt.Errorf("invalid REDIS_MODE %q", c.Mode)
	}
	return nil
}
