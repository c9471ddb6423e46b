package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/target/escrow-settlement/config"
	"github.com/target/escrow-settlement/internal/data"
)

const (
	defaultMaxOpenConns   = 25
	defaultConnectTimeout = 5 * time.Second
)

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	Logger      *slog.Logger
}

// postgresDSN builds the connection URL with url.URL so credentials are escaped.
func postgresDSN(cfg config.DBConfig) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	q := u.Query()
	q.Set("sslmode", cfg.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// ConnectDB opens a database/sql pool over the pgx driver and pings it.
// The settlement repositories and migrations share this pool.
func ConnectDB(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	pgCfg := cfg.DBConfig
	connCfg, err := pgx.ParseConfig(postgresDSN(pgCfg))
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if pgCfg.ApplicationName != "" {
		connCfg.RuntimeParams["application_name"] = pgCfg.ApplicationName
	}

	db := stdlib.OpenDB(*connCfg)
	maxOpen := pgCfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(min(5, maxOpen))
	if pgCfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pgCfg.ConnMaxLifetime)
	}

	if err := pingWithTimeout(ctx, pgCfg.ConnectTimeout, db.PingContext); err != nil {
		return nil, closeAfter(fmt.Errorf("ping database: %w", err), "database", db.Close)
	}

	if cfg.Logger != nil {
		cfg.Logger.InfoContext(ctx, "settlement database connected",
			"host", pgCfg.Host,
			"port", pgCfg.Port,
			"database", pgCfg.Name,
			"max_open_conns", maxOpen,
		)
	}
	return db, nil
}

// ConnectRedis builds the Redis client for the configured mode and pings it.
// Redis only backs the incoming webhook dedup guard.
//
//nolint:ireturn // direct, sentinel and cluster clients share redis.UniversalClient.
func ConnectRedis(ctx context.Context, cfg DatabaseConfig) (redis.UniversalClient, error) {
	client, desc, err := newRedisClient(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}

	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if err := pingWithTimeout(ctx, defaultConnectTimeout, ping); err != nil {
		return nil, closeAfter(fmt.Errorf("ping redis: %w", err), "redis client", client.Close)
	}

	if cfg.Logger != nil {
		cfg.Logger.InfoContext(ctx, "dedup redis connected", "mode", cfg.RedisConfig.Mode, "addr", desc)
	}
	return client, nil
}

// newRedisClient returns the client plus a credential-free address description.
//
//nolint:ireturn // see ConnectRedis.
func newRedisClient(cfg config.RedisConfig) (redis.UniversalClient, string, error) {
	switch cfg.Mode {
	case config.RedisModeSentinel:
		if len(cfg.Nodes) == 0 {
			return nil, "", errors.New("redis sentinel mode requires at least one node")
		}
		client := redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.SentinelMasterName,
			SentinelAddrs:    cfg.Nodes,
			Password:         cfg.Password,
			SentinelPassword: cfg.SentinelPassword,
		})
		return client, "sentinel:" + cfg.SentinelMasterName, nil

	case config.RedisModeCluster:
		if len(cfg.Nodes) == 0 {
			return nil, "", errors.New("redis cluster mode requires at least one node")
		}
		client := redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Nodes,
			Password: cfg.Password,
		})
		return client, "cluster:" + strings.Join(cfg.Nodes, ","), nil

	case config.RedisModeDirect, "":
		opts, err := directRedisOptions(cfg)
		if err != nil {
			return nil, "", err
		}
		return redis.NewClient(opts), opts.Addr, nil

	default:
		return nil, "", fmt.Errorf("unsupported redis mode %q", cfg.Mode)
	}
}

func directRedisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("redis direct mode requires a URI")
	}
	if !strings.HasPrefix(uri, "redis://") && !strings.HasPrefix(uri, "rediss://") {
		return &redis.Options{Addr: uri, Password: cfg.Password}, nil
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.Password == "" {
		opts.Password = cfg.Password
	}
	return opts, nil
}

func pingWithTimeout(ctx context.Context, timeout time.Duration, ping func(context.Context) error) error {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return ping(pingCtx)
}

func closeAfter(err error, what string, closeFn func() error) error {
	if closeErr := closeFn(); closeErr != nil {
		return errors.Join(err, fmt.Errorf("close %s: %w", what, closeErr))
	}
	return err
}

// RunMigrations applies the embedded settlement migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if err := data.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed")
	}
	return nil
}
