// Command settlement runs the escrow settlement workers and the webhook intake.
// SERVICES selects which of http, escrow-tracker, incoming-webhooks and
// outgoing-webhooks run in this process.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/target/escrow-settlement/config"
	"github.com/target/escrow-settlement/internal/bootstrap"
)

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "apply database migrations and exit")
	flag.Parse()

	ctx := context.Background()
	logger := bootstrap.InitLogger()

	var err error
	if *migrateOnly {
		err = migrate(ctx, logger)
	} else {
		err = serve(ctx, logger)
	}
	if err != nil {
		logger.ErrorContext(ctx, "settlement exited with error", "error", err)
		os.Exit(1) //nolint:forbidigo // non-zero exit on fatal errors
	}
}

// cleanup runs registered close functions in reverse order.
type cleanup struct {
	logger *slog.Logger
	fns    []func()
}

func (c *cleanup) add(name string, closeFn func() error) {
	c.fns = append(c.fns, func() {
		if err := closeFn(); err != nil {
			c.logger.Error("close failed", "resource", name, "error", err)
		}
	})
}

func (c *cleanup) run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
}

func migrate(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	db, err := bootstrap.ConnectDB(ctx, bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, Logger: logger})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	closers := &cleanup{logger: logger}
	closers.add("postgres", db.Close)
	defer closers.run()

	return bootstrap.RunMigrations(ctx, db, logger)
}

func serve(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "starting escrow settlement",
		"services", bootstrap.GetEnabledServices(&cfg),
		"db_host", cfg.Postgres.Host,
		"db_name", cfg.Postgres.Name,
		"redis_enabled", cfg.Redis.Enabled,
		"results_driver", cfg.Results.StorageDriver,
		"events_driver", cfg.Events.Driver,
	)
	if err := bootstrap.ValidateServiceConfig(&cfg); err != nil {
		return err
	}

	closers := &cleanup{logger: logger}
	defer closers.run()

	db, redisClient, err := connectStores(ctx, &cfg, logger, closers)
	if err != nil {
		return err
	}

	if cfg.Postgres.RunMigrationsOnStart {
		if err := bootstrap.RunMigrations(ctx, db, logger); err != nil {
			return err
		}
	} else {
		logger.InfoContext(ctx, "startup migrations disabled", "env", "DB_RUN_MIGRATIONS_ON_START")
	}

	adapters, err := bootstrap.BuildAdapters(ctx, bootstrap.AdaptersConfig{Config: &cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}
	closers.add("adapters", func() error {
		adapters.Close(logger)
		return nil
	})

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cfg,
		DB:          db,
		RedisClient: redisClient,
		Adapters:    adapters,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}
	if client := services.Observability.MetricsClient; client != nil {
		closers.add("statsd", client.Close)
	}

	return bootstrap.RunServicesWithShutdown(&bootstrap.ServiceOrchestrationConfig{
		Config:      &cfg,
		Services:    services,
		Adapters:    adapters,
		DB:          db,
		RedisClient: redisClient,
		Logger:      logger,
	})
}

// connectStores opens Postgres and, when enabled, the Redis dedup store.
//
//nolint:ireturn // redis.UniversalClient covers direct, sentinel and cluster clients.
func connectStores(
	ctx context.Context,
	cfg *config.AppConfig,
	logger *slog.Logger,
	closers *cleanup,
) (*sql.DB, redis.UniversalClient, error) {
	dbCfg := bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, RedisConfig: cfg.Redis, Logger: logger}

	db, err := bootstrap.ConnectDB(ctx, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}
	closers.add("postgres", db.Close)

	if !cfg.Redis.Enabled {
		return db, nil, nil
	}
	redisClient, err := bootstrap.ConnectRedis(ctx, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	closers.add("redis", redisClient.Close)
	return db, redisClient, nil
}
