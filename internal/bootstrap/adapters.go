package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/escrow-settlement/config"
	"github.com/target/escrow-settlement/internal/adapters/chain"
	"github.com/target/escrow-settlement/internal/adapters/events"
	"github.com/target/escrow-settlement/internal/adapters/results"
	"github.com/target/escrow-settlement/internal/adapters/scheduler"
	"github.com/target/escrow-settlement/internal/adapters/webhook"
	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/observability/statsd"
)

// Adapters holds the external integrations used by the settlement services.
// Fields are nil when no enabled service needs them.
type Adapters struct {
	Chain    *chain.Client
	Results  *results.Processor
	Events   core.EventPublisher
	Sender   *webhook.Sender
	Verifier *webhook.Verifier
}

// AdaptersConfig contains dependencies for BuildAdapters.
type AdaptersConfig struct {
	Config *config.AppConfig
	Logger *slog.Logger
}

// BuildAdapters connects the integrations required by the enabled services.
func BuildAdapters(ctx context.Context, cfg AdaptersConfig) (*Adapters, error) {
	if cfg.Config == nil {
		return nil, errors.New("adapters config missing AppConfig")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appCfg := cfg.Config
	enabled, err := appCfg.GetEnabledServices()
	if err != nil {
		return nil, err
	}

	a := &Adapters{}
	if len(appCfg.Webhook.AllowedSigners) > 0 {
		if a.Verifier, err = webhook.NewVerifier(appCfg.Webhook.AllowedSigners); err != nil {
			return nil, fmt.Errorf("webhook verifier: %w", err)
		}
	} else if enabled[config.ServiceModeHTTP] {
		logger.WarnContext(ctx, "webhook signature verification disabled", "reason", "WEBHOOK_ALLOWED_SIGNERS is empty")
	}

	if a.Events, err = events.New(appCfg.Events, logger); err != nil {
		return nil, fmt.Errorf("event publisher: %w", err)
	}

	if enabled[config.ServiceModeEscrowTracker] {
		if a.Results, err = buildResultsProcessor(ctx, appCfg.Results, logger); err != nil {
			a.Close(logger)
			return nil, err
		}
		if a.Chain, err = chain.Dial(ctx, appCfg.Chain, a.Results, logger); err != nil {
			a.Close(logger)
			return nil, fmt.Errorf("chain client: %w", err)
		}
		logger.InfoContext(ctx, "chain client ready", "signer", a.Chain.Address().Hex())
	}

	if enabled[config.ServiceModeOutgoingWebhooks] {
		key, keyErr := chain.ParsePrivateKey(appCfg.Chain.PrivateKey)
		if keyErr != nil {
			a.Close(logger)
			return nil, fmt.Errorf("webhook signing key: %w", keyErr)
		}
		if a.Sender, err = webhook.NewSender(webhook.SenderOptions{
			Key:     key,
			Timeout: appCfg.Webhook.HTTPTimeout,
			Logger:  logger,
		}); err != nil {
			a.Close(logger)
			return nil, err
		}
	}

	return a, nil
}

func buildResultsProcessor(ctx context.Context, cfg config.ResultsConfig, logger *slog.Logger) (*results.Processor, error) {
	opts := results.StoreOptions{
		Driver:  cfg.StorageDriver,
		Bucket:  cfg.S3Bucket,
		Prefix:  cfg.S3Prefix,
		MaxSize: cfg.MaxDocumentBytes,
	}
	if cfg.StorageDriver == config.StorageDriverS3 {
		client, err := results.NewS3Client(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("results s3 client: %w", err)
		}
		opts.S3Client = client
	} else {
		logger.WarnContext(ctx, "final results are kept in memory", "driver", cfg.StorageDriver)
	}
	store, err := results.NewStore(opts)
	if err != nil {
		return nil, fmt.Errorf("results store: %w", err)
	}
	return results.NewProcessor(results.ProcessorOptions{
		Store:        store,
		PayoutsExpr:  cfg.PayoutsExpr,
		MaxBytes:     cfg.MaxDocumentBytes,
		FetchTimeout: cfg.FetchTimeout,
		PublicURL:    cfg.PublicURL,
		Logger:       logger,
	})
}

// Close releases connections held by the adapters.
func (a *Adapters) Close(logger *slog.Logger) {
	if a == nil {
		return
	}
	if a.Chain != nil {
		a.Chain.Close()
	}
	if a.Events != nil {
		if err := a.Events.Close(); err != nil && logger != nil {
			logger.Error("close event publisher", "error", err)
		}
	}
}

// SchedulerConfig contains dependencies for running one scheduled task.
type SchedulerConfig struct {
	Locker        scheduler.Locker
	Task          scheduler.Task
	Logger        *slog.Logger
	Metrics       statsd.Sink
	StartupJitter time.Duration
}

// RunScheduler runs cfg.Task on its schedule until ctx is cancelled.
func RunScheduler(ctx context.Context, cfg SchedulerConfig) error {
	runner, err := scheduler.NewRunner(scheduler.RunnerOptions{
		Locker:        cfg.Locker,
		Tasks:         []scheduler.Task{cfg.Task},
		Logger:        cfg.Logger,
		Metrics:       cfg.Metrics,
		StartupJitter: cfg.StartupJitter,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	return runner.Run(ctx)
}
