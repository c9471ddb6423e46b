package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/escrow-settlement/config"
	"github.com/target/escrow-settlement/internal/adapters/scheduler"
	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/data"
	"github.com/target/escrow-settlement/internal/domain/model"
	"github.com/target/escrow-settlement/internal/domain/retry"
	"github.com/target/escrow-settlement/internal/observability/notify/pagerduty"
	"github.com/target/escrow-settlement/internal/observability/notify/slack"
	"github.com/target/escrow-settlement/internal/observability/statsd"
	"github.com/target/escrow-settlement/internal/service"
	"github.com/target/escrow-settlement/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	CronLock      *service.CronLockService
	Batcher       *service.PayoutBatcher
	Escrows       *service.EscrowCompletionService
	Incoming      *service.IncomingWebhookService
	Outgoing      *service.OutgoingWebhookService
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsClient   *statsd.Client
	MetricsSink     statsd.Sink
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Adapters    *Adapters
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	CronJobs  *data.CronJobRepo
	Escrows   *data.EscrowCompletionRepo
	Batches   *data.EscrowPayoutsBatchRepo
	Incoming  *data.IncomingWebhookRepo
	Outgoing  *data.OutgoingWebhookRepo
	CacheRepo *data.RedisCacheRepo
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	container := ObservabilityContainer{
		MetricsConfig:  cfg.Metrics,
		NotifierConfig: cfg.Notifications,
	}
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled:    true,
			Address:    cfg.Metrics.StatsdAddress,
			Prefix:     cfg.Metrics.Prefix,
			Logger:     obsLogger,
			GlobalTags: cfg.Metrics.GlobalTags(),
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			container.MetricsClient = client
			container.MetricsSink = client
		}
	}

	container.FailureNotifier = buildFailureNotifier(obsLogger, cfg.Notifications)
	return container
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, redisClient redis.UniversalClient, redisCfg config.RedisConfig) *serviceRepositories {
	repos := &serviceRepositories{
		CronJobs: data.NewCronJobRepo(db),
		Escrows:  data.NewEscrowCompletionRepo(db),
		Batches:  data.NewEscrowPayoutsBatchRepo(db),
		Incoming: data.NewIncomingWebhookRepo(db),
		Outgoing: data.NewOutgoingWebhookRepo(db),
	}
	if redisClient != nil {
		repos.CacheRepo = data.NewRedisCacheRepo(redisClient, redisCfg.KeyPrefix)
	}
	return repos
}

// DomainServicesOptions groups dependencies for buildDomainServices.
type DomainServicesOptions struct {
	Repos         *serviceRepositories
	Adapters      *Adapters
	Observability ObservabilityContainer
	Config        *config.AppConfig
	Logger        *slog.Logger
}

func buildDomainServices(opts *DomainServicesOptions) (ServiceContainer, error) {
	cfg := opts.Config
	obs := opts.Observability
	adapters := opts.Adapters
	if adapters == nil {
		adapters = &Adapters{}
	}

	policy, err := retry.NewPolicy(cfg.Pipeline.Retry.Threshold, cfg.Pipeline.Retry.BaseInterval)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("retry policy: %w", err)
	}

	cronLock, err := service.NewCronLockService(service.CronLockServiceOptions{
		Repo:    opts.Repos.CronJobs,
		Config:  cfg.Pipeline.Lock,
		Logger:  opts.Logger,
		Metrics: obs.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	batcher, err := service.NewPayoutBatcher(service.PayoutBatcherOptions{
		Repo:   opts.Repos.Batches,
		Logger: opts.Logger,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	outgoingOpts := service.OutgoingWebhookServiceOptions{
		Repo:     opts.Repos.Outgoing,
		Policy:   policy,
		Worker:   cfg.Pipeline.Worker,
		Timeout:  cfg.Webhook.HTTPTimeout,
		Notifier: obs.FailureNotifier,
		Logger:   opts.Logger,
		Metrics:  obs.MetricsSink,
	}
	if adapters.Sender != nil {
		outgoingOpts.Sender = adapters.Sender
	}
	outgoing, err := service.NewOutgoingWebhookService(outgoingOpts)
	if err != nil {
		return ServiceContainer{}, err
	}

	escrowOpts := service.EscrowCompletionServiceOptions{
		Repo:     opts.Repos.Escrows,
		Batcher:  batcher,
		Webhooks: outgoing,
		Events:   adapters.Events,
		Notifier: obs.FailureNotifier,
		Policy:   policy,
		Escrow:   cfg.Escrow,
		Worker:   cfg.Pipeline.Worker,
		Logger:   opts.Logger,
		Metrics:  obs.MetricsSink,
	}
	if adapters.Chain != nil {
		escrowOpts.Chain = adapters.Chain
	}
	escrows, err := service.NewEscrowCompletionService(escrowOpts)
	if err != nil {
		return ServiceContainer{}, err
	}

	var dedup *core.DedupGuard
	if opts.Repos.CacheRepo != nil {
		dedup = core.NewDedupGuard(core.DedupGuardOptions{
			Cache:  opts.Repos.CacheRepo,
			Prefix: "dedup",
			TTL:    cfg.Webhook.DedupTTL,
		})
	}
	incoming, err := service.NewIncomingWebhookService(service.IncomingWebhookServiceOptions{
		Repo:     opts.Repos.Incoming,
		Escrows:  escrows,
		Dedup:    dedup,
		Policy:   policy,
		Worker:   cfg.Pipeline.Worker,
		Notifier: obs.FailureNotifier,
		Logger:   opts.Logger,
		Metrics:  obs.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	return ServiceContainer{
		CronLock:      cronLock,
		Batcher:       batcher,
		Escrows:       escrows,
		Incoming:      incoming,
		Outgoing:      outgoing,
		Observability: obs,
	}, nil
}

// NewServices wires repositories, adapters and observability into the domain services.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps require AppConfig")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	observability := buildObservability(logger, deps.Config.Observability)
	repos := buildRepositories(deps.DB, deps.RedisClient, deps.Config.Redis)
	return buildDomainServices(&DomainServicesOptions{
		Repos:         repos,
		Adapters:      deps.Adapters,
		Observability: observability,
		Config:        deps.Config,
		Logger:        logger,
	})
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger: baseLogger.With("component", "failure_notifier"),
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:        cfg.Slack.WebhookURL,
			Channel:           cfg.Slack.Channel,
			Username:          cfg.Slack.Username,
			Timeout:           cfg.Timeout,
			RetryLimit:        cfg.RetryLimit,
			ExplorerURLPrefix: cfg.Slack.ExplorerURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	baseLogger.Info("failure notifications enabled",
		"configured_sinks", cfg.EnabledSinks(),
		"active_sinks", len(sinks),
	)
	return failurenotifier.NewService(failurenotifier.Options{
		Logger: baseLogger.With("component", "failure_notifier"),
		Sinks:  sinks,
	})
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	Adapters    *Adapters
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
	// schedulerStartupJitter spreads the first tick of replicas started together.
	schedulerStartupJitter = 5 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:      deps.cfg.Config,
		Services:    deps.cfg.Services,
		Adapters:    deps.cfg.Adapters,
		DB:          deps.cfg.DB,
		RedisClient: deps.cfg.RedisClient,
		Logger:      deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

// newTaskBackgroundService runs one pipeline stage under its cron lock.
func newTaskBackgroundService(
	deps *serviceStartupDeps,
	mode config.ServiceMode,
	jobType model.CronJobType,
	schedule string,
	process func(context.Context, time.Time) ([]service.Outcome, error),
) backgroundService {
	return backgroundService{
		mode: mode,
		name: string(mode),
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			return RunScheduler(ctx, SchedulerConfig{
				Locker: deps.cfg.Services.CronLock,
				Task: scheduler.Task{
					JobType:  jobType,
					Schedule: schedule,
					Process:  process,
				},
				Logger:        deps.logger,
				Metrics:       deps.cfg.Services.Observability.MetricsSink,
				StartupJitter: schedulerStartupJitter,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil || deps.cfg == nil || deps.cfg.Config == nil {
		return nil
	}
	schedules := deps.cfg.Config.Pipeline.Schedule
	svcs := deps.cfg.Services

	var out []backgroundService
	if svcs.Escrows != nil {
		out = append(out, newTaskBackgroundService(deps,
			config.ServiceModeEscrowTracker,
			model.CronJobTypeProcessEscrowCompletion,
			schedules.EscrowTracker,
			svcs.Escrows.ProcessDue,
		))
	}
	if svcs.Incoming != nil {
		out = append(out, newTaskBackgroundService(deps,
			config.ServiceModeIncomingWebhooks,
			model.CronJobTypeProcessIncomingWebhook,
			schedules.IncomingWebhooks,
			svcs.Incoming.ProcessDue,
		))
	}
	if svcs.Outgoing != nil {
		out = append(out, newTaskBackgroundService(deps,
			config.ServiceModeOutgoingWebhooks,
			model.CronJobTypeProcessOutgoingWebhook,
			schedules.OutgoingWebhooks,
			svcs.Outgoing.ProcessDue,
		))
	}
	return out
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	// Start all enabled services
	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		shutdown:    cfg.Config.HTTP.ShutdownTimeout,
		logger:      logger,
		backgrounds: result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	shutdown    time.Duration
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop attempts to gracefully stop all services.
// In-flight task runs finish their current rows before their handles close.
func gracefulStop(cfg shutdownConfig) error {
	if cfg.httpServer != nil {
		if err := ShutdownHTTPServer(ShutdownConfig{
			Server:  cfg.httpServer,
			Timeout: cfg.shutdown,
			Logger:  cfg.logger,
		}); err != nil {
			return err
		}
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return nil
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
