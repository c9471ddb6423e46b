package config

import (
	"errors"
	"fmt"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres and Redis
//   - http.go: webhook intake server
//   - services.go: service modes, scheduling, locking, retries and workers
//   - settlement.go: escrow tracker and webhook delivery
//   - chain.go, results.go, events.go: external adapters
//   - observability.go: metrics and failure notifications
type AppConfig struct {
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	HTTP HTTPConfig

	// Services is a comma-delimited list of enabled service modes.
	Services string `env:"SERVICES" envDefault:"http"`

	Pipeline PipelineConfig
	Escrow   EscrowConfig
	Webhook  WebhookConfig

	Chain   ChainConfig   `envPrefix:"CHAIN_"`
	Results ResultsConfig `envPrefix:"RESULTS_"`
	Events  EventsConfig  `envPrefix:"EVENTS_"`

	Observability ObservabilityConfig `envPrefix:"OBSERVABILITY_"`
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Redis.Sanitize()
	c.Pipeline.Sanitize()
	c.Escrow.Sanitize()
	c.Webhook.Sanitize()
	c.Chain.Sanitize()
	c.Results.Sanitize()
	c.Events.Sanitize()
	c.Observability.Sanitize()
}

// Validate reports configuration that cannot run with the enabled services.
func (c *AppConfig) Validate() error {
	services, err := c.GetEnabledServices()
	if err != nil {
		return err
	}

	var errs []error
	if services[ServiceModeEscrowTracker] || services[ServiceModeOutgoingWebhooks] {
		if c.Chain.PrivateKey == "" {
			errs = append(errs, errors.New("CHAIN_PRIVATE_KEY is required for escrow-tracker and outgoing-webhooks"))
		}
	}
	if services[ServiceModeEscrowTracker] {
		if _, err := c.Chain.RPCEndpoints(); err != nil {
			errs = append(errs, err)
		}
		if c.Results.StorageDriver == StorageDriverS3 && c.Results.S3Bucket == "" {
			errs = append(errs, errors.New("RESULTS_S3_BUCKET is required when RESULTS_STORAGE_DRIVER=s3"))
		}
	}
	if c.Events.Driver == EventsDriverKafka && (len(c.Events.KafkaBrokers) == 0 || c.Events.KafkaTopic == "") {
		errs = append(errs, errors.New("EVENTS_KAFKA_BROKERS and EVENTS_KAFKA_TOPIC are required when EVENTS_DRIVER=kafka"))
	}
	if err := c.Redis.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsEnabled reports whether mode is listed in SERVICES.
func (c *AppConfig) IsEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.IsEnabled(ServiceModeHTTP)
}
