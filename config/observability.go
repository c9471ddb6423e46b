package config

import (
	"strings"
	"time"
)

const (
	defaultObservabilityName   = "escrow-settlement"
	defaultNotificationTimeout = 5 * time.Second
)

// ObservabilityConfig holds metrics and terminal-failure notification settings.
// Every variable is prefixed with OBSERVABILITY_.
type ObservabilityConfig struct {
	Metrics       ObservabilityMetricsConfig       `envPrefix:"METRICS_"`
	Notifications ObservabilityNotificationsConfig `envPrefix:"NOTIFICATIONS_"`
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Metrics.Sanitize()
	c.Notifications.Sanitize()
}

// ObservabilityMetricsConfig configures the StatsD sink used by the scheduler
// and the settlement workers.
type ObservabilityMetricsConfig struct {
	Enabled       bool   `env:"ENABLED"        envDefault:"false"`
	StatsdAddress string `env:"STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
	Prefix        string `env:"PREFIX"         envDefault:"settlement"`
	// Env is attached to every metric as the "env" tag when set.
	Env string `env:"ENV"`
}

// Sanitize trims values and turns metrics off when there is nowhere to send them.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	c.Prefix = strings.Trim(strings.TrimSpace(c.Prefix), ".")
	c.Env = strings.TrimSpace(c.Env)
	c.Enabled = c.Enabled && c.StatsdAddress != ""
}

// IsEnabled reports whether metrics should be emitted.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}

// GlobalTags returns the tags attached to every metric, or nil.
func (c *ObservabilityMetricsConfig) GlobalTags() map[string]string {
	if c.Env == "" {
		return nil
	}
	return map[string]string{"env": c.Env}
}

// ObservabilityNotificationsConfig controls where terminal settlement failures
// (logic errors and exhausted retries) are announced.
type ObservabilityNotificationsConfig struct {
	Enabled    bool                        `env:"ENABLED"     envDefault:"false"`
	Timeout    time.Duration               `env:"TIMEOUT"     envDefault:"5s"`
	RetryLimit int                         `env:"RETRY_LIMIT" envDefault:"3"`
	Slack      SlackNotificationConfig     `envPrefix:"SLACK_"`
	PagerDuty  PagerDutyNotificationConfig `envPrefix:"PAGERDUTY_"`
}

// Sanitize clamps limits and disables sinks that are missing credentials.
func (c *ObservabilityNotificationsConfig) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = defaultNotificationTimeout
	}
	c.RetryLimit = max(c.RetryLimit, 0)

	c.Slack.sanitize()
	c.PagerDuty.sanitize()

	c.Slack.Enabled = c.Enabled && c.Slack.Enabled && c.Slack.WebhookURL != ""
	c.PagerDuty.Enabled = c.Enabled && c.PagerDuty.Enabled && c.PagerDuty.RoutingKey != ""
}

// EnabledSinks lists the sinks that will receive notifications.
func (c *ObservabilityNotificationsConfig) EnabledSinks() []string {
	var sinks []string
	if c.Slack.Enabled {
		sinks = append(sinks, "slack")
	}
	if c.PagerDuty.Enabled {
		sinks = append(sinks, "pagerduty")
	}
	return sinks
}

// SlackNotificationConfig configures the Slack incoming webhook sink.
type SlackNotificationConfig struct {
	Enabled    bool   `env:"ENABLED"     envDefault:"false"`
	WebhookURL string `env:"WEBHOOK_URL"`
	Channel    string `env:"CHANNEL"`
	Username   string `env:"USERNAME"    envDefault:"escrow-settlement"`
	// ExplorerURLPrefix links escrow addresses in messages, e.g. https://amoy.polygonscan.com/address.
	ExplorerURLPrefix string `env:"EXPLORER_URL_PREFIX"`
}

func (c *SlackNotificationConfig) sanitize() {
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	c.Channel = strings.TrimSpace(c.Channel)
	c.ExplorerURLPrefix = strings.TrimRight(strings.TrimSpace(c.ExplorerURLPrefix), "/")
	c.Username = orDefault(c.Username, defaultObservabilityName)
}

// PagerDutyNotificationConfig configures the PagerDuty Events API v2 sink.
type PagerDutyNotificationConfig struct {
	Enabled    bool   `env:"ENABLED"     envDefault:"false"`
	RoutingKey string `env:"ROUTING_KEY"`
	Source     string `env:"SOURCE"      envDefault:"escrow-settlement"`
	Component  string `env:"COMPONENT"   envDefault:"settlement-worker"`
}

func (c *PagerDutyNotificationConfig) sanitize() {
	c.RoutingKey = strings.TrimSpace(c.RoutingKey)
	c.Source = orDefault(c.Source, defaultObservabilityName)
	c.Component = orDefault(c.Component, defaultObservabilityName)
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
