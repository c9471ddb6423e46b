package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the webhook intake server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeEscrowTracker runs the escrow completion tracking cron job.
	ServiceModeEscrowTracker ServiceMode = "escrow-tracker"
	// ServiceModeIncomingWebhooks runs the pending incoming webhook cron job.
	ServiceModeIncomingWebhooks ServiceMode = "incoming-webhooks"
	// ServiceModeOutgoingWebhooks runs the pending outgoing webhook cron job.
	ServiceModeOutgoingWebhooks ServiceMode = "outgoing-webhooks"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeEscrowTracker,
		ServiceModeIncomingWebhooks,
		ServiceModeOutgoingWebhooks,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	if strings.TrimSpace(servicesStr) == "" {
		return nil, errors.New("at least one service must be specified")
	}

	valid := ValidServiceModes()
	services := make(map[ServiceMode]bool)
	for _, part := range strings.Split(servicesStr, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		mode := ServiceMode(name)
		if !containsMode(valid, mode) {
			return nil, fmt.Errorf("invalid service name: %q (valid options: %s)", name, joinModes(valid))
		}
		services[mode] = true
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}
	return services, nil
}

func containsMode(modes []ServiceMode, m ServiceMode) bool {
	for _, v := range modes {
		if v == m {
			return true
		}
	}
	return false
}

func joinModes(modes []ServiceMode) string {
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

// PipelineConfig groups the settings shared by every scheduled task.
type PipelineConfig struct {
	Retry    RetryConfig
	Lock     LockConfig
	Worker   WorkerConfig
	Schedule ScheduleConfig
}

// Sanitize applies guardrails to every pipeline sub-config.
func (p *PipelineConfig) Sanitize() {
	p.Retry.Sanitize()
	p.Lock.Sanitize()
	p.Worker.Sanitize()
	p.Schedule.Sanitize()
}

// RetryConfig controls the bounded exponential backoff.
type RetryConfig struct {
	// Threshold is the retry count at which a row is failed.
	Threshold int `env:"RETRY_THRESHOLD" envDefault:"3"`
	// BaseInterval is the wait before the first retry; each later retry doubles it.
	BaseInterval time.Duration `env:"RETRY_BASE_INTERVAL" envDefault:"120s"`
}

// Sanitize applies guardrails to retry configuration values.
func (r *RetryConfig) Sanitize() {
	if r.Threshold < 1 {
		r.Threshold = 1
	}
	if r.BaseInterval < time.Second {
		r.BaseInterval = time.Second
	}
}

// LockConfig controls the persisted cron job lock.
type LockConfig struct {
	// StaleAfter is how long a held lock survives before another instance may reclaim it.
	StaleAfter time.Duration `env:"LOCK_STALE_AFTER" envDefault:"10m"`
	// RunTimeout bounds a single task run.
	RunTimeout time.Duration `env:"LOCK_RUN_TIMEOUT" envDefault:"5m"`
}

// minLockMargin separates the end of a run from the point its lock may be reclaimed.
const minLockMargin = time.Minute

// Sanitize applies guardrails to lock configuration values.
// A live holder must never be reclaimed, so StaleAfter is kept above RunTimeout.
func (l *LockConfig) Sanitize() {
	if l.RunTimeout < 10*time.Second {
		l.RunTimeout = 10 * time.Second
	}
	if l.StaleAfter < l.RunTimeout+minLockMargin {
		l.StaleAfter = l.RunTimeout + minLockMargin
	}
}

// WorkerConfig bounds per-run row processing.
type WorkerConfig struct {
	// Concurrency is the number of rows processed in parallel within one run.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`
	// BatchSize is the maximum number of due rows fetched per run.
	BatchSize int `env:"WORKER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	w.Concurrency = min(max(w.Concurrency, 1), 64)
	w.BatchSize = min(max(w.BatchSize, 1), 1000)
}

// ScheduleConfig holds the cron expression of each task.
// Standard 5-field expressions and descriptors such as "@every 30s" are accepted.
type ScheduleConfig struct {
	EscrowTracker    string `env:"SCHEDULE_ESCROW_TRACKER"    envDefault:"@every 30s"`
	IncomingWebhooks string `env:"SCHEDULE_INCOMING_WEBHOOKS" envDefault:"@every 30s"`
	OutgoingWebhooks string `env:"SCHEDULE_OUTGOING_WEBHOOKS" envDefault:"@every 1m"`
}

const defaultSchedule = "@every 30s"

// Sanitize replaces unparsable expressions with the default schedule.
func (s *ScheduleConfig) Sanitize() {
	for _, spec := range []*string{&s.EscrowTracker, &s.IncomingWebhooks, &s.OutgoingWebhooks} {
		*spec = strings.TrimSpace(*spec)
		if _, err := ParseSchedule(*spec); err != nil {
			*spec = defaultSchedule
		}
	}
}

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression or descriptor.
//
//nolint:ireturn // cron.Schedule is the library's own abstraction.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched, nil
}
