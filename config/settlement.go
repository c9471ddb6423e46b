package config

import (
	"strings"
	"time"
)

// EscrowConfig controls escrow completion processing.
type EscrowConfig struct {
	// AttemptTimeout bounds the processing of a single tracking row.
	AttemptTimeout time.Duration `env:"ESCROW_ATTEMPT_TIMEOUT" envDefault:"2m"`
	// BulkMaxCount is the maximum number of payouts per on-chain bulk call.
	BulkMaxCount int `env:"ESCROW_BULK_MAX_COUNT" envDefault:"99"`
	// FinalityTimeout is how long after detection a paid escrow may keep
	// waiting for its payouts to be mined without spending retries.
	FinalityTimeout time.Duration `env:"ESCROW_FINALITY_TIMEOUT" envDefault:"24h"`
}

// Sanitize applies guardrails to escrow configuration values.
func (e *EscrowConfig) Sanitize() {
	if e.AttemptTimeout < 5*time.Second {
		e.AttemptTimeout = 5 * time.Second
	}
	if e.BulkMaxCount < 1 {
		e.BulkMaxCount = 99
	}
	if e.FinalityTimeout <= 0 {
		e.FinalityTimeout = 24 * time.Hour
	}
}

// WebhookConfig controls outgoing delivery and incoming intake.
type WebhookConfig struct {
	// HTTPTimeout bounds a single outgoing delivery.
	HTTPTimeout time.Duration `env:"WEBHOOK_HTTP_TIMEOUT" envDefault:"30s"`
	// DedupTTL is how long repeated incoming deliveries are acknowledged from Redis.
	DedupTTL time.Duration `env:"WEBHOOK_DEDUP_TTL" envDefault:"10m"`
	// AllowedSigners lists addresses whose Human-Signature is accepted on intake.
	// Empty disables verification.
	AllowedSigners []string `env:"WEBHOOK_ALLOWED_SIGNERS"`
	// MaxBodyBytes caps inbound request bodies.
	MaxBodyBytes int64 `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"65536"`
}

// Sanitize applies guardrails to webhook configuration values.
func (w *WebhookConfig) Sanitize() {
	if w.HTTPTimeout <= 0 {
		w.HTTPTimeout = 30 * time.Second
	}
	if w.DedupTTL < 0 {
		w.DedupTTL = 0
	}
	if w.MaxBodyBytes <= 0 {
		w.MaxBodyBytes = 64 << 10
	}
	w.AllowedSigners = trimAll(w.AllowedSigners)
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
