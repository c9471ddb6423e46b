package config

import (
	"strings"
	"time"
)

// Storage drivers for final results.
const (
	StorageDriverMemory = "memory"
	StorageDriverS3     = "s3"
)

// ResultsConfig configures results download and final results storage.
type ResultsConfig struct {
	// PayoutsExpr is the JMESPath expression selecting [{address, amount}] from a results document.
	PayoutsExpr string `env:"PAYOUTS_EXPR" envDefault:"payouts"`
	// MaxDocumentBytes caps downloaded results documents.
	MaxDocumentBytes int64 `env:"MAX_DOCUMENT_BYTES" envDefault:"10485760"`
	// FetchTimeout bounds a results download.
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"30s"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"memory"`
	S3Bucket      string `env:"S3_BUCKET"`
	S3Prefix      string `env:"S3_PREFIX"`
	S3Region      string `env:"S3_REGION"`
	// S3Endpoint targets S3-compatible stores such as MinIO.
	S3Endpoint string `env:"S3_ENDPOINT"`
	// PublicURL is the base under which stored objects are reachable.
	PublicURL string `env:"PUBLIC_URL"`
}

// Sanitize applies guardrails to results configuration values.
func (r *ResultsConfig) Sanitize() {
	if r.PayoutsExpr = strings.TrimSpace(r.PayoutsExpr); r.PayoutsExpr == "" {
		r.PayoutsExpr = "payouts"
	}
	if r.MaxDocumentBytes <= 0 {
		r.MaxDocumentBytes = 10 << 20
	}
	if r.FetchTimeout <= 0 {
		r.FetchTimeout = 30 * time.Second
	}
	r.StorageDriver = strings.ToLower(strings.TrimSpace(r.StorageDriver))
	if r.StorageDriver != StorageDriverS3 {
		r.StorageDriver = StorageDriverMemory
	}
	r.S3Prefix = strings.Trim(strings.TrimSpace(r.S3Prefix), "/")
	r.PublicURL = strings.TrimRight(strings.TrimSpace(r.PublicURL), "/")
}
