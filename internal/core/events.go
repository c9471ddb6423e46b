package core

import (
	"context"
	"time"
)

// EscrowEventType names a lifecycle event published for downstream consumers.
type EscrowEventType string

const (
	EscrowEventPaid      EscrowEventType = "escrow.paid"
	EscrowEventCompleted EscrowEventType = "escrow.completed"
	EscrowEventFailed    EscrowEventType = "escrow.failed"
)

// EscrowEvent is a lifecycle notification emitted after a successful transition.
type EscrowEvent struct {
	Type          EscrowEventType `json:"type"`
	ChainID       int64           `json:"chain_id"`
	EscrowAddress string          `json:"escrow_address"`
	Detail        string          `json:"detail,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// EventPublisher ships lifecycle events. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, event EscrowEvent) error
	Close() error
}

// WebhookDelivery is a single outbound HTTP attempt.
type WebhookDelivery struct {
	URL  string
	Body []byte
}

// WebhookSender delivers an outgoing webhook. Any error is retryable.
type WebhookSender interface {
	Send(ctx context.Context, delivery WebhookDelivery) error
}

// SignatureVerifier checks an inbound webhook body against its signature header.
type SignatureVerifier interface {
	Verify(body []byte, signature string) error
}
