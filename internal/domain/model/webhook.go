package model

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// WebhookEventType identifies the event carried by a webhook.
type WebhookEventType string

const (
	// WebhookEventJobCompleted is sent by oracles when an escrow's work is finished.
	WebhookEventJobCompleted WebhookEventType = "job_completed"
	// WebhookEventEscrowCompleted is sent by this service once an escrow is settled.
	WebhookEventEscrowCompleted WebhookEventType = "escrow_completed"
)

// IncomingWebhookStatus is the processing state of a received webhook.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type IncomingWebhookStatus string

const (
	IncomingWebhookStatusPending   IncomingWebhookStatus = "pending"
	IncomingWebhookStatusPaid      IncomingWebhookStatus = "paid"
	IncomingWebhookStatusCompleted IncomingWebhookStatus = "completed"
	IncomingWebhookStatusFailed    IncomingWebhookStatus = "failed"
)

var incomingWebhookTransitions = map[IncomingWebhookStatus][]IncomingWebhookStatus{
	IncomingWebhookStatusPending: {
		IncomingWebhookStatusPaid,
		IncomingWebhookStatusCompleted,
		IncomingWebhookStatusFailed,
	},
	IncomingWebhookStatusPaid: {IncomingWebhookStatusCompleted, IncomingWebhookStatusFailed},
}

// Valid returns true if the status is one of the known values.
func (s IncomingWebhookStatus) Valid() bool {
	switch s {
	case IncomingWebhookStatusPending, IncomingWebhookStatusPaid,
		IncomingWebhookStatusCompleted, IncomingWebhookStatusFailed:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (s IncomingWebhookStatus) String() string { return string(s) }

// CanTransitionTo reports whether moving from s to next is allowed.
func (s IncomingWebhookStatus) CanTransitionTo(next IncomingWebhookStatus) bool {
	for _, allowed := range incomingWebhookTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when s cannot move to next.
func (s IncomingWebhookStatus) ValidateTransition(next IncomingWebhookStatus) error {
	if !s.CanTransitionTo(next) {
		return transitionError("incoming webhook", s, next)
	}
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *IncomingWebhookStatus) UnmarshalText(text []byte) error {
	v := IncomingWebhookStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid IncomingWebhookStatus: %q", v)
	}
	*s = v
	return nil
}

// OutgoingWebhookStatus is the delivery state of an outgoing webhook.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type OutgoingWebhookStatus string

const (
	OutgoingWebhookStatusPending OutgoingWebhookStatus = "pending"
	OutgoingWebhookStatusSent    OutgoingWebhookStatus = "sent"
	OutgoingWebhookStatusFailed  OutgoingWebhookStatus = "failed"
)

// Valid returns true if the status is one of the known values.
func (s OutgoingWebhookStatus) Valid() bool {
	return s == OutgoingWebhookStatusPending || s == OutgoingWebhookStatusSent || s == OutgoingWebhookStatusFailed
}

// String implements fmt.Stringer.
func (s OutgoingWebhookStatus) String() string { return string(s) }

// CanTransitionTo reports whether moving from s to next is allowed.
// Only pending rows move, and only to a terminal state.
func (s OutgoingWebhookStatus) CanTransitionTo(next OutgoingWebhookStatus) bool {
	return s == OutgoingWebhookStatusPending &&
		(next == OutgoingWebhookStatusSent || next == OutgoingWebhookStatusFailed)
}

// ValidateTransition returns ErrInvalidTransition when s cannot move to next.
func (s OutgoingWebhookStatus) ValidateTransition(next OutgoingWebhookStatus) error {
	if !s.CanTransitionTo(next) {
		return transitionError("outgoing webhook", s, next)
	}
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *OutgoingWebhookStatus) UnmarshalText(text []byte) error {
	v := OutgoingWebhookStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid OutgoingWebhookStatus: %q", v)
	}
	*s = v
	return nil
}

// IncomingWebhook is a notification received from an oracle.
type IncomingWebhook struct {
	ID            int64                 `json:"id"`
	ChainID       int64                 `json:"chain_id"`
	EscrowAddress string                `json:"escrow_address"`
	EventType     WebhookEventType      `json:"event_type"`
	ResultsURL    *string               `json:"results_url,omitempty"`
	CheckPassed   *bool                 `json:"check_passed,omitempty"`
	Status        IncomingWebhookStatus `json:"status"`
	RetriesCount  int                   `json:"retries_count"`
	WaitUntil     time.Time             `json:"wait_until"`
	FailureDetail *string               `json:"failure_detail,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// IncomingWebhookRequest is the inbound wire contract.
type IncomingWebhookRequest struct {
	ChainID       int64            `json:"chain_id"`
	EscrowAddress string           `json:"escrow_address"`
	EventType     WebhookEventType `json:"event_type"`
	ResultsURL    *string          `json:"results_url,omitempty"`
	CheckPassed   *bool            `json:"check_passed,omitempty"`
}

// Validate checks the request and normalises the escrow address.
func (r *IncomingWebhookRequest) Validate() error {
	if r.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive, got %d", r.ChainID)
	}
	addr, err := NormalizeAddress(r.EscrowAddress)
	if err != nil {
		return fmt.Errorf("escrow_address: %w", err)
	}
	r.EscrowAddress = addr
	if r.EventType != WebhookEventJobCompleted {
		return fmt.Errorf("unsupported event_type %q", r.EventType)
	}
	if r.ResultsURL != nil {
		trimmed := strings.TrimSpace(*r.ResultsURL)
		if trimmed == "" {
			r.ResultsURL = nil
		} else {
			r.ResultsURL = &trimmed
		}
	}
	return nil
}

// OutgoingWebhookPayload is the body sent to callback URLs.
type OutgoingWebhookPayload struct {
	ChainID       int64            `json:"chain_id"`
	EscrowAddress string           `json:"escrow_address"`
	EventType     WebhookEventType `json:"event_type"`
	Status        string           `json:"status,omitempty"`
}

// OutgoingWebhook is a persisted notification to a callback URL.
// Payload is frozen at creation and Hash identifies it.
type OutgoingWebhook struct {
	ID            int64                 `json:"id"`
	Hash          string                `json:"hash"`
	URL           string                `json:"url"`
	Payload       json.RawMessage       `json:"payload"`
	Status        OutgoingWebhookStatus `json:"status"`
	RetriesCount  int                   `json:"retries_count"`
	WaitUntil     time.Time             `json:"wait_until"`
	FailureDetail *string               `json:"failure_detail,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// ValidateCallbackURL checks that raw is an absolute http(s) URL.
func ValidateCallbackURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse callback url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("callback url must be absolute http(s), got %q", raw)
	}
	return raw, nil
}
