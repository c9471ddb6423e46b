// Package pagerduty raises settlement failures as PagerDuty Events API v2 incidents.
package pagerduty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/target/escrow-settlement/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// Endpoint overrides APIEndpoint (tests).
	Endpoint string
}

// Client publishes events via PagerDuty's Events API v2.
type Client struct {
	routingKey string
	source     string
	component  string
	endpoint   string
	retryLimit int
	client     *http.Client
}

// NewClient constructs a PagerDuty events client. A routing key is required.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		routingKey: key,
		source:     notify.FallbackString(strings.TrimSpace(cfg.Source), "escrow-settlement"),
		component:  notify.FallbackString(strings.TrimSpace(cfg.Component), "settlement-worker"),
		endpoint:   notify.FallbackString(strings.TrimSpace(cfg.Endpoint), APIEndpoint),
		retryLimit: max(cfg.RetryLimit, 0),
		client:     hc,
	}, nil
}

// SendFailure submits a trigger event to PagerDuty.
func (c *Client) SendFailure(ctx context.Context, payload notify.FailurePayload) error {
	body, err := json.Marshal(c.buildEvent(payload))
	if err != nil {
		return fmt.Errorf("encode pagerduty payload: %w", err)
	}
	return notify.PostJSON(ctx, notify.PostJSONRequest{
		Client:     c.client,
		URL:        c.endpoint,
		Body:       body,
		RetryLimit: c.retryLimit,
		Label:      "pagerduty api",
	})
}

func (c *Client) buildEvent(payload notify.FailurePayload) map[string]any {
	severity := notify.FallbackString(strings.ToLower(payload.Severity), notify.SeverityCritical)

	occurredAt := payload.OccurredAt.UTC()
	if payload.OccurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	custom := map[string]any{
		"kind":           payload.Kind,
		"entity_id":      payload.EntityID,
		"chain_id":       payload.ChainID,
		"escrow_address": payload.EscrowAddress,
		"url":            payload.URL,
		"error_id":       payload.ErrorID,
		"error":          payload.Error,
		"error_class":    payload.ErrorClass,
		"retries_count":  payload.RetriesCount,
	}
	for k, v := range payload.Metadata {
		if _, exists := custom[k]; !exists {
			custom[k] = v
		}
	}

	return map[string]any{
		"routing_key":  c.routingKey,
		"event_action": "trigger",
		"dedup_key":    payload.DedupKey(),
		"payload": map[string]any{
			"summary":        summary(payload),
			"severity":       severity,
			"source":         c.source,
			"component":      c.component,
			"timestamp":      occurredAt.Format(time.RFC3339),
			"custom_details": custom,
		},
	}
}

func summary(p notify.FailurePayload) string {
	subject := notify.FallbackString(p.Kind, "settlement")
	if p.EscrowAddress != "" {
		return fmt.Sprintf("%s failed for escrow %s on chain %d", subject, p.EscrowAddress, p.ChainID)
	}
	if p.URL != "" {
		return fmt.Sprintf("%s #%d failed delivering to %s", subject, p.EntityID, p.URL)
	}
	return fmt.Sprintf("%s #%d failed", subject, p.EntityID)
}
