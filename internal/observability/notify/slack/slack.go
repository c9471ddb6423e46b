// Package slack delivers failure notifications to a Slack incoming webhook.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/target/escrow-settlement/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// ExplorerURLPrefix, when set, links escrow addresses, e.g. "https://polygonscan.com/address".
	ExplorerURLPrefix string
}

// Client delivers failure notifications to a Slack webhook.
type Client struct {
	webhookURL     string
	channel        string
	username       string
	retryLimit     int
	explorerPrefix string
	client         *http.Client
}

// NewClient builds a Slack webhook client. Callers should pass a validated config.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
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
		webhookURL:     webhookURL,
		channel:        strings.TrimSpace(cfg.Channel),
		username:       notify.FallbackString(strings.TrimSpace(cfg.Username), "escrow-settlement"),
		retryLimit:     max(cfg.RetryLimit, 0),
		explorerPrefix: strings.TrimRight(strings.TrimSpace(cfg.ExplorerURLPrefix), "/"),
		client:         hc,
	}, nil
}

// SendFailure posts a formatted message to Slack.
func (c *Client) SendFailure(ctx context.Context, payload notify.FailurePayload) error {
	body, err := json.Marshal(c.formatMessage(payload))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	return notify.PostJSON(ctx, notify.PostJSONRequest{
		Client:     c.client,
		URL:        c.webhookURL,
		Body:       body,
		RetryLimit: c.retryLimit,
		Label:      "slack webhook",
	})
}

func (c *Client) formatMessage(payload notify.FailurePayload) map[string]any {
	timestamp := payload.OccurredAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	var text strings.Builder
	text.WriteString("*Settlement failure*")
	if payload.Kind != "" {
		fmt.Fprintf(&text, " (%s #%d)", payload.Kind, payload.EntityID)
	}
	text.WriteByte('\n')

	fields := []struct{ label, value string }{
		{"Severity", notify.FallbackString(payload.Severity, notify.SeverityCritical)},
		{"Chain", chainValue(payload.ChainID)},
		{"Escrow", c.escrowValue(payload.EscrowAddress)},
		{"URL", escapeSlackText(payload.URL)},
		{"Retries", strconv.Itoa(payload.RetriesCount)},
		{"Error ID", payload.ErrorID},
		{"Error class", payload.ErrorClass},
		{"Error", escapeSlackText(payload.Error)},
	}
	for _, f := range fields {
		appendSlackField(&text, f.label, f.value)
	}
	appendSlackMetadata(&text, payload.Metadata)
	text.WriteString("• Timestamp: ")
	text.WriteString(timestamp.UTC().Format(time.RFC3339))

	msg := map[string]any{
		"text":     text.String(),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

func chainValue(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func (c *Client) escrowValue(addr string) string {
	addr = escapeSlackText(strings.TrimSpace(addr))
	if addr == "" || c.explorerPrefix == "" {
		return addr
	}
	return fmt.Sprintf("<%s/%s|%s>", c.explorerPrefix, addr, addr)
}

func escapeSlackText(value string) string {
	if value == "" {
		return ""
	}
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(value)
}

func appendSlackField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	text.WriteString("• ")
	text.WriteString(label)
	text.WriteString(": ")
	text.WriteString(value)
	text.WriteByte('\n')
}

func appendSlackMetadata(text *strings.Builder, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	text.WriteString("• Metadata:\n")
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(text, "    • %s: %s\n", k, metadata[k])
	}
}
