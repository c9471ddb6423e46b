// Package webhook delivers signed outgoing webhooks and verifies incoming ones.
package webhook

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/escrow-settlement/internal/core"
)

const maxResponseBodyBytes = 4 * 1024

// SenderOptions configures NewSender.
type SenderOptions struct {
	Key *ecdsa.PrivateKey
	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Sender posts webhook bodies with a Human-Signature header.
type Sender struct {
	key    *ecdsa.PrivateKey
	http   *http.Client
	logger *slog.Logger
}

var _ core.WebhookSender = (*Sender)(nil)

// NewSender validates opts.
func NewSender(opts SenderOptions) (*Sender, error) {
	if opts.Key == nil {
		return nil, errors.New("webhook sender requires a signing key")
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{key: opts.Key, http: client, logger: logger.With("component", "webhook_sender")}, nil
}

// Send posts delivery.Body to delivery.URL. Any non-2xx status is an error.
func (s *Sender) Send(ctx context.Context, delivery core.WebhookDelivery) error {
	signature, err := Sign(s.key, delivery.Body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(delivery.Body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	body, truncated, readErr := readResponseBody(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil && readErr == nil {
		readErr = closeErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.DebugContext(ctx, "webhook rejected",
			"url", delivery.URL,
			"status", resp.StatusCode,
			"body", body,
			"body_truncated", truncated,
		)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if readErr != nil {
		s.logger.DebugContext(ctx, "webhook response body unreadable", "url", delivery.URL, "error", readErr)
	}
	return nil
}

func readResponseBody(body io.Reader) (string, bool, error) {
	if body == nil {
		return "", false, nil
	}
	limited := io.LimitReader(body, maxResponseBodyBytes+1)
	data, readErr := io.ReadAll(limited)
	truncated := len(data) > maxResponseBodyBytes
	if truncated {
		data = data[:maxResponseBodyBytes]
		if _, drainErr := io.Copy(io.Discard, body); drainErr != nil && readErr == nil {
			readErr = drainErr
		}
	}
	return string(data), truncated, readErr
}
