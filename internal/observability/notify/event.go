// Package notify defines the terminal-failure notification contract and its HTTP delivery helper.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Subject kinds for FailurePayload.Kind.
const (
	KindEscrowCompletion = "escrow_completion"
	KindOutgoingWebhook  = "outgoing_webhook"
	KindIncomingWebhook  = "incoming_webhook"
)

// FailurePayload describes a pipeline row that reached a terminal failure.
type FailurePayload struct {
	Kind          string
	EntityID      int64
	ChainID       int64
	EscrowAddress string
	URL           string
	ErrorID       string
	Error         string
	ErrorClass    string
	RetriesCount  int
	Severity      string
	OccurredAt    time.Time
	Metadata      map[string]string
}

// DedupKey identifies the failure for sinks that collapse repeats.
func (p FailurePayload) DedupKey() string {
	return strings.Trim(fmt.Sprintf("%s:%d", p.Kind, p.EntityID), ":")
}

// Sink describes a destination capable of consuming failure notifications.
type Sink interface {
	SendFailure(ctx context.Context, payload FailurePayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload FailurePayload) error

// SendFailure implements the Sink interface.
func (f SinkFunc) SendFailure(ctx context.Context, payload FailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}

// PostJSONRequest describes a JSON POST with bounded linear retries.
type PostJSONRequest struct {
	Client     *http.Client
	URL        string
	Body       []byte
	RetryLimit int
	// Label prefixes error messages, e.g. "slack".
	Label string
}

// PostJSON sends req.Body, retrying non-2xx responses and transport errors
// with a 200ms-step linear delay.
func PostJSON(ctx context.Context, req PostJSONRequest) error {
	attempts := max(req.RetryLimit, 0) + 1
	var lastErr error
	for attempt := range attempts {
		lastErr = postOnce(ctx, req)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * 200 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func postOnce(ctx context.Context, req PostJSONRequest) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", req.Label, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := req.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", req.Label, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s", req.Label, resp.Status, strings.TrimSpace(string(snippet)))
	}
	if _, err = io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain %s response body: %w", req.Label, err)
	}
	return nil
}

// FallbackString returns fallback when value is blank.
func FallbackString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
