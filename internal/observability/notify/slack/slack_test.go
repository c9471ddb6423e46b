package slack

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/escrow-settlement/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL:        "https://hooks.slack.com/services/test",
		Channel:           "#settlement",
		Username:          "bot",
		ExplorerURLPrefix: "https://amoy.polygonscan.com/address/",
	})
	require.NoError(t, err)

	msg := client.formatMessage(notify.FailurePayload{
		Kind:          notify.KindEscrowCompletion,
		EntityID:      42,
		ChainID:       80002,
		EscrowAddress: "0xabc",
		ErrorID:       "c0ffee",
		Error:         "execution reverted <Escrow>",
		RetriesCount:  3,
		Metadata:      map[string]string{"status": "pending"},
	})

	assert.Equal(t, "bot", msg["username"])
	assert.Equal(t, "#settlement", msg["channel"])
	text, ok := msg["text"].(string)
	require.True(t, ok)
	for _, want := range []string{
		"Settlement failure", "escrow_completion #42", "80002",
		"<https://amoy.polygonscan.com/address/0xabc|0xabc>", "c0ffee", "&lt;Escrow&gt;", "Retries: 3", "status: pending",
	} {
		assert.Contains(t, text, want)
	}
}

func TestSendFailureRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		assert.NoError(t, json.Unmarshal(body, &decoded))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL, RetryLimit: 1, Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, client.SendFailure(context.Background(), notify.FailurePayload{Kind: notify.KindOutgoingWebhook}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendFailureReturnsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL})
	require.NoError(t, err)
	err = client.SendFailure(context.Background(), notify.FailurePayload{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid_payload"))
}
