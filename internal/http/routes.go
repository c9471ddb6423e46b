// Package httpx serves the incoming webhook intake and health endpoints.
package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/escrow-settlement/internal/core"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Webhooks WebhookReceiver
	// Optional: signature check for POST /webhook.
	Verifier     core.SignatureVerifier
	MaxBodyBytes int64
	// Ready lists the dependencies pinged by /readyz.
	Ready  map[string]Pinger
	Logger *slog.Logger
}

// NewRouter creates the intake router. Requests are logged outside the panic
// recovery so a recovered panic still produces an access log line.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	if services.Webhooks != nil {
		webhookHandlers := &WebhookHandlers{
			Svc:          services.Webhooks,
			Verifier:     services.Verifier,
			MaxBodyBytes: services.MaxBodyBytes,
			Logger:       logger,
		}
		mux.HandleFunc("POST /webhook", webhookHandlers.Receive)
	}
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("GET /readyz", readyHandler(services.Ready))

	return Logging(logger)(Recover(logger)(mux))
}
