package httpx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/domain/model"
	apperrors "github.com/target/escrow-settlement/internal/errors"
	"github.com/target/escrow-settlement/internal/service"
)

const (
	signatureHeader     = "Human-Signature"
	defaultMaxBodyBytes = 64 << 10
)

// WebhookReceiver stores inbound webhooks.
type WebhookReceiver interface {
	Receive(ctx context.Context, req model.IncomingWebhookRequest) (*model.IncomingWebhook, bool, error)
}

// WebhookHandlers serves the incoming webhook intake.
type WebhookHandlers struct {
	Svc WebhookReceiver
	// Verifier is optional; without one the intake trusts its caller.
	Verifier     core.SignatureVerifier
	MaxBodyBytes int64
	Logger       *slog.Logger
}

type webhookResponse struct {
	ID       int64 `json:"id,omitempty"`
	Created  bool  `json:"created"`
	Accepted bool  `json:"accepted"`
}

// Receive handles POST /webhook.
func (h *WebhookHandlers) Receive(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, ErrorParams{Code: http.StatusRequestEntityTooLarge, ErrCode: "body_too_large", Err: err})
			return
		}
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_body", Err: err})
		return
	}

	if h.Verifier != nil {
		if vErr := h.Verifier.Verify(body, r.Header.Get(signatureHeader)); vErr != nil {
			h.logger().WarnContext(r.Context(), "webhook signature rejected",
				"remote_addr", r.RemoteAddr,
				"error", vErr,
			)
			WriteAppError(w, apperrors.Wrap(vErr, apperrors.ErrCodeUnauthorized, "signature verification failed"))
			return
		}
	}

	var req model.IncomingWebhookRequest
	if !DecodeJSON(w, body, &req) {
		return
	}

	row, created, err := h.Svc.Receive(r.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidWebhook) {
			WriteAppError(w, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid webhook"))
			return
		}
		mapped := apperrors.MapDBError(err)
		h.logger().ErrorContext(r.Context(), "store incoming webhook",
			"chain_id", req.ChainID,
			"escrow_address", req.EscrowAddress,
			"error", err,
		)
		WriteAppError(w, mapped)
		return
	}

	resp := webhookResponse{Created: created, Accepted: true}
	if row != nil {
		resp.ID = row.ID
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	WriteJSON(w, status, resp)
}

func (h *WebhookHandlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
