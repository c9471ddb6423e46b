package testutil

import (
	"fmt"

	"github.com/target/escrow-settlement/internal/domain/model"
)

// EscrowAddress returns a deterministic, normalised escrow address for index n.
func EscrowAddress(n int) string {
	return fmt.Sprintf("0x%040x", 0xe5c000+n)
}

// WorkerAddress returns a deterministic, normalised payout recipient address for index n.
func WorkerAddress(n int) string {
	return fmt.Sprintf("0x%040x", 0xa11ce000+n)
}

// Payouts builds n payouts to sequential worker addresses, each paying amount.
func Payouts(n int, amount string) []model.Payout {
	out := make([]model.Payout, 0, n)
	for i := range n {
		out = append(out, model.Payout{Address: WorkerAddress(i), Amount: amount})
	}
	return out
}

// EscrowCompletionRequestBuilder provides a fluent interface for CreateEscrowCompletionRequest.
type EscrowCompletionRequestBuilder struct {
	req model.CreateEscrowCompletionRequest
}

// NewEscrowCompletionRequest returns a builder with sensible defaults.
func NewEscrowCompletionRequest() *EscrowCompletionRequestBuilder {
	return &EscrowCompletionRequestBuilder{req: model.CreateEscrowCompletionRequest{
		ChainID:       80002,
		EscrowAddress: EscrowAddress(1),
	}}
}

// WithChainID sets the chain id.
func (b *EscrowCompletionRequestBuilder) WithChainID(id int64) *EscrowCompletionRequestBuilder {
	b.req.ChainID = id
	return b
}

// WithEscrow sets the escrow address.
func (b *EscrowCompletionRequestBuilder) WithEscrow(addr string) *EscrowCompletionRequestBuilder {
	b.req.EscrowAddress = addr
	return b
}

// WithFinalResultsURL sets the final results URL.
func (b *EscrowCompletionRequestBuilder) WithFinalResultsURL(u string) *EscrowCompletionRequestBuilder {
	b.req.FinalResultsURL = u
	return b
}

// Build returns the request.
func (b *EscrowCompletionRequestBuilder) Build() model.CreateEscrowCompletionRequest {
	return b.req
}

// IncomingWebhookRequest returns a valid job_completed webhook for the escrow.
func IncomingWebhookRequest(chainID int64, escrow string) model.IncomingWebhookRequest {
	return model.IncomingWebhookRequest{
		ChainID:       chainID,
		EscrowAddress: escrow,
		EventType:     model.WebhookEventJobCompleted,
	}
}
