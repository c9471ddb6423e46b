// Package mocks provides mock implementations of the settlement pipeline's external boundaries.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the interfaces in
// internal/core that talk to the outside world: the chain, webhook receivers and the event stream.
// Repositories are exercised against a real schema or with stateful fakes instead.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	chain := mocks.NewMockChainClient(ctrl)
//	chain.EXPECT().ReserveNonce(gomock.Any(), int64(1)).Return(uint64(7), nil)
package mocks

// Generate mock for ChainClient interface from internal/core package.
// This creates MockChainClient with methods for all ChainClient interface methods:
// GetFinalResults, ReserveNonce, ReleaseNonce, SubmitPayouts, CompleteEscrow, NotificationURLs
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=chain_client_mock.go github.com/target/escrow-settlement/internal/core ChainClient

// Generate mock for WebhookSender interface from internal/core package.
// This creates MockWebhookSender with methods for all WebhookSender interface methods:
// Send
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=webhook_sender_mock.go github.com/target/escrow-settlement/internal/core WebhookSender

// Generate mock for EventPublisher interface from internal/core package.
// This creates MockEventPublisher with methods for all EventPublisher interface methods:
// Publish, Close
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=event_publisher_mock.go github.com/target/escrow-settlement/internal/core EventPublisher
