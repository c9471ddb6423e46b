package data

import "github.com/target/escrow-settlement/internal/core"

var (
	_ core.CronJobRepository            = (*CronJobRepo)(nil)
	_ core.EscrowCompletionRepository   = (*EscrowCompletionRepo)(nil)
	_ core.EscrowPayoutsBatchRepository = (*EscrowPayoutsBatchRepo)(nil)
	_ core.IncomingWebhookRepository    = (*IncomingWebhookRepo)(nil)
	_ core.OutgoingWebhookRepository    = (*OutgoingWebhookRepo)(nil)
	_ core.CacheRepository              = (*RedisCacheRepo)(nil)
)
