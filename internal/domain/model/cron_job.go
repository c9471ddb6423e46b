package model

import "time"

// CronJobType names a recurring task guarded by a persisted lock.
type CronJobType string

const (
	// CronJobTypeProcessEscrowCompletion advances due escrow completion rows.
	CronJobTypeProcessEscrowCompletion CronJobType = "process-escrow-completion-tracking"
	// CronJobTypeProcessIncomingWebhook turns pending incoming webhooks into tracking rows.
	CronJobTypeProcessIncomingWebhook CronJobType = "process-pending-incoming-webhook"
	// CronJobTypeProcessOutgoingWebhook delivers pending outgoing webhooks.
	CronJobTypeProcessOutgoingWebhook CronJobType = "process-pending-outgoing-webhook"
)

// String implements fmt.Stringer.
func (t CronJobType) String() string { return string(t) }

// Valid reports whether t is a known job type.
func (t CronJobType) Valid() bool {
	switch t {
	case CronJobTypeProcessEscrowCompletion, CronJobTypeProcessIncomingWebhook, CronJobTypeProcessOutgoingWebhook:
		return true
	default:
		return false
	}
}

// CronJob is a persisted lock row for a recurring task.
// A nil CompletedAt means the lock is held.
type CronJob struct {
	ID          int64       `json:"id"`
	Type        CronJobType `json:"cron_job_type"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Held reports whether the lock row is currently claimed.
func (c *CronJob) Held() bool {
	return c.CompletedAt == nil
}
