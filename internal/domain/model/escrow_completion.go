package model

import (
	"fmt"
	"strings"
	"time"
)

// EscrowCompletionStatus is the lifecycle state of an escrow completion tracking row.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type EscrowCompletionStatus string

const (
	// EscrowCompletionStatusPending means completion was detected and payouts are not yet submitted.
	EscrowCompletionStatusPending EscrowCompletionStatus = "pending"
	// EscrowCompletionStatusPaid means every payout batch was submitted on-chain.
	EscrowCompletionStatusPaid EscrowCompletionStatus = "paid"
	// EscrowCompletionStatusCompleted is terminal success.
	EscrowCompletionStatusCompleted EscrowCompletionStatus = "completed"
	// EscrowCompletionStatusFailed is terminal failure.
	EscrowCompletionStatusFailed EscrowCompletionStatus = "failed"
)

var escrowCompletionTransitions = map[EscrowCompletionStatus][]EscrowCompletionStatus{
	EscrowCompletionStatusPending: {EscrowCompletionStatusPaid, EscrowCompletionStatusFailed},
	EscrowCompletionStatusPaid:    {EscrowCompletionStatusCompleted, EscrowCompletionStatusFailed},
}

// Valid returns true if the status is one of the known values.
func (s EscrowCompletionStatus) Valid() bool {
	switch s {
	case EscrowCompletionStatusPending, EscrowCompletionStatusPaid,
		EscrowCompletionStatusCompleted, EscrowCompletionStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s EscrowCompletionStatus) Terminal() bool {
	return s == EscrowCompletionStatusCompleted || s == EscrowCompletionStatusFailed
}

// String implements fmt.Stringer.
func (s EscrowCompletionStatus) String() string { return string(s) }

// CanTransitionTo reports whether moving from s to next is allowed.
func (s EscrowCompletionStatus) CanTransitionTo(next EscrowCompletionStatus) bool {
	for _, allowed := range escrowCompletionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when s cannot move to next.
func (s EscrowCompletionStatus) ValidateTransition(next EscrowCompletionStatus) error {
	if !s.CanTransitionTo(next) {
		return transitionError("escrow completion", s, next)
	}
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *EscrowCompletionStatus) UnmarshalText(text []byte) error {
	v := EscrowCompletionStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid EscrowCompletionStatus: %q", v)
	}
	*s = v
	return nil
}

// EscrowCompletion tracks the settlement lifecycle of one escrow.
type EscrowCompletion struct {
	ID               int64                  `json:"id"`
	ChainID          int64                  `json:"chain_id"`
	EscrowAddress    string                 `json:"escrow_address"`
	FinalResultsURL  *string                `json:"final_results_url,omitempty"`
	FinalResultsHash *string                `json:"final_results_hash,omitempty"`
	FailureDetail    *string                `json:"failure_detail,omitempty"`
	RetriesCount     int                    `json:"retries_count"`
	WaitUntil        time.Time              `json:"wait_until"`
	Status           EscrowCompletionStatus `json:"status"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// HasFinalResults reports whether final results were already computed for this escrow.
func (e *EscrowCompletion) HasFinalResults() bool {
	return e.FinalResultsURL != nil && *e.FinalResultsURL != ""
}

// CreateEscrowCompletionRequest holds the natural key and initial data of a new tracking row.
type CreateEscrowCompletionRequest struct {
	ChainID         int64
	EscrowAddress   string
	FinalResultsURL string
}

// Validate checks the request and normalises the escrow address.
func (r *CreateEscrowCompletionRequest) Validate() error {
	if r.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive, got %d", r.ChainID)
	}
	addr, err := NormalizeAddress(r.EscrowAddress)
	if err != nil {
		return fmt.Errorf("escrow_address: %w", err)
	}
	r.EscrowAddress = addr
	r.FinalResultsURL = strings.TrimSpace(r.FinalResultsURL)
	return nil
}
