package model

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// Payout is a single transfer of Amount (decimal token units) to Address.
type Payout struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// Validate normalises the address and checks the amount is a non-negative decimal.
func (p *Payout) Validate() error {
	addr, err := NormalizeAddress(p.Address)
	if err != nil {
		return fmt.Errorf("payout address %q: %w", p.Address, err)
	}
	p.Address = addr
	p.Amount = strings.TrimSpace(p.Amount)
	if _, err := ParseAmount(p.Amount); err != nil {
		return fmt.Errorf("payout amount %q: %w", p.Amount, err)
	}
	return nil
}

// ErrInvalidAmount is returned for amounts that are not non-negative decimals.
var ErrInvalidAmount = errors.New("invalid amount")

// Plain decimal notation only: no sign, fraction, exponent or base prefix.
var reDecimalAmount = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseAmount parses a non-negative decimal amount such as "12" or "0.25".
func ParseAmount(s string) (*big.Rat, error) {
	s = strings.TrimSpace(s)
	if !reDecimalAmount.MatchString(s) {
		return nil, ErrInvalidAmount
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, ErrInvalidAmount
	}
	return r, nil
}

// EscrowPayoutsBatch is an immutable, content-addressed payout set for one completion.
type EscrowPayoutsBatch struct {
	ID                 int64     `json:"id"`
	EscrowCompletionID int64     `json:"escrow_completion_tracking_id"`
	Payouts            []Payout  `json:"payouts"`
	PayoutsHash        string    `json:"payouts_hash"`
	TxNonce            *uint64   `json:"tx_nonce,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Submitted reports whether a transaction nonce was recorded for the batch.
func (b *EscrowPayoutsBatch) Submitted() bool {
	return b.TxNonce != nil
}

// FinalResults is what the chain client returns for a completed escrow.
type FinalResults struct {
	URL     string
	Hash    string
	Payouts []Payout
}

// EscrowFinalization describes the complete() call for an escrow whose payout
// batches have all been broadcast.
type EscrowFinalization struct {
	ChainID       int64
	EscrowAddress string
	// PayoutNonces are the nonces of every bulk payout sent for the escrow.
	PayoutNonces []uint64
}

// PayoutSubmission describes one on-chain bulk payout call.
type PayoutSubmission struct {
	ChainID          int64
	EscrowAddress    string
	Payouts          []Payout
	FinalResultsURL  string
	FinalResultsHash string
	// Nonce is the transaction nonce reserved and persisted before broadcast.
	Nonce uint64
	// BatchID is sent as the on-chain transaction id for traceability.
	BatchID int64
}
