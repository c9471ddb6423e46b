package data

import (
	"errors"

	"github.com/target/escrow-settlement/internal/core"
)

// Shared sentinel errors for data-layer repositories.
var (
	// ErrStaleTransition aliases core.ErrStaleTransition for callers that only import data.
	ErrStaleTransition = core.ErrStaleTransition
	// ErrLockLost aliases core.ErrLockLost.
	ErrLockLost = core.ErrLockLost

	ErrLimitRequired   = errors.New("limit must be positive")
	ErrNonceOutOfRange = errors.New("nonce exceeds BIGINT range")
)
