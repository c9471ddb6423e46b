package chain

import (
	"errors"
	"strings"

	"github.com/target/escrow-settlement/internal/core"
)

var errMalformedReturn = errors.New("malformed contract return")

// Node error fragments that mean the nonce is already taken by a known transaction.
var nonceConsumedMarkers = []string{
	"nonce too low",
	"already known",
	"known transaction",
}

var revertMarkers = []string{
	"execution reverted",
	"invalid opcode",
}

func classifyCallError(op string, err error) error {
	if errors.Is(err, errMalformedReturn) || containsAny(err, revertMarkers) {
		return core.NewChainError(core.ChainErrorPermanent, op, err)
	}
	return core.NewChainError(core.ChainErrorTransient, op, err)
}

func classifySendError(op string, err error) error {
	switch {
	case containsAny(err, nonceConsumedMarkers):
		return core.NewChainError(core.ChainErrorNonceConsumed, op, err)
	case containsAny(err, revertMarkers):
		return core.NewChainError(core.ChainErrorPermanent, op, err)
	default:
		return core.NewChainError(core.ChainErrorTransient, op, err)
	}
}

func containsAny(err error, markers []string) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
