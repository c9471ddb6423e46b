package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChainErrorClassification(t *testing.T) {
	base := errors.New("boom")
	permanent := NewChainError(ChainErrorPermanent, "bulkPayOut", base)
	wrapped := fmt.Errorf("submit payouts: %w", permanent)

	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsNonceConsumed(wrapped))
	assert.ErrorIs(t, wrapped, base)

	assert.True(t, IsNonceConsumed(NewChainError(ChainErrorNonceConsumed, "send", nil)))
	assert.True(t, IsNotFinal(NewChainError(ChainErrorNotFinal, "complete", nil)))
	assert.False(t, IsPermanent(NewChainError(ChainErrorTransient, "rpc", base)))
	assert.False(t, IsPermanent(base))
	assert.False(t, IsPermanent(nil))
}

func TestChainError_Error(t *testing.T) {
	assert.Equal(t, "chain complete: not_final", NewChainError(ChainErrorNotFinal, "complete", nil).Error())
	assert.Equal(t, "chain rpc (transient): boom", NewChainError(ChainErrorTransient, "rpc", errors.New("boom")).Error())
}
