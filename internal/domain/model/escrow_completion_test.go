package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscrowCompletionStatus_Transitions(t *testing.T) {
	tests := []struct {
		from EscrowCompletionStatus
		to   EscrowCompletionStatus
		ok   bool
	}{
		{EscrowCompletionStatusPending, EscrowCompletionStatusPaid, true},
		{EscrowCompletionStatusPending, EscrowCompletionStatusFailed, true},
		{EscrowCompletionStatusPaid, EscrowCompletionStatusCompleted, true},
		{EscrowCompletionStatusPaid, EscrowCompletionStatusFailed, true},
		{EscrowCompletionStatusPending, EscrowCompletionStatusCompleted, false},
		{EscrowCompletionStatusPaid, EscrowCompletionStatusPending, false},
		{EscrowCompletionStatusCompleted, EscrowCompletionStatusFailed, false},
		{EscrowCompletionStatusFailed, EscrowCompletionStatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
			err := tt.from.ValidateTransition(tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
			}
		})
	}
}

func TestEscrowCompletionStatus_Terminal(t *testing.T) {
	assert.False(t, EscrowCompletionStatusPending.Terminal())
	assert.False(t, EscrowCompletionStatusPaid.Terminal())
	assert.True(t, EscrowCompletionStatusCompleted.Terminal())
	assert.True(t, EscrowCompletionStatusFailed.Terminal())
}

func TestEscrowCompletionStatus_UnmarshalText(t *testing.T) {
	var s EscrowCompletionStatus
	require.NoError(t, s.UnmarshalText([]byte(" PAID ")))
	assert.Equal(t, EscrowCompletionStatusPaid, s)
	assert.Error(t, s.UnmarshalText([]byte("cancelled")))
}

func TestCreateEscrowCompletionRequest_Validate(t *testing.T) {
	req := CreateEscrowCompletionRequest{
		ChainID:       80002,
		EscrowAddress: "0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD",
	}
	require.NoError(t, req.Validate())
	assert.Equal(t, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", req.EscrowAddress)

	bad := CreateEscrowCompletionRequest{ChainID: 0, EscrowAddress: req.EscrowAddress}
	assert.Error(t, bad.Validate())

	bad = CreateEscrowCompletionRequest{ChainID: 1, EscrowAddress: "0x1234"}
	err := bad.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestEscrowCompletion_HasFinalResults(t *testing.T) {
	e := EscrowCompletion{}
	assert.False(t, e.HasFinalResults())
	empty := ""
	e.FinalResultsURL = &empty
	assert.False(t, e.HasFinalResults())
	url := "https://storage.example.com/1/0xabc/final-results.json"
	e.FinalResultsURL = &url
	assert.True(t, e.HasFinalResults())
}
