package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/escrow-settlement/internal/domain/model"
)

func TestProcessRows_SkippedRowsKeepTheirID(t *testing.T) {
	rows := []*model.EscrowCompletion{{ID: 11}, {ID: 12}, {ID: 13}}
	rowID := func(row *model.EscrowCompletion) int64 { return row.ID }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	outcomes := processRows(ctx, rows, 2, rowID, func(context.Context, *model.EscrowCompletion) Outcome {
		called = true
		return Outcome{}
	})

	assert.False(t, called)
	require.Len(t, outcomes, 3)
	for i, o := range outcomes {
		assert.Equal(t, OutcomeSkipped, o.Kind)
		assert.Equal(t, rows[i].ID, o.ID)
		assert.ErrorIs(t, o.Err, context.Canceled)
	}
}

func TestProcessRows_PreservesRowOrder(t *testing.T) {
	rows := []*model.EscrowCompletion{{ID: 3}, {ID: 1}, {ID: 2}}
	rowID := func(row *model.EscrowCompletion) int64 { return row.ID }

	outcomes := processRows(context.Background(), rows, 3, rowID, func(_ context.Context, row *model.EscrowCompletion) Outcome {
		return Outcome{ID: row.ID, Kind: OutcomePaid}
	})

	require.Len(t, outcomes, 3)
	for i, o := range outcomes {
		assert.Equal(t, rows[i].ID, o.ID)
		assert.Equal(t, OutcomePaid, o.Kind)
	}
}
