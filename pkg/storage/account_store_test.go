package storage

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meredith123124/zksync/pkg/plasma"
)

func acct(balance int64) plasma.Account {
	return plasma.Account{Balance: decimal.NewFromInt(balance)}
}

func TestAccountStore_CommitAndApply(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	accounts := plasma.AccountMap{
		1: acct(1),
		2: acct(2),
		3: acct(3),
	}
	require.NoError(t, s.CommitStateUpdate(ctx, 1, accounts))

	_, verified, err := s.LoadVerifiedState(ctx)
	require.NoError(t, err)
	assert.Empty(t, verified, "nothing is verified before apply_state_update runs")

	lastBlock, committed, err := s.LoadCommittedState(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, lastBlock)
	assert.Equal(t, accounts, committed)

	require.NoError(t, s.ApplyStateUpdate(ctx, 1))

	_, verified, err = s.LoadVerifiedState(ctx)
	require.NoError(t, err)
	assert.Equal(t, accounts, verified)

	_, diff, err := s.LoadStateDiff(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, acct(2), diff[2])

	_, reverse, err := s.LoadStateDiff(ctx, 2, 1)
	require.NoError(t, err)
	assert.Empty(t, reverse)

	second := plasma.AccountMap{
		2: acct(23),
		4: acct(4),
	}
	require.NoError(t, s.CommitStateUpdate(ctx, 2, second))

	_, verified, err = s.LoadVerifiedState(ctx)
	require.NoError(t, err)
	assert.Len(t, verified, 3)

	_, committed, err = s.LoadCommittedState(ctx)
	require.NoError(t, err)
	assert.Len(t, committed, 4)

	_, diff, err = s.LoadStateDiff(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, acct(2), diff[2])

	_, diff, err = s.LoadStateDiff(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, acct(23), diff[2])

	_, diff, err = s.LoadStateDiff(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, acct(23), diff[2])

	_, reverse, err = s.LoadStateDiff(ctx, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, acct(2), reverse[2])
}

func TestAccountStore_CommitStateUpdate_RejectsDuplicateBlock(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	accounts := plasma.AccountMap{1: acct(1)}
	require.NoError(t, s.CommitStateUpdate(ctx, 1, accounts))

	// account_updates is unique on (account_id, block_number); committing
	// the same account at the same block again must fail, not silently
	// succeed.
	err := s.CommitStateUpdate(ctx, 1, accounts)
	require.Error(t, err)
}

func TestAccountStore_Helpers_EmptyState(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	_, ok, err := s.LastCommittedStateForAccount(ctx, 9999)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.LastVerifiedStateForAccount(ctx, 9999)
	require.NoError(t, err)
	assert.False(t, ok)
}
