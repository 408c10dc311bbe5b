package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meredith123124/zksync/pkg/plasma"
)

func depositBlock(blockNumber plasma.BlockNumber, batchNumber int32) plasma.Block {
	return plasma.Block{
		BlockNumber: blockNumber,
		NewRootHash: "0x0",
		BlockData: plasma.BlockData{
			Type:        plasma.BlockDataDeposit,
			BatchNumber: batchNumber,
		},
	}
}

func exitBlock(blockNumber plasma.BlockNumber, batchNumber int32) plasma.Block {
	b := depositBlock(blockNumber, batchNumber)
	b.BlockData.Type = plasma.BlockDataExit
	return b
}

func commitOp(block plasma.Block, accounts plasma.AccountMap) *plasma.Operation {
	return &plasma.Operation{
		Action:          plasma.Action{Type: plasma.ActionCommit},
		Block:           block,
		AccountsUpdated: accounts,
	}
}

func verifyOp(block plasma.Block) *plasma.Operation {
	proof := plasma.EncodedProof{}
	return &plasma.Operation{
		Action: plasma.Action{Type: plasma.ActionVerify, Proof: &proof},
		Block:  block,
	}
}

func TestExecuteOperation_CommitThenVerify(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	require.NoError(t, s.UpdateOpConfig(ctx, "0x0", 0))

	accounts := plasma.AccountMap{
		3: acct(1),
		5: acct(2),
		7: acct(3),
		8: acct(4),
	}

	_, err := s.ExecuteOperation(ctx, commitOp(depositBlock(1, 0), accounts))
	require.NoError(t, err)

	_, ok, err := s.LastVerifiedStateForAccount(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	committed, ok, err := s.LastCommittedStateForAccount(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, committed.Balance.Equal(acct(2).Balance))

	_, err = s.ExecuteOperation(ctx, verifyOp(depositBlock(1, 0)))
	require.NoError(t, err)

	verified, ok, err := s.LastVerifiedStateForAccount(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, verified.Balance.Equal(acct(3).Balance))

	pending, err := s.LoadUnsentOps(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.EqualValues(t, 0, pending[0].TxMeta.Nonce)
	assert.EqualValues(t, 1, pending[1].TxMeta.Nonce)

	pending, err = s.LoadUnsentOps(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.EqualValues(t, 1, pending[0].TxMeta.Nonce)

	pending, err = s.LoadUnsentOps(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExecuteOperation_UnverifiedCommitments(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	require.NoError(t, s.UpdateOpConfig(ctx, "0x0", 0))

	_, err := s.ExecuteOperation(ctx, commitOp(depositBlock(1, 1), plasma.AccountMap{}))
	require.NoError(t, err)

	pending, err := s.LoadUnverifiedCommitments(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = s.ExecuteOperation(ctx, verifyOp(depositBlock(1, 1)))
	require.NoError(t, err)

	pending, err = s.LoadUnverifiedCommitments(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExecuteOperation_CommitRequiresAccountsUpdated(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	require.NoError(t, s.UpdateOpConfig(ctx, "0x0", 0))

	op := &plasma.Operation{
		Action: plasma.Action{Type: plasma.ActionCommit},
		Block:  depositBlock(1, 0),
	}
	_, err := s.ExecuteOperation(ctx, op)
	require.Error(t, err)

	// The failed commit must not have left a partial operation row behind.
	_, err = s.LoadCommitOp(ctx, 1)
	assert.True(t, IsNotFound(err))
}

func TestFreshDatabase_Helpers(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	last, err := s.GetLastCommittedBlock(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, last)

	last, err = s.GetLastVerifiedBlock(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, last)

	batch, err := s.LoadLastCommittedDepositBatch(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, -1, batch)

	batch, err = s.LoadLastCommittedExitBatch(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, -1, batch)
}

func TestExecuteOperation_BatchHelpers(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	require.NoError(t, s.UpdateOpConfig(ctx, "0x0", 0))

	_, err := s.ExecuteOperation(ctx, commitOp(depositBlock(1, 3), plasma.AccountMap{}))
	require.NoError(t, err)

	batch, err := s.LoadLastCommittedDepositBatch(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, batch)

	_, err = s.ExecuteOperation(ctx, commitOp(exitBlock(1, 2), plasma.AccountMap{}))
	require.NoError(t, err)

	batch, err = s.LoadLastCommittedExitBatch(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, batch)
}
