package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meredith123124/zksync/pkg/plasma"
)

// ExecuteOperation runs op in a single transaction: it mutates the Account
// Store as the action requires, appends the operation row, and returns the
// stored operation hydrated with its assigned tx metadata. A failure at any
// step leaves no account update, no snapshot mutation and no operation row.
func (s *Session) ExecuteOperation(ctx context.Context, op *plasma.Operation) (*plasma.Operation, error) {
	s.log.Debug("storage: executing operation", "action", op.Action.Type, "block", op.Block.BlockNumber)

	var stored *storedOperation
	err := s.withTx(ctx, "execute_operation", func(ctx context.Context, tx pgx.Tx) error {
		switch op.Action.Type {
		case plasma.ActionCommit:
			if op.AccountsUpdated == nil {
				return persistenceViolation("execute_operation",
					fmt.Errorf("commit at block %d missing accounts_updated", op.Block.BlockNumber))
			}
			if err := commitStateUpdateTx(ctx, tx, op.Block.BlockNumber, op.AccountsUpdated); err != nil {
				return err
			}
		case plasma.ActionVerify:
			if err := applyStateUpdateTx(ctx, tx, op.Block.BlockNumber); err != nil {
				return err
			}
		default:
			return persistenceViolation("execute_operation", fmt.Errorf("unknown action %q", op.Action.Type))
		}

		so, err := insertOperationTx(ctx, tx, op)
		if err != nil {
			return err
		}
		stored = so
		return nil
	})
	if err != nil {
		s.log.Error("storage: execute operation failed", "action", op.Action.Type, "block", op.Block.BlockNumber, "error", err)
		return nil, err
	}

	return s.hydrate(ctx, stored)
}
