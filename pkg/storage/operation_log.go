package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meredith123124/zksync/pkg/plasma"
)

// storedOperation is the operations row as persisted: the opaque JSON blob
// plus the server-assigned identity and tx metadata columns.
type storedOperation struct {
	ID          int32
	Data        json.RawMessage
	Addr        string
	Nonce       int32
	BlockNumber int32
	ActionType  string
	CreatedAt   time.Time
}

// hydrate decodes a stored row back into a domain Operation, attaching the
// tx metadata from its columns and, if the blob lacks accounts_updated,
// lazily filling it in from the update log.
func (s *Session) hydrate(ctx context.Context, row *storedOperation) (*plasma.Operation, error) {
	var op plasma.Operation
	if err := json.Unmarshal(row.Data, &op); err != nil {
		return nil, serializationErr("hydrate", fmt.Errorf("decode operation %d: %w", row.ID, err))
	}
	op.TxMeta = &plasma.TxMeta{Addr: row.Addr, Nonce: plasma.Nonce(row.Nonce)}

	if op.AccountsUpdated == nil {
		_, updates, err := s.LoadStateDiffForBlock(ctx, op.Block.BlockNumber)
		if err != nil {
			return nil, err
		}
		op.AccountsUpdated = updates
	}
	return &op, nil
}

func scanStoredOperation(row pgx.Row) (*storedOperation, error) {
	var r storedOperation
	if err := row.Scan(&r.ID, &r.Data, &r.Addr, &r.Nonce, &r.BlockNumber, &r.ActionType, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

const storedOperationColumns = `id, data, addr, nonce, block_number, action_type, created_at`

// insertOperationTx appends an operations row inside tx, assigning the next
// nonce for the signer address configured in op_config. The op_config row
// is locked for the duration of the transaction so concurrent inserts for
// the same signer serialize on nonce assignment instead of racing to the
// same value.
func insertOperationTx(ctx context.Context, tx pgx.Tx, op *plasma.Operation) (*storedOperation, error) {
	var addr string
	if err := tx.QueryRow(ctx, `SELECT addr FROM op_config FOR UPDATE`).Scan(&addr); err != nil {
		return nil, classify("insert_operation", fmt.Errorf("lock op_config: %w", err))
	}

	var nonce int32
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(max(nonce), -1) + 1 FROM operations WHERE addr = $1
	`, addr).Scan(&nonce); err != nil {
		return nil, classify("insert_operation", fmt.Errorf("compute nonce: %w", err))
	}

	data, err := json.Marshal(op)
	if err != nil {
		return nil, serializationErr("insert_operation", fmt.Errorf("marshal operation: %w", err))
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO operations (data, block_number, action_type, addr, nonce)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+storedOperationColumns, data, op.Block.BlockNumber, string(op.Action.Type), addr, nonce)
	stored, err := scanStoredOperation(row)
	if err != nil {
		return nil, classify("insert_operation", err)
	}
	return stored, nil
}

// LoadCommitOp returns the Commit operation for blockNumber.
func (s *Session) LoadCommitOp(ctx context.Context, blockNumber plasma.BlockNumber) (*plasma.Operation, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT `+storedOperationColumns+` FROM operations
		WHERE block_number = $1 AND action_type = $2
	`, blockNumber, string(plasma.ActionCommit))
	stored, err := scanStoredOperation(row)
	if err != nil {
		return nil, classify("load_commit_op", err)
	}
	return s.hydrate(ctx, stored)
}

// LoadCommittedBlock is sugar for LoadCommitOp(...).Block.
func (s *Session) LoadCommittedBlock(ctx context.Context, blockNumber plasma.BlockNumber) (*plasma.Block, error) {
	op, err := s.LoadCommitOp(ctx, blockNumber)
	if err != nil {
		return nil, err
	}
	return &op.Block, nil
}

// LoadUnsentOps returns every operation with nonce >= currentNonce, in
// insertion order.
func (s *Session) LoadUnsentOps(ctx context.Context, currentNonce plasma.Nonce) ([]*plasma.Operation, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+storedOperationColumns+` FROM operations
		WHERE nonce >= $1 ORDER BY id
	`, currentNonce)
	if err != nil {
		return nil, classify("load_unsent_ops", err)
	}
	defer rows.Close()
	return s.hydrateRows(ctx, rows, "load_unsent_ops")
}

// LoadUnverifiedCommitments returns every Commit operation whose block
// number strictly exceeds the highest verified block.
func (s *Session) LoadUnverifiedCommitments(ctx context.Context) ([]*plasma.Operation, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+storedOperationColumns+` FROM operations
		WHERE action_type = $1
		AND block_number > (
			SELECT COALESCE(max(block_number), 0) FROM operations WHERE action_type = $2
		)
		ORDER BY id
	`, string(plasma.ActionCommit), string(plasma.ActionVerify))
	if err != nil {
		return nil, classify("load_unverified_commitments", err)
	}
	defer rows.Close()
	return s.hydrateRows(ctx, rows, "load_unverified_commitments")
}

func (s *Session) hydrateRows(ctx context.Context, rows pgx.Rows, op string) ([]*plasma.Operation, error) {
	var stored []*storedOperation
	for rows.Next() {
		r, err := scanStoredOperation(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		stored = append(stored, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	ops := make([]*plasma.Operation, 0, len(stored))
	for _, r := range stored {
		hydrated, err := s.hydrate(ctx, r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, hydrated)
	}
	return ops, nil
}

func (s *Session) maxBlockNumber(ctx context.Context, op, actionType string) (plasma.BlockNumber, error) {
	var n int32
	err := s.conn.QueryRow(ctx, `
		SELECT COALESCE(max(block_number), 0) FROM operations WHERE action_type = $1
	`, actionType).Scan(&n)
	if err != nil {
		return 0, classify(op, err)
	}
	return plasma.BlockNumber(n), nil
}

// GetLastCommittedBlock returns the highest Commit block number, 0 if none.
func (s *Session) GetLastCommittedBlock(ctx context.Context) (plasma.BlockNumber, error) {
	return s.maxBlockNumber(ctx, "get_last_committed_block", string(plasma.ActionCommit))
}

// GetLastVerifiedBlock returns the highest Verify block number, 0 if none.
func (s *Session) GetLastVerifiedBlock(ctx context.Context) (plasma.BlockNumber, error) {
	return s.maxBlockNumber(ctx, "get_last_verified_block", string(plasma.ActionVerify))
}

func (s *Session) lastCommittedBatch(ctx context.Context, op string, blockDataType plasma.BlockDataType) (int32, error) {
	var n int32
	err := s.conn.QueryRow(ctx, `
		SELECT COALESCE(max((data->'block'->'block_data'->>'batch_number')::int), -1)
		FROM operations
		WHERE data->'action'->>'type' = $1
		AND data->'block'->'block_data'->>'type' = $2
	`, string(plasma.ActionCommit), string(blockDataType)).Scan(&n)
	if err != nil {
		return 0, classify(op, err)
	}
	return n, nil
}

// LoadLastCommittedDepositBatch returns the highest Deposit batch number
// among committed operations, or -1 if none exist.
func (s *Session) LoadLastCommittedDepositBatch(ctx context.Context) (int32, error) {
	return s.lastCommittedBatch(ctx, "load_last_committed_deposit_batch", plasma.BlockDataDeposit)
}

// LoadLastCommittedExitBatch returns the highest Exit batch number among
// committed operations, or -1 if none exist.
func (s *Session) LoadLastCommittedExitBatch(ctx context.Context) (int32, error) {
	return s.lastCommittedBatch(ctx, "load_last_committed_exit_batch", plasma.BlockDataExit)
}

// UpdateOpConfig sets op_config.addr and sets op_config.next_nonce to the
// greater of the highest nonce recorded in operations for addr (0 if none)
// and nonce, so a lower nonce cannot take next_nonce below that recorded
// maximum. The previous next_nonce value is not part of the comparison.
func (s *Session) UpdateOpConfig(ctx context.Context, addr string, nonce plasma.Nonce) error {
	_, err := s.conn.Exec(ctx, `
		UPDATE op_config SET addr = $1, next_nonce = GREATEST(
			COALESCE((SELECT max(nonce) FROM operations WHERE addr = $1), 0),
			$2
		)
	`, addr, nonce)
	if err != nil {
		return classify("update_op_config", err)
	}
	return nil
}
