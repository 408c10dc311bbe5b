package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meredith123124/zksync/pkg/plasma"
)

// CommitStateUpdate appends one account_update row per entry in accounts
// for blockNumber. Must be called inside a transaction opened by the
// Executor when part of executing a Commit operation; callable standalone
// (its own transaction) for tests and tooling.
func (s *Session) CommitStateUpdate(ctx context.Context, blockNumber plasma.BlockNumber, accounts plasma.AccountMap) error {
	return s.withTx(ctx, "commit_state_update", func(ctx context.Context, tx pgx.Tx) error {
		return commitStateUpdateTx(ctx, tx, blockNumber, accounts)
	})
}

func commitStateUpdateTx(ctx context.Context, tx pgx.Tx, blockNumber plasma.BlockNumber, accounts plasma.AccountMap) error {
	for id, acc := range accounts {
		data, err := json.Marshal(acc)
		if err != nil {
			return serializationErr("commit_state_update", fmt.Errorf("marshal account %d: %w", id, err))
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO account_updates (account_id, block_number, data)
			VALUES ($1, $2, $3)
		`, id, blockNumber, data)
		if err != nil {
			return classify("commit_state_update", err)
		}
		if tag.RowsAffected() == 0 {
			return persistenceViolation("commit_state_update",
				fmt.Errorf("insert affected zero rows for account %d at block %d", id, blockNumber))
		}
	}
	return nil
}

// ApplyStateUpdate upserts every account touched at blockNumber into the
// verified snapshot. Idempotent for a given block.
func (s *Session) ApplyStateUpdate(ctx context.Context, blockNumber plasma.BlockNumber) error {
	return s.withTx(ctx, "apply_state_update", func(ctx context.Context, tx pgx.Tx) error {
		return applyStateUpdateTx(ctx, tx, blockNumber)
	})
}

func applyStateUpdateTx(ctx context.Context, tx pgx.Tx, blockNumber plasma.BlockNumber) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO accounts (id, last_block, data)
		SELECT account_id, block_number, data
		FROM account_updates
		WHERE account_updates.block_number = $1
		ON CONFLICT (id) DO UPDATE
		SET data = EXCLUDED.data, last_block = EXCLUDED.last_block
	`, blockNumber)
	if err != nil {
		return classify("apply_state_update", err)
	}
	return nil
}

type accountRow struct {
	ID        int32
	LastBlock int32
	Data      json.RawMessage
}

// loadState runs query (which must select id, last_block, data) and decodes
// the result into an AccountMap plus the max last_block seen (0 if empty).
func (s *Session) loadState(ctx context.Context, op, query string, args ...any) (plasma.BlockNumber, plasma.AccountMap, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return 0, nil, classify(op, err)
	}
	defer rows.Close()

	result := make(plasma.AccountMap)
	var lastBlock int32
	for rows.Next() {
		var r accountRow
		if err := rows.Scan(&r.ID, &r.LastBlock, &r.Data); err != nil {
			return 0, nil, classify(op, err)
		}
		var acc plasma.Account
		if err := json.Unmarshal(r.Data, &acc); err != nil {
			return 0, nil, serializationErr(op, fmt.Errorf("decode account %d: %w", r.ID, err))
		}
		result[plasma.AccountID(r.ID)] = acc
		if r.LastBlock > lastBlock {
			lastBlock = r.LastBlock
		}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, classify(op, err)
	}
	return plasma.BlockNumber(lastBlock), result, nil
}

// LoadVerifiedState returns the materialized snapshot of all verified
// accounts.
func (s *Session) LoadVerifiedState(ctx context.Context) (plasma.BlockNumber, plasma.AccountMap, error) {
	return s.loadState(ctx, "load_verified_state", `SELECT id, last_block, data FROM accounts`)
}

// LoadCommittedState overlays unapplied account_updates above the snapshot
// frontier onto the verified snapshot. For each account touched past the
// frontier, a correlated subquery picks that account's true latest update;
// a single ungrouped max(block_number) over the whole update set would mix
// rows from different accounts together and pick the wrong data for most
// of them.
const loadCommittedStateSQL = `
WITH frontier AS (
	SELECT COALESCE(max(last_block), 0) AS last_block FROM accounts
),
candidates AS (
	SELECT DISTINCT au.account_id AS id
	FROM account_updates au, frontier
	WHERE au.block_number > frontier.last_block
),
upd AS (
	SELECT
		c.id,
		(SELECT au.block_number FROM account_updates au
		 WHERE au.account_id = c.id ORDER BY au.block_number DESC LIMIT 1) AS last_block,
		(SELECT au.data FROM account_updates au
		 WHERE au.account_id = c.id ORDER BY au.block_number DESC LIMIT 1) AS data
	FROM candidates c
)
SELECT COALESCE(u.id, a.id) AS id,
       COALESCE(u.last_block, a.last_block) AS last_block,
       COALESCE(u.data, a.data) AS data
FROM upd u
FULL JOIN accounts a ON a.id = u.id
ORDER BY id
`

func (s *Session) LoadCommittedState(ctx context.Context) (plasma.BlockNumber, plasma.AccountMap, error) {
	return s.loadState(ctx, "load_committed_state", loadCommittedStateSQL)
}

// LoadStateDiff returns the accounts changed over the half-open interval
// [min(from,to), max(from,to)), valued as of `to` (I.e. the latest update
// strictly before `to`), regardless of argument order.
const loadStateDiffSQL = `
WITH candidates AS (
	SELECT DISTINCT account_id AS id
	FROM account_updates
	WHERE block_number >= $1 AND block_number < $2
),
upd AS (
	SELECT
		c.id,
		(SELECT au.block_number FROM account_updates au
		 WHERE au.account_id = c.id AND au.block_number < $3
		 ORDER BY au.block_number DESC LIMIT 1) AS last_block,
		(SELECT au.data FROM account_updates au
		 WHERE au.account_id = c.id AND au.block_number < $3
		 ORDER BY au.block_number DESC LIMIT 1) AS data
	FROM candidates c
)
SELECT id, last_block, data FROM upd WHERE last_block IS NOT NULL ORDER BY id
`

func (s *Session) LoadStateDiff(ctx context.Context, from, to plasma.BlockNumber) (plasma.BlockNumber, plasma.AccountMap, error) {
	start, end := from, to
	if start > end {
		start, end = end, start
	}
	return s.loadState(ctx, "load_state_diff", loadStateDiffSQL, start, end, to)
}

// LoadStateDiffForBlock is sugar for LoadStateDiff(n-1, n).
func (s *Session) LoadStateDiffForBlock(ctx context.Context, n plasma.BlockNumber) (plasma.BlockNumber, plasma.AccountMap, error) {
	var from plasma.BlockNumber
	if n > 0 {
		from = n - 1
	}
	return s.LoadStateDiff(ctx, from, n)
}

// LastCommittedStateForAccount returns the most recent account_update row
// for id, or (Account{}, false, nil) if none exists.
func (s *Session) LastCommittedStateForAccount(ctx context.Context, id plasma.AccountID) (plasma.Account, bool, error) {
	var data json.RawMessage
	err := s.conn.QueryRow(ctx, `
		SELECT data FROM account_updates WHERE account_id = $1
		ORDER BY block_number DESC LIMIT 1
	`, id).Scan(&data)
	if err != nil {
		if IsNotFound(classify("last_committed_state_for_account", err)) {
			return plasma.Account{}, false, nil
		}
		return plasma.Account{}, false, classify("last_committed_state_for_account", err)
	}
	var acc plasma.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return plasma.Account{}, false, serializationErr("last_committed_state_for_account", err)
	}
	return acc, true, nil
}

// LastVerifiedStateForAccount returns the snapshot row for id, or
// (Account{}, false, nil) if none exists.
func (s *Session) LastVerifiedStateForAccount(ctx context.Context, id plasma.AccountID) (plasma.Account, bool, error) {
	var data json.RawMessage
	err := s.conn.QueryRow(ctx, `SELECT data FROM accounts WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if IsNotFound(classify("last_verified_state_for_account", err)) {
			return plasma.Account{}, false, nil
		}
		return plasma.Account{}, false, classify("last_verified_state_for_account", err)
	}
	var acc plasma.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return plasma.Account{}, false, serializationErr("last_verified_state_for_account", err)
	}
	return acc, true, nil
}
