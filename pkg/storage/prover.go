package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meredith123124/zksync/pkg/plasma"
)

// FetchProverJob leases the next unproven committed block to worker. The
// candidate selection and the lease insert run inside one transaction that
// first takes an exclusive lock on prover_runs, so concurrent workers
// calling this at once serialize on job dispatch and exactly one wins a
// given block. Returns (0, false, nil) when there is no job to hand out.
func (s *Session) FetchProverJob(ctx context.Context, worker string, timeout time.Duration) (plasma.BlockNumber, bool, error) {
	var job plasma.BlockNumber
	var found bool

	err := s.withTx(ctx, "fetch_prover_job", func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE prover_runs IN EXCLUSIVE MODE`); err != nil {
			return classify("fetch_prover_job", err)
		}

		var candidate *int32
		row := tx.QueryRow(ctx, `
			SELECT min(o.block_number)
			FROM operations o
			WHERE o.action_type = $1
			AND o.block_number > (
				SELECT COALESCE(max(block_number), 0) FROM operations WHERE action_type = $2
			)
			AND NOT EXISTS (SELECT 1 FROM proofs WHERE block_number = o.block_number)
			AND NOT EXISTS (
				SELECT 1 FROM prover_runs
				WHERE block_number = o.block_number
				AND (now() - created_at) < ($3 || ' seconds')::interval
			)
		`, string(plasma.ActionCommit), string(plasma.ActionVerify), fmt.Sprintf("%d", int(timeout.Seconds())))
		if err := row.Scan(&candidate); err != nil {
			return classify("fetch_prover_job", err)
		}
		if candidate == nil {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO prover_runs (block_number, worker) VALUES ($1, $2)
		`, *candidate, worker); err != nil {
			return classify("fetch_prover_job", err)
		}

		job = plasma.BlockNumber(*candidate)
		found = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return job, found, nil
}

// StoreProof inserts the proof for blockNumber. No deduplication beyond the
// primary key: a second call for the same block fails with a backend error
// from the unique-violation.
func (s *Session) StoreProof(ctx context.Context, blockNumber plasma.BlockNumber, proof plasma.EncodedProof) error {
	data, err := json.Marshal(proof)
	if err != nil {
		return serializationErr("store_proof", err)
	}
	_, execErr := s.conn.Exec(ctx, `
		INSERT INTO proofs (block_number, proof) VALUES ($1, $2)
	`, blockNumber, data)
	if execErr != nil {
		return classify("store_proof", execErr)
	}
	return nil
}

// LoadProof returns the proof stored for blockNumber.
func (s *Session) LoadProof(ctx context.Context, blockNumber plasma.BlockNumber) (plasma.EncodedProof, error) {
	var data json.RawMessage
	err := s.conn.QueryRow(ctx, `
		SELECT proof FROM proofs WHERE block_number = $1
	`, blockNumber).Scan(&data)
	if err != nil {
		return plasma.EncodedProof{}, classify("load_proof", err)
	}
	var proof plasma.EncodedProof
	if err := json.Unmarshal(data, &proof); err != nil {
		return plasma.EncodedProof{}, serializationErr("load_proof", err)
	}
	return proof, nil
}

// ProverRun is one historical lease record, returned for operational
// visibility into which workers have claimed which blocks and when.
type ProverRun struct {
	BlockNumber plasma.BlockNumber
	Worker      string
	CreatedAt   time.Time
}

// ListRecentProverRuns returns up to limit of the most recent prover_run
// rows, newest first.
func (s *Session) ListRecentProverRuns(ctx context.Context, limit int) ([]ProverRun, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT block_number, worker, created_at FROM prover_runs
		ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, classify("list_recent_prover_runs", err)
	}
	defer rows.Close()

	var runs []ProverRun
	for rows.Next() {
		var r ProverRun
		var blockNumber int32
		if err := rows.Scan(&blockNumber, &r.Worker, &r.CreatedAt); err != nil {
			return nil, classify("list_recent_prover_runs", err)
		}
		r.BlockNumber = plasma.BlockNumber(blockNumber)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_recent_prover_runs", err)
	}
	return runs, nil
}
