package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cvmnode/cvmnode/internal/hash"
	"github.com/cvmnode/cvmnode/internal/nodeerr"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS state_entries (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS state_roots (
	id         BIGSERIAL PRIMARY KEY,
	root_hash  TEXT NOT NULL,
	tx_id      TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS state_diffs (
	id             BIGSERIAL PRIMARY KEY,
	log_index      BIGINT NOT NULL UNIQUE,
	prev_root_hash TEXT NOT NULL,
	new_root_hash  TEXT NOT NULL,
	tx_id          TEXT,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS state_operations (
	id      BIGSERIAL PRIMARY KEY,
	diff_id BIGINT NOT NULL REFERENCES state_diffs(id),
	op_type TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT
);
`

// postgresStore is the Store backend for state.db_type = "postgres",
// built the way the teacher's state-integrity verifier talks to
// Postgres (pgx.Connect/Query, FieldDescriptions/Values row scanning),
// pooled here since the state store serves concurrent readers.
type postgresStore struct {
	pool *pgxpool.Pool
}

func openPostgres(connStr string) (Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("statestore: connect postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("statestore: migrate postgres: %w", err)
	}

	return &postgresStore{pool: pool}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Apply(ctx context.Context, txID string, logIndex uint64, ops []StateOp) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if existingRoot, ok, err := rootForLogIndexPg(ctx, tx, logIndex); err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "check log index", err)
	} else if ok {
		return existingRoot, nil
	}

	prevRoot, err := currentRootPg(ctx, tx)
	if err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "read previous root", err)
	}

	for _, op := range ops {
		switch op.Type {
		case OpInsert:
			if _, err := tx.Exec(ctx,
				`INSERT INTO state_entries(key, value) VALUES ($1, $2)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				op.Key, op.Value); err != nil {
				return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "apply insert op for key "+op.Key, err)
			}
		case OpDelete:
			if _, err := tx.Exec(ctx, `DELETE FROM state_entries WHERE key = $1`, op.Key); err != nil {
				return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "apply delete op for key "+op.Key, err)
			}
		default:
			return "", nodeerr.New(nodeerr.StateApplyFailed, "unknown op type: "+string(op.Type))
		}
	}

	entries, err := scanEntriesPg(ctx, tx, "")
	if err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "scan entries for root", err)
	}
	newRoot := hash.RootOverEntries(toHashEntries(entries))

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO state_roots(root_hash, tx_id, created_at) VALUES ($1, $2, $3)`,
		newRoot, txID, now); err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "record new root", err)
	}

	var diffID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO state_diffs(log_index, prev_root_hash, new_root_hash, tx_id, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		logIndex, prevRoot, newRoot, txID, now).Scan(&diffID)
	if err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "record diff", err)
	}

	for _, op := range ops {
		if _, err := tx.Exec(ctx,
			`INSERT INTO state_operations(diff_id, op_type, key, value) VALUES ($1, $2, $3, $4)`,
			diffID, string(op.Type), op.Key, op.Value); err != nil {
			return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "record operation for key "+op.Key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "commit diff", err)
	}

	return newRoot, nil
}

func rootForLogIndexPg(ctx context.Context, tx pgx.Tx, logIndex uint64) (string, bool, error) {
	var root string
	err := tx.QueryRow(ctx, `SELECT new_root_hash FROM state_diffs WHERE log_index = $1`, logIndex).Scan(&root)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return root, true, nil
}

func currentRootPg(ctx context.Context, tx pgx.Tx) (string, error) {
	var root string
	err := tx.QueryRow(ctx, `SELECT new_root_hash FROM state_diffs ORDER BY id DESC LIMIT 1`).Scan(&root)
	if err == pgx.ErrNoRows {
		return hash.RootOverEntries(nil), nil
	}
	if err != nil {
		return "", err
	}
	return root, nil
}

func scanEntriesPg(ctx context.Context, tx pgx.Tx, prefix string) (map[string]string, error) {
	rows, err := tx.Query(ctx, `SELECT key, value FROM state_entries ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		k, _ := values[0].(string)
		v, _ := values[1].(string)
		if prefix == "" || hasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, rows.Err()
}

func (s *postgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM state_entries WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("statestore: get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *postgresStore) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM state_entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("statestore: scan %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		k, _ := values[0].(string)
		v, _ := values[1].(string)
		if prefix == "" || hasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, rows.Err()
}

func (s *postgresStore) Root(ctx context.Context) (string, error) {
	var root string
	err := s.pool.QueryRow(ctx, `SELECT new_root_hash FROM state_diffs ORDER BY id DESC LIMIT 1`).Scan(&root)
	if err == pgx.ErrNoRows {
		return hash.RootOverEntries(nil), nil
	}
	if err != nil {
		return "", fmt.Errorf("statestore: root: %w", err)
	}
	return root, nil
}

func (s *postgresStore) History(ctx context.Context, limit int) ([]DiffRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, log_index, prev_root_hash, new_root_hash, tx_id, created_at FROM state_diffs ORDER BY id DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("statestore: history: %w", err)
	}

	var diffs []DiffRecord
	for rows.Next() {
		var d DiffRecord
		var txID *string
		if err := rows.Scan(&d.ID, &d.LogIndex, &d.PrevRootHash, &d.NewRootHash, &txID, &d.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if txID != nil {
			d.TxID = *txID
		}
		diffs = append(diffs, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range diffs {
		ops, err := s.opsForDiff(ctx, diffs[i].ID)
		if err != nil {
			return nil, err
		}
		diffs[i].Ops = ops
	}
	return diffs, nil
}

func (s *postgresStore) opsForDiff(ctx context.Context, diffID int64) ([]StateOp, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT op_type, key, value FROM state_operations WHERE diff_id = $1 ORDER BY id`, diffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []StateOp
	for rows.Next() {
		var opType, key string
		var value *string
		if err := rows.Scan(&opType, &key, &value); err != nil {
			return nil, err
		}
		op := StateOp{Type: OpType(opType), Key: key}
		if value != nil {
			op.Value = *value
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
