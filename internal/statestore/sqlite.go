package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cvmnode/cvmnode/internal/hash"
	"github.com/cvmnode/cvmnode/internal/nodeerr"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS state_entries (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS state_roots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	root_hash  TEXT NOT NULL,
	tx_id      TEXT,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS state_diffs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	log_index      INTEGER NOT NULL UNIQUE,
	prev_root_hash TEXT NOT NULL,
	new_root_hash  TEXT NOT NULL,
	tx_id          TEXT,
	created_at     DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS state_operations (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	diff_id INTEGER NOT NULL,
	op_type TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT
);
`

// sqliteStore is the Store backend for state.db_type = "sqlite". SQLite
// only tolerates one writer at a time, so writeMu serializes Apply calls
// the way spec.md's "writes serialized, reads concurrent" requires;
// reads go straight through database/sql's own connection pool.
type sqliteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

func openSQLite(dsn string) (Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("statestore: open sqlite: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore: migrate sqlite: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) Apply(ctx context.Context, txID string, logIndex uint64, ops []StateOp) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "begin transaction", err)
	}
	defer tx.Rollback()

	if existingRoot, ok, err := rootForLogIndexTx(ctx, tx, logIndex); err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "check log index", err)
	} else if ok {
		return existingRoot, nil
	}

	prevRoot, err := currentRootTx(ctx, tx)
	if err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "read previous root", err)
	}

	for _, op := range ops {
		switch op.Type {
		case OpInsert:
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO state_entries(key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				op.Key, op.Value); err != nil {
				return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "apply insert op for key "+op.Key, err)
			}
		case OpDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM state_entries WHERE key = ?`, op.Key); err != nil {
				return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "apply delete op for key "+op.Key, err)
			}
		default:
			return "", nodeerr.New(nodeerr.StateApplyFailed, "unknown op type: "+string(op.Type))
		}
	}

	entries, err := scanEntriesTx(ctx, tx, "")
	if err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "scan entries for root", err)
	}
	newRoot := hash.RootOverEntries(toHashEntries(entries))

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_roots(root_hash, tx_id, created_at) VALUES (?, ?, ?)`,
		newRoot, txID, now); err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "record new root", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO state_diffs(log_index, prev_root_hash, new_root_hash, tx_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		logIndex, prevRoot, newRoot, txID, now)
	if err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "record diff", err)
	}
	diffID, err := res.LastInsertId()
	if err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "read diff id", err)
	}

	for _, op := range ops {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state_operations(diff_id, op_type, key, value) VALUES (?, ?, ?, ?)`,
			diffID, string(op.Type), op.Key, op.Value); err != nil {
			return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "record operation for key "+op.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", nodeerr.Wrap(nodeerr.StateApplyFailed, "commit diff", err)
	}

	return newRoot, nil
}

func rootForLogIndexTx(ctx context.Context, tx *sql.Tx, logIndex uint64) (string, bool, error) {
	var root string
	err := tx.QueryRowContext(ctx, `SELECT new_root_hash FROM state_diffs WHERE log_index = ?`, logIndex).Scan(&root)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return root, true, nil
}

func currentRootTx(ctx context.Context, tx *sql.Tx) (string, error) {
	var root string
	err := tx.QueryRowContext(ctx, `SELECT new_root_hash FROM state_diffs ORDER BY id DESC LIMIT 1`).Scan(&root)
	if err == sql.ErrNoRows {
		return hash.RootOverEntries(nil), nil
	}
	if err != nil {
		return "", err
	}
	return root, nil
}

func scanEntriesTx(ctx context.Context, tx *sql.Tx, prefix string) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM state_entries ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		if prefix == "" || hasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state_entries WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("statestore: get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *sqliteStore) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM state_entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("statestore: scan %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		if prefix == "" || hasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, rows.Err()
}

func (s *sqliteStore) Root(ctx context.Context) (string, error) {
	var root string
	err := s.db.QueryRowContext(ctx, `SELECT new_root_hash FROM state_diffs ORDER BY id DESC LIMIT 1`).Scan(&root)
	if err == sql.ErrNoRows {
		return hash.RootOverEntries(nil), nil
	}
	if err != nil {
		return "", fmt.Errorf("statestore: root: %w", err)
	}
	return root, nil
}

func (s *sqliteStore) History(ctx context.Context, limit int) ([]DiffRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, log_index, prev_root_hash, new_root_hash, tx_id, created_at FROM state_diffs ORDER BY id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("statestore: history: %w", err)
	}
	defer rows.Close()

	var diffs []DiffRecord
	for rows.Next() {
		var d DiffRecord
		var txID sql.NullString
		if err := rows.Scan(&d.ID, &d.LogIndex, &d.PrevRootHash, &d.NewRootHash, &txID, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.TxID = txID.String
		diffs = append(diffs, d)
	}
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

func (s *sqliteStore) opsForDiff(ctx context.Context, diffID int64) ([]StateOp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT op_type, key, value FROM state_operations WHERE diff_id = ? ORDER BY id`, diffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []StateOp
	for rows.Next() {
		var op StateOp
		var opType string
		var value sql.NullString
		if err := rows.Scan(&opType, &op.Key, &value); err != nil {
			return nil, err
		}
		op.Type = OpType(opType)
		op.Value = value.String
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func toHashEntries(m map[string]string) []hash.Entry {
	entries := make([]hash.Entry, 0, len(m))
	for k, v := range m {
		entries = append(entries, hash.Entry{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
