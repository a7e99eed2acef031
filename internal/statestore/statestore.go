// Package statestore implements component A: the relational store that
// persists committed key-value entries, the roots produced after each
// diff, and the diffs themselves for replay and audit. Every replica
// runs its own instance; because execution already happened on the
// leader (see internal/executor), Apply here never re-executes
// anything, it only records the outcome and folds it into the root.
package statestore

import (
	"context"
	"time"

	"github.com/cvmnode/cvmnode/internal/config"
	"github.com/cvmnode/cvmnode/internal/nodeerr"
)

// OpType is the kind of a single state operation within a diff.
type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// StateOp is one key-level operation, part of a StateDiffRecord. Value is
// ignored for OpDelete.
type StateOp struct {
	Type  OpType
	Key   string
	Value string
}

// DiffRecord is a persisted state_diffs row plus its ordered operations.
type DiffRecord struct {
	ID            int64
	LogIndex      uint64
	PrevRootHash  string
	NewRootHash   string
	TxID          string
	CreatedAt     time.Time
	Ops           []StateOp
}

// Store is the interface every backend (sqlite, postgres) implements.
// Apply is the only write path; every replica calls it with the same
// (txID, logIndex, ops) the leader already executed, so identical input
// always yields an identical root.
type Store interface {
	// Apply commits ops as a single diff and returns the new root hash.
	// It is transactional: every op commits, or none do. logIndex is the
	// Raft log index the diff was committed at; Apply is idempotent on
	// it, so replaying an already-applied index (a restart with no
	// snapshot to resume past, or a redelivered commit) is a no-op that
	// returns the previously recorded root rather than reapplying ops or
	// erroring.
	Apply(ctx context.Context, txID string, logIndex uint64, ops []StateOp) (rootHash string, err error)

	// Get returns the current value for key, and whether it exists.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Scan returns every entry whose key has the given prefix.
	Scan(ctx context.Context, prefix string) (map[string]string, error)

	// Root returns the current state root, or the empty-keyset root if
	// no diff has ever been applied.
	Root(ctx context.Context) (string, error)

	// History returns the most recent diffs, newest first, up to limit.
	History(ctx context.Context, limit int) ([]DiffRecord, error)

	Close() error
}

// Open opens the backend named by cfg.DBType ("sqlite" or "postgres")
// and runs its startup migrations.
func Open(cfg config.StateConfig) (Store, error) {
	switch cfg.DBType {
	case "sqlite":
		return openSQLite(cfg.DBConnection)
	case "postgres":
		return openPostgres(cfg.DBConnection)
	default:
		return nil, nodeerr.New(nodeerr.ConfigInvalid, "state.db_type must be sqlite or postgres, got "+cfg.DBType)
	}
}
