package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cvmnode/cvmnode/internal/txn"
)

// Committer is the narrow interface the FSM needs from the mempool: it
// applies a committed result's diffs to the state store and wakes any
// local waiter. Defined here rather than imported from internal/mempool
// so consensus never depends on mempool's package, only its shape.
type Committer interface {
	OnCommitted(ctx context.Context, txID string, logIndex uint64, result txn.ExecutionResult)
}

type FSM struct {
	mu        sync.RWMutex
	committer Committer
}

func NewFSM(committer Committer) *FSM {
	return &FSM{committer: committer}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entry LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	f.committer.OnCommitted(context.Background(), entry.Tx.ID, log.Index, entry.Result)
	return nil
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return &fsmSnapshot{}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer rc.Close()

	// Committed (tx, result) entries are already materialized in the
	// external state store by the time they leave the Raft log, so
	// there is nothing to replay here; restoring a node means trusting
	// its state store's contents and letting Raft resume replication
	// from wherever the log picks back up. Any log entries Raft redelivers
	// after this point are safe: internal/statestore.Apply is idempotent
	// on log index, so reapplying an already-materialized entry is a
	// no-op rather than a second write.
	_, err := io.Copy(io.Discard, rc)
	return err
}

type fsmSnapshot struct{}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	defer sink.Close()
	return nil
}

func (s *fsmSnapshot) Release() {}
