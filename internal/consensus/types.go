package consensus

import (
	"github.com/cvmnode/cvmnode/internal/txn"
)

// LogEntry is the payload replicated through the Raft log: one
// committed (transaction, result) pair per spec.md's execute-then-
// consensus design. The leader executed tx already; followers never
// re-execute, they only apply result.StateDiffs through the FSM.
type LogEntry struct {
	Tx     txn.Transaction     `json:"tx"`
	Result txn.ExecutionResult `json:"result"`
}
