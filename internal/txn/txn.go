// Package txn defines the transaction and execution types shared by the
// mempool, executor, consensus, and REST ingress packages, so none of
// them has to import another's package just to pass a transaction
// around.
package txn

import (
	"encoding/json"
	"time"

	"github.com/cvmnode/cvmnode/internal/statestore"
)

// Kind is the transaction's origin, per spec.md §3.
type Kind string

const (
	ApiRequest    Kind = "ApiRequest"
	StateChange   Kind = "StateChange"
	ScheduledTask Kind = "ScheduledTask"
)

// Status is a transaction's place in the mempool's state machine:
// Pending -> (Executed | ExecFailed) -> (Committed | RejectedByConsensus).
type Status string

const (
	Pending             Status = "Pending"
	Executed            Status = "Executed"
	ExecFailed          Status = "ExecFailed"
	Committed           Status = "Committed"
	RejectedByConsensus Status = "RejectedByConsensus"
)

// Transaction is the unit the mempool tracks and the consensus log
// replicates. Payload is opaque here; its shape depends on Kind — an
// encoded ExecutionRequest for ApiRequest, an encoded []statestore.StateOp
// for StateChange.
type Transaction struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Sender    string          `json:"sender,omitempty"`
	// LogIndex is 0 until consensus assigns one on commit.
	LogIndex uint64 `json:"log_index,omitempty"`
}

// ExecutionRequest is the ApiRequest payload: an HTTP call to forward to
// a contract container.
type ExecutionRequest struct {
	TxID         string            `json:"tx_id"`
	ContractAddr string            `json:"contract_addr"`
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         []byte            `json:"body,omitempty"`
}

// ExecutionResult is what the executor produces and consensus
// replicates. Error is set when execution failed after dispatch began
// (so every replica must still see the same outcome); StateDiffs is
// empty in that case.
type ExecutionResult struct {
	TxID        string                 `json:"tx_id"`
	StatusCode  int                    `json:"status_code"`
	Body        []byte                 `json:"body,omitempty"`
	StateDiffs  []statestore.StateOp   `json:"state_diffs,omitempty"`
	EntityDiffs json.RawMessage        `json:"entity_diffs,omitempty"`
	Error       string                 `json:"error,omitempty"`
}
