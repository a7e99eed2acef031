package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cvmnode/cvmnode/internal/nodeerr"
	"github.com/cvmnode/cvmnode/internal/statestore"
	"github.com/cvmnode/cvmnode/internal/txn"
)

func (e *Executor) executeStateChange(tx txn.Transaction) (*txn.ExecutionResult, error) {
	var ops []statestore.StateOp
	if err := json.Unmarshal(tx.Payload, &ops); err != nil {
		return nil, nodeerr.Wrap(nodeerr.BadRequest, "decode state change payload", err)
	}

	return &txn.ExecutionResult{
		TxID:       tx.ID,
		StatusCode: http.StatusOK,
		StateDiffs: ops,
	}, nil
}

func (e *Executor) executeApiRequest(tx txn.Transaction) (*txn.ExecutionResult, error) {
	var req txn.ExecutionRequest
	if err := json.Unmarshal(tx.Payload, &req); err != nil {
		return nil, nodeerr.Wrap(nodeerr.BadRequest, "decode api request payload", err)
	}

	endpoint, err := e.containers.Resolve(req.ContractAddr)
	if err != nil {
		return nil, err
	}

	if err := e.containers.TryConsume(req.ContractAddr); err != nil {
		return nil, err
	}

	release := e.acquireSlot(req.ContractAddr)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), e.executionTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, "http://"+endpoint+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, nodeerr.Wrap(nodeerr.BadRequest, "build outbound request", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &txn.ExecutionResult{TxID: tx.ID, Error: "execution timed out"}, nil
		}
		return &txn.ExecutionResult{TxID: tx.ID, Error: fmt.Sprintf("dispatch failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	var envelope contractEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &txn.ExecutionResult{TxID: tx.ID, Error: fmt.Sprintf("invalid contract envelope: %v", err)}, nil
	}

	return translateEnvelope(tx.ID, envelope), nil
}

// contractEnvelope is the JSON shape a contract container must return,
// per spec.md §4.4 and the glossary's "contract envelope" entry.
type contractEnvelope struct {
	StatusCode    int             `json:"status_code"`
	Body          json.RawMessage `json:"body"`
	StateDiffs    []envelopeDiff  `json:"state_diffs"`
	EntityDiffs   json.RawMessage `json:"entity_diffs,omitempty"`
	TransactionID string          `json:"transaction_id"`
}

type envelopeDiff struct {
	Key      string          `json:"key"`
	NewValue json.RawMessage `json:"new_value"`
	OldValue json.RawMessage `json:"old_value,omitempty"`
}

// translateEnvelope turns a contract envelope into an ExecutionResult.
// Diffs with new_value = null become Delete, everything else becomes
// Put; only state_diffs feed the state root, entity_diffs pass through
// untouched per spec.md §9's open-question decision.
func translateEnvelope(txID string, env contractEnvelope) *txn.ExecutionResult {
	ops := make([]statestore.StateOp, 0, len(env.StateDiffs))
	for _, d := range env.StateDiffs {
		if len(d.NewValue) == 0 || string(d.NewValue) == "null" {
			ops = append(ops, statestore.StateOp{Type: statestore.OpDelete, Key: d.Key})
			continue
		}
		ops = append(ops, statestore.StateOp{Type: statestore.OpInsert, Key: d.Key, Value: rawValueToString(d.NewValue)})
	}

	return &txn.ExecutionResult{
		TxID:        txID,
		StatusCode:  env.StatusCode,
		Body:        env.Body,
		StateDiffs:  ops,
		EntityDiffs: env.EntityDiffs,
	}
}

// rawValueToString unwraps a JSON scalar into its plain string form (so
// "T" round-trips as T, not "T") and falls back to the raw JSON text for
// anything that isn't a bare string.
func rawValueToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
