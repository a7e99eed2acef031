package mempool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cvmnode/cvmnode/internal/config"
	"github.com/cvmnode/cvmnode/internal/nodeerr"
	"github.com/cvmnode/cvmnode/internal/statestore"
	"github.com/cvmnode/cvmnode/internal/txn"
)

// fakeExecutor hands submissions straight back to the mempool via a
// caller-supplied callback, simulating the executor's worker loop
// synchronously so tests don't need to sleep.
type fakeExecutor struct {
	mu       sync.Mutex
	submitErr error
	onSubmit func(tx txn.Transaction)
}

func (f *fakeExecutor) Submit(tx txn.Transaction) error {
	f.mu.Lock()
	err := f.submitErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if f.onSubmit != nil {
		f.onSubmit(tx)
	}
	return nil
}

type fakeConsensus struct {
	mu       sync.Mutex
	submitErr error
	submitted []txn.Transaction
	onSubmit func(tx txn.Transaction, result txn.ExecutionResult)
}

func (f *fakeConsensus) SubmitWithResult(tx txn.Transaction, result txn.ExecutionResult) error {
	f.mu.Lock()
	err := f.submitErr
	f.submitted = append(f.submitted, tx)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if f.onSubmit != nil {
		f.onSubmit(tx, result)
	}
	return nil
}

type fakeState struct {
	mu      sync.Mutex
	applied map[string][]statestore.StateOp
	applyErr error
}

func (f *fakeState) Apply(ctx context.Context, txID string, logIndex uint64, ops []statestore.StateOp) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return "", f.applyErr
	}
	if f.applied == nil {
		f.applied = make(map[string][]statestore.StateOp)
	}
	f.applied[txID] = ops
	return "deadbeef", nil
}

func newTestMempool(t *testing.T, exec *fakeExecutor, cons *fakeConsensus, state *fakeState) *Mempool {
	t.Helper()
	m := New(config.MempoolConfig{MaxTransactions: 10, MaxTxSize: 1024}, exec, cons, state)
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func TestSubmitAndWaitCommitsOnConsensusSuccess(t *testing.T) {
	cons := &fakeConsensus{}
	state := &fakeState{}
	exec := &fakeExecutor{}

	m := newTestMempool(t, exec, cons, state)

	ops := []statestore.StateOp{{Type: statestore.OpInsert, Key: "k", Value: "v"}}
	exec.onSubmit = func(tx txn.Transaction) {
		go m.OnExecutorResult(tx, &txn.ExecutionResult{TxID: tx.ID, StatusCode: 200, StateDiffs: ops}, nil)
	}
	cons.onSubmit = func(tx txn.Transaction, result txn.ExecutionResult) {
		go m.OnCommitted(context.Background(), tx.ID, 7, result)
	}

	res, err := m.SubmitAndWait(context.Background(), txn.Transaction{ID: "tx-1", Kind: txn.StateChange}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", res.StatusCode)
	}

	status, ok := m.GetStatus("tx-1")
	if !ok || status != txn.Committed {
		t.Errorf("expected Committed, got %v", status)
	}

	if _, applied := state.applied["tx-1"]; !applied {
		t.Error("expected state store to receive the committed diffs")
	}
}

func TestSubmitAndWaitFailsLocallyWhenExecutorSubmitErrors(t *testing.T) {
	cons := &fakeConsensus{}
	state := &fakeState{}
	exec := &fakeExecutor{submitErr: nodeerr.New(nodeerr.QueueFull, "executor full")}

	m := newTestMempool(t, exec, cons, state)

	_, err := m.SubmitAndWait(context.Background(), txn.Transaction{ID: "tx-1", Kind: txn.StateChange}, time.Second)
	if !nodeerr.IsKind(err, nodeerr.QueueFull) {
		t.Errorf("expected QueueFull, got %v", err)
	}
	if len(cons.submitted) != 0 {
		t.Error("a pre-dispatch local failure must never reach consensus")
	}
}

func TestSubmitAndWaitFailsLocallyOnPreDispatchExecutorError(t *testing.T) {
	cons := &fakeConsensus{}
	state := &fakeState{}
	exec := &fakeExecutor{}

	m := newTestMempool(t, exec, cons, state)

	exec.onSubmit = func(tx txn.Transaction) {
		go m.OnExecutorResult(tx, nil, nodeerr.New(nodeerr.NotFound, "no such contract"))
	}

	_, err := m.SubmitAndWait(context.Background(), txn.Transaction{ID: "tx-1", Kind: txn.ApiRequest}, time.Second)
	if !nodeerr.IsKind(err, nodeerr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}

	status, _ := m.GetStatus("tx-1")
	if status != txn.ExecFailed {
		t.Errorf("expected ExecFailed, got %v", status)
	}
	if len(cons.submitted) != 0 {
		t.Error("a pre-dispatch local failure must never reach consensus")
	}
}

func TestOnRejectedWakesWaiterAsRejectedByConsensus(t *testing.T) {
	cons := &fakeConsensus{}
	state := &fakeState{}
	exec := &fakeExecutor{}

	m := newTestMempool(t, exec, cons, state)

	exec.onSubmit = func(tx txn.Transaction) {
		go m.OnExecutorResult(tx, &txn.ExecutionResult{TxID: tx.ID, StatusCode: 200}, nil)
	}
	cons.onSubmit = func(tx txn.Transaction, result txn.ExecutionResult) {
		go m.OnRejected(tx.ID, "leadership changed")
	}

	_, err := m.SubmitAndWait(context.Background(), txn.Transaction{ID: "tx-1", Kind: txn.StateChange}, time.Second)
	if !nodeerr.IsKind(err, nodeerr.ConsensusRejected) {
		t.Errorf("expected ConsensusRejected, got %v", err)
	}

	status, _ := m.GetStatus("tx-1")
	if status != txn.RejectedByConsensus {
		t.Errorf("expected RejectedByConsensus, got %v", status)
	}
}

func TestSubmitAndWaitTimesOutIfNeverTerminal(t *testing.T) {
	cons := &fakeConsensus{}
	state := &fakeState{}
	exec := &fakeExecutor{}

	m := newTestMempool(t, exec, cons, state)
	// exec.onSubmit left nil: the transaction never reaches a terminal state.

	_, err := m.SubmitAndWait(context.Background(), txn.Transaction{ID: "tx-1", Kind: txn.StateChange}, 20*time.Millisecond)
	if !nodeerr.IsKind(err, nodeerr.Timeout) {
		t.Errorf("expected Timeout, got %v", err)
	}
}

func TestSubmitAndWaitRejectsOversizedPayload(t *testing.T) {
	cons := &fakeConsensus{}
	state := &fakeState{}
	exec := &fakeExecutor{}

	m := New(config.MempoolConfig{MaxTransactions: 10, MaxTxSize: 4}, exec, cons, state)
	m.Start()
	t.Cleanup(m.Stop)

	_, err := m.SubmitAndWait(context.Background(), txn.Transaction{ID: "tx-1", Kind: txn.StateChange, Payload: []byte(`"too big"`)}, time.Second)
	if !nodeerr.IsKind(err, nodeerr.BadRequest) {
		t.Errorf("expected BadRequest, got %v", err)
	}
}

func TestSubmitAndWaitRejectsWhenAtCapacity(t *testing.T) {
	cons := &fakeConsensus{}
	state := &fakeState{}
	exec := &fakeExecutor{} // never resolves submissions, so they stay Pending

	m := New(config.MempoolConfig{MaxTransactions: 1}, exec, cons, state)
	m.Start()
	t.Cleanup(m.Stop)

	done := make(chan struct{})
	go func() {
		m.SubmitAndWait(context.Background(), txn.Transaction{ID: "tx-1", Kind: txn.StateChange}, time.Second)
		close(done)
	}()
	// Give the first submission a moment to register as Pending.
	time.Sleep(20 * time.Millisecond)

	_, err := m.SubmitAndWait(context.Background(), txn.Transaction{ID: "tx-2", Kind: txn.StateChange}, time.Second)
	if !nodeerr.IsKind(err, nodeerr.QueueFull) {
		t.Errorf("expected QueueFull, got %v", err)
	}

	<-done
}

func TestOnCommittedFatalWhenStateApplyFails(t *testing.T) {
	cons := &fakeConsensus{}
	state := &fakeState{applyErr: nodeerr.New(nodeerr.Internal, "disk full")}
	exec := &fakeExecutor{}

	m := newTestMempool(t, exec, cons, state)

	exec.onSubmit = func(tx txn.Transaction) {
		go m.OnExecutorResult(tx, &txn.ExecutionResult{TxID: tx.ID, StatusCode: 200}, nil)
	}
	cons.onSubmit = func(tx txn.Transaction, result txn.ExecutionResult) {
		go m.OnCommitted(context.Background(), tx.ID, 1, result)
	}

	_, err := m.SubmitAndWait(context.Background(), txn.Transaction{ID: "tx-1", Kind: txn.StateChange}, time.Second)
	if !nodeerr.IsKind(err, nodeerr.StateApplyFailed) {
		t.Errorf("expected StateApplyFailed, got %v", err)
	}
}

func TestGetStatusUnknownTransaction(t *testing.T) {
	m := newTestMempool(t, &fakeExecutor{}, &fakeConsensus{}, &fakeState{})

	if _, ok := m.GetStatus("nope"); ok {
		t.Error("expected ok=false for an unknown transaction id")
	}
}
