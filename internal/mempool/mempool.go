// Package mempool implements component E: it owns every in-flight
// transaction's identity and status, dispatches pending transactions to
// the executor, and wakes exactly one blocked caller per transaction
// once a terminal outcome (Committed, RejectedByConsensus, or
// ExecFailed) is known.
package mempool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cvmnode/cvmnode/internal/config"
	"github.com/cvmnode/cvmnode/internal/nodeerr"
	"github.com/cvmnode/cvmnode/internal/statestore"
	"github.com/cvmnode/cvmnode/internal/txn"
)

// retentionWindow is how long a terminal entry survives in
// transaction_map after its waiter fires, so a caller that gave up on
// submit_and_wait can still poll get_status/get_result. spec.md leaves
// the exact duration unspecified ("a short retention window").
const retentionWindow = 5 * time.Minute

// Executor is the narrow interface the mempool needs from component D.
type Executor interface {
	Submit(tx txn.Transaction) error
}

// Consensus is the narrow interface the mempool needs from component F.
type Consensus interface {
	SubmitWithResult(tx txn.Transaction, result txn.ExecutionResult) error
}

// StateApplier is the narrow interface the mempool needs from component
// A: on_committed hands the result's diffs straight to the state store.
type StateApplier interface {
	Apply(ctx context.Context, txID string, logIndex uint64, ops []statestore.StateOp) (rootHash string, err error)
}

type entry struct {
	tx     txn.Transaction
	status txn.Status
	result *txn.ExecutionResult
	err    error

	waiter     chan struct{}
	wakedOnce  sync.Once
	terminalAt time.Time
}

// Mempool is component E.
type Mempool struct {
	cfg       config.MempoolConfig
	executor  Executor
	consensus Consensus
	state     StateApplier

	mu      sync.Mutex
	entries map[string]*entry

	stopCh  chan struct{}
	wg      sync.WaitGroup
	fatalCh chan error
}

// New builds a Mempool. Start must be called before submissions are
// dispatched to the executor.
func New(cfg config.MempoolConfig, executor Executor, consensus Consensus, state StateApplier) *Mempool {
	return &Mempool{
		cfg:       cfg,
		executor:  executor,
		consensus: consensus,
		state:     state,
		entries:   make(map[string]*entry),
		stopCh:    make(chan struct{}),
		fatalCh:   make(chan error, 1),
	}
}

// Fatal emits StateApplyFailed errors from OnCommitted. A state apply
// failure is fatal cluster-wide per spec.md §7, including on followers
// that hold no local waiter for the failing transaction; the
// coordinator watches this channel and aborts the node.
func (m *Mempool) Fatal() <-chan error {
	return m.fatalCh
}

// Start launches the retention sweep goroutine.
func (m *Mempool) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

func (m *Mempool) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Mempool) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(retentionWindow / 5)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Mempool) sweep() {
	cutoff := time.Now().Add(-retentionWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.entries {
		if !e.terminalAt.IsZero() && e.terminalAt.Before(cutoff) {
			delete(m.entries, id)
		}
	}
}

func (m *Mempool) pendingCount() int {
	count := 0
	for _, e := range m.entries {
		if e.status == txn.Pending || e.status == txn.Executed {
			count++
		}
	}
	return count
}

// SubmitAndWait inserts tx as Pending, dispatches it to the executor,
// and blocks until a terminal status is reached or timeout elapses.
func (m *Mempool) SubmitAndWait(ctx context.Context, tx txn.Transaction, timeout time.Duration) (*txn.ExecutionResult, error) {
	if m.cfg.MaxTxSize > 0 && len(tx.Payload) > m.cfg.MaxTxSize {
		return nil, nodeerr.New(nodeerr.BadRequest, fmt.Sprintf("transaction payload exceeds max_tx_size (%d bytes)", m.cfg.MaxTxSize))
	}

	m.mu.Lock()
	if m.cfg.MaxTransactions > 0 && m.pendingCount() >= m.cfg.MaxTransactions {
		m.mu.Unlock()
		return nil, nodeerr.New(nodeerr.QueueFull, "mempool is at max_transactions capacity")
	}

	e := &entry{tx: tx, status: txn.Pending, waiter: make(chan struct{})}
	m.entries[tx.ID] = e
	m.mu.Unlock()

	if err := m.executor.Submit(tx); err != nil {
		m.finish(e, txn.ExecFailed, nil, err)
	}

	select {
	case <-e.waiter:
		m.mu.Lock()
		res, err := e.result, e.err
		m.mu.Unlock()
		return res, err
	case <-time.After(timeout):
		return nil, nodeerr.New(nodeerr.Timeout, "transaction did not reach a terminal state before tx_timeout")
	case <-ctx.Done():
		return nil, nodeerr.Wrap(nodeerr.Timeout, "caller context cancelled", ctx.Err())
	}
}

// OnExecutorResult is the executor.ResultCallback the coordinator wires
// up. A non-nil err is a local, pre-dispatch failure and never reaches
// consensus; otherwise the (tx, result) pair is handed to F.
func (m *Mempool) OnExecutorResult(tx txn.Transaction, result *txn.ExecutionResult, err error) {
	if err != nil {
		m.mu.Lock()
		e, ok := m.entries[tx.ID]
		m.mu.Unlock()
		if !ok {
			return
		}
		m.finish(e, txn.ExecFailed, nil, err)
		return
	}

	m.mu.Lock()
	e, ok := m.entries[tx.ID]
	if ok {
		e.status = txn.Executed
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.consensus.SubmitWithResult(tx, *result); err != nil {
		m.finish(e, txn.RejectedByConsensus, nil, nodeerr.Wrap(nodeerr.ConsensusRejected, "failed to submit to consensus", err))
	}
}

// OnCommitted is called by consensus once a (tx, result) entry commits,
// on the leader and on every follower that applies it. It writes
// log_index, applies the result's diffs to the state store, transitions
// to Committed, and wakes the local waiter if this replica holds one.
func (m *Mempool) OnCommitted(ctx context.Context, txID string, logIndex uint64, result txn.ExecutionResult) {
	if _, err := m.state.Apply(ctx, txID, logIndex, result.StateDiffs); err != nil {
		// StateApplyFailed is fatal per spec.md §7; the coordinator's
		// fatal handler (wired the way the teacher's FollowerVerifier
		// triggers shutdown) is responsible for aborting the node. The
		// mempool itself just refuses to mark this transaction
		// Committed against state that never actually applied.
		m.mu.Lock()
		e, ok := m.entries[txID]
		m.mu.Unlock()
		fatalErr := nodeerr.Wrap(nodeerr.StateApplyFailed, "apply committed diffs", err)
		if ok {
			m.finish(e, txn.ExecFailed, nil, fatalErr)
		}
		select {
		case m.fatalCh <- fatalErr:
		default:
		}
		return
	}

	m.mu.Lock()
	e, ok := m.entries[txID]
	if ok {
		e.tx.LogIndex = logIndex
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	res := result
	m.finish(e, txn.Committed, &res, nil)
}

// OnRejected is called by consensus when an in-flight submission is
// abandoned, most commonly on a leadership change.
func (m *Mempool) OnRejected(txID string, reason string) {
	m.mu.Lock()
	e, ok := m.entries[txID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.finish(e, txn.RejectedByConsensus, nil, nodeerr.New(nodeerr.ConsensusRejected, reason))
}

func (m *Mempool) finish(e *entry, status txn.Status, result *txn.ExecutionResult, err error) {
	m.mu.Lock()
	e.status = status
	e.result = result
	e.err = err
	e.terminalAt = time.Now()
	m.mu.Unlock()

	e.wakedOnce.Do(func() { close(e.waiter) })
}

// GetStatus returns tx's current status, for polling callers.
func (m *Mempool) GetStatus(txID string) (txn.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[txID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// GetResult returns tx's result, if it has reached Committed.
func (m *Mempool) GetResult(txID string) (*txn.ExecutionResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[txID]
	if !ok || e.result == nil {
		return nil, false
	}
	return e.result, true
}
