// Package executor implements component D: a fixed worker pool that
// pulls transactions off a bounded queue, dispatches ApiRequest
// transactions to their target contract container, applies StateChange
// diffs directly, and hands the outcome back through a callback. It
// never re-executes on followers — see internal/consensus, which
// replicates the (transaction, result) pair this package produces.
package executor

import (
	"net/http"
	"sync"
	"time"

	"github.com/cvmnode/cvmnode/internal/config"
	"github.com/cvmnode/cvmnode/internal/container"
	"github.com/cvmnode/cvmnode/internal/nodeerr"
	"github.com/cvmnode/cvmnode/internal/txn"
)

// HTTPClient is the injectable transport for outbound contract calls,
// the same shape as the teacher's alert.HTTPClient.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ResultCallback is invoked once for every transaction a worker takes
// off the queue. err is non-nil only for pre-dispatch failures
// (quota, container unavailable, bad payload) that must never enter the
// replicated log; result is non-nil otherwise, even when result.Error is
// set for a post-dispatch failure.
type ResultCallback func(tx txn.Transaction, result *txn.ExecutionResult, err error)

// Executor is component D.
type Executor struct {
	cfg        config.ExecutorConfig
	containers *container.Manager
	client     HTTPClient
	onResult   ResultCallback

	queue  chan txn.Transaction
	stopCh chan struct{}
	wg     sync.WaitGroup

	semMu sync.Mutex
	sem   map[string]chan struct{}
}

// New builds an Executor. Start must be called before Submit.
func New(cfg config.ExecutorConfig, containers *container.Manager, client HTTPClient, onResult ResultCallback) *Executor {
	if client == nil {
		client = &http.Client{}
	}
	queueSize := cfg.MaxQueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Executor{
		cfg:        cfg,
		containers: containers,
		client:     client,
		onResult:   onResult,
		queue:      make(chan txn.Transaction, queueSize),
		stopCh:     make(chan struct{}),
		sem:        make(map[string]chan struct{}),
	}
}

// Start spins up cfg.WorkerThreads worker goroutines.
func (e *Executor) Start() {
	workers := e.cfg.WorkerThreads
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.workerLoop()
	}
}

// Stop drains no further submissions and waits for in-flight workers to
// finish their current job.
func (e *Executor) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Submit enqueues tx for execution. It returns QueueFull immediately
// rather than blocking the caller if the queue is saturated.
func (e *Executor) Submit(tx txn.Transaction) error {
	select {
	case e.queue <- tx:
		return nil
	default:
		return nodeerr.New(nodeerr.QueueFull, "executor queue is full")
	}
}

func (e *Executor) workerLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case tx := <-e.queue:
			result, err := e.execute(tx)
			if e.onResult != nil {
				e.onResult(tx, result, err)
			}
		}
	}
}

func (e *Executor) execute(tx txn.Transaction) (*txn.ExecutionResult, error) {
	switch tx.Kind {
	case txn.StateChange:
		return e.executeStateChange(tx)
	case txn.ApiRequest:
		return e.executeApiRequest(tx)
	default:
		return nil, nodeerr.New(nodeerr.BadRequest, "unsupported transaction kind: "+string(tx.Kind))
	}
}

func (e *Executor) acquireSlot(address string) func() {
	limit := e.cfg.MaxConcurrentRequests
	if limit <= 0 {
		limit = 10
	}

	e.semMu.Lock()
	slot, ok := e.sem[address]
	if !ok {
		slot = make(chan struct{}, limit)
		e.sem[address] = slot
	}
	e.semMu.Unlock()

	slot <- struct{}{}
	return func() { <-slot }
}

func (e *Executor) executionTimeout() time.Duration {
	if e.cfg.ExecutionTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.cfg.ExecutionTimeoutSec) * time.Second
}
