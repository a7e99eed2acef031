// Package node implements component I, the coordinator: it wires the
// state store, API-key store, container manager, executor, mempool,
// consensus, and both HTTP ingresses into one running process, and
// owns the goroutines and shutdown sequence that hold them together.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cvmnode/cvmnode/internal/alert"
	"github.com/cvmnode/cvmnode/internal/apikey"
	"github.com/cvmnode/cvmnode/internal/config"
	"github.com/cvmnode/cvmnode/internal/consensus"
	"github.com/cvmnode/cvmnode/internal/container"
	"github.com/cvmnode/cvmnode/internal/executor"
	"github.com/cvmnode/cvmnode/internal/mempool"
	"github.com/cvmnode/cvmnode/internal/restapi"
	"github.com/cvmnode/cvmnode/internal/statestore"
	"github.com/cvmnode/cvmnode/internal/txn"
)

// executorHandle breaks the executor/mempool construction cycle: the
// mempool needs an Executor at construction time, but the real
// *executor.Executor needs the mempool's OnExecutorResult as its result
// callback. The handle is built empty and pointed at the real executor
// once both exist.
type executorHandle struct {
	ex *executor.Executor
}

func (h *executorHandle) Submit(tx txn.Transaction) error { return h.ex.Submit(tx) }

// consensusHandle breaks the equivalent cycle on the consensus side.
type consensusHandle struct {
	node *consensus.Node
}

func (h *consensusHandle) SubmitWithResult(tx txn.Transaction, result txn.ExecutionResult) error {
	return h.node.SubmitWithResult(tx, result)
}

// Node is the assembled process: every component from spec.md §2's A–I
// list, plus the two HTTP listeners that front G and H.
type Node struct {
	cfg         *config.Config
	logger      *slog.Logger
	withRestAPI bool

	store      statestore.Store
	keys       *apikey.Store
	containers *container.Manager
	executor   *executor.Executor
	mempool    *mempool.Mempool
	consensus  *consensus.Node
	alerts     *alert.Manager

	rotator       *consensus.LeadershipRotator
	rotatorCancel context.CancelFunc

	restListener  net.Listener
	adminListener net.Listener
	restServer    *http.Server
	adminServer   *http.Server

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	fatalCh  chan error
}

// New wires every component but starts nothing. Errors here are boot
// errors (cmd/node maps them to exit code 1).
func New(cfg *config.Config, withRestAPI bool, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := statestore.Open(cfg.State)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	keys, err := apikey.Open(cfg.RestAPI.KeyStorePath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open api-key store: %w", err)
	}

	driver, err := buildContainerDriver(cfg.Container)
	if err != nil {
		store.Close()
		keys.Close()
		return nil, fmt.Errorf("build container driver: %w", err)
	}
	containers := container.NewManager(cfg.Container, cfg.Node.NodeID, driver)

	exHandle := &executorHandle{}
	consHandle := &consensusHandle{}
	mp := mempool.New(cfg.Mempool, exHandle, consHandle, store)

	ex := executor.New(cfg.Executor, containers, nil, mp.OnExecutorResult)
	exHandle.ex = ex

	consNode, err := consensus.NewNode(buildRaftConfig(cfg), mp)
	if err != nil {
		store.Close()
		keys.Close()
		return nil, fmt.Errorf("build consensus node: %w", err)
	}
	consHandle.node = consNode

	var rotator *consensus.LeadershipRotator
	if interval, err := time.ParseDuration(cfg.Consensus.Raft.LeadershipTransferInterval); err == nil && interval > 0 {
		rotator = consensus.NewLeadershipRotator(consNode, interval, logger)
	}

	n := &Node{
		cfg:         cfg,
		logger:      logger,
		withRestAPI: withRestAPI,
		store:       store,
		keys:        keys,
		containers:  containers,
		executor:    ex,
		mempool:     mp,
		consensus:   consNode,
		alerts:      alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook),
		rotator:     rotator,
		stopCh:      make(chan struct{}),
		fatalCh:     make(chan error, 1),
	}

	return n, nil
}

func buildContainerDriver(cfg config.ContainerConfig) (container.Driver, error) {
	switch cfg.ContainerMode {
	case "", "simulated":
		return container.NewSimulatedDriver(20000), nil
	case "cvm":
		return container.NewCvmDriver(cfg.TeepodHost, cfg.TappdHost), nil
	default:
		return nil, fmt.Errorf("unknown container_mode: %s", cfg.ContainerMode)
	}
}

func buildRaftConfig(cfg *config.Config) *consensus.NodeConfig {
	peers := make(map[string]string, len(cfg.Consensus.Nodes))
	for _, p := range cfg.Consensus.Nodes {
		if p.ID == cfg.Node.NodeID {
			continue
		}
		peers[p.ID] = p.Address
	}

	return &consensus.NodeConfig{
		NodeID:            cfg.Node.NodeID,
		BindAddr:          cfg.Node.BindAddr,
		DataDir:           cfg.Node.DataDir,
		Bootstrap:         cfg.Node.Bootstrap,
		PeerAddrs:         peers,
		HeartbeatInterval: time.Duration(cfg.Consensus.Raft.HeartbeatIntervalMs) * time.Millisecond,
		ElectionTimeout:   time.Duration(cfg.Consensus.Raft.ElectionTimeoutMinMs) * time.Millisecond,
		SnapshotInterval:  cfg.Consensus.Raft.SnapshotInterval,
	}
}

// Start brings every component up: consensus, executor, mempool, then
// (if enabled) the REST and admin listeners. Listener bind failures are
// returned unwrapped so the caller can distinguish a port conflict
// (cmd/node exit code 2) from any other boot error.
func (n *Node) Start() error {
	if err := n.consensus.Start(); err != nil {
		return fmt.Errorf("start consensus: %w", err)
	}

	n.executor.Start()
	n.mempool.Start()

	n.wg.Add(1)
	go n.watchFatal()

	if n.rotator != nil {
		rotatorCtx, cancel := context.WithCancel(context.Background())
		n.rotatorCancel = cancel
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.rotator.Start(rotatorCtx); err != nil && !errors.Is(err, context.Canceled) {
				n.logger.Error("leadership rotator stopped", "error", err)
			}
		}()
	}

	if !n.withRestAPI {
		return nil
	}

	restLis, err := net.Listen("tcp", n.cfg.RestAPI.RestBindAddress)
	if err != nil {
		return err
	}
	n.restListener = restLis

	adminLis, err := net.Listen("tcp", n.cfg.RestAPI.AdminBindAddress)
	if err != nil {
		restLis.Close()
		return err
	}
	n.adminListener = adminLis

	n.restServer = &http.Server{Handler: restapi.NewRestRouter(n.cfg.RestAPI, n.keys, n.mempool, n.logger)}
	n.adminServer = &http.Server{Handler: restapi.NewAdminRouter(n.keys, n.containers, n.logger)}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		if err := n.restServer.Serve(restLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("rest ingress stopped", "error", err)
		}
	}()
	go func() {
		defer n.wg.Done()
		if err := n.adminServer.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("admin ingress stopped", "error", err)
		}
	}()

	n.logger.Info("node started",
		"node_id", n.cfg.Node.NodeID,
		"rest_addr", n.cfg.RestAPI.RestBindAddress,
		"admin_addr", n.cfg.RestAPI.AdminBindAddress,
	)

	return nil
}

// watchFatal logs and alerts the moment the mempool reports a
// StateApplyFailed (it reports every one, whether or not a local waiter
// was also woken with it) — the log
// has committed something this replica could not apply, so continuing
// would let it silently diverge from the rest of the cluster. It
// forwards the error on n.fatalCh rather than shutting down itself,
// leaving the decision of how to stop the process to the caller (see
// Fatal).
func (n *Node) watchFatal() {
	defer n.wg.Done()
	select {
	case err, ok := <-n.mempool.Fatal():
		if !ok {
			return
		}
		n.logger.Error("fatal state apply failure, node must abort", "error", err)
		if alertErr := n.alerts.SendStateApplyFailedAlert(n.cfg.Node.NodeID, "", 0, err.Error()); alertErr != nil {
			n.logger.Error("failed to send alert", "error", alertErr)
		}
		select {
		case n.fatalCh <- err:
		default:
		}
	case <-n.stopCh:
	}
}

// Shutdown stops every component in reverse dependency order and
// releases the underlying stores. Safe to call more than once.
func (n *Node) Shutdown(ctx context.Context) error {
	var shutdownErr error
	n.stopOnce.Do(func() {
		close(n.stopCh)

		if n.restServer != nil {
			n.restServer.Shutdown(ctx)
		}
		if n.adminServer != nil {
			n.adminServer.Shutdown(ctx)
		}

		if n.rotator != nil {
			n.rotator.Stop()
			n.rotatorCancel()
		}

		n.mempool.Stop()
		n.executor.Stop()

		if err := n.consensus.Stop(); err != nil {
			shutdownErr = err
		}

		n.wg.Wait()

		if err := n.keys.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
		if err := n.store.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	})
	return shutdownErr
}

// Fatal reports a StateApplyFailed that this node could not recover
// from. Callers (cmd/node's signal loop, tests) are expected to select
// on it alongside a shutdown signal and call Shutdown once it fires.
func (n *Node) Fatal() <-chan error { return n.fatalCh }
