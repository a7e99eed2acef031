package node

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/cvmnode/cvmnode/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Node: config.NodeConfig{
			NodeID:    "node-1",
			BindAddr:  "127.0.0.1:0",
			DataDir:   dir,
			Bootstrap: true,
		},
		Consensus: config.ConsensusConfig{
			EngineType: "raft",
			Raft: config.RaftConfig{
				HeartbeatIntervalMs:  100,
				ElectionTimeoutMinMs: 200,
				ElectionTimeoutMaxMs: 400,
			},
		},
		Mempool: config.MempoolConfig{
			MaxTransactions: 100,
			MaxTxSize:       1 << 20,
			TxTimeoutSec:    5,
		},
		Container: config.ContainerConfig{
			ContainerMode: "simulated",
			MaxContainers: 10,
		},
		Executor: config.ExecutorConfig{
			WorkerThreads: 2,
			MaxQueueSize:  10,
		},
		State: config.StateConfig{
			DBType:       "sqlite",
			DBConnection: filepath.Join(dir, "state.db"),
		},
		RestAPI: config.RestAPIConfig{
			KeyStorePath:     filepath.Join(dir, "keys.db"),
			RestBindAddress:  "127.0.0.1:0",
			AdminBindAddress: "127.0.0.1:0",
			TxTimeoutSec:     5,
		},
	}
}

func TestNewWiresEveryComponent(t *testing.T) {
	n, err := New(testConfig(t), true, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer n.store.Close()
	defer n.keys.Close()

	if n.store == nil || n.keys == nil || n.containers == nil || n.executor == nil || n.mempool == nil || n.consensus == nil {
		t.Fatal("expected every component to be wired")
	}
}

// raft's bind address must be a concrete port before Start resolves it
// through net.ResolveTCPAddr, so this test binds an OS-assigned port up
// front rather than using BindAddr's ":0" placeholder.
func pickAddr(t *testing.T) string {
	lis, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to pick address: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func TestStartAndShutdownSingleNode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.BindAddr = pickAddr(t)
	cfg.RestAPI.RestBindAddress = pickAddr(t)
	cfg.RestAPI.AdminBindAddress = pickAddr(t)

	n, err := New(cfg, true, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := n.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !n.consensus.IsLeader() {
		time.Sleep(20 * time.Millisecond)
	}
	if !n.consensus.IsLeader() {
		t.Fatal("expected single bootstrap node to become leader")
	}

	resp, err := http.Get("http://" + cfg.RestAPI.RestBindAddress + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestStartRejectsPortConflict(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.BindAddr = pickAddr(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	defer busy.Close()
	cfg.RestAPI.RestBindAddress = busy.Addr().String()
	cfg.RestAPI.AdminBindAddress = pickAddr(t)

	n, err := New(cfg, true, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := n.Start(); err == nil {
		t.Fatal("expected Start to fail on a bound REST address")
	}
}
