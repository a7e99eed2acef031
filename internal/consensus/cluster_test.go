package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cvmnode/cvmnode/internal/txn"
)

// syncCommitter records every committed entry it observes, safe for
// concurrent use by Raft's FSM.Apply on each of the three test nodes.
type syncCommitter struct {
	mu      sync.Mutex
	results map[string]txn.ExecutionResult
}

func newSyncCommitter() *syncCommitter {
	return &syncCommitter{results: make(map[string]txn.ExecutionResult)}
}

func (c *syncCommitter) OnCommitted(ctx context.Context, txID string, logIndex uint64, result txn.ExecutionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[txID] = result
}

func (c *syncCommitter) get(txID string) (txn.ExecutionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[txID]
	return r, ok
}

func TestThreeNodeCluster(t *testing.T) {
	node1Dir, node2Dir, node3Dir := t.TempDir(), t.TempDir(), t.TempDir()

	committer1, committer2, committer3 := newSyncCommitter(), newSyncCommitter(), newSyncCommitter()

	node1Cfg := &NodeConfig{
		NodeID:    "node1",
		BindAddr:  "127.0.0.1:17001",
		DataDir:   node1Dir,
		Bootstrap: true,
		PeerAddrs: map[string]string{
			"node2": "127.0.0.1:17002",
			"node3": "127.0.0.1:17003",
		},
	}

	node2Cfg := &NodeConfig{
		NodeID:    "node2",
		BindAddr:  "127.0.0.1:17002",
		DataDir:   node2Dir,
		Bootstrap: false,
		PeerAddrs: map[string]string{
			"node1": "127.0.0.1:17001",
			"node3": "127.0.0.1:17003",
		},
	}

	node3Cfg := &NodeConfig{
		NodeID:    "node3",
		BindAddr:  "127.0.0.1:17003",
		DataDir:   node3Dir,
		Bootstrap: false,
		PeerAddrs: map[string]string{
			"node1": "127.0.0.1:17001",
			"node2": "127.0.0.1:17002",
		},
	}

	node1, err := NewNode(node1Cfg, committer1)
	if err != nil {
		t.Fatalf("Failed to create node1: %v", err)
	}
	node2, err := NewNode(node2Cfg, committer2)
	if err != nil {
		t.Fatalf("Failed to create node2: %v", err)
	}
	node3, err := NewNode(node3Cfg, committer3)
	if err != nil {
		t.Fatalf("Failed to create node3: %v", err)
	}

	if err := node1.Start(); err != nil {
		t.Fatalf("Failed to start node1: %v", err)
	}
	defer node1.Stop()

	time.Sleep(2 * time.Second)

	if err := node2.Start(); err != nil {
		t.Fatalf("Failed to start node2: %v", err)
	}
	defer node2.Stop()

	if err := node3.Start(); err != nil {
		t.Fatalf("Failed to start node3: %v", err)
	}
	defer node3.Stop()

	time.Sleep(5 * time.Second)

	leader1, leader2, leader3 := node1.Leader(), node2.Leader(), node3.Leader()
	if leader1 == "" {
		t.Error("Node1 has no leader")
	}
	if leader1 != leader2 || leader1 != leader3 {
		t.Errorf("Leader mismatch: node1=%s node2=%s node3=%s", leader1, leader2, leader3)
	}

	var leaderNode *Node
	switch {
	case node1.IsLeader():
		leaderNode = node1
	case node2.IsLeader():
		leaderNode = node2
	case node3.IsLeader():
		leaderNode = node3
	}
	if leaderNode == nil {
		t.Fatal("No leader node found")
	}

	tx := txn.Transaction{ID: "tx-1", Kind: txn.StateChange}
	result := txn.ExecutionResult{TxID: "tx-1", StatusCode: 200}

	if err := leaderNode.SubmitWithResult(tx, result); err != nil {
		t.Fatalf("SubmitWithResult failed: %v", err)
	}

	time.Sleep(2 * time.Second)

	for name, c := range map[string]*syncCommitter{"node1": committer1, "node2": committer2, "node3": committer3} {
		got, ok := c.get("tx-1")
		if !ok {
			t.Errorf("%s did not observe the committed entry", name)
			continue
		}
		if got.StatusCode != 200 {
			t.Errorf("%s observed unexpected status code %d", name, got.StatusCode)
		}
	}
}

func TestClusterLeaderElection(t *testing.T) {
	node1Dir, node2Dir, node3Dir := t.TempDir(), t.TempDir(), t.TempDir()

	node1Cfg := &NodeConfig{
		NodeID:    "node1",
		BindAddr:  "127.0.0.1:18001",
		DataDir:   node1Dir,
		Bootstrap: true,
		PeerAddrs: map[string]string{
			"node2": "127.0.0.1:18002",
			"node3": "127.0.0.1:18003",
		},
	}

	node2Cfg := &NodeConfig{
		NodeID:    "node2",
		BindAddr:  "127.0.0.1:18002",
		DataDir:   node2Dir,
		Bootstrap: false,
		PeerAddrs: map[string]string{
			"node1": "127.0.0.1:18001",
			"node3": "127.0.0.1:18003",
		},
	}

	node3Cfg := &NodeConfig{
		NodeID:    "node3",
		BindAddr:  "127.0.0.1:18003",
		DataDir:   node3Dir,
		Bootstrap: false,
		PeerAddrs: map[string]string{
			"node1": "127.0.0.1:18001",
			"node2": "127.0.0.1:18002",
		},
	}

	node1, err := NewNode(node1Cfg, newSyncCommitter())
	if err != nil {
		t.Fatalf("Failed to create node1: %v", err)
	}
	node2, err := NewNode(node2Cfg, newSyncCommitter())
	if err != nil {
		t.Fatalf("Failed to create node2: %v", err)
	}
	node3, err := NewNode(node3Cfg, newSyncCommitter())
	if err != nil {
		t.Fatalf("Failed to create node3: %v", err)
	}

	if err := node1.Start(); err != nil {
		t.Fatalf("Failed to start node1: %v", err)
	}
	defer node1.Stop()

	time.Sleep(2 * time.Second)

	if err := node2.Start(); err != nil {
		t.Fatalf("Failed to start node2: %v", err)
	}
	defer node2.Stop()

	if err := node3.Start(); err != nil {
		t.Fatalf("Failed to start node3: %v", err)
	}
	defer node3.Stop()

	time.Sleep(5 * time.Second)

	leaderCount := 0
	if node1.IsLeader() {
		leaderCount++
	}
	if node2.IsLeader() {
		leaderCount++
	}
	if node3.IsLeader() {
		leaderCount++
	}

	if leaderCount != 1 {
		t.Errorf("Expected exactly 1 leader, got %d", leaderCount)
	}
}
