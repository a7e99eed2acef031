package consensus

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"

	"github.com/cvmnode/cvmnode/internal/nodeerr"
	"github.com/cvmnode/cvmnode/internal/txn"
)

type NodeConfig struct {
	NodeID        string
	BindAddr      string
	DataDir       string
	Bootstrap     bool
	PeerAddrs     map[string]string
	JoinRetries   int
	JoinRetryWait time.Duration
	ApplyTimeout  time.Duration

	// HeartbeatInterval and ElectionTimeout come straight from
	// consensus.raft.heartbeat_interval / election_timeout_min in
	// spec.md §6. hashicorp/raft has no independent maximum: it
	// randomizes between ElectionTimeout and 2x that value internally,
	// so election_timeout_max is validated against but not wired to a
	// distinct knob (recorded in DESIGN.md).
	HeartbeatInterval time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  int
}

// Node is component F: a single-leader, Raft-replicated log of
// committed (transaction, result) pairs.
type Node struct {
	config    *NodeConfig
	raft      *raft.Raft
	fsm       *FSM
	committer Committer
}

func NewNode(cfg *NodeConfig, committer Committer) (*Node, error) {
	return &Node{
		config:    cfg,
		committer: committer,
	}, nil
}

func (n *Node) Start() error {
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(n.config.NodeID)
	if n.config.HeartbeatInterval > 0 {
		raftConfig.HeartbeatTimeout = n.config.HeartbeatInterval
	}
	if n.config.ElectionTimeout > 0 {
		raftConfig.ElectionTimeout = n.config.ElectionTimeout
	}
	if n.config.SnapshotInterval > 0 {
		raftConfig.SnapshotThreshold = uint64(n.config.SnapshotInterval)
	}
	if raftConfig.LeaderLeaseTimeout > raftConfig.HeartbeatTimeout {
		raftConfig.LeaderLeaseTimeout = raftConfig.HeartbeatTimeout
	}

	raftDir := filepath.Join(n.config.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return fmt.Errorf("failed to create raft directory: %w", err)
	}

	logStore, err := NewBoltStore(filepath.Join(raftDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := NewBoltStore(filepath.Join(raftDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", n.config.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	transport, err := raft.NewTCPTransport(n.config.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	n.fsm = NewFSM(n.committer)

	ra, err := raft.NewRaft(raftConfig, n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}

	n.raft = ra

	if n.config.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			return fmt.Errorf("failed to check existing state: %w", err)
		}

		if !hasState {
			servers := []raft.Server{
				{
					ID:      raftConfig.LocalID,
					Address: transport.LocalAddr(),
				},
			}

			for peerID, peerAddr := range n.config.PeerAddrs {
				servers = append(servers, raft.Server{
					ID:      raft.ServerID(peerID),
					Address: raft.ServerAddress(peerAddr),
				})
			}

			configuration := raft.Configuration{Servers: servers}

			future := ra.BootstrapCluster(configuration)
			if err := future.Error(); err != nil {
				return fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
		}
	} else if len(n.config.PeerAddrs) > 0 {
		if err := n.waitForLeader(); err != nil {
			return fmt.Errorf("failed to wait for leader: %w", err)
		}
	}

	return nil
}

func (n *Node) waitForLeader() error {
	retries := n.config.JoinRetries
	if retries == 0 {
		retries = 30
	}
	retryWait := n.config.JoinRetryWait
	if retryWait == 0 {
		retryWait = 1 * time.Second
	}

	for i := 0; i < retries; i++ {
		leader := n.raft.Leader()
		if leader != "" {
			future := n.raft.GetConfiguration()
			if err := future.Error(); err != nil {
				time.Sleep(retryWait)
				continue
			}

			config := future.Configuration()
			for _, server := range config.Servers {
				if server.ID == raft.ServerID(n.config.NodeID) {
					return nil
				}
			}
		}
		time.Sleep(retryWait)
	}

	return fmt.Errorf("timeout waiting for leader after %d retries", retries)
}

func (n *Node) Stop() error {
	if n.raft != nil {
		future := n.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	return nil
}

func (n *Node) applyTimeout() time.Duration {
	if n.config.ApplyTimeout <= 0 {
		return 10 * time.Second
	}
	return n.config.ApplyTimeout
}

// SubmitWithResult is the mempool.Consensus implementation: it appends
// a (tx, result) entry to the Raft log and blocks until a majority have
// committed it, surfacing any raft-level rejection (not the leader,
// leadership lost mid-apply) as ConsensusRejected.
func (n *Node) SubmitWithResult(tx txn.Transaction, result txn.ExecutionResult) error {
	if n.raft == nil || n.raft.State() != raft.Leader {
		return nodeerr.New(nodeerr.ConsensusRejected, "not the leader")
	}

	data, err := json.Marshal(LogEntry{Tx: tx, Result: result})
	if err != nil {
		return nodeerr.Wrap(nodeerr.Internal, "marshal log entry", err)
	}

	future := n.raft.Apply(data, n.applyTimeout())
	if err := future.Error(); err != nil {
		return nodeerr.Wrap(nodeerr.ConsensusRejected, "raft apply rejected", err)
	}

	if respErr, ok := future.Response().(error); ok && respErr != nil {
		return nodeerr.Wrap(nodeerr.StateApplyFailed, "fsm apply failed", respErr)
	}

	return nil
}

func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

func (n *Node) Leader() string {
	if n.raft == nil {
		return ""
	}
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

func (n *Node) AddPeer(id, addr string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	future := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0)
	return future.Error()
}

func (n *Node) RemovePeer(id string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	future := n.raft.RemoveServer(raft.ServerID(id), 0, 0)
	return future.Error()
}

func (n *Node) Stats() map[string]string {
	if n.raft == nil {
		return map[string]string{"state": "not initialized"}
	}
	return n.raft.Stats()
}

func (n *Node) TransferLeadership() error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if n.raft.State() != raft.Leader {
		return fmt.Errorf("not the leader, cannot transfer")
	}

	future := n.raft.LeadershipTransfer()
	if err := future.Error(); err != nil {
		return fmt.Errorf("leadership transfer failed: %w", err)
	}

	return nil
}
