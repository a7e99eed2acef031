package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Node          NodeConfig          `mapstructure:"node"`
	Consensus     ConsensusConfig     `mapstructure:"consensus"`
	Mempool       MempoolConfig       `mapstructure:"mempool"`
	Container     ContainerConfig     `mapstructure:"container"`
	Executor      ExecutorConfig      `mapstructure:"executor"`
	State         StateConfig         `mapstructure:"state"`
	RestAPI       RestAPIConfig       `mapstructure:"rest_api"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	ReservedFlags ReservedFlagsConfig `mapstructure:"reserved"`
}

type NodeConfig struct {
	NodeID    string            `mapstructure:"node_id"`
	LogLevel  string            `mapstructure:"log_level"`
	BindAddr  string            `mapstructure:"bind_addr"`
	DataDir   string            `mapstructure:"data_dir"`
	Bootstrap bool              `mapstructure:"bootstrap"`
	PeerAddrs map[string]string `mapstructure:"peer_addrs"`
}

type ConsensusPeer struct {
	ID      string `mapstructure:"id"`
	Address string `mapstructure:"address"`
}

type ConsensusConfig struct {
	EngineType string          `mapstructure:"engine_type"`
	Nodes      []ConsensusPeer `mapstructure:"nodes"`
	Raft       RaftConfig      `mapstructure:"raft"`
}

type RaftConfig struct {
	HeartbeatIntervalMs        int    `mapstructure:"heartbeat_interval"`
	ElectionTimeoutMinMs       int    `mapstructure:"election_timeout_min"`
	ElectionTimeoutMaxMs       int    `mapstructure:"election_timeout_max"`
	SnapshotInterval           int    `mapstructure:"snapshot_interval"`
	LogPath                    string `mapstructure:"log_path"`
	LeadershipTransferInterval string `mapstructure:"leadership_transfer_interval"`
	FollowerAutoShutdown       bool   `mapstructure:"follower_auto_shutdown"`
}

type MempoolConfig struct {
	MaxTransactions int    `mapstructure:"max_transactions"`
	APIAddress      string `mapstructure:"api_address"`
	MaxTxSize       int    `mapstructure:"max_tx_size"`
	TxTimeoutSec    int    `mapstructure:"tx_timeout"`
}

type ContainerConfig struct {
	ContainerMode    string `mapstructure:"container_mode"`
	MaxContainers    int    `mapstructure:"max_containers"`
	ContainerTimeout int    `mapstructure:"container_timeout"`
	TeepodHost       string `mapstructure:"teepod_host"`
	TappdHost        string `mapstructure:"tappd_host"`
}

type ExecutorConfig struct {
	WorkerThreads         int `mapstructure:"worker_threads"`
	MaxQueueSize          int `mapstructure:"max_queue_size"`
	ExecutionTimeoutSec   int `mapstructure:"execution_timeout"`
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests"`
}

type StateConfig struct {
	DBType        string `mapstructure:"db_type"`
	DBConnection  string `mapstructure:"db_connection"`
	StateRootPath string `mapstructure:"state_root_path"`
}

type RestAPIConfig struct {
	KeyStorePath     string `mapstructure:"key_store_path"`
	RestBindAddress  string `mapstructure:"rest_bind_address"`
	AdminBindAddress string `mapstructure:"admin_bind_address"`
	TxTimeoutSec     int    `mapstructure:"tx_timeout"`
}

// AlertsConfig governs the operational Slack notifications described
// in spec.md §7's error policy (StateApplyFailed, leadership loss,
// container failure) — carried over from the teacher even though
// spec.md itself never names a distinct [alerts] section.
type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

// ReservedFlagsConfig mirrors sample-config keys the core never reads.
type ReservedFlagsConfig struct {
	EnablePOC bool `mapstructure:"enable_poc"`
	EnablePOM bool `mapstructure:"enable_pom"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.log_level", "info")
	v.SetDefault("consensus.engine_type", "raft")
	v.SetDefault("consensus.raft.heartbeat_interval", 500)
	v.SetDefault("consensus.raft.election_timeout_min", 1500)
	v.SetDefault("consensus.raft.election_timeout_max", 3000)
	v.SetDefault("consensus.raft.snapshot_interval", 10000)
	v.SetDefault("mempool.max_transactions", 10000)
	v.SetDefault("mempool.max_tx_size", 1048576)
	v.SetDefault("mempool.tx_timeout", 60)
	v.SetDefault("container.container_mode", "simulated")
	v.SetDefault("container.max_containers", 10)
	v.SetDefault("container.container_timeout", 30)
	v.SetDefault("executor.worker_threads", 4)
	v.SetDefault("executor.max_queue_size", 1000)
	v.SetDefault("executor.execution_timeout", 30)
	v.SetDefault("executor.max_concurrent_requests", 10)
	v.SetDefault("state.db_type", "sqlite")
	v.SetDefault("rest_api.rest_bind_address", "0.0.0.0:3000")
	v.SetDefault("rest_api.admin_bind_address", "0.0.0.0:3001")
	v.SetDefault("rest_api.tx_timeout", 30)
}

func (c *Config) Validate() error {
	if c.Node.NodeID == "" {
		return fmt.Errorf("node.node_id is required")
	}
	if c.State.DBType != "sqlite" && c.State.DBType != "postgres" {
		return fmt.Errorf("invalid state.db_type: %s (valid options: sqlite, postgres)", c.State.DBType)
	}
	if c.State.DBConnection == "" {
		return fmt.Errorf("state.db_connection is required")
	}
	if c.Container.ContainerMode != "simulated" && c.Container.ContainerMode != "cvm" {
		return fmt.Errorf("invalid container.container_mode: %s (valid options: simulated, cvm)", c.Container.ContainerMode)
	}
	if c.RestAPI.RestBindAddress == "" {
		return fmt.Errorf("rest_api.rest_bind_address is required")
	}
	if c.RestAPI.AdminBindAddress == "" {
		return fmt.Errorf("rest_api.admin_bind_address is required")
	}
	if c.Consensus.Raft.ElectionTimeoutMaxMs > 0 && c.Consensus.Raft.ElectionTimeoutMaxMs <= c.Consensus.Raft.ElectionTimeoutMinMs {
		return fmt.Errorf("consensus.raft.election_timeout_max must exceed election_timeout_min")
	}
	return nil
}
