// Package container implements component C, the container manager: it
// owns the address → ContractContainer map, drives container lifecycle
// through a pluggable Driver, enforces per-address daily call quotas,
// and probes readiness after create. Executor (component D) never
// talks to the driver directly, it only calls Resolve/TryConsume here.
package container

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvmnode/cvmnode/internal/config"
	"github.com/cvmnode/cvmnode/internal/nodeerr"
)

// State is a ContractContainer's lifecycle state.
type State string

const (
	Starting State = "Starting"
	Running  State = "Running"
	Failed   State = "Failed"
	Stopped  State = "Stopped"
)

// AuthorizationType governs whether a contract's own path requires an
// API key beyond what the REST ingress already enforces.
type AuthorizationType string

const (
	AuthNone    AuthorizationType = "None"
	AuthApiKey  AuthorizationType = "ApiKey"
)

// ContractContainer is a single managed contract deployment.
type ContractContainer struct {
	Address           string            `json:"address"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Image             string            `json:"image"`
	Compose           string            `json:"docker_compose"`
	Endpoint          string            `json:"endpoint"`
	AuthorizationType AuthorizationType `json:"authorization_type"`
	PathPrefix        string            `json:"path"`
	DailyCallQuota    int               `json:"daily_call_quota"`
	State             State             `json:"state"`

	quotaDay   string
	quotaCount int
}

// CreateSpec is the admin-supplied request to create a container.
type CreateSpec struct {
	Name              string
	Description       string
	Image             string
	Compose           string
	AuthorizationType AuthorizationType
	PathPrefix        string
	DailyCallQuota    int
}

// Driver is the per-deployment-target capability set (start, stop,
// probe), implemented once per target so the executor and manager never
// reach into the host directly. Resolving an address to its endpoint is
// not a Driver call; Manager.Resolve does it from the container map.
type Driver interface {
	// Start launches the container and returns its host:port endpoint.
	Start(ctx context.Context, c *ContractContainer) (endpoint string, err error)
	// Stop tears the container down.
	Stop(ctx context.Context, c *ContractContainer) error
	// Probe reports whether endpoint is ready to serve requests.
	Probe(ctx context.Context, endpoint string) error
}

// Manager owns the container map and enforces quota.
type Manager struct {
	mu         sync.RWMutex
	containers map[string]*ContractContainer

	driver  Driver
	cfg     config.ContainerConfig
	nodeID  string
	counter uint64
}

// NewManager builds a Manager using driver for lifecycle operations.
// nodeID is folded into generated addresses so a multi-leader-over-time
// cluster never collides (spec.md §9: derive from
// (leader_id, monotonic_counter, hash(name))).
func NewManager(cfg config.ContainerConfig, nodeID string, driver Driver) *Manager {
	return &Manager{
		containers: make(map[string]*ContractContainer),
		driver:     driver,
		cfg:        cfg,
		nodeID:     nodeID,
	}
}

// GenerateAddress derives a 128-bit contract address from the node id, a
// monotonic per-node counter, and the contract name. No wall-clock
// component is used, per spec.md §9.
func GenerateAddress(nodeID string, counter uint64, name string) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s:%d:%s", nodeID, counter, name)
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[:16])
}

// Create assigns a fresh address, launches the container through the
// driver, and probes it until ready or container.container_timeout
// elapses.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*ContractContainer, error) {
	seq := atomic.AddUint64(&m.counter, 1)
	address := GenerateAddress(m.nodeID, seq, spec.Name)

	c := &ContractContainer{
		Address:           address,
		Name:              spec.Name,
		Description:       spec.Description,
		Image:             spec.Image,
		Compose:           spec.Compose,
		AuthorizationType: spec.AuthorizationType,
		PathPrefix:        spec.PathPrefix,
		DailyCallQuota:    spec.DailyCallQuota,
		State:             Starting,
	}

	m.mu.Lock()
	m.containers[address] = c
	m.mu.Unlock()

	endpoint, err := m.driver.Start(ctx, c)
	if err != nil {
		m.setState(address, Failed)
		return nil, nodeerr.Wrap(nodeerr.ContainerUnavailable, "start container "+address, err)
	}

	m.mu.Lock()
	c.Endpoint = endpoint
	m.mu.Unlock()

	if err := m.probeUntilReady(ctx, endpoint); err != nil {
		m.setState(address, Failed)
		return nil, nodeerr.Wrap(nodeerr.ContainerUnavailable, "container "+address+" never became ready", err)
	}

	m.setState(address, Running)
	return c, nil
}

func (m *Manager) probeUntilReady(ctx context.Context, endpoint string) error {
	timeout := time.Duration(m.cfg.ContainerTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := m.driver.Probe(ctx, endpoint); err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("health probe timed out after %s", timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) setState(address string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[address]; ok {
		c.State = state
	}
}

// List returns a snapshot of every known container.
func (m *Manager) List() []ContractContainer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ContractContainer, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, *c)
	}
	return out
}

// Remove stops and forgets the container at address.
func (m *Manager) Remove(ctx context.Context, address string) error {
	m.mu.Lock()
	c, ok := m.containers[address]
	m.mu.Unlock()
	if !ok {
		return nodeerr.New(nodeerr.NotFound, "no container at address "+address)
	}

	if err := m.driver.Stop(ctx, c); err != nil {
		return nodeerr.Wrap(nodeerr.ContainerUnavailable, "stop container "+address, err)
	}

	m.mu.Lock()
	c.State = Stopped
	delete(m.containers, address)
	m.mu.Unlock()
	return nil
}

// Resolve returns the endpoint for a Running container at address.
func (m *Manager) Resolve(address string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.containers[address]
	if !ok {
		return "", nodeerr.New(nodeerr.NotFound, "no container at address "+address)
	}
	if c.State != Running {
		return "", nodeerr.New(nodeerr.ContainerUnavailable, "container "+address+" is "+string(c.State))
	}
	return c.Endpoint, nil
}

// TryConsume charges one call against address's daily quota, resetting
// the counter at each UTC day boundary. It must be called before every
// dispatch to that address.
func (m *Manager) TryConsume(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[address]
	if !ok {
		return nodeerr.New(nodeerr.NotFound, "no container at address "+address)
	}
	if c.DailyCallQuota <= 0 {
		return nil
	}

	today := time.Now().UTC().Format("2006-01-02")
	if c.quotaDay != today {
		c.quotaDay = today
		c.quotaCount = 0
	}

	if c.quotaCount >= c.DailyCallQuota {
		return nodeerr.New(nodeerr.QuotaExceeded, "daily call quota exceeded for "+address)
	}
	c.quotaCount++
	return nil
}
