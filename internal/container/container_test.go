package container

import (
	"context"
	"errors"
	"testing"

	"github.com/cvmnode/cvmnode/internal/config"
	"github.com/cvmnode/cvmnode/internal/nodeerr"
)

func newTestManager() *Manager {
	cfg := config.ContainerConfig{ContainerTimeout: 5}
	return NewManager(cfg, "node1", NewSimulatedDriver(20000))
}

func TestGenerateAddressFormat(t *testing.T) {
	addr := GenerateAddress("node1", 1, "my-contract")

	if len(addr) != 34 {
		t.Fatalf("expected a 34-char address (0x + 32 hex), got %d: %s", len(addr), addr)
	}
	if addr[:2] != "0x" {
		t.Errorf("expected 0x prefix, got %s", addr)
	}
}

func TestGenerateAddressUniquePerCounter(t *testing.T) {
	a := GenerateAddress("node1", 1, "same-name")
	b := GenerateAddress("node1", 2, "same-name")

	if a == b {
		t.Error("expected different counters to produce different addresses")
	}
}

func TestCreateTransitionsToRunning(t *testing.T) {
	m := newTestManager()

	c, err := m.Create(context.Background(), CreateSpec{Name: "contract-a"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if c.State != Running {
		t.Errorf("expected Running, got %s", c.State)
	}
	if c.Endpoint == "" {
		t.Error("expected a resolved endpoint")
	}
}

func TestResolveUnknownAddress(t *testing.T) {
	m := newTestManager()

	if _, err := m.Resolve("0xdoesnotexist"); !nodeerr.IsKind(err, nodeerr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestResolveFailsWhenNotRunning(t *testing.T) {
	m := newTestManager()
	c, err := m.Create(context.Background(), CreateSpec{Name: "contract-a"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	m.setState(c.Address, Failed)

	if _, err := m.Resolve(c.Address); !nodeerr.IsKind(err, nodeerr.ContainerUnavailable) {
		t.Errorf("expected ContainerUnavailable, got %v", err)
	}
}

func TestTryConsumeEnforcesQuota(t *testing.T) {
	m := newTestManager()
	c, err := m.Create(context.Background(), CreateSpec{Name: "contract-a", DailyCallQuota: 2})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := m.TryConsume(c.Address); err != nil {
		t.Fatalf("expected 1st call to succeed: %v", err)
	}
	if err := m.TryConsume(c.Address); err != nil {
		t.Fatalf("expected 2nd call to succeed: %v", err)
	}
	if err := m.TryConsume(c.Address); !nodeerr.IsKind(err, nodeerr.QuotaExceeded) {
		t.Errorf("expected QuotaExceeded on 3rd call, got %v", err)
	}
}

func TestTryConsumeUnlimitedWhenQuotaZero(t *testing.T) {
	m := newTestManager()
	c, err := m.Create(context.Background(), CreateSpec{Name: "contract-a"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i := 0; i < 100; i++ {
		if err := m.TryConsume(c.Address); err != nil {
			t.Fatalf("call %d should not be rate limited: %v", i, err)
		}
	}
}

func TestListReturnsSnapshot(t *testing.T) {
	m := newTestManager()
	if _, err := m.Create(context.Background(), CreateSpec{Name: "a"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := m.Create(context.Background(), CreateSpec{Name: "b"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 containers, got %d", len(list))
	}
}

func TestRemoveDeletesEntry(t *testing.T) {
	m := newTestManager()
	c, err := m.Create(context.Background(), CreateSpec{Name: "a"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := m.Remove(context.Background(), c.Address); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := m.Resolve(c.Address); !nodeerr.IsKind(err, nodeerr.NotFound) {
		t.Errorf("expected NotFound after removal, got %v", err)
	}
}

type failingDriver struct{}

func (failingDriver) Start(ctx context.Context, c *ContractContainer) (string, error) {
	return "", errors.New("boom")
}
func (failingDriver) Stop(ctx context.Context, c *ContractContainer) error { return nil }
func (failingDriver) Probe(ctx context.Context, endpoint string) error    { return nil }

func TestCreateFailsWhenDriverStartFails(t *testing.T) {
	m := NewManager(config.ContainerConfig{ContainerTimeout: 1}, "node1", failingDriver{})

	if _, err := m.Create(context.Background(), CreateSpec{Name: "a"}); !nodeerr.IsKind(err, nodeerr.ContainerUnavailable) {
		t.Errorf("expected ContainerUnavailable, got %v", err)
	}
}
