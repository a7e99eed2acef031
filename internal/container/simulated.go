package container

import (
	"context"
	"fmt"
	"sync/atomic"
)

// SimulatedDriver is the in-process stub driver: it never shells out to a
// real container runtime, it just hands back a synthetic loopback
// endpoint and always reports healthy. Used for container_mode =
// "simulated", the default, and in tests.
type SimulatedDriver struct {
	port uint32
}

// NewSimulatedDriver returns a driver whose synthetic endpoints start at
// basePort and increment per container.
func NewSimulatedDriver(basePort int) *SimulatedDriver {
	return &SimulatedDriver{port: uint32(basePort)}
}

func (d *SimulatedDriver) Start(ctx context.Context, c *ContractContainer) (string, error) {
	p := atomic.AddUint32(&d.port, 1)
	return fmt.Sprintf("127.0.0.1:%d", p), nil
}

func (d *SimulatedDriver) Stop(ctx context.Context, c *ContractContainer) error {
	return nil
}

func (d *SimulatedDriver) Probe(ctx context.Context, endpoint string) error {
	return nil
}
