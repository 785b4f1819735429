// Package health runs a TCP probe loop against a deployment's published
// port, invoking a callback on the first successful connect.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/layer3studios/proxyclaw/internal/clock"
	"github.com/layer3studios/proxyclaw/internal/logging"
)

const connectTimeout = 2 * time.Second

// OnHealthy is invoked from the probe loop's own goroutine on first
// successful connect. It must not block for long.
type OnHealthy func(deploymentID string)

type registration struct {
	gen    uint64
	cancel context.CancelFunc
}

// Checker manages one cancellable probe loop per deployment. Registering a
// new probe for a deployment id already being probed cancels the prior one.
type Checker struct {
	log   *logging.Logger
	clock clock.Clock

	mu      sync.Mutex
	nextGen uint64
	regs    map[string]registration
}

// New creates a Checker.
func New(log *logging.Logger, clk clock.Clock) *Checker {
	return &Checker{
		log:   log,
		clock: clk,
		regs:  make(map[string]registration),
	}
}

// Start begins probing 127.0.0.1:port for deploymentID at the given
// interval, for up to budget total wall time. If budget elapses without a
// successful connect, the probe is silently dropped (the Reaper is
// expected to reconcile stuck deployments later). Calling Start again for
// the same deploymentID cancels the previous probe first.
func (c *Checker) Start(ctx context.Context, deploymentID string, port int, interval, budget time.Duration, onHealthy OnHealthy) {
	c.Cancel(deploymentID)

	probeCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.nextGen++
	gen := c.nextGen
	c.regs[deploymentID] = registration{gen: gen, cancel: cancel}
	c.mu.Unlock()

	go c.run(probeCtx, deploymentID, gen, port, interval, budget, onHealthy)
}

// Cancel stops the probe loop for deploymentID, if one is running.
func (c *Checker) Cancel(deploymentID string) {
	c.mu.Lock()
	reg, ok := c.regs[deploymentID]
	delete(c.regs, deploymentID)
	c.mu.Unlock()
	if ok {
		reg.cancel()
	}
}

// IsProbing reports whether a probe loop is currently registered for id.
func (c *Checker) IsProbing(deploymentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.regs[deploymentID]
	return ok
}

func (c *Checker) run(ctx context.Context, deploymentID string, gen uint64, port int, interval, budget time.Duration, onHealthy OnHealthy) {
	deadline := c.clock.Now().Add(budget)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	defer c.clearIfCurrentGen(deploymentID, gen)

	for {
		if probe(addr) {
			c.log.Info("health probe succeeded", "deployment_id", deploymentID, "port", port)
			onHealthy(deploymentID)
			return
		}

		if c.clock.Now().After(deadline) {
			c.log.Warn("health probe budget exhausted, dropping", "deployment_id", deploymentID, "port", port)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
		}
	}
}

// clearIfCurrentGen removes the registry entry for id, but only if it is
// still the registration this goroutine was started for — a newer Start
// for the same id must not have its entry stolen by an older goroutine
// winding down.
func (c *Checker) clearIfCurrentGen(deploymentID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg, ok := c.regs[deploymentID]; ok && reg.gen == gen {
		delete(c.regs, deploymentID)
	}
}

func probe(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
