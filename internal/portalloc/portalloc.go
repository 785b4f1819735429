// Package portalloc allocates host ports for agent containers, guarding
// against collisions across three evidence sources: the persisted
// deployment records, this process's own in-flight reservations, and the
// container runtime's currently published ports.
package portalloc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/layer3studios/proxyclaw/internal/apperr"
	"github.com/layer3studios/proxyclaw/internal/runtime"
	"github.com/layer3studios/proxyclaw/internal/store"
)

// Allocator hands out host ports in [Min, Max] that are free across the
// store, this process, and the runtime, and bindable by the OS.
type Allocator struct {
	min, max int
	store    *store.Store
	rt       runtime.Adapter

	mu       sync.Mutex
	inFlight map[int]bool
}

// New creates an Allocator over the given inclusive port range.
func New(min, max int, st *store.Store, rt runtime.Adapter) *Allocator {
	return &Allocator{
		min:      min,
		max:      max,
		store:    st,
		rt:       rt,
		inFlight: make(map[int]bool),
	}
}

// Allocate reserves a port in-flight and returns it. The caller must
// either persist it via atomic reservation (clearing the in-flight entry
// on success) or call Release if it gives up the port for any other
// reason.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	usedByStore, err := a.usedByStore()
	if err != nil {
		return 0, fmt.Errorf("list store-used ports: %w", err)
	}

	usedByRuntime, err := a.rt.ListPublishedPorts(ctx)
	if err != nil {
		// Runtime-unavailable: proceed with only the other two evidence
		// sources; the OS bind check below is the last line of defense.
		usedByRuntime = nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port <= a.max; port++ {
		_, runtimeUsed := usedByRuntime[port]
		if usedByStore[port] || runtimeUsed || a.inFlight[port] {
			continue
		}
		a.inFlight[port] = true
		if bindable(port) {
			return port, nil
		}
		delete(a.inFlight, port)
	}
	return 0, apperr.PortExhausted(fmt.Sprintf("no free port in [%d, %d]", a.min, a.max))
}

// Release removes port from the in-flight set.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, port)
}

// Reserve performs a final OS bind re-check then a compare-and-swap
// persistence write: internalPort=port is set only if the deployment is
// still in StatusConfiguring. The in-flight entry for port is cleared
// regardless of outcome.
func (a *Allocator) Reserve(deploymentID string, port int) (*store.Deployment, error) {
	defer a.Release(port)

	if !bindable(port) {
		return nil, fmt.Errorf("port %d no longer bindable at reservation time", port)
	}

	return a.store.UpdateDeployment(deploymentID, store.StatusConfiguring, func(d *store.Deployment) {
		d.InternalPort = port
	})
}

func (a *Allocator) usedByStore() (map[int]bool, error) {
	deployments, err := a.store.ListDeploymentsByFilter(func(d *store.Deployment) bool {
		return d.InternalPort != 0 &&
			d.Status != store.StatusStopped &&
			d.Status != store.StatusError &&
			d.Status != store.StatusIdle
	})
	if err != nil {
		return nil, err
	}
	used := make(map[int]bool, len(deployments))
	for _, d := range deployments {
		used[d.InternalPort] = true
	}
	return used, nil
}

// bindable reports whether port can be bound on both the loopback and the
// wildcard address, the same dual-bind check the runtime uses itself.
func bindable(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	l1, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	l1.Close()

	addr = fmt.Sprintf("0.0.0.0:%d", port)
	l2, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	l2.Close()
	return true
}
