// Package runtime adapts the orchestration core to a container runtime.
// The only implementation is the Docker Engine API, but callers depend on
// the Adapter interface so tests can substitute a fake.
package runtime

import (
	"context"
	"time"
)

// PortBinding describes one published port on a running container.
type PortBinding struct {
	PrivatePort uint16
	PublicPort  uint16
	Proto       string
}

// ContainerSummary is the trimmed view returned by ListContainers.
type ContainerSummary struct {
	ID    string
	Names []string
	Ports []PortBinding
}

// ContainerDetails is the trimmed view returned by InspectContainer.
type ContainerDetails struct {
	ID       string
	Name     string
	State    string // "running", "exited", "restarting", ...
	Running  bool
	ExitCode int
	Started  time.Time
	Labels   map[string]string
}

// RestartPolicy mirrors the Docker restart policy subset the core uses.
type RestartPolicy struct {
	Name       string // "", "on-failure", "unless-stopped", "always"
	MaxRetries int
}

// HostPortBinding maps a container's exposed port to a host port to bind on 127.0.0.1.
type HostPortBinding struct {
	HostPort string
}

// CreateSpec describes a container to be created.
type CreateSpec struct {
	Image         string
	Name          string
	Env           []string
	Binds         []string
	PortBindings  map[string][]HostPortBinding // "18789/tcp" -> [{HostPort: "20143"}]
	ExposedPorts  []string                     // "18789/tcp"
	MemoryBytes   int64
	NanoCPUs      int64
	RestartPolicy RestartPolicy
	Labels        map[string]string
}

// LogOptions controls ContainerLogs output.
type LogOptions struct {
	Tail       int
	Timestamps bool
}

// Adapter is the subset of container runtime operations the orchestration
// core requires. Implemented by Client against the Docker Engine API.
type Adapter interface {
	ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error)
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, graceSec int) error
	RestartContainer(ctx context.Context, id string, graceSec int) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (ContainerDetails, error)
	ContainerLogs(ctx context.Context, id string, opts LogOptions) (string, error)

	// ListPublishedPorts returns the set of host ports currently published by
	// any container, used by the port allocator as runtime evidence alongside
	// its own in-flight set.
	ListPublishedPorts(ctx context.Context) (map[int]struct{}, error)

	Close() error
}

// Verify Client implements Adapter at compile time.
var _ Adapter = (*Client)(nil)
