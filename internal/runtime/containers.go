package runtime

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/docker/go-connections/nat"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// ListContainers returns a trimmed summary of containers, all of them if
// all is true, otherwise only running ones.
func (c *Client) ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error) {
	opts := client.ContainerListOptions{All: all}
	if !all {
		opts.Filters = make(client.Filters).Add("status", "running")
	}
	result, err := c.api.ContainerList(ctx, opts)
	if err != nil {
		return nil, err
	}

	out := make([]ContainerSummary, 0, len(result.Items))
	for _, item := range result.Items {
		sum := ContainerSummary{ID: item.ID, Names: item.Names}
		for _, p := range item.Ports {
			sum.Ports = append(sum.Ports, PortBinding{
				PrivatePort: p.PrivatePort,
				PublicPort:  p.PublicPort,
				Proto:       string(p.Type),
			})
		}
		out = append(out, sum)
	}
	return out, nil
}

// InspectContainer returns trimmed container details by ID.
func (c *Client) InspectContainer(ctx context.Context, id string) (ContainerDetails, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return ContainerDetails{}, err
	}
	insp := result.Container

	details := ContainerDetails{
		ID:     insp.ID,
		Name:   insp.Name,
		Labels: insp.Config.Labels,
	}
	if insp.State != nil {
		details.State = insp.State.Status
		details.Running = insp.State.Running
		details.ExitCode = insp.State.ExitCode
		if t, perr := parseDockerTime(insp.State.StartedAt); perr == nil {
			details.Started = t
		}
	}
	return details, nil
}

// StopContainer stops a running container, giving it graceSec to exit cleanly.
func (c *Client) StopContainer(ctx context.Context, id string, graceSec int) error {
	_, err := c.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &graceSec})
	return err
}

// RestartContainer restarts a running container, giving it graceSec to stop first.
func (c *Client) RestartContainer(ctx context.Context, id string, graceSec int) error {
	_, err := c.api.ContainerRestart(ctx, id, client.ContainerRestartOptions{Timeout: &graceSec})
	return err
}

// RemoveContainer force-removes a container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	return err
}

// CreateContainer creates a new container from spec and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	exposed := make(nat.PortSet, len(spec.ExposedPorts))
	for _, p := range spec.ExposedPorts {
		exposed[nat.Port(p)] = struct{}{}
	}

	bindings := make(nat.PortMap, len(spec.PortBindings))
	for containerPort, hosts := range spec.PortBindings {
		pb := make([]nat.PortBinding, 0, len(hosts))
		for _, h := range hosts {
			pb = append(pb, nat.PortBinding{HostIP: "127.0.0.1", HostPort: h.HostPort})
		}
		bindings[nat.Port(containerPort)] = pb
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: exposed,
		Labels:       spec.Labels,
	}

	hostCfg := &container.HostConfig{
		Binds:        spec.Binds,
		PortBindings: bindings,
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	if spec.RestartPolicy.Name != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyMode(spec.RestartPolicy.Name),
			MaximumRetryCount: spec.RestartPolicy.MaxRetries,
		}
	}

	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             spec.Name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: &network.NetworkingConfig{},
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return err
}

// ImageExists reports whether the image reference is already present locally.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := c.api.ImageInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PullImage pulls an image by reference and waits for the pull to complete.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	resp, err := c.api.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return err
	}
	return resp.Wait(ctx)
}

// ContainerLogs returns the container's recent log output as plain text,
// merging stdout and stderr.
func (c *Client) ContainerLogs(ctx context.Context, id string, opts LogOptions) (string, error) {
	tail := "all"
	if opts.Tail > 0 {
		tail = strconv.Itoa(opts.Tail)
	}
	logOpts := client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
		Timestamps: opts.Timestamps,
	}
	reader, err := c.api.ContainerLogs(ctx, id, logOpts)
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}
	return stdout.String(), nil
}

// ListPublishedPorts returns the set of host ports currently published by
// any container on the daemon, used as runtime-evidence by the port
// allocator alongside its own in-memory in-flight set.
func (c *Client) ListPublishedPorts(ctx context.Context) (map[int]struct{}, error) {
	result, err := c.api.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return nil, err
	}

	ports := make(map[int]struct{})
	for _, item := range result.Items {
		for _, p := range item.Ports {
			if p.PublicPort != 0 {
				ports[int(p.PublicPort)] = struct{}{}
			}
		}
	}
	return ports, nil
}
