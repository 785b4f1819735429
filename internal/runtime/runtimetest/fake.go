// Package runtimetest provides an in-memory runtime.Adapter for tests that
// need deterministic, non-Docker container lifecycle behavior.
package runtimetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/layer3studios/proxyclaw/internal/runtime"
)

// Fake is an in-memory runtime.Adapter. Zero value is ready to use.
type Fake struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*entry
	images     map[string]bool

	// FailCreate, if set, is returned by the next CreateContainer call.
	FailCreate error
	// FailStart, if set, is returned by every StartContainer call.
	FailStart error
}

type entry struct {
	spec    runtime.CreateSpec
	started bool
}

// NewFake creates an empty fake runtime.
func NewFake() *Fake {
	return &Fake{
		containers: make(map[string]*entry),
		images:     make(map[string]bool),
	}
}

// SeedImage marks ref as already present, so ImageExists returns true without a pull.
func (f *Fake) SeedImage(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = true
}

func (f *Fake) ListContainers(_ context.Context, all bool) ([]runtime.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ContainerSummary
	for id, e := range f.containers {
		if !all && !e.started {
			continue
		}
		out = append(out, runtime.ContainerSummary{ID: id, Names: []string{e.spec.Name}})
	}
	return out, nil
}

func (f *Fake) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *Fake) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = true
	return nil
}

func (f *Fake) CreateContainer(_ context.Context, spec runtime.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate != nil {
		err := f.FailCreate
		f.FailCreate = nil
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.containers[id] = &entry{spec: spec}
	return id, nil
}

func (f *Fake) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStart != nil {
		return f.FailStart
	}
	e, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	e.started = true
	return nil
}

func (f *Fake) StopContainer(_ context.Context, id string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.containers[id]
	if !ok {
		return nil
	}
	e.started = false
	return nil
}

func (f *Fake) RestartContainer(_ context.Context, id string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	e.started = true
	return nil
}

func (f *Fake) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *Fake) InspectContainer(_ context.Context, id string) (runtime.ContainerDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.containers[id]
	if !ok {
		return runtime.ContainerDetails{}, fmt.Errorf("no such container: %s", id)
	}
	state := "created"
	if e.started {
		state = "running"
	}
	return runtime.ContainerDetails{
		ID:      id,
		Name:    e.spec.Name,
		State:   state,
		Running: e.started,
		Labels:  e.spec.Labels,
	}, nil
}

func (f *Fake) ContainerLogs(_ context.Context, id string, _ runtime.LogOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return "", fmt.Errorf("no such container: %s", id)
	}
	return "", nil
}

func (f *Fake) ListPublishedPorts(_ context.Context) (map[int]struct{}, error) {
	return map[int]struct{}{}, nil
}

func (f *Fake) Close() error { return nil }

var _ runtime.Adapter = (*Fake)(nil)
