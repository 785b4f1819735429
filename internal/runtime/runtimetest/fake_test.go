package runtimetest

import (
	"context"
	"testing"

	"github.com/layer3studios/proxyclaw/internal/runtime"
)

func TestFakeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	id, err := f.CreateContainer(ctx, runtime.CreateSpec{Name: "agent-1"})
	if err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}

	details, err := f.InspectContainer(ctx, id)
	if err != nil {
		t.Fatalf("InspectContainer() error = %v", err)
	}
	if details.Running {
		t.Error("newly created container should not be running yet")
	}

	if err := f.StartContainer(ctx, id); err != nil {
		t.Fatalf("StartContainer() error = %v", err)
	}
	details, _ = f.InspectContainer(ctx, id)
	if !details.Running {
		t.Error("container should be running after StartContainer")
	}

	if err := f.RemoveContainer(ctx, id); err != nil {
		t.Fatalf("RemoveContainer() error = %v", err)
	}
	if _, err := f.InspectContainer(ctx, id); err == nil {
		t.Error("expected error inspecting removed container")
	}
}

func TestFakeCreateContainerFailsOnce(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.FailCreate = context.DeadlineExceeded

	if _, err := f.CreateContainer(ctx, runtime.CreateSpec{Name: "x"}); err == nil {
		t.Fatal("expected injected CreateContainer failure")
	}
	if _, err := f.CreateContainer(ctx, runtime.CreateSpec{Name: "x"}); err != nil {
		t.Fatalf("second CreateContainer should succeed, got %v", err)
	}
}

func TestFakeImageExists(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	ok, _ := f.ImageExists(ctx, "myimage:latest")
	if ok {
		t.Error("ImageExists should be false before seeding")
	}
	f.SeedImage("myimage:latest")
	ok, _ = f.ImageExists(ctx, "myimage:latest")
	if !ok {
		t.Error("ImageExists should be true after seeding")
	}
}
