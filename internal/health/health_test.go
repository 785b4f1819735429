package health

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/layer3studios/proxyclaw/internal/logging"
)

// fakeClock auto-advances its notion of "now" by d whenever After is called,
// so a probe loop under test reaches its budget deadline deterministically
// without a real sleep.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func testLogger() *logging.Logger { return logging.New(false) }

func listenerPort(t *testing.T) (int, func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return l.Addr().(*net.TCPAddr).Port, func() { l.Close() }
}

func TestStartCallsOnHealthyWhenPortOpen(t *testing.T) {
	port, closeFn := listenerPort(t)
	defer closeFn()

	c := New(testLogger(), newFakeClock(time.Now()))

	done := make(chan string, 1)
	c.Start(context.Background(), "dep-1", port, 10*time.Millisecond, time.Second, func(id string) {
		done <- id
	})

	select {
	case id := <-done:
		if id != "dep-1" {
			t.Errorf("onHealthy called with %q, want dep-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onHealthy was not called in time")
	}

	time.Sleep(10 * time.Millisecond)
	if c.IsProbing("dep-1") {
		t.Error("probe still registered after success")
	}
}

func TestStartDropsAfterBudgetExhausted(t *testing.T) {
	// No listener on this port, so every probe fails.
	port, closeFn := listenerPort(t)
	closeFn()

	clk := newFakeClock(time.Now())
	c := New(testLogger(), clk)

	called := make(chan struct{})
	c.Start(context.Background(), "dep-1", port, 10*time.Millisecond, 30*time.Millisecond, func(string) {
		close(called)
	})

	time.Sleep(200 * time.Millisecond)

	select {
	case <-called:
		t.Fatal("onHealthy should not have been called: no listener on port")
	default:
	}
	if c.IsProbing("dep-1") {
		t.Error("probe should have deregistered itself after budget exhaustion")
	}
}

func TestStartCancelsPriorProbeForSameDeployment(t *testing.T) {
	port, closeFn := listenerPort(t)
	closeFn()

	c := New(testLogger(), newFakeClock(time.Now()))

	c.Start(context.Background(), "dep-1", port, 5*time.Millisecond, time.Hour, func(string) {})
	if !c.IsProbing("dep-1") {
		t.Fatal("expected probe registered after first Start")
	}

	c.Start(context.Background(), "dep-1", port, 5*time.Millisecond, time.Hour, func(string) {})
	if !c.IsProbing("dep-1") {
		t.Error("expected probe still registered after second Start replaces the first")
	}

	c.Cancel("dep-1")
	if c.IsProbing("dep-1") {
		t.Error("expected probe deregistered after Cancel")
	}
}

func TestCancelIsNoOpWhenNothingRegistered(t *testing.T) {
	c := New(testLogger(), newFakeClock(time.Now()))
	c.Cancel("no-such-deployment")
}
