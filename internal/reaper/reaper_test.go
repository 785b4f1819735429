package reaper

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/layer3studios/proxyclaw/internal/clock"
	"github.com/layer3studios/proxyclaw/internal/config"
	"github.com/layer3studios/proxyclaw/internal/configmat"
	"github.com/layer3studios/proxyclaw/internal/crypto"
	"github.com/layer3studios/proxyclaw/internal/events"
	"github.com/layer3studios/proxyclaw/internal/health"
	"github.com/layer3studios/proxyclaw/internal/logging"
	"github.com/layer3studios/proxyclaw/internal/modelcfg"
	"github.com/layer3studios/proxyclaw/internal/notify"
	"github.com/layer3studios/proxyclaw/internal/orchestrator"
	"github.com/layer3studios/proxyclaw/internal/portalloc"
	"github.com/layer3studios/proxyclaw/internal/runtime"
	"github.com/layer3studios/proxyclaw/internal/runtime/runtimetest"
	"github.com/layer3studios/proxyclaw/internal/store"
)

func testReaper(t *testing.T) (*Reaper, *store.Store, *runtimetest.Fake) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := runtimetest.NewFake()
	fake.SeedImage("registry.example.com/agent:latest")

	cfg := &config.Config{
		MinAgentPort:       20000,
		MaxAgentPort:       20010,
		AgentInternalPort:  18789,
		AgentImage:         "registry.example.com/agent:latest",
		AgentMemoryLimit:   768 * (1 << 20),
		AgentCPUNano:       750_000_000,
		AgentMaxRestarts:   3,
		MaxRunningAgents:   2,
		ContainerPrefix:    "proxyclaw",
		IdleTimeoutMinutes: 10,
		ReminderDays:       3,
	}

	alloc := portalloc.New(cfg.MinAgentPort, cfg.MaxAgentPort, st, fake)
	models, err := modelcfg.Load()
	if err != nil {
		t.Fatalf("modelcfg.Load: %v", err)
	}
	mat := configmat.New(t.TempDir(), logging.New(false))
	checker := health.New(logging.New(false), clock.Real{})
	bus := events.New()
	secrets, err := crypto.NewManagerFromHex(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("crypto.NewManagerFromHex: %v", err)
	}

	orch := orchestrator.New(st, fake, alloc, models, mat, checker, bus, cfg, secrets, logging.New(false), clock.Real{})
	notifier := notify.NewMulti(logging.New(false), notify.NewLogNotifier(logging.New(false)))

	r := New(st, orch, fake, notifier, bus, cfg, logging.New(false), clock.Real{})
	return r, st, fake
}

func TestReconcileZombiesMarksMissingContainerAsError(t *testing.T) {
	r, st, _ := testReaper(t)

	d := &store.Deployment{ID: "dep-1", UserID: "u", Subdomain: "dep-1", Status: store.StatusHealthy, ContainerID: "ghost-container"}
	if err := st.CreateDeployment(d); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	count := r.reconcileZombies(context.Background())
	if count != 1 {
		t.Fatalf("reconcileZombies() = %d, want 1", count)
	}

	got, _ := st.FindDeploymentByID("dep-1")
	if got.Status != store.StatusError {
		t.Errorf("status = %q, want %q", got.Status, store.StatusError)
	}
	if got.ContainerID != "" {
		t.Errorf("expected ContainerID cleared, got %q", got.ContainerID)
	}
}

func TestReconcileZombiesLeavesLiveContainerAlone(t *testing.T) {
	r, st, fake := testReaper(t)

	ctx := context.Background()
	id, err := fake.CreateContainer(ctx, dummySpec())
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if err := fake.StartContainer(ctx, id); err != nil {
		t.Fatalf("StartContainer: %v", err)
	}

	d := &store.Deployment{ID: "dep-1", UserID: "u", Subdomain: "dep-1", Status: store.StatusHealthy, ContainerID: id}
	if err := st.CreateDeployment(d); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	count := r.reconcileZombies(ctx)
	if count != 0 {
		t.Fatalf("reconcileZombies() = %d, want 0", count)
	}

	got, _ := st.FindDeploymentByID("dep-1")
	if got.Status != store.StatusHealthy {
		t.Errorf("status = %q, want unchanged %q", got.Status, store.StatusHealthy)
	}
}

func TestHibernateIdleStopsStaleDeployment(t *testing.T) {
	r, st, _ := testReaper(t)

	old := time.Now().Add(-time.Hour)
	d := &store.Deployment{ID: "dep-1", UserID: "u", Subdomain: "dep-1", Status: store.StatusHealthy, ContainerID: "c-1", InternalPort: 20001, LastRequestAt: &old}
	if err := st.CreateDeployment(d); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	count := r.hibernateIdle(context.Background())
	if count != 1 {
		t.Fatalf("hibernateIdle() = %d, want 1", count)
	}

	got, _ := st.FindDeploymentByID("dep-1")
	if got.Status != store.StatusStopped {
		t.Errorf("status = %q, want %q", got.Status, store.StatusStopped)
	}
}

func TestHibernateIdleSkipsRecentlyActiveDeployment(t *testing.T) {
	r, st, _ := testReaper(t)

	recent := time.Now()
	d := &store.Deployment{ID: "dep-1", UserID: "u", Subdomain: "dep-1", Status: store.StatusHealthy, ContainerID: "c-1", InternalPort: 20001, LastRequestAt: &recent}
	if err := st.CreateDeployment(d); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	count := r.hibernateIdle(context.Background())
	if count != 0 {
		t.Fatalf("hibernateIdle() = %d, want 0", count)
	}
}

func TestExpireSubscriptionsMarksExpiredAndStopsDeployments(t *testing.T) {
	r, st, _ := testReaper(t)

	past := time.Now().Add(-time.Hour)
	u := &store.User{ID: "user-1", Email: "tenant@example.com", AuthProvider: store.AuthProviderEmail, SubscriptionStatus: store.SubscriptionActive, SubscriptionExpiresAt: &past, MaxAgents: 3}
	if err := st.CreateUser(u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	d := &store.Deployment{ID: "dep-1", UserID: "user-1", Subdomain: "dep-1", Status: store.StatusHealthy, ContainerID: "c-1", InternalPort: 20001}
	if err := st.CreateDeployment(d); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	count := r.expireSubscriptions(context.Background())
	if count != 1 {
		t.Fatalf("expireSubscriptions() = %d, want 1", count)
	}

	gotUser, _ := st.FindUserByID("user-1")
	if gotUser.SubscriptionStatus != store.SubscriptionExpired {
		t.Errorf("SubscriptionStatus = %q, want %q", gotUser.SubscriptionStatus, store.SubscriptionExpired)
	}
	if gotUser.MaxAgents != 0 {
		t.Errorf("MaxAgents = %d, want 0", gotUser.MaxAgents)
	}

	gotDep, _ := st.FindDeploymentByID("dep-1")
	if gotDep.Status != store.StatusStopped {
		t.Errorf("deployment status = %q, want %q", gotDep.Status, store.StatusStopped)
	}
}

func TestSendRemindersOnlyNotifiesWithinWindow(t *testing.T) {
	r, st, _ := testReaper(t)

	soon := time.Now().Add(24 * time.Hour)
	far := time.Now().Add(30 * 24 * time.Hour)

	near := &store.User{ID: "user-near", Email: "near@example.com", AuthProvider: store.AuthProviderEmail, SubscriptionStatus: store.SubscriptionActive, SubscriptionExpiresAt: &soon}
	later := &store.User{ID: "user-far", Email: "far@example.com", AuthProvider: store.AuthProviderEmail, SubscriptionStatus: store.SubscriptionActive, SubscriptionExpiresAt: &far}
	if err := st.CreateUser(near); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := st.CreateUser(later); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	count := r.sendReminders(context.Background())
	if count != 1 {
		t.Fatalf("sendReminders() = %d, want 1", count)
	}

	gotNear, _ := st.FindUserByID("user-near")
	if !gotNear.ExpiryReminderSent {
		t.Error("expected near-expiry user to be marked reminded")
	}
	gotFar, _ := st.FindUserByID("user-far")
	if gotFar.ExpiryReminderSent {
		t.Error("expected far-expiry user to not be reminded yet")
	}
}

func TestRunOnceSkipsWhenAlreadyRunning(t *testing.T) {
	r, _, _ := testReaper(t)
	r.running.Store(true)
	defer r.running.Store(false)

	r.RunOnce(context.Background())

	if !r.running.Load() {
		t.Error("expected running flag to remain set when RunOnce was skipped as re-entrant")
	}
}

func dummySpec() runtime.CreateSpec {
	return runtime.CreateSpec{
		Image: "registry.example.com/agent:latest",
		Name:  "zombie-test",
	}
}
