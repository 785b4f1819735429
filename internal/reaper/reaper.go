// Package reaper periodically reconciles deployment state against the
// container runtime and enforces subscription lifecycle rules: zombie
// containers are marked errored, idle deployments are hibernated, expired
// subscriptions are shut down, and upcoming expirations get a reminder.
package reaper

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/layer3studios/proxyclaw/internal/clock"
	"github.com/layer3studios/proxyclaw/internal/config"
	"github.com/layer3studios/proxyclaw/internal/events"
	"github.com/layer3studios/proxyclaw/internal/logging"
	"github.com/layer3studios/proxyclaw/internal/metrics"
	"github.com/layer3studios/proxyclaw/internal/notify"
	"github.com/layer3studios/proxyclaw/internal/orchestrator"
	"github.com/layer3studios/proxyclaw/internal/runtime"
	"github.com/layer3studios/proxyclaw/internal/store"
)

const (
	defaultInterval       = 2 * time.Minute
	listContainersTimeout = 10 * time.Second
	interDeploymentSleep  = 200 * time.Millisecond
)

// zombieCandidateStatuses are the statuses under which a missing container
// is treated as a crash rather than a normal transient absence.
var zombieCandidateStatuses = map[store.Status]bool{
	store.StatusHealthy:  true,
	store.StatusStarting: true,
}

// Reaper runs the four reconciliation passes on a timer.
type Reaper struct {
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	rt           runtime.Adapter
	notifier     *notify.Multi
	bus          *events.Bus
	cfg          *config.Config
	log          *logging.Logger
	clk          clock.Clock

	running atomic.Bool
	resetCh chan struct{}
}

// New creates a Reaper.
func New(
	st *store.Store,
	orch *orchestrator.Orchestrator,
	rt runtime.Adapter,
	notifier *notify.Multi,
	bus *events.Bus,
	cfg *config.Config,
	log *logging.Logger,
	clk clock.Clock,
) *Reaper {
	return &Reaper{
		store:        st,
		orchestrator: orch,
		rt:           rt,
		notifier:     notifier,
		bus:          bus,
		cfg:          cfg,
		log:          log,
		clk:          clk,
		resetCh:      make(chan struct{}, 1),
	}
}

// Run loops until ctx is cancelled, invoking RunOnce at the configured
// interval (a fixed 2 minutes, or a cron schedule if one is configured).
func (r *Reaper) Run(ctx context.Context) {
	for {
		interval := r.nextInterval()
		select {
		case <-r.clk.After(interval):
			r.RunOnce(ctx)
		case <-r.resetCh:
			r.log.Info("reaper schedule changed, resetting timer")
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		}
	}
}

// NotifyScheduleChanged signals Run to pick up a new cron schedule immediately
// instead of waiting out the stale interval.
func (r *Reaper) NotifyScheduleChanged() {
	select {
	case r.resetCh <- struct{}{}:
	default:
	}
}

func (r *Reaper) nextInterval() time.Duration {
	expr := r.cfg.ReaperSchedule()
	if expr == "" {
		return defaultInterval
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		r.log.Warn("invalid reaper schedule, falling back to default interval", "schedule", expr, "error", err)
		return defaultInterval
	}
	now := r.clk.Now()
	next := schedule.Next(now)
	return next.Sub(now)
}

// RunOnce executes all four passes, skipping entirely (re-entrance guard) if
// a prior call is still in flight. Each pass is independently fault-isolated:
// a panic or error in one never prevents the others from running.
func (r *Reaper) RunOnce(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Info("reaper pass already in progress, skipping")
		return
	}
	defer r.running.Store(false)

	zombies := r.safePass(ctx, "zombie_reconcile", r.reconcileZombies)
	hibernated := r.safePass(ctx, "hibernate_idle", r.hibernateIdle)
	expired := r.safePass(ctx, "expire_subscriptions", r.expireSubscriptions)
	reminders := r.safePass(ctx, "send_reminders", r.sendReminders)

	r.bus.Publish(events.Event{
		Type:      events.EventReaperPassComplete,
		Message:   fmt.Sprintf("zombies=%d hibernated=%d expired=%d reminders=%d", zombies, hibernated, expired, reminders),
		Timestamp: r.clk.Now(),
	})
}

// safePass times one pass and recovers from a panic so it can never take
// down the other three.
func (r *Reaper) safePass(ctx context.Context, name string, fn func(context.Context) int) (count int) {
	start := r.clk.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("reaper pass panicked", "pass", name, "panic", rec)
			count = 0
		}
		metrics.ReaperPassDuration.WithLabelValues(name).Observe(r.clk.Since(start).Seconds())
	}()
	return fn(ctx)
}

// reconcileZombies marks deployments errored if their status implies a live
// container but the runtime disagrees.
func (r *Reaper) reconcileZombies(ctx context.Context) int {
	listCtx, cancel := context.WithTimeout(ctx, listContainersTimeout)
	defer cancel()

	containers, err := r.rt.ListContainers(listCtx, true)
	if err != nil {
		r.log.Error("zombie reconcile: list containers", "error", err)
		return 0
	}
	live := make(map[string]bool, len(containers))
	for _, c := range containers {
		live[c.ID] = true
	}

	deployments, err := r.store.ListDeploymentsByFilter(func(d *store.Deployment) bool {
		return zombieCandidateStatuses[d.Status] && d.ContainerID != ""
	})
	if err != nil {
		r.log.Error("zombie reconcile: list deployments", "error", err)
		return 0
	}

	count := 0
	for _, d := range deployments {
		if live[d.ContainerID] {
			continue
		}
		if _, err := r.store.UpdateDeployment(d.ID, "", func(dep *store.Deployment) {
			dep.Status = store.StatusError
			dep.ErrorMessage = "Container died unexpectedly"
			dep.ContainerID = ""
			dep.InternalPort = 0
		}); err != nil {
			r.log.Error("zombie reconcile: update deployment", "deploymentId", d.ID, "error", err)
			continue
		}
		metrics.ReaperZombiesReaped.Inc()
		count++
	}
	return count
}

// hibernateIdle stops and removes the container for any healthy deployment
// whose last request predates the idle timeout.
func (r *Reaper) hibernateIdle(ctx context.Context) int {
	cutoff := r.clk.Now().Add(-time.Duration(r.cfg.IdleTimeoutMinutes) * time.Minute)

	deployments, err := r.store.ListDeploymentsByFilter(func(d *store.Deployment) bool {
		if d.Status != store.StatusHealthy {
			return false
		}
		if d.LastRequestAt == nil {
			return true
		}
		return d.LastRequestAt.Before(cutoff)
	})
	if err != nil {
		r.log.Error("hibernate idle: list deployments", "error", err)
		return 0
	}

	count := 0
	for i, d := range deployments {
		if err := r.orchestrator.StopAgent(ctx, d.ID); err != nil {
			r.log.Warn("hibernate idle: stop", "deploymentId", d.ID, "error", err)
		}
		if err := r.orchestrator.RemoveAgent(ctx, d.ID); err != nil {
			r.log.Warn("hibernate idle: remove", "deploymentId", d.ID, "error", err)
		}
		if _, err := r.store.UpdateDeployment(d.ID, "", func(dep *store.Deployment) {
			dep.Status = store.StatusStopped
			dep.ContainerID = ""
			dep.InternalPort = 0
		}); err != nil {
			r.log.Error("hibernate idle: update deployment", "deploymentId", d.ID, "error", err)
			continue
		}
		metrics.ReaperIdleHibernated.Inc()
		count++

		if i < len(deployments)-1 {
			select {
			case <-r.clk.After(interDeploymentSleep):
			case <-ctx.Done():
				return count
			}
		}
	}
	return count
}

// expireSubscriptions marks users whose subscription period has passed as
// expired, notifies them, and shuts down their running agents.
func (r *Reaper) expireSubscriptions(ctx context.Context) int {
	now := r.clk.Now()
	users, err := r.store.ListUsersByFilter(func(u *store.User) bool {
		return u.SubscriptionStatus == store.SubscriptionActive &&
			u.SubscriptionExpiresAt != nil && !u.SubscriptionExpiresAt.After(now)
	})
	if err != nil {
		r.log.Error("expire subscriptions: list users", "error", err)
		return 0
	}

	count := 0
	for _, u := range users {
		if _, err := r.store.UpdateUser(u.ID, func(user *store.User) {
			user.SubscriptionStatus = store.SubscriptionExpired
			user.MaxAgents = 0
		}); err != nil {
			r.log.Error("expire subscriptions: update user", "userId", u.ID, "error", err)
			continue
		}

		r.notifier.Notify(ctx, notify.Event{
			Type:      notify.EventSubscriptionExpired,
			UserID:    u.ID,
			Email:     u.Email,
			Timestamp: now,
		})

		r.stopUserDeployments(ctx, u.ID, "Subscription expired")
		metrics.SubscriptionsExpired.Inc()
		count++
	}
	return count
}

// stopUserDeployments best-effort stops and removes every running
// deployment belonging to a user, marking each stopped with the given
// reason.
func (r *Reaper) stopUserDeployments(ctx context.Context, userID, reason string) {
	deployments, err := r.store.ListDeploymentsByFilter(func(d *store.Deployment) bool {
		return d.UserID == userID && (d.Status == store.StatusHealthy || d.Status == store.StatusStarting || d.Status == store.StatusProvisioning)
	})
	if err != nil {
		r.log.Error("stop user deployments: list", "userId", userID, "error", err)
		return
	}
	for _, d := range deployments {
		if err := r.orchestrator.StopAgent(ctx, d.ID); err != nil {
			r.log.Warn("stop user deployments: stop", "deploymentId", d.ID, "error", err)
		}
		if err := r.orchestrator.RemoveAgent(ctx, d.ID); err != nil {
			r.log.Warn("stop user deployments: remove", "deploymentId", d.ID, "error", err)
		}
		if _, err := r.store.UpdateDeployment(d.ID, "", func(dep *store.Deployment) {
			dep.Status = store.StatusStopped
			dep.ErrorMessage = reason
			dep.ContainerID = ""
			dep.InternalPort = 0
		}); err != nil {
			r.log.Error("stop user deployments: update", "deploymentId", d.ID, "error", err)
		}
	}
}

// sendReminders emails active users whose subscription expires within the
// configured reminder window and haven't already been reminded.
func (r *Reaper) sendReminders(ctx context.Context) int {
	now := r.clk.Now()
	window := time.Duration(r.cfg.ReminderDays) * 24 * time.Hour

	users, err := r.store.ListUsersByFilter(func(u *store.User) bool {
		if u.SubscriptionStatus != store.SubscriptionActive || u.ExpiryReminderSent {
			return false
		}
		if u.SubscriptionExpiresAt == nil {
			return false
		}
		until := u.SubscriptionExpiresAt.Sub(now)
		return until > 0 && until <= window
	})
	if err != nil {
		r.log.Error("send reminders: list users", "error", err)
		return 0
	}

	count := 0
	for _, u := range users {
		daysLeft := int(math.Ceil(u.SubscriptionExpiresAt.Sub(now).Hours() / 24))
		ok := r.notifier.Notify(ctx, notify.Event{
			Type:      notify.EventSubscriptionReminder,
			UserID:    u.ID,
			Email:     u.Email,
			DaysLeft:  daysLeft,
			Timestamp: now,
		})
		if !ok {
			continue
		}
		if _, err := r.store.UpdateUser(u.ID, func(user *store.User) {
			user.ExpiryReminderSent = true
		}); err != nil {
			r.log.Error("send reminders: update user", "userId", u.ID, "error", err)
			continue
		}
		metrics.ReminderEmailsSent.Inc()
		count++
	}
	return count
}
