package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	DeploymentsTotal.WithLabelValues("healthy")
	SpawnsTotal.WithLabelValues("success")
	PortAllocationsTotal.WithLabelValues("success")
	ProxyRequestsTotal.WithLabelValues("forwarded")
	WakesTotal.WithLabelValues("success")
	ReaperPassDuration.WithLabelValues("zombie_reconcile")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"proxyclaw_deployments_total":             false,
		"proxyclaw_spawns_total":                  false,
		"proxyclaw_spawn_duration_seconds":         false,
		"proxyclaw_port_allocations_total":         false,
		"proxyclaw_ports_in_use":                   false,
		"proxyclaw_proxy_requests_total":           false,
		"proxyclaw_proxy_forward_duration_seconds": false,
		"proxyclaw_wakes_total":                    false,
		"proxyclaw_reaper_pass_duration_seconds":    false,
		"proxyclaw_reaper_zombies_reaped_total":     false,
		"proxyclaw_reaper_idle_hibernated_total":    false,
		"proxyclaw_subscriptions_expired_total":     false,
		"proxyclaw_reminder_emails_sent_total":      false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestCounterAndGaugeOperations(t *testing.T) {
	SpawnsTotal.WithLabelValues("success").Inc()
	SpawnsTotal.WithLabelValues("capacity_full").Inc()
	PortsInUse.Set(5)
	ReaperZombiesReaped.Add(1)
	ReaperIdleHibernated.Add(1)
	SubscriptionsExpired.Add(1)
	ReminderEmailsSent.Add(1)
}
