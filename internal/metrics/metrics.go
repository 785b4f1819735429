// Package metrics exposes Prometheus gauges and counters for the control
// plane's deployment lifecycle, port allocation, and proxy traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeploymentsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxyclaw_deployments_total",
		Help: "Number of deployments by status.",
	}, []string{"status"})

	SpawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxyclaw_spawns_total",
		Help: "Total number of spawnAgent attempts by outcome.",
	}, []string{"outcome"})

	SpawnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxyclaw_spawn_duration_seconds",
		Help:    "Duration of spawnAgent operations.",
		Buckets: prometheus.DefBuckets,
	})

	PortAllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxyclaw_port_allocations_total",
		Help: "Total number of port allocation attempts by outcome.",
	}, []string{"outcome"})

	PortsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxyclaw_ports_in_use",
		Help: "Number of host ports currently held by a deployment.",
	})

	ProxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxyclaw_proxy_requests_total",
		Help: "Total number of proxied requests by outcome.",
	}, []string{"outcome"})

	ProxyForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxyclaw_proxy_forward_duration_seconds",
		Help:    "Duration of forwarded upstream requests.",
		Buckets: prometheus.DefBuckets,
	})

	WakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxyclaw_wakes_total",
		Help: "Total number of auto-wake attempts by outcome.",
	}, []string{"outcome"})

	ReaperPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxyclaw_reaper_pass_duration_seconds",
		Help:    "Duration of each reaper reconciliation pass.",
		Buckets: prometheus.DefBuckets,
	}, []string{"pass"})

	ReaperZombiesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxyclaw_reaper_zombies_reaped_total",
		Help: "Total number of deployments marked error by zombie reconciliation.",
	})

	ReaperIdleHibernated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxyclaw_reaper_idle_hibernated_total",
		Help: "Total number of deployments hibernated for being idle.",
	})

	SubscriptionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxyclaw_subscriptions_expired_total",
		Help: "Total number of subscriptions expired by the reaper.",
	})

	ReminderEmailsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxyclaw_reminder_emails_sent_total",
		Help: "Total number of subscription-expiry reminder emails sent.",
	})
)
