// Package config loads proxyclaw configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	mib = 1 << 20
)

// Config holds all proxyclaw configuration. Mutable fields (ReaperSchedule)
// are protected by a mutex since the reaper goroutine reads them while an
// operator surface may write them.
type Config struct {
	MinAgentPort      int
	MaxAgentPort      int
	AgentInternalPort int
	AgentImage        string
	AgentMemoryLimit  int64
	AgentCPUNano      int64
	AgentMaxRestarts  int

	HealthCheckTimeout  time.Duration
	HealthCheckInterval time.Duration

	MaxRunningAgents int
	MaxDeployments   int

	IdleTimeoutMinutes int

	ContainerPrefix string
	DataPath        string
	Domain          string

	EncryptionKeyHex string

	ReminderDays         int
	SubscriptionDuration time.Duration

	DockerHost string
	LogJSON    bool

	ListenAddr string

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      string

	WebhookURL    string
	WebhookEvents string

	mu             sync.RWMutex
	reaperSchedule string // optional cron expression overriding the fixed 2-minute interval
}

// Load reads all configuration from environment variables with defaults.
func Load() (*Config, error) {
	c := &Config{
		MinAgentPort:      envInt("MIN_AGENT_PORT", 20000),
		MaxAgentPort:      envInt("MAX_AGENT_PORT", 30000),
		AgentInternalPort: envInt("AGENT_INTERNAL_PORT", 18789),
		AgentImage:        envStr("AGENT_IMAGE", ""),
		AgentMemoryLimit:  envInt64("AGENT_MEMORY_LIMIT", 768*mib),
		AgentCPUNano:      envInt64("AGENT_CPU_NANO", 750_000_000),
		AgentMaxRestarts:  envInt("AGENT_MAX_RESTARTS", 3),

		HealthCheckTimeout:  envMillis("HEALTH_CHECK_TIMEOUT", 120_000),
		HealthCheckInterval: envMillis("HEALTH_CHECK_INTERVAL", 2_000),

		MaxRunningAgents: envInt("MAX_RUNNING_AGENTS", 6),
		MaxDeployments:   envInt("MAX_DEPLOYMENTS", 50),

		IdleTimeoutMinutes: envInt("IDLE_TIMEOUT_MINUTES", 10),

		ContainerPrefix: envStr("CONTAINER_PREFIX", "proxyclaw"),
		DataPath:        envStr("DATA_PATH", "/data"),
		Domain:          envStr("DOMAIN", ""),

		EncryptionKeyHex: envStr("ENCRYPTION_KEY", ""),

		ReminderDays:         envInt("SUBSCRIPTION_REMINDER_DAYS", 3),
		SubscriptionDuration: envDays("SUBSCRIPTION_DURATION_DAYS", 30),

		DockerHost: envStr("DOCKER_HOST", "/var/run/docker.sock"),
		LogJSON:    envBool("LOG_JSON", true),

		ListenAddr: envStr("LISTEN_ADDR", ":8080"),

		SMTPHost:     envStr("SMTP_HOST", ""),
		SMTPPort:     envInt("SMTP_PORT", 587),
		SMTPFrom:     envStr("SMTP_FROM", ""),
		SMTPUsername: envStr("SMTP_USERNAME", ""),
		SMTPPassword: envStr("SMTP_PASSWORD", ""),
		SMTPTLS:      envStr("SMTP_TLS", "starttls"),

		WebhookURL:    envStr("NOTIFY_WEBHOOK_URL", ""),
		WebhookEvents: envStr("NOTIFY_WEBHOOK_EVENTS", ""),

		reaperSchedule: envStr("REAPER_SCHEDULE", ""),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks configuration for invalid values, aggregating every
// failing check so an operator sees all problems in one pass instead of
// fixing them one at a time.
func (c *Config) Validate() error {
	var errs []error
	if c.MinAgentPort <= 0 || c.MaxAgentPort <= c.MinAgentPort {
		errs = append(errs, fmt.Errorf("MIN_AGENT_PORT/MAX_AGENT_PORT must form a non-empty range, got [%d, %d]", c.MinAgentPort, c.MaxAgentPort))
	}
	if len(c.EncryptionKeyHex) != 64 {
		errs = append(errs, fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters, got %d", len(c.EncryptionKeyHex)))
	}
	if c.AgentImage == "" {
		errs = append(errs, fmt.Errorf("AGENT_IMAGE must be set"))
	}
	if c.MaxRunningAgents <= 0 {
		errs = append(errs, fmt.Errorf("MAX_RUNNING_AGENTS must be > 0, got %d", c.MaxRunningAgents))
	}
	if c.MaxDeployments <= 0 {
		errs = append(errs, fmt.Errorf("MAX_DEPLOYMENTS must be > 0, got %d", c.MaxDeployments))
	}
	return errors.Join(errs...)
}

// Values returns a map of configuration for display/debugging, with
// secret-bearing fields redacted.
func (c *Config) Values() map[string]any {
	redact := func(s string) string {
		if s == "" {
			return ""
		}
		return "[redacted]"
	}
	return map[string]any{
		"MinAgentPort":         c.MinAgentPort,
		"MaxAgentPort":         c.MaxAgentPort,
		"AgentInternalPort":    c.AgentInternalPort,
		"AgentImage":           c.AgentImage,
		"AgentMemoryLimit":     c.AgentMemoryLimit,
		"AgentCPUNano":         c.AgentCPUNano,
		"AgentMaxRestarts":     c.AgentMaxRestarts,
		"HealthCheckTimeout":   c.HealthCheckTimeout,
		"HealthCheckInterval":  c.HealthCheckInterval,
		"MaxRunningAgents":     c.MaxRunningAgents,
		"MaxDeployments":       c.MaxDeployments,
		"IdleTimeoutMinutes":   c.IdleTimeoutMinutes,
		"ContainerPrefix":      c.ContainerPrefix,
		"DataPath":             c.DataPath,
		"Domain":               c.Domain,
		"EncryptionKeyHex":     redact(c.EncryptionKeyHex),
		"ReminderDays":         c.ReminderDays,
		"SubscriptionDuration": c.SubscriptionDuration,
		"DockerHost":           c.DockerHost,
		"LogJSON":              c.LogJSON,
		"ListenAddr":           c.ListenAddr,
		"SMTPHost":             c.SMTPHost,
		"SMTPPort":             c.SMTPPort,
		"SMTPFrom":             c.SMTPFrom,
		"SMTPUsername":         c.SMTPUsername,
		"SMTPPassword":         redact(c.SMTPPassword),
		"SMTPTLS":              c.SMTPTLS,
		"WebhookURL":           c.WebhookURL,
		"WebhookEvents":        c.WebhookEvents,
		"ReaperSchedule":       c.ReaperSchedule(),
	}
}

// ReaperSchedule returns the optional cron expression overriding the
// reaper's fixed 2-minute interval (thread-safe).
func (c *Config) ReaperSchedule() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reaperSchedule
}

// SetReaperSchedule updates the reaper's cron override at runtime (thread-safe).
func (c *Config) SetReaperSchedule(s string) {
	c.mu.Lock()
	c.reaperSchedule = s
	c.mu.Unlock()
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envMillis(key string, defMillis int) time.Duration {
	return time.Duration(envInt(key, defMillis)) * time.Millisecond
}

func envDays(key string, defDays int) time.Duration {
	return time.Duration(envInt(key, defDays)) * 24 * time.Hour
}
