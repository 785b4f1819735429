package config

import (
	"strings"
	"testing"
	"time"
)

func validEncryptionKey() string {
	return strings.Repeat("ab", 32)
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENCRYPTION_KEY", validEncryptionKey())
	t.Setenv("AGENT_IMAGE", "registry.example.com/agent:latest")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MinAgentPort != 20000 || cfg.MaxAgentPort != 30000 {
		t.Errorf("port range = [%d, %d], want [20000, 30000]", cfg.MinAgentPort, cfg.MaxAgentPort)
	}
	if cfg.AgentInternalPort != 18789 {
		t.Errorf("AgentInternalPort = %d, want 18789", cfg.AgentInternalPort)
	}
	if cfg.AgentMemoryLimit != 768*mib {
		t.Errorf("AgentMemoryLimit = %d, want %d", cfg.AgentMemoryLimit, 768*mib)
	}
	if cfg.AgentCPUNano != 750_000_000 {
		t.Errorf("AgentCPUNano = %d, want 750000000", cfg.AgentCPUNano)
	}
	if cfg.AgentMaxRestarts != 3 {
		t.Errorf("AgentMaxRestarts = %d, want 3", cfg.AgentMaxRestarts)
	}
	if cfg.HealthCheckTimeout != 120*time.Second {
		t.Errorf("HealthCheckTimeout = %s, want 120s", cfg.HealthCheckTimeout)
	}
	if cfg.HealthCheckInterval != 2*time.Second {
		t.Errorf("HealthCheckInterval = %s, want 2s", cfg.HealthCheckInterval)
	}
	if cfg.MaxRunningAgents != 6 {
		t.Errorf("MaxRunningAgents = %d, want 6", cfg.MaxRunningAgents)
	}
	if cfg.MaxDeployments != 50 {
		t.Errorf("MaxDeployments = %d, want 50", cfg.MaxDeployments)
	}
	if cfg.IdleTimeoutMinutes != 10 {
		t.Errorf("IdleTimeoutMinutes = %d, want 10", cfg.IdleTimeoutMinutes)
	}
	if cfg.ReminderDays != 3 {
		t.Errorf("ReminderDays = %d, want 3", cfg.ReminderDays)
	}
	if cfg.SubscriptionDuration != 30*24*time.Hour {
		t.Errorf("SubscriptionDuration = %s, want 30 days", cfg.SubscriptionDuration)
	}
}

func TestLoadFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MIN_AGENT_PORT", "21000")
	t.Setenv("MAX_AGENT_PORT", "22000")
	t.Setenv("MAX_RUNNING_AGENTS", "12")
	t.Setenv("IDLE_TIMEOUT_MINUTES", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MinAgentPort != 21000 || cfg.MaxAgentPort != 22000 {
		t.Errorf("port range = [%d, %d], want [21000, 22000]", cfg.MinAgentPort, cfg.MaxAgentPort)
	}
	if cfg.MaxRunningAgents != 12 {
		t.Errorf("MaxRunningAgents = %d, want 12", cfg.MaxRunningAgents)
	}
	if cfg.IdleTimeoutMinutes != 5 {
		t.Errorf("IdleTimeoutMinutes = %d, want 5", cfg.IdleTimeoutMinutes)
	}
}

func TestLoadRejectsMissingEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")
	t.Setenv("AGENT_IMAGE", "registry.example.com/agent:latest")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when ENCRYPTION_KEY is unset")
	}
}

func TestLoadRejectsMissingAgentImage(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", validEncryptionKey())
	t.Setenv("AGENT_IMAGE", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when AGENT_IMAGE is unset")
	}
}

func TestLoadRejectsInvertedPortRange(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MIN_AGENT_PORT", "30000")
	t.Setenv("MAX_AGENT_PORT", "20000")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for inverted port range")
	}
}

func TestValidateAggregatesAllFailures(t *testing.T) {
	c := &Config{
		MinAgentPort:     30000,
		MaxAgentPort:     20000,
		EncryptionKeyHex: "too-short",
		AgentImage:       "",
		MaxRunningAgents: 0,
		MaxDeployments:   0,
	}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"MIN_AGENT_PORT", "ENCRYPTION_KEY", "AGENT_IMAGE", "MAX_RUNNING_AGENTS", "MAX_DEPLOYMENTS"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Validate() error = %q, want it to mention %q", msg, want)
		}
	}
}

func TestValuesRedactsSecrets(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SMTP_PASSWORD", "hunter2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	values := cfg.Values()

	if values["EncryptionKeyHex"] != "[redacted]" {
		t.Errorf("EncryptionKeyHex = %v, want redacted", values["EncryptionKeyHex"])
	}
	if values["SMTPPassword"] != "[redacted]" {
		t.Errorf("SMTPPassword = %v, want redacted", values["SMTPPassword"])
	}
	if values["AgentImage"] != cfg.AgentImage {
		t.Errorf("AgentImage = %v, want %v", values["AgentImage"], cfg.AgentImage)
	}
}

func TestValuesLeavesUnsetSecretsEmpty(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Values()["SMTPPassword"]; got != "" {
		t.Errorf("SMTPPassword = %v, want empty when unset", got)
	}
}

func TestReaperScheduleGetSet(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReaperSchedule() != "" {
		t.Errorf("ReaperSchedule = %q, want empty by default", cfg.ReaperSchedule())
	}
	cfg.SetReaperSchedule("*/2 * * * *")
	if cfg.ReaperSchedule() != "*/2 * * * *" {
		t.Errorf("ReaperSchedule = %q, want */2 * * * *", cfg.ReaperSchedule())
	}
}
