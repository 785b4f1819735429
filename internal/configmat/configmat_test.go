package configmat

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/layer3studios/proxyclaw/internal/logging"
)

func testMaterializer(t *testing.T) (*Materializer, string) {
	t.Helper()
	root := t.TempDir()
	return New(root, logging.New(false)), root
}

func TestMaterializeCreatesDirectoryTree(t *testing.T) {
	m, root := testMaterializer(t)
	spec := Spec{
		DeploymentID: "dep-1",
		Model:        "anthropic/claude-sonnet-4-5",
		GatewayPort:  18789,
		GatewayToken: "gwt_test",
		Secrets:      Secrets{AnthropicAPIKey: "sk-ant-test"},
	}
	if err := m.Materialize(spec); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	for _, rel := range []string{
		"config",
		"data",
		filepath.Join("data", "workspace", "memory"),
		filepath.Join("data", "agents", "main", "agent"),
		filepath.Join("data", "agent"),
	} {
		if fi, err := os.Stat(filepath.Join(root, "dep-1", rel)); err != nil || !fi.IsDir() {
			t.Errorf("expected directory %s to exist", rel)
		}
	}
}

func TestMaterializeWritesOpenclawConfig(t *testing.T) {
	m, root := testMaterializer(t)
	spec := Spec{
		DeploymentID: "dep-1",
		Model:        "google/gemini-3-pro-preview",
		GatewayPort:  18789,
		GatewayToken: "gwt_abc",
		Secrets:      Secrets{GoogleAPIKey: "AIzaTest", TelegramBotToken: "123:abc"},
	}
	if err := m.Materialize(spec); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "dep-1", "config", "openclaw.json"))
	if err != nil {
		t.Fatalf("read openclaw.json: %v", err)
	}
	var cfg openclawConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal openclaw.json: %v", err)
	}
	if cfg.Agents.Defaults.Model.Primary != spec.Model {
		t.Errorf("model = %q, want %q", cfg.Agents.Defaults.Model.Primary, spec.Model)
	}
	if cfg.Gateway.Auth.Token != spec.GatewayToken {
		t.Errorf("gateway token = %q, want %q", cfg.Gateway.Auth.Token, spec.GatewayToken)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("expected telegram channel enabled when bot token is set")
	}
	if !cfg.Plugins.Entries.Telegram.Enabled {
		t.Error("expected telegram plugin enabled when bot token is set")
	}

	fi, err := os.Stat(filepath.Join(root, "dep-1", "config", "openclaw.json"))
	if err != nil {
		t.Fatalf("stat openclaw.json: %v", err)
	}
	if fi.Mode().Perm() != fileMode {
		t.Errorf("openclaw.json mode = %v, want %v", fi.Mode().Perm(), os.FileMode(fileMode))
	}
}

func TestMaterializeWritesAuthProfilesForPresentKeysOnly(t *testing.T) {
	m, root := testMaterializer(t)
	spec := Spec{
		DeploymentID: "dep-1",
		Model:        "anthropic/claude-sonnet-4-5",
		GatewayPort:  18789,
		GatewayToken: "gwt_abc",
		Secrets:      Secrets{AnthropicAPIKey: "sk-ant-test"},
	}
	if err := m.Materialize(spec); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	for _, rel := range []string{
		filepath.Join("data", "agents", "main", "agent", "auth.json"),
		filepath.Join("data", "agent", "auth.json"),
	} {
		data, err := os.ReadFile(filepath.Join(root, "dep-1", rel))
		if err != nil {
			t.Fatalf("read %s: %v", rel, err)
		}
		var profile map[string]map[string]string
		if err := json.Unmarshal(data, &profile); err != nil {
			t.Fatalf("unmarshal %s: %v", rel, err)
		}
		if _, ok := profile["anthropic:default"]; !ok {
			t.Errorf("%s: expected anthropic:default entry", rel)
		}
		if _, ok := profile["google:default"]; ok {
			t.Errorf("%s: unexpected google:default entry with no google key", rel)
		}
	}
}

func TestMaterializeWritesInitialMemoryFile(t *testing.T) {
	m, root := testMaterializer(t)
	spec := Spec{DeploymentID: "dep-1", Model: "anthropic/claude-sonnet-4-5", GatewayToken: "gwt_abc"}
	if err := m.Materialize(spec); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "dep-1", "data", "workspace", "memory"))
	if err != nil {
		t.Fatalf("read memory dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d memory files, want 1", len(entries))
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	m, _ := testMaterializer(t)
	spec := Spec{DeploymentID: "dep-1", Model: "anthropic/claude-sonnet-4-5", GatewayToken: "gwt_abc"}
	if err := m.Materialize(spec); err != nil {
		t.Fatalf("first Materialize: %v", err)
	}
	if err := m.Materialize(spec); err != nil {
		t.Fatalf("second Materialize: %v", err)
	}
}
