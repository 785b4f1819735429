// Package configmat materializes the on-host config and workspace
// directory tree a deployment's container consumes via bind mounts.
package configmat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/layer3studios/proxyclaw/internal/logging"
)

const (
	dirMode  = 0700
	fileMode = 0600
	memoMode = 0644

	internalDataPath = "/data"
)

// Materializer writes per-deployment config and workspace trees under a
// shared data root.
type Materializer struct {
	dataRoot string
	log      *logging.Logger
}

// New creates a Materializer rooted at dataRoot (e.g. DATA_PATH).
func New(dataRoot string, log *logging.Logger) *Materializer {
	return &Materializer{dataRoot: dataRoot, log: log}
}

// Secrets carries the decrypted vendor credentials needed to populate auth
// profiles. Empty fields are omitted from the written profiles.
type Secrets struct {
	GoogleAPIKey     string
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	TelegramBotToken string
}

// Spec describes the config to materialize for one deployment.
type Spec struct {
	DeploymentID string
	Model        string
	GatewayPort  int
	GatewayToken string
	Secrets      Secrets
}

// DeploymentDir returns the root directory for a deployment's on-host tree.
func (m *Materializer) DeploymentDir(deploymentID string) string {
	return filepath.Join(m.dataRoot, deploymentID)
}

// Materialize creates the deployment's directories and writes its config,
// auth profiles, and an initial memory file. Idempotent: safe to call
// again for an existing deployment (directories are create-if-absent, the
// config and auth-profile files are overwritten, and an existing memory
// file for the day is left as it is).
func (m *Materializer) Materialize(spec Spec) error {
	root := m.DeploymentDir(spec.DeploymentID)
	configDir := filepath.Join(root, "config")
	dataDir := filepath.Join(root, "data")
	workspaceMemoryDir := filepath.Join(dataDir, "workspace", "memory")
	agentMainDir := filepath.Join(dataDir, "agents", "main", "agent")
	legacyAgentDir := filepath.Join(dataDir, "agent")

	dirs := []string{configDir, dataDir, workspaceMemoryDir, agentMainDir, legacyAgentDir}
	for _, d := range dirs {
		if err := os.MkdirAll(d, dirMode); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}

	if err := m.writeOpenclawConfig(configDir, spec); err != nil {
		return err
	}

	profile := authProfile(spec.Secrets)
	if err := writeJSON(filepath.Join(agentMainDir, "auth.json"), profile, fileMode); err != nil {
		return fmt.Errorf("write agent auth profile: %w", err)
	}
	if err := writeJSON(filepath.Join(legacyAgentDir, "auth.json"), profile, fileMode); err != nil {
		return fmt.Errorf("write legacy auth profile: %w", err)
	}

	if err := writeInitialMemory(workspaceMemoryDir); err != nil {
		return fmt.Errorf("write initial memory file: %w", err)
	}

	if runtime.GOOS != "windows" {
		for _, d := range dirs {
			if err := chownTree(d, 1000, 1000); err != nil {
				m.log.Warn("chown failed, continuing", "dir", d, "error", err)
			}
		}
	}

	return nil
}

type openclawConfig struct {
	Agents   agentsSection   `json:"agents"`
	Gateway  gatewaySection  `json:"gateway"`
	Channels channelsSection `json:"channels"`
	Plugins  pluginsSection  `json:"plugins"`
}

type agentsSection struct {
	Defaults agentDefaults `json:"defaults"`
}

type agentDefaults struct {
	Model     modelRef `json:"model"`
	Workspace string   `json:"workspace"`
}

type modelRef struct {
	Primary string `json:"primary"`
}

type gatewaySection struct {
	Port int        `json:"port"`
	Auth gatewayAuth `json:"auth"`
}

type gatewayAuth struct {
	Mode  string `json:"mode"`
	Token string `json:"token"`
}

type channelsSection struct {
	Telegram telegramChannel `json:"telegram"`
}

type telegramChannel struct {
	Enabled     bool     `json:"enabled"`
	BotToken    string   `json:"botToken,omitempty"`
	DMPolicy    string   `json:"dmPolicy"`
	GroupPolicy string   `json:"groupPolicy"`
	AllowFrom   []string `json:"allowFrom"`
}

type pluginsSection struct {
	Entries pluginEntries `json:"entries"`
}

type pluginEntries struct {
	Telegram pluginEntry `json:"telegram"`
}

type pluginEntry struct {
	Enabled bool `json:"enabled"`
}

func (m *Materializer) writeOpenclawConfig(configDir string, spec Spec) error {
	cfg := openclawConfig{
		Agents: agentsSection{
			Defaults: agentDefaults{
				Model:     modelRef{Primary: spec.Model},
				Workspace: internalDataPath + "/workspace",
			},
		},
		Gateway: gatewaySection{
			Port: spec.GatewayPort,
			Auth: gatewayAuth{Mode: "token", Token: spec.GatewayToken},
		},
		Channels: channelsSection{
			Telegram: telegramChannel{
				Enabled:     spec.Secrets.TelegramBotToken != "",
				BotToken:    spec.Secrets.TelegramBotToken,
				DMPolicy:    "open",
				GroupPolicy: "open",
				AllowFrom:   []string{"*"},
			},
		},
		Plugins: pluginsSection{
			Entries: pluginEntries{
				Telegram: pluginEntry{Enabled: spec.Secrets.TelegramBotToken != ""},
			},
		},
	}
	return writeJSON(filepath.Join(configDir, "openclaw.json"), cfg, fileMode)
}

// authProfile builds the auth-profile document with one entry per vendor
// key present in secrets, keyed "<vendor>:default".
func authProfile(s Secrets) map[string]map[string]string {
	profile := make(map[string]map[string]string)
	if s.GoogleAPIKey != "" {
		profile["google:default"] = map[string]string{"apiKey": s.GoogleAPIKey}
	}
	if s.AnthropicAPIKey != "" {
		profile["anthropic:default"] = map[string]string{"apiKey": s.AnthropicAPIKey}
	}
	if s.OpenAIAPIKey != "" {
		profile["openai:default"] = map[string]string{"apiKey": s.OpenAIAPIKey}
	}
	return profile
}

func writeJSON(path string, v any, mode os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return os.WriteFile(path, data, mode)
}

func writeInitialMemory(workspaceMemoryDir string) error {
	name := time.Now().UTC().Format("2006-01-02") + ".md"
	path := filepath.Join(workspaceMemoryDir, name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	content := fmt.Sprintf("# Memory — %s\n", time.Now().UTC().Format("2006-01-02"))
	return os.WriteFile(path, []byte(content), memoMode)
}

func chownTree(dir string, uid, gid int) error {
	return filepath.Walk(dir, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Chown(path, uid, gid)
	})
}
