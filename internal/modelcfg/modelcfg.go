// Package modelcfg resolves a deployment's requested model against the
// deprecated-alias and default-model-per-vendor tables, and validates the
// shape of vendor API keys before they're accepted.
package modelcfg

import (
	_ "embed"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/layer3studios/proxyclaw/internal/apperr"
)

//go:embed aliases.yaml
var aliasesYAML []byte

// Vendor identifies the API provider a model name is prefixed with.
type Vendor string

const (
	VendorGoogle    Vendor = "google"
	VendorAnthropic Vendor = "anthropic"
	VendorOpenAI    Vendor = "openai"
)

type tableFile struct {
	Aliases  map[string]string `yaml:"aliases"`
	Defaults []string          `yaml:"defaults"`
}

// Table is the parsed deprecated-alias and default-model data.
type Table struct {
	aliases  map[string]string
	defaults []string
}

var (
	loadOnce sync.Once
	loaded   *Table
	loadErr  error
)

// Load parses the embedded alias/default table once and caches it.
func Load() (*Table, error) {
	loadOnce.Do(func() {
		var f tableFile
		if err := yaml.Unmarshal(aliasesYAML, &f); err != nil {
			loadErr = err
			return
		}
		loaded = &Table{aliases: f.Aliases, defaults: f.Defaults}
	})
	return loaded, loadErr
}

// Normalize rewrites a deprecated model name to its successor, or returns
// model unchanged if it has no mapping.
func (t *Table) Normalize(model string) string {
	if successor, ok := t.aliases[model]; ok {
		return successor
	}
	return model
}

// HasKey reports whether a credential is present for the given vendor.
type HasKey func(v Vendor) bool

// Resolve normalizes the requested model and validates it against the
// caller's available vendor keys. If requested is empty, the first default
// model with a matching key is chosen. Returns apperr.NoModel if no key is
// available for any default, or apperr.ModelKeyMismatch if an explicit
// model's vendor has no matching key.
func (t *Table) Resolve(requested string, hasKey HasKey) (string, error) {
	if requested == "" {
		for _, candidate := range t.defaults {
			if hasKey(vendorOf(candidate)) {
				return candidate, nil
			}
		}
		return "", apperr.NoModel("no vendor API key available for any default model")
	}

	model := t.Normalize(requested)
	vendor := vendorOf(model)
	if !hasKey(vendor) {
		return "", apperr.ModelKeyMismatch("no API key available for vendor " + string(vendor))
	}
	return model, nil
}

func vendorOf(model string) Vendor {
	for i, r := range model {
		if r == '/' {
			return Vendor(model[:i])
		}
	}
	return Vendor(model)
}

var (
	googleKeyPattern     = regexp.MustCompile(`^AIza[0-9A-Za-z\-_]{35}$`)
	openAIKeyPattern     = regexp.MustCompile(`^sk-[a-zA-Z0-9]{48,}$`)
	anthropicKeyPattern  = regexp.MustCompile(`^sk-ant-[a-zA-Z0-9\-_]{95,}$`)
	telegramTokenPattern = regexp.MustCompile(`^\d{8,10}:[a-zA-Z0-9_-]{35}$`)
)

// ValidGoogleKey reports whether key matches the Google API key shape.
func ValidGoogleKey(key string) bool { return googleKeyPattern.MatchString(key) }

// ValidOpenAIKey reports whether key matches the OpenAI API key shape.
func ValidOpenAIKey(key string) bool { return openAIKeyPattern.MatchString(key) }

// ValidAnthropicKey reports whether key matches the Anthropic API key shape.
func ValidAnthropicKey(key string) bool { return anthropicKeyPattern.MatchString(key) }

// ValidTelegramToken reports whether token matches the Telegram bot token shape.
func ValidTelegramToken(token string) bool { return telegramTokenPattern.MatchString(token) }
