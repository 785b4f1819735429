package modelcfg

import (
	"testing"

	"github.com/layer3studios/proxyclaw/internal/apperr"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return tbl
}

func TestNormalizeRewritesDeprecatedAlias(t *testing.T) {
	tbl := testTable(t)
	got := tbl.Normalize("google/gemini-pro")
	if got != "google/gemini-3-pro-preview" {
		t.Errorf("Normalize = %q, want google/gemini-3-pro-preview", got)
	}
}

func TestNormalizeLeavesUnknownModelUnchanged(t *testing.T) {
	tbl := testTable(t)
	got := tbl.Normalize("openai/gpt-9000")
	if got != "openai/gpt-9000" {
		t.Errorf("Normalize = %q, want unchanged", got)
	}
}

func TestResolvePicksFirstDefaultWithKey(t *testing.T) {
	tbl := testTable(t)
	hasKey := func(v Vendor) bool { return v == VendorAnthropic }
	model, err := tbl.Resolve("", hasKey)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if vendorOf(model) != VendorAnthropic {
		t.Errorf("Resolve picked %q, want an anthropic default", model)
	}
}

func TestResolveNoModelWhenNoKeysAvailable(t *testing.T) {
	tbl := testTable(t)
	hasKey := func(Vendor) bool { return false }
	_, err := tbl.Resolve("", hasKey)
	if !apperr.Is(err, apperr.CodeNoModel) {
		t.Errorf("err = %v, want NO_MODEL", err)
	}
}

func TestResolveExplicitModelNormalizesFirst(t *testing.T) {
	tbl := testTable(t)
	hasKey := func(v Vendor) bool { return v == VendorGoogle }
	model, err := tbl.Resolve("google/gemini-pro", hasKey)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if model != "google/gemini-3-pro-preview" {
		t.Errorf("Resolve = %q, want normalized successor", model)
	}
}

func TestResolveModelKeyMismatch(t *testing.T) {
	tbl := testTable(t)
	hasKey := func(v Vendor) bool { return v == VendorGoogle }
	_, err := tbl.Resolve("openai/gpt-5.1", hasKey)
	if !apperr.Is(err, apperr.CodeModelKeyMismatch) {
		t.Errorf("err = %v, want MODEL_KEY_MISMATCH", err)
	}
}

func TestKeyFormatValidators(t *testing.T) {
	cases := []struct {
		name  string
		valid func(string) bool
		ok    string
		bad   string
	}{
		{"google", ValidGoogleKey, "AIza" + repeat("a", 35), "AIzaShort"},
		{"openai", ValidOpenAIKey, "sk-" + repeat("a", 48), "sk-short"},
		{"anthropic", ValidAnthropicKey, "sk-ant-" + repeat("a", 95), "sk-ant-short"},
		{"telegram", ValidTelegramToken, "123456789:" + repeat("a", 35), "not-a-token"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if !c.valid(c.ok) {
				t.Errorf("%s: expected valid key to pass: %q", c.name, c.ok)
			}
			if c.valid(c.bad) {
				t.Errorf("%s: expected invalid key to fail: %q", c.name, c.bad)
			}
		})
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
