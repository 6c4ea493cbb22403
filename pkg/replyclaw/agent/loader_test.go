package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte(""))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Model != "gpt-4o-mini" {
		t.Errorf("default model = %q, want gpt-4o-mini", cfg.Model)
	}
	if !cfg.Enabled {
		t.Error("expected auto-reply enabled by default")
	}
	if cfg.Reply.HistoryBound != 10 {
		t.Errorf("default history bound = %d, want 10", cfg.Reply.HistoryBound)
	}
	if len(cfg.CannedReplies) != 1 {
		t.Fatalf("expected built-in gratitude rule, got %d rules", len(cfg.CannedReplies))
	}
}

func TestParseConfigOverlay(t *testing.T) {
	t.Parallel()

	yaml := `
model: claude-sonnet-4
access:
  block:
    - "+5511999999999"
reply:
  history_bound: 20
`
	cfg, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Model != "claude-sonnet-4" {
		t.Errorf("model = %q", cfg.Model)
	}
	if len(cfg.Access.Block) != 1 || cfg.Access.Block[0] != "+5511999999999" {
		t.Errorf("block list = %v", cfg.Access.Block)
	}
	if cfg.Reply.HistoryBound != 20 {
		t.Errorf("history bound = %d, want 20", cfg.Reply.HistoryBound)
	}

	// Untouched sections keep their defaults.
	if !cfg.Enabled {
		t.Error("enabled default lost during overlay")
	}
	if cfg.Poll.IntervalSeconds != 5 {
		t.Errorf("poll interval = %d, want default 5", cfg.Poll.IntervalSeconds)
	}
	if cfg.Reply.ContextMessages != 5 {
		t.Errorf("context messages = %d, want default 5", cfg.Reply.ContextMessages)
	}
}

func TestParseConfigDisablesCannedReplies(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte("canned_replies: []\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if len(cfg.CannedReplies) != 0 {
		t.Errorf("expected empty canned reply list, got %d rules", len(cfg.CannedReplies))
	}
}

func TestParseConfigInvalidYAML(t *testing.T) {
	t.Parallel()

	if _, err := ParseConfig([]byte("model: [unclosed")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestExpandEnvVars(t *testing.T) {
	// t.Setenv does not allow parallel tests.
	t.Setenv("RC_TEST_SET", "hello")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"braced set", "key: ${RC_TEST_SET}", "key: hello"},
		{"bare set", "key: $RC_TEST_SET", "key: hello"},
		{"braced unset keeps placeholder", "key: ${RC_TEST_UNSET_XYZ}", "key: ${RC_TEST_UNSET_XYZ}"},
		{"bare unset keeps placeholder", "key: $RC_TEST_UNSET_XYZ", "key: $RC_TEST_UNSET_XYZ"},
		{"default used when unset", "key: ${RC_TEST_UNSET_XYZ:-fallback}", "key: fallback"},
		{"default ignored when set", "key: ${RC_TEST_SET:-fallback}", "key: hello"},
		{"no variables", "key: plain", "key: plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExpandEnvVarsRequired(t *testing.T) {
	t.Setenv("RC_TEST_REQUIRED", "present")

	if _, err := expandEnvVarsWithValidation("key: ${RC_TEST_MISSING_XYZ:?token is required}"); err == nil {
		t.Error("expected error for missing required variable")
	} else if !strings.Contains(err.Error(), "token is required") {
		t.Errorf("error %q missing custom message", err)
	}

	out, err := expandEnvVarsWithValidation("key: ${RC_TEST_REQUIRED:?token is required}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "key: present" {
		t.Errorf("expanded = %q", out)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("RC_TEST_MODEL", "gpt-4o")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
model: ${RC_TEST_MODEL}
channels:
  whatsapp:
    store_path: data/whatsapp.db
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}

	if cfg.Model != "gpt-4o" {
		t.Errorf("model = %q, want env-expanded gpt-4o", cfg.Model)
	}

	// Relative store paths are resolved against the config directory.
	want := filepath.Join(dir, "data", "whatsapp.db")
	if cfg.Channels.WhatsApp.StorePath != want {
		t.Errorf("store path = %q, want %q", cfg.Channels.WhatsApp.StorePath, want)
	}
}

func TestLoadConfigFromFileMissing(t *testing.T) {
	t.Parallel()

	if _, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveConfigSanitizesAPIKey(t *testing.T) {
	const key = "sk-test-1234567890abcdef"
	t.Setenv("OPENAI_API_KEY", key)

	cfg := DefaultConfig()
	cfg.API.Provider = "openai"
	cfg.API.APIKey = key

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("SaveConfigToFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved config: %v", err)
	}
	if strings.Contains(string(data), key) {
		t.Error("saved config contains the raw API key")
	}
	if !strings.Contains(string(data), "${OPENAI_API_KEY}") {
		t.Error("saved config missing env var reference for API key")
	}

	// The in-memory config is untouched.
	if cfg.API.APIKey != key {
		t.Error("SaveConfigToFile mutated the live config")
	}
}

func TestSaveConfigDropsUnknownKey(t *testing.T) {
	// A hardcoded key matching no env var must not be written out.
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("REPLYCLAW_API_KEY", "")

	cfg := DefaultConfig()
	cfg.API.Provider = "openai"
	cfg.API.APIKey = "sk-hardcoded-secret-value"

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("SaveConfigToFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved config: %v", err)
	}
	if strings.Contains(string(data), "sk-hardcoded-secret-value") {
		t.Error("hardcoded key leaked into saved config")
	}
}

func TestSaveConfigCreatesBackup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	first := DefaultConfig()
	first.Name = "first"
	if err := SaveConfigToFile(first, path); err != nil {
		t.Fatalf("first save: %v", err)
	}

	second := DefaultConfig()
	second.Name = "second"
	if err := SaveConfigToFile(second, path); err != nil {
		t.Fatalf("second save: %v", err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if !strings.Contains(string(bak), "first") {
		t.Error("backup does not hold the previous config")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat saved config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("saved config permissions = %04o, want 0600", perm)
	}
}

func TestFindConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())

	if found := FindConfigFile(); found != "" {
		t.Errorf("expected no config in empty dir, found %q", found)
	}

	if err := os.WriteFile("replyclaw.yaml", []byte("name: test\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if found := FindConfigFile(); found != "replyclaw.yaml" {
		t.Errorf("FindConfigFile = %q, want replyclaw.yaml", found)
	}
}

func TestIsEnvReference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  bool
	}{
		{"${OPENAI_API_KEY}", true},
		{"$OPENAI_API_KEY", true},
		{"sk-real-key", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsEnvReference(tt.value); got != tt.want {
			t.Errorf("IsEnvReference(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestLooksLikeRealKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  bool
	}{
		{"sk-abc123", true},
		{"sk-ant-api03-xyz", true},
		{"a-very-long-opaque-token-value", true},
		{"${OPENAI_API_KEY}", false},
		{"short", false},
	}
	for _, tt := range tests {
		if got := looksLikeRealKey(tt.value); got != tt.want {
			t.Errorf("looksLikeRealKey(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
