package agent

import (
	"os"
	"testing"
)

// createWorkdirVault writes a vault at the default path inside a temp
// working directory, so ResolveAPIKey finds it the way serve does.
func createWorkdirVault(t *testing.T, secrets map[string]string) {
	t.Helper()
	t.Chdir(t.TempDir())

	v := NewVault(VaultFile)
	if err := v.Create("pass"); err != nil {
		t.Fatal(err)
	}
	for name, value := range secrets {
		// Pre-register restore; InjectEnv mutates the process env.
		t.Setenv(name, "")
		if err := v.Set(name, value); err != nil {
			t.Fatal(err)
		}
	}
	v.Lock()
}

func TestResolveAPIKeyFromVault(t *testing.T) {
	// Not parallel: chdir + env mutation.
	createWorkdirVault(t, map[string]string{
		"OPENAI_API_KEY":     "sk-vault-key",
		"TELEGRAM_BOT_TOKEN": "tg-vault-token",
	})
	t.Setenv("REPLYCLAW_VAULT_PASSWORD", "pass")

	cfg := DefaultConfig()
	cfg.API.Provider = "openai"

	v := ResolveAPIKey(cfg, testLogger())
	if v == nil || !v.IsUnlocked() {
		t.Fatal("expected an unlocked vault back")
	}
	if cfg.API.APIKey != "sk-vault-key" {
		t.Errorf("API key = %q, want the vault value", cfg.API.APIKey)
	}

	// Every vault entry is exported so ${VAR} config references resolve.
	if got := os.Getenv("TELEGRAM_BOT_TOKEN"); got != "tg-vault-token" {
		t.Errorf("TELEGRAM_BOT_TOKEN = %q, want the vault value", got)
	}
}

func TestResolveAPIKeyProviderKeys(t *testing.T) {
	tests := []struct {
		provider string
		entry    string
	}{
		{"openai", "OPENAI_API_KEY"},
		{"anthropic", "ANTHROPIC_API_KEY"},
		{"google", "GOOGLE_API_KEY"},
		{"groq", "GROQ_API_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			createWorkdirVault(t, map[string]string{tt.entry: "sk-" + tt.provider})
			t.Setenv("REPLYCLAW_VAULT_PASSWORD", "pass")

			cfg := DefaultConfig()
			cfg.API.Provider = tt.provider

			ResolveAPIKey(cfg, testLogger())
			if cfg.API.APIKey != "sk-"+tt.provider {
				t.Errorf("API key = %q, want %q", cfg.API.APIKey, "sk-"+tt.provider)
			}
		})
	}
}

func TestResolveAPIKeyBadVaultPassword(t *testing.T) {
	createWorkdirVault(t, map[string]string{"OPENAI_API_KEY": "sk-vault-key"})
	t.Setenv("REPLYCLAW_VAULT_PASSWORD", "wrong")

	cfg := DefaultConfig()
	cfg.API.Provider = "openai"

	v := ResolveAPIKey(cfg, testLogger())
	if v != nil {
		t.Error("expected no vault back when the password is wrong")
	}
	if cfg.API.APIKey == "sk-vault-key" {
		t.Error("vault secret leaked despite failed unlock")
	}
}
