package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/agent"
	"github.com/spf13/cobra"
)

// newSetupCmd creates the `replyclaw setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial config.yaml.
Asks for agent name, model, admin number, API endpoint and channels.
API keys are stored in an encrypted vault (AES-256-GCM) — never in plaintext.

Examples:
  replyclaw setup`,
		RunE: runSetup,
	}
}

// storageMethod tracks where the API key was stored during setup.
type storageMethod int

const (
	storageNone    storageMethod = iota
	storageVault                 // encrypted vault (.replyclaw.vault)
	storageKeyring               // OS keyring
)

// runSetup executes the interactive setup flow.
func runSetup(_ *cobra.Command, _ []string) error {
	cfg := agent.DefaultConfig()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║          ReplyClaw — Setup Wizard            ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Println()

	var (
		model          = cfg.Model
		baseURL        = cfg.API.BaseURL
		adminNumber    string
		apiKey         string
		enableWhatsApp = true
		respondGroups  bool
		telegramToken  string
		discordToken   string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Agent name").
				Description("Shown in logs and status output.").
				Value(&cfg.Name),
			huh.NewSelect[string]().
				Title("Completion model").
				Options(
					huh.NewOption("GPT-4o Mini — fast and cheap (default)", "gpt-4o-mini"),
					huh.NewOption("GPT-4o — great all-around", "gpt-4o"),
					huh.NewOption("GPT-5 Mini — latest cost-effective", "gpt-5-mini"),
					huh.NewOption("Claude Sonnet 4.5 — balanced Anthropic", "claude-sonnet-4.5"),
					huh.NewOption("Claude Opus 4.5 — most capable Anthropic", "claude-opus-4.5"),
					huh.NewOption("Other (type a model name)", "custom"),
				).
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Your number (admin)").
				Description("Admins control the agent from chat with /pause, /resume,\n/status. Country code, digits only.").
				Placeholder("5511999998888").
				Validate(validateAdminNumber).
				Value(&adminNumber),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API base URL").
				Description("OpenAI-compatible endpoint. Auto-adjusted for Claude models.").
				Value(&baseURL),
			huh.NewInput().
				Title("API key").
				Description("Encrypted into a password-protected vault, never written\nto config.yaml. Leave empty to set later.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable WhatsApp?").
				Description("Pairs via QR code on first run.").
				Value(&enableWhatsApp),
			huh.NewConfirm().
				Title("Reply in group chats?").
				Value(&respondGroups),
			huh.NewInput().
				Title("Telegram bot token").
				Description("Optional. From @BotFather. Leave empty to skip Telegram.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
			huh.NewInput().
				Title("Discord bot token").
				Description("Optional. Leave empty to skip Discord.").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return fmt.Errorf("setup form: %w", err)
	}

	// Free-form model name when none of the presets fit.
	if model == "custom" {
		var custom string
		err := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Model name").
				Placeholder("gpt-4o-mini").
				Value(&custom),
		)).Run()
		if err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println("Setup cancelled.")
				return nil
			}
			return fmt.Errorf("setup form: %w", err)
		}
		if custom == "" {
			custom = cfg.Model
		}
		model = custom
	}
	cfg.Model = model

	// Auto-adjust the API base URL for Anthropic models.
	if strings.HasPrefix(cfg.Model, "claude-") && baseURL == "https://api.openai.com/v1" {
		baseURL = "https://api.anthropic.com/v1"
		fmt.Printf("API URL auto-set to %s for Anthropic models.\n", baseURL)
	}
	cfg.API.BaseURL = baseURL
	if strings.Contains(baseURL, "anthropic.com") {
		cfg.API.Provider = "anthropic"
	} else {
		cfg.API.Provider = "openai"
	}

	cfg.Access.Admins = []string{normalizePhone(adminNumber)}
	cfg.Channels.WhatsApp.Enabled = enableWhatsApp
	cfg.Channels.WhatsApp.RespondToGroups = respondGroups

	// ── Store secrets in the encrypted vault ──
	secrets := make(map[string]string)
	if apiKey != "" {
		secrets[agent.GetProviderKeyName(cfg.API.Provider)] = apiKey
	}
	if telegramToken != "" {
		secrets["TELEGRAM_BOT_TOKEN"] = telegramToken
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.Token = "${TELEGRAM_BOT_TOKEN}"
	}
	if discordToken != "" {
		secrets["DISCORD_BOT_TOKEN"] = discordToken
		cfg.Channels.Discord.Enabled = true
		cfg.Channels.Discord.Token = "${DISCORD_BOT_TOKEN}"
	}

	keyStorage := storageNone
	if len(secrets) > 0 {
		keyStorage = setupVault(secrets, apiKey)
		if keyStorage == storageNone {
			fmt.Println("[!] Could not store the secrets securely.")
			fmt.Println("    You can set them later with: replyclaw vault init && replyclaw vault set")
		}
	} else {
		fmt.Println("No API key given. Set one later with: replyclaw vault init && replyclaw vault set")
	}

	// config.yaml never contains the real key.
	cfg.API.APIKey = "${REPLYCLAW_API_KEY}"

	// ── Summary ──
	fmt.Println()
	fmt.Println("─────────────────────────────────────────────")
	fmt.Println("  Configuration summary:")
	fmt.Println("─────────────────────────────────────────────")
	fmt.Printf("  Name:      %s\n", cfg.Name)
	fmt.Printf("  Model:     %s\n", cfg.Model)
	fmt.Printf("  Admin:     %s\n", cfg.Access.Admins[0])
	fmt.Printf("  API URL:   %s\n", cfg.API.BaseURL)
	switch keyStorage {
	case storageVault:
		fmt.Println("  API key:   **** (encrypted vault)")
	case storageKeyring:
		fmt.Println("  API key:   **** (OS keyring)")
	default:
		fmt.Println("  API key:   (not set — configure later)")
	}
	fmt.Printf("  WhatsApp:  %v (groups: %v)\n", cfg.Channels.WhatsApp.Enabled, respondGroups)
	fmt.Printf("  Telegram:  %v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("  Discord:   %v\n", cfg.Channels.Discord.Enabled)
	fmt.Println("─────────────────────────────────────────────")
	fmt.Println()

	// ── Confirm and save ──
	target := "config.yaml"
	save := true
	if _, err := os.Stat(target); err == nil {
		save = false
		err := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite?", target)).
				Value(&save),
		)).Run()
		if err != nil || !save {
			fmt.Println("Setup cancelled. Existing file kept.")
			return nil
		}
	}

	if err := agent.SaveConfigToFile(cfg, target); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\n%s created successfully!\n\n", target)
	fmt.Println("Security:")
	switch keyStorage {
	case storageVault:
		fmt.Println("  - Secrets encrypted in vault (AES-256-GCM + Argon2id)")
		fmt.Println("  - Even with filesystem access, they cannot be read without your password")
	case storageKeyring:
		fmt.Println("  - API key encrypted in OS keyring")
	default:
		fmt.Println("  - No API key configured yet")
		fmt.Println("  - Run: replyclaw vault init && replyclaw vault set")
	}
	fmt.Println("  - config.yaml has no secrets (permissions: 600)")
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run: replyclaw serve")
	if keyStorage == storageVault {
		fmt.Println("  2. Enter your vault password when prompted")
		fmt.Println("  3. Scan the QR code with WhatsApp (Linked Devices)")
	} else {
		fmt.Println("  2. Scan the QR code with WhatsApp (Linked Devices)")
	}
	fmt.Println()

	return nil
}

// setupVault creates the encrypted vault and stores the given secrets in it.
// Returns the storage method used; the keyring fallback covers the API key
// only.
func setupVault(secrets map[string]string, apiKey string) storageMethod {
	fmt.Println()
	fmt.Println("Creating encrypted vault...")
	fmt.Println("Choose a master password (minimum 8 characters).")
	fmt.Println("This password is NEVER stored — only you know it.")
	fmt.Println()

	password, err := agent.ReadPassword("Master password: ")
	if err != nil {
		fmt.Printf("[!] Failed to read password: %v\n", err)
		return tryKeyringFallback(apiKey)
	}
	if len(password) < 8 {
		fmt.Println("[!] Password too short (minimum 8 characters).")
		return tryKeyringFallback(apiKey)
	}

	confirm, err := agent.ReadPassword("Confirm password: ")
	if err != nil || password != confirm {
		fmt.Println("[!] Passwords don't match.")
		return tryKeyringFallback(apiKey)
	}

	vault := agent.NewVault(agent.VaultFile)

	// Remove existing vault if present (fresh setup).
	if vault.Exists() {
		_ = os.Remove(agent.VaultFile)
		vault = agent.NewVault(agent.VaultFile)
	}

	if err := vault.Create(password); err != nil {
		fmt.Printf("[!] Vault creation failed: %v\n", err)
		return tryKeyringFallback(apiKey)
	}

	for name, value := range secrets {
		if err := vault.Set(name, value); err != nil {
			fmt.Printf("[!] Failed to store %s in vault: %v\n", name, err)
			vault.Lock()
			return tryKeyringFallback(apiKey)
		}
	}

	vault.Lock()
	fmt.Println()
	fmt.Println("Secrets encrypted and stored in vault.")
	return storageVault
}

// tryKeyringFallback attempts to store the API key in the OS keyring as a
// fallback when vault creation fails.
func tryKeyringFallback(apiKey string) storageMethod {
	if apiKey == "" {
		return storageNone
	}
	if agent.KeyringAvailable() {
		fmt.Println("Trying OS keyring as fallback...")
		if err := agent.StoreKeyring("api_key", apiKey); err == nil {
			fmt.Println("API key stored in OS keyring.")
			return storageKeyring
		}
	}
	return storageNone
}

// validateAdminNumber checks the admin contact during setup.
func validateAdminNumber(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("an admin number is required")
	}
	if len(normalizePhone(s)) < 10 {
		return fmt.Errorf("include the country code (e.g. 5511999998888)")
	}
	return nil
}

// normalizePhone removes common phone number formatting characters.
func normalizePhone(phone string) string {
	phone = strings.ReplaceAll(phone, "+", "")
	phone = strings.ReplaceAll(phone, " ", "")
	phone = strings.ReplaceAll(phone, "-", "")
	phone = strings.ReplaceAll(phone, "(", "")
	phone = strings.ReplaceAll(phone, ")", "")
	return phone
}
