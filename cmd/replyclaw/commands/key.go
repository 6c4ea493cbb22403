package commands

import (
	"fmt"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/agent"
	"github.com/spf13/cobra"
)

// keyringEntry is the OS keyring entry name for the LLM API key. Must match
// what ResolveAPIKey reads at startup.
const keyringEntry = "api_key"

// newKeyCmd creates the `replyclaw key` command group for the OS keyring.
func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the API key in the OS keyring",
		Long: `Store the LLM API key in the operating system keyring (Secret
Service on Linux, Keychain on macOS, Credential Manager on Windows).
The encrypted vault takes precedence when both are configured.

Examples:
  replyclaw key set
  replyclaw key show
  replyclaw key delete`,
	}

	cmd.AddCommand(
		newKeySetCmd(),
		newKeyShowCmd(),
		newKeyDeleteCmd(),
	)

	return cmd
}

func newKeySetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set",
		Short: "Store the API key in the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !agent.KeyringAvailable() {
				return fmt.Errorf("OS keyring is not available; use the vault instead: replyclaw vault init")
			}

			key, err := agent.ReadPassword("API key: ")
			if err != nil {
				return fmt.Errorf("reading key: %w", err)
			}
			if key == "" {
				return fmt.Errorf("no key given")
			}

			if err := agent.StoreKeyring(keyringEntry, key); err != nil {
				return fmt.Errorf("storing in keyring: %w", err)
			}
			fmt.Println("API key stored in OS keyring.")
			fmt.Println("You can now remove it from .env and config.yaml.")
			return nil
		},
	}
}

func newKeyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored API key (masked)",
		RunE: func(_ *cobra.Command, _ []string) error {
			key := agent.GetKeyring(keyringEntry)
			if key == "" {
				fmt.Println("No API key in the OS keyring.")
				return nil
			}
			fmt.Printf("API key: %s\n", maskSecret(key))
			return nil
		},
	}
}

func newKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Remove the API key from the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := agent.DeleteKeyring(keyringEntry); err != nil {
				return fmt.Errorf("deleting from keyring: %w", err)
			}
			fmt.Println("API key removed from OS keyring.")
			return nil
		},
	}
}

// maskSecret shows enough of a secret to recognize it without exposing it.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
