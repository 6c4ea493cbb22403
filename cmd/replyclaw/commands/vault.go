package commands

import (
	"fmt"
	"os"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/agent"
	"github.com/spf13/cobra"
)

// minVaultPassword is the minimum master password length.
const minVaultPassword = 8

// newVaultCmd creates the `replyclaw vault` command group for the encrypted
// secret vault.
func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the encrypted secret vault",
		Long: `Manage secrets in the encrypted vault (` + agent.VaultFile + `).
Secrets are encrypted with AES-256-GCM; the key derives from your master
password via Argon2id. Entry names become environment variables when the
agent starts, so store keys under their standard names (OPENAI_API_KEY,
TELEGRAM_BOT_TOKEN, ...).

Examples:
  replyclaw vault init
  replyclaw vault set OPENAI_API_KEY
  replyclaw vault list
  replyclaw vault delete OPENAI_API_KEY`,
	}

	cmd.AddCommand(
		newVaultInitCmd(),
		newVaultSetCmd(),
		newVaultGetCmd(),
		newVaultListCmd(),
		newVaultDeleteCmd(),
		newVaultChangePasswordCmd(),
	)

	return cmd
}

func newVaultInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new vault",
		RunE: func(_ *cobra.Command, _ []string) error {
			vault := agent.NewVault(agent.VaultFile)
			if vault.Exists() {
				return fmt.Errorf("vault already exists at %s (delete the file to start over)", agent.VaultFile)
			}

			password, err := agent.ReadPassword("Master password: ")
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			if len(password) < minVaultPassword {
				return fmt.Errorf("password too short (minimum %d characters)", minVaultPassword)
			}
			confirm, err := agent.ReadPassword("Confirm password: ")
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			if password != confirm {
				return fmt.Errorf("passwords don't match")
			}

			if err := vault.Create(password); err != nil {
				return fmt.Errorf("creating vault: %w", err)
			}
			vault.Lock()

			fmt.Printf("Vault created at %s.\n", agent.VaultFile)
			fmt.Println("Add secrets with: replyclaw vault set <NAME>")
			return nil
		},
	}
}

func newVaultSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret in the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			value, err := agent.ReadPassword(fmt.Sprintf("Value for %s: ", args[0]))
			if err != nil {
				return fmt.Errorf("reading value: %w", err)
			}
			if value == "" {
				return fmt.Errorf("no value given")
			}

			if err := vault.Set(args[0], value); err != nil {
				return fmt.Errorf("storing secret: %w", err)
			}
			fmt.Printf("%s stored in vault.\n", args[0])
			return nil
		},
	}
}

func newVaultGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Print a secret from the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			value, err := vault.Get(args[0])
			if err != nil {
				return fmt.Errorf("reading secret: %w", err)
			}
			fmt.Println(value)
			return nil
		},
	}
}

func newVaultListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the secret names in the vault",
		RunE: func(_ *cobra.Command, _ []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			names := vault.List()
			if len(names) == 0 {
				fmt.Println("Vault is empty.")
				return nil
			}
			for _, name := range names {
				fmt.Printf("  - %s\n", name)
			}
			return nil
		},
	}
}

func newVaultDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret from the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			if err := vault.Delete(args[0]); err != nil {
				return fmt.Errorf("deleting secret: %w", err)
			}
			fmt.Printf("%s removed from vault.\n", args[0])
			return nil
		},
	}
}

func newVaultChangePasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "change-password",
		Short: "Change the vault master password",
		RunE: func(_ *cobra.Command, _ []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			newPassword, err := agent.ReadPassword("New master password: ")
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			if len(newPassword) < minVaultPassword {
				return fmt.Errorf("password too short (minimum %d characters)", minVaultPassword)
			}
			confirm, err := agent.ReadPassword("Confirm password: ")
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			if newPassword != confirm {
				return fmt.Errorf("passwords don't match")
			}

			if err := vault.ChangePassword(newPassword); err != nil {
				return fmt.Errorf("changing password: %w", err)
			}
			fmt.Println("Vault password changed.")
			return nil
		},
	}
}

// unlockVault opens the existing vault, trying REPLYCLAW_VAULT_PASSWORD
// before prompting.
func unlockVault() (*agent.Vault, error) {
	vault := agent.NewVault(agent.VaultFile)
	if !vault.Exists() {
		return nil, fmt.Errorf("no vault found; create one with: replyclaw vault init")
	}

	if envPass := os.Getenv("REPLYCLAW_VAULT_PASSWORD"); envPass != "" {
		if err := vault.Unlock(envPass); err == nil {
			return vault, nil
		}
	}

	password, err := agent.ReadPassword("Vault password: ")
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if err := vault.Unlock(password); err != nil {
		return nil, fmt.Errorf("unlocking vault: %w", err)
	}
	return vault, nil
}
