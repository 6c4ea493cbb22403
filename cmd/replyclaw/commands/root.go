// Package commands implements the ReplyClaw CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "replyclaw",
		Short: "ReplyClaw - AI auto-reply agent for your chats",
		Long: `ReplyClaw answers your WhatsApp, Telegram and Discord messages
with an AI-generated reply while you are away. Allow and block lists
decide who gets answered, recent conversation context shapes each reply,
and admin commands (/pause, /resume, /status) control the agent from chat.

Examples:
  replyclaw setup
  replyclaw serve
  replyclaw serve --channel whatsapp
  replyclaw console
  replyclaw access allow 5511999998888`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newConsoleCmd(),
		newAccessCmd(),
		newKeyCmd(),
		newVaultCmd(),
		newCompletionCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
