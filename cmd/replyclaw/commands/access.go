package commands

import (
	"fmt"
	"strings"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/agent"
	"github.com/spf13/cobra"
)

// newAccessCmd creates the `replyclaw access` command group that edits the
// allow and block lists in the config file. A running agent is controlled
// with the /allow, /block chat commands instead; this command changes the
// durable policy.
func newAccessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Manage the allow and block lists",
		Long: `Edit who receives automatic replies. A contact on the block list is
never answered. A non-empty allow list restricts replies to those contacts;
an empty allow list answers everyone not blocked.

Examples:
  replyclaw access list
  replyclaw access allow 5511999998888
  replyclaw access block 5511888887777
  replyclaw access revoke 5511999998888`,
	}

	cmd.AddCommand(
		newAccessListCmd(),
		newAccessAllowCmd(),
		newAccessRevokeCmd(),
		newAccessBlockCmd(),
		newAccessUnblockCmd(),
	)

	return cmd
}

func newAccessListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the allow, block and admin lists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfigForEdit(cmd)
			if err != nil {
				return err
			}

			fmt.Printf("Allow list (%d):\n", len(cfg.Access.Allow))
			if len(cfg.Access.Allow) == 0 {
				fmt.Println("  (empty — everyone not blocked is answered)")
			}
			for _, c := range cfg.Access.Allow {
				fmt.Printf("  - %s\n", c)
			}

			fmt.Printf("Block list (%d):\n", len(cfg.Access.Block))
			for _, c := range cfg.Access.Block {
				fmt.Printf("  - %s\n", c)
			}

			fmt.Printf("Admins (%d):\n", len(cfg.Access.Admins))
			for _, c := range cfg.Access.Admins {
				fmt.Printf("  - %s\n", c)
			}
			return nil
		},
	}
}

func newAccessAllowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allow <contact>",
		Short: "Add a contact to the allow list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editAccess(cmd, func(cfg *agent.Config) (string, bool) {
				list, added := addToList(cfg.Access.Allow, args[0])
				cfg.Access.Allow = list
				if !added {
					return fmt.Sprintf("%s is already on the allow list.", args[0]), false
				}
				return fmt.Sprintf("%s added to the allow list.", args[0]), true
			})
		},
	}
}

func newAccessRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <contact>",
		Short: "Remove a contact from the allow list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editAccess(cmd, func(cfg *agent.Config) (string, bool) {
				list, removed := removeFromList(cfg.Access.Allow, args[0])
				cfg.Access.Allow = list
				if !removed {
					return fmt.Sprintf("%s is not on the allow list.", args[0]), false
				}
				return fmt.Sprintf("%s removed from the allow list.", args[0]), true
			})
		},
	}
}

func newAccessBlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block <contact>",
		Short: "Block a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editAccess(cmd, func(cfg *agent.Config) (string, bool) {
				list, added := addToList(cfg.Access.Block, args[0])
				cfg.Access.Block = list
				if !added {
					return fmt.Sprintf("%s is already blocked.", args[0]), false
				}
				return fmt.Sprintf("%s blocked.", args[0]), true
			})
		},
	}
}

func newAccessUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <contact>",
		Short: "Unblock a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editAccess(cmd, func(cfg *agent.Config) (string, bool) {
				list, removed := removeFromList(cfg.Access.Block, args[0])
				cfg.Access.Block = list
				if !removed {
					return fmt.Sprintf("%s is not blocked.", args[0]), false
				}
				return fmt.Sprintf("%s unblocked.", args[0]), true
			})
		},
	}
}

// editAccess loads the config, applies one list mutation and saves when the
// mutation changed anything.
func editAccess(cmd *cobra.Command, mutate func(*agent.Config) (string, bool)) error {
	cfg, path, err := loadConfigForEdit(cmd)
	if err != nil {
		return err
	}

	message, changed := mutate(cfg)
	if !changed {
		fmt.Println(message)
		return nil
	}

	if err := agent.SaveConfigToFile(cfg, path); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Println(message)
	fmt.Println("A running agent picks this up on restart, or use the /allow and /block chat commands.")
	return nil
}

// loadConfigForEdit resolves and loads the config file for mutation.
func loadConfigForEdit(cmd *cobra.Command) (*agent.Config, string, error) {
	cfg, path, err := resolveConfig(cmd)
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		return nil, "", fmt.Errorf("no configuration file found; run: replyclaw setup")
	}
	return cfg, path, nil
}

// addToList appends contact if absent. Matching ignores surrounding
// whitespace, same as the runtime filter.
func addToList(list []string, contact string) ([]string, bool) {
	contact = strings.TrimSpace(contact)
	for _, c := range list {
		if strings.TrimSpace(c) == contact {
			return list, false
		}
	}
	return append(list, contact), true
}

// removeFromList removes contact if present.
func removeFromList(list []string, contact string) ([]string, bool) {
	contact = strings.TrimSpace(contact)
	out := list[:0:0]
	removed := false
	for _, c := range list {
		if strings.TrimSpace(c) == contact {
			removed = true
			continue
		}
		out = append(out, c)
	}
	return out, removed
}
