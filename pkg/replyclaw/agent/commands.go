// Package agent – commands.go implements the admin commands that control the
// responder from a chat message (WhatsApp, Telegram, Discord).
//
// Commands are prefixed with "/" and only honored for configured admins:
//
//	/pause               - Stop auto-replying
//	/resume              - Start auto-replying again
//	/status              - Show agent status
//	/allow <contact>     - Add a contact to the allow list
//	/revoke <contact>    - Remove a contact from the allow list
//	/block <contact>     - Block a contact
//	/unblock <contact>   - Unblock a contact
//	/history [contact]   - Show stored conversations
//	/help                - Show available commands
//
// A slash message from anyone else is treated as a regular message and goes
// through the normal reply pipeline. Command messages are never recorded in
// conversation history.
package agent

import (
	"fmt"
	"strings"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

// CommandResult contains the result of a command execution.
type CommandResult struct {
	// Response is the text to send back.
	Response string

	// Handled is true if the message was a valid admin command.
	Handled bool
}

// IsCommand returns true if the message starts with "/".
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// ExecuteCommand processes an admin command from a chat message. Returns
// Handled false for non-admins and unknown commands so the caller can fall
// back to the reply pipeline.
func (r *Responder) ExecuteCommand(msg channels.Message) CommandResult {
	text := strings.TrimSpace(msg.Text)
	if !IsCommand(text) || !r.isAdmin(msg.Contact) {
		return CommandResult{Handled: false}
	}

	parts := strings.Fields(text)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "/pause":
		r.Pause()
		return CommandResult{Response: "Auto-reply paused. Send /resume to start replying again.", Handled: true}

	case "/resume":
		r.Resume()
		return CommandResult{Response: "Auto-reply resumed.", Handled: true}

	case "/status":
		return CommandResult{Response: r.statusCommand(), Handled: true}

	case "/allow":
		return CommandResult{Response: r.allowCommand(args, msg.Contact), Handled: true}

	case "/revoke":
		return CommandResult{Response: r.revokeCommand(args, msg.Contact), Handled: true}

	case "/block":
		return CommandResult{Response: r.blockCommand(args, msg.Contact), Handled: true}

	case "/unblock":
		return CommandResult{Response: r.unblockCommand(args, msg.Contact), Handled: true}

	case "/history":
		return CommandResult{Response: r.historyCommand(args), Handled: true}

	case "/help":
		return CommandResult{Response: r.helpCommand(), Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

// --- Command implementations ---

func (r *Responder) statusCommand() string {
	status := r.CurrentStatus()

	var b strings.Builder
	b.WriteString("*ReplyClaw Status*\n\n")

	state := "paused"
	if status.Enabled {
		state = "active"
	}
	b.WriteString(fmt.Sprintf("State: %s\n", state))
	b.WriteString(fmt.Sprintf("Model: %s\n", status.Model))
	if status.Uptime > 0 {
		b.WriteString(fmt.Sprintf("Uptime: %s\n", status.Uptime.Round(1e9).String()))
	}
	b.WriteString(fmt.Sprintf("Conversations: %d\n", status.Contacts))
	b.WriteString(fmt.Sprintf("Replied: %d / Suppressed: %d / Failed: %d\n",
		status.Replied, status.Suppressed, status.Failed))
	b.WriteString(fmt.Sprintf("Allow list: %d / Blocked: %d\n",
		len(r.filter.Allowed()), len(r.filter.Blocked())))

	for _, name := range r.channels.SortedNames() {
		h, ok := status.Channels[name]
		if !ok {
			continue
		}
		state := "disconnected"
		if h.Connected {
			state = "connected"
		}
		b.WriteString(fmt.Sprintf("Channel %s: %s (errors: %d)\n", name, state, h.ErrorCount))
	}

	return b.String()
}

func (r *Responder) allowCommand(args []string, by string) string {
	if len(args) < 1 {
		return "Usage: /allow <contact>"
	}
	contact := args[0]
	r.filter.Allow(contact, by)
	return fmt.Sprintf("Contact %s added to the allow list.", contact)
}

func (r *Responder) revokeCommand(args []string, by string) string {
	if len(args) < 1 {
		return "Usage: /revoke <contact>"
	}
	contact := args[0]
	r.filter.Revoke(contact, by)
	return fmt.Sprintf("Contact %s removed from the allow list.", contact)
}

func (r *Responder) blockCommand(args []string, by string) string {
	if len(args) < 1 {
		return "Usage: /block <contact>"
	}
	contact := args[0]
	r.filter.Block(contact, by)
	return fmt.Sprintf("Contact %s has been blocked.", contact)
}

func (r *Responder) unblockCommand(args []string, by string) string {
	if len(args) < 1 {
		return "Usage: /unblock <contact>"
	}
	contact := args[0]
	r.filter.Unblock(contact, by)
	return fmt.Sprintf("Contact %s has been unblocked.", contact)
}

func (r *Responder) historyCommand(args []string) string {
	if len(args) == 0 {
		keys := r.history.Contacts()
		if len(keys) == 0 {
			return "No conversations stored."
		}
		var b strings.Builder
		b.WriteString("*Stored Conversations:*\n\n")
		for _, key := range keys {
			b.WriteString(fmt.Sprintf("• %s (%d messages)\n", key, r.history.Len(key)))
		}
		b.WriteString("\nUse /history <contact> to view one.")
		return b.String()
	}

	wanted := normalizeContact(args[0])
	for _, key := range r.history.Contacts() {
		if key != wanted && !strings.HasSuffix(key, ":"+wanted) {
			continue
		}
		msgs := r.history.Context(key)
		var b strings.Builder
		b.WriteString(fmt.Sprintf("*Conversation with %s:*\n\n", key))
		for _, m := range msgs {
			marker := "<<"
			if m.Direction == DirectionOutgoing {
				marker = ">>"
			}
			b.WriteString(fmt.Sprintf("%s %s\n", marker, truncate(m.Text, 80)))
		}
		return b.String()
	}

	return fmt.Sprintf("No conversation stored for %s.", args[0])
}

func (r *Responder) helpCommand() string {
	var b strings.Builder
	b.WriteString("*ReplyClaw Commands*\n\n")

	b.WriteString("*Agent:*\n")
	b.WriteString("/pause - Stop auto-replying\n")
	b.WriteString("/resume - Start auto-replying again\n")
	b.WriteString("/status - Show agent status\n\n")

	b.WriteString("*Contacts:*\n")
	b.WriteString("/allow <contact> - Add to allow list\n")
	b.WriteString("/revoke <contact> - Remove from allow list\n")
	b.WriteString("/block <contact> - Block a contact\n")
	b.WriteString("/unblock <contact> - Unblock a contact\n\n")

	b.WriteString("*Conversations:*\n")
	b.WriteString("/history - List stored conversations\n")
	b.WriteString("/history <contact> - Show one conversation\n")

	b.WriteString("\n/help - Show this message")
	return b.String()
}
