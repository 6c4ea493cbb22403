package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/agent"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
	"github.com/spf13/cobra"
)

// newConsoleCmd creates the `replyclaw console` command: a local REPL that
// runs messages through the reply pipeline without any messaging channel.
func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Dry-run the agent in a local REPL",
		Long: `Starts a local console conversation with the agent. Each line you
type goes through the same pipeline as a real chat message: access filter,
history, canned replies and the completion provider. Useful for tuning
instructions and canned rules before going live.

You are an admin in the console, so /status, /pause and the other chat
commands work. Without an API key only canned replies answer.

Examples:
  replyclaw console
  replyclaw console --contact 5511999998888`,
		RunE: runConsole,
	}

	cmd.Flags().String("contact", "console", "contact identity to simulate")
	return cmd
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		// The console is also useful before any config exists.
		cfg = agent.DefaultConfig()
		fmt.Println("No config file found, using defaults.")
	}

	// Keep the REPL output clean unless --verbose asks for logs.
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "text"
	logger := buildLogger(cmd, cfg)

	agent.ResolveAPIKey(cfg, logger)

	contact, _ := cmd.Flags().GetString("contact")

	// The console contact is an admin so chat commands can be exercised.
	cfg.Access.Admins = append(cfg.Access.Admins, contact)

	// Fast cadence: a REPL should not wait the live polling interval.
	cfg.Poll.IntervalSeconds = 1
	cfg.Reply.ResponseDelaySeconds = 0

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), "replyclaw_console_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting console: %w", err)
	}
	defer rl.Close()

	driver := &consoleDriver{out: rl.Stdout(), contact: contact}

	mgr := channels.NewManager(logger)
	if err := mgr.Register(driver); err != nil {
		return err
	}

	responder := agent.NewResponder(cfg, mgr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- responder.Start(ctx)
	}()

	fmt.Printf("ReplyClaw console — model %s, contact %s\n", cfg.Model, contact)
	fmt.Println("Type a message, or /help for chat commands. Ctrl+D to leave.")
	fmt.Println()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		driver.push(line)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
	}
	fmt.Println("bye")
	return nil
}

// consoleDriver is an in-process channel: typed lines become incoming
// messages, replies print to the terminal.
type consoleDriver struct {
	out     io.Writer
	contact string

	unread    []channels.Message
	unreadMu  sync.Mutex
	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
}

var _ channels.Driver = (*consoleDriver)(nil)

func (d *consoleDriver) Name() string { return "console" }

func (d *consoleDriver) Connect(_ context.Context) error {
	d.connected.Store(true)
	return nil
}

func (d *consoleDriver) Disconnect() error {
	d.connected.Store(false)
	return nil
}

func (d *consoleDriver) PollUnread(_ context.Context) ([]channels.Message, error) {
	d.unreadMu.Lock()
	defer d.unreadMu.Unlock()

	if len(d.unread) == 0 {
		return nil, nil
	}
	batch := d.unread
	d.unread = nil
	return batch, nil
}

func (d *consoleDriver) Deliver(_ context.Context, _ string, text string) error {
	if !d.connected.Load() {
		return channels.ErrDriverDisconnected
	}
	fmt.Fprintf(d.out, "\nclaw> %s\n\n", text)
	return nil
}

func (d *consoleDriver) IsConnected() bool { return d.connected.Load() }

func (d *consoleDriver) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected: d.connected.Load(),
		Details:   map[string]any{"contact": d.contact},
	}
	if t, ok := d.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	return h
}

// push queues one typed line as an incoming message.
func (d *consoleDriver) push(text string) {
	msg := channels.Message{
		ID:          uuid.NewString(),
		Channel:     "console",
		Contact:     d.contact,
		ContactName: "Console",
		Text:        text,
		Timestamp:   time.Now(),
	}

	d.unreadMu.Lock()
	d.unread = append(d.unread, msg)
	d.unreadMu.Unlock()
	d.lastMsg.Store(msg.Timestamp)
}
