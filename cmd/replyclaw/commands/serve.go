package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/agent"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels/discord"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels/telegram"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels/whatsapp"
	"github.com/spf13/cobra"
)

// newServeCmd creates the `replyclaw serve` command that starts the agent.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the auto-reply agent",
		Long: `Start ReplyClaw as a long-running agent, connecting the enabled
channels (WhatsApp, Telegram, Discord) and answering incoming messages.

On first run the WhatsApp channel prints a QR code to pair; the session is
stored locally so later runs reconnect without rescanning.

Examples:
  replyclaw serve
  replyclaw serve --channel whatsapp
  replyclaw serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (whatsapp, telegram, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	logger := buildLogger(cmd, cfg)

	// ── Resolve secrets ──
	// Audit BEFORE resolving — checks the raw config values for hardcoded keys.
	agent.AuditSecrets(cfg, logger)
	// Resolve from vault → keyring → env → config.
	agent.ResolveAPIKey(cfg, logger)

	// ── Register channels ──
	channelFilter, _ := cmd.Flags().GetStringSlice("channel")
	mgr := channels.NewManager(logger)

	if shouldEnable("whatsapp", channelFilter, cfg.Channels.WhatsApp.Enabled) {
		wa := whatsapp.New(cfg.Channels.WhatsApp, logger)
		if err := mgr.Register(wa); err != nil {
			logger.Error("failed to register WhatsApp", "error", err)
		}
	}

	if shouldEnable("telegram", channelFilter, cfg.Channels.Telegram.Enabled) && cfg.Channels.Telegram.Token != "" {
		tg := telegram.New(cfg.Channels.Telegram, logger)
		if err := mgr.Register(tg); err != nil {
			logger.Error("failed to register Telegram", "error", err)
		}
	}

	if shouldEnable("discord", channelFilter, cfg.Channels.Discord.Enabled) && cfg.Channels.Discord.Token != "" {
		dc := discord.New(cfg.Channels.Discord, logger)
		if err := mgr.Register(dc); err != nil {
			logger.Error("failed to register Discord", "error", err)
		}
	}

	if len(mgr.Names()) == 0 {
		return fmt.Errorf("no channels enabled; check channels: in %s", configPath)
	}

	// ── Start agent ──
	responder := agent.NewResponder(cfg, mgr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start blocks for the agent lifetime; run it aside so this goroutine
	// can wait on signals.
	errCh := make(chan error, 1)
	go func() {
		errCh <- responder.Start(ctx)
	}()

	logger.Info("ReplyClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"model", cfg.Model,
		"auto_reply", cfg.Enabled,
		"channels", mgr.Names(),
	)

	// ── Wait for shutdown ──
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		// Agent exited on its own (e.g. every channel failed to connect).
		return err
	case <-sigChan:
		logger.Info("shutdown signal received, stopping...")
	}

	// Graceful shutdown with timeout.
	cancel()
	select {
	case <-errCh:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// buildLogger creates the slog logger per the logging config. The --verbose
// flag forces debug level.
func buildLogger(cmd *cobra.Command, cfg *agent.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if verbose {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// resolveConfig loads config from the --config flag path, or discovers it in
// the usual locations. Returns (config, configPath, error).
func resolveConfig(cmd *cobra.Command) (*agent.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	// Try explicit path first.
	if configPath != "" {
		cfg, err := agent.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	// Auto-discover config file.
	if found := agent.FindConfigFile(); found != "" {
		cfg, err := agent.LoadConfigFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, found, nil
	}

	return nil, "", fmt.Errorf("no configuration file found; run: replyclaw setup")
}

// shouldEnable decides whether a channel starts. With no --channel filter the
// config decides; with a filter only the named channels start.
func shouldEnable(name string, filter []string, configEnabled bool) bool {
	if len(filter) == 0 {
		return configEnabled
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}
