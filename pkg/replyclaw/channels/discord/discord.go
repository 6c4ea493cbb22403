// Package discord implements the Discord driver for ReplyClaw using
// discordgo. The driver answers direct messages only: an away responder
// covers personal conversations, not guild channels. Contacts are Discord
// user IDs; replies go out through each user's DM channel.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

var _ channels.Driver = (*Driver)(nil)

// maxUnread caps the internal unread queue.
const maxUnread = 256

// maxMessageLen is the Discord per-message character limit.
const maxMessageLen = 2000

// Config holds Discord driver configuration.
type Config struct {
	// Enabled turns the driver on.
	Enabled bool `yaml:"enabled"`

	// Token is the Discord bot token. Usually set via the
	// DISCORD_BOT_TOKEN environment variable.
	Token string `yaml:"token"`

	// SendTyping sends a typing indicator before each delivery.
	SendTyping bool `yaml:"send_typing"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:    false,
		SendTyping: true,
	}
}

// Driver implements channels.Driver for Discord direct messages.
type Driver struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// unread buffers incoming messages until the agent polls.
	unread   []channels.Message
	unreadMu sync.Mutex

	// dmChannels caches user ID to DM channel ID lookups.
	dmChannels   map[string]string
	dmChannelsMu sync.Mutex

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	cancel context.CancelFunc
}

// New creates a new Discord driver instance.
func New(cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:        cfg,
		logger:     logger.With("component", "discord"),
		dmChannels: make(map[string]string),
	}
}

// Name returns "discord".
func (d *Driver) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Driver) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord bot token is required")
	}

	_, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	// Direct messages only; MessageContent is needed to read the text.
	session.Identify.Intents = discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("connected", "bot", user.Username, "id", user.ID)

	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Driver) Disconnect() error {
	d.connected.Store(false)
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("closing gateway: %w", err)
		}
	}
	d.logger.Info("disconnected")
	return nil
}

// PollUnread drains the unread queue, oldest first.
func (d *Driver) PollUnread(_ context.Context) ([]channels.Message, error) {
	d.unreadMu.Lock()
	defer d.unreadMu.Unlock()

	if len(d.unread) == 0 {
		return nil, nil
	}
	batch := d.unread
	d.unread = nil
	return batch, nil
}

// Deliver sends reply text to the given user's DM channel. Long texts are
// split into chunks under the Discord message limit.
func (d *Driver) Deliver(_ context.Context, contact string, text string) error {
	if !d.connected.Load() || d.session == nil {
		return channels.ErrDriverDisconnected
	}

	channelID, err := d.dmChannelFor(contact)
	if err != nil {
		return fmt.Errorf("resolving DM channel for %s: %w", contact, err)
	}

	if d.cfg.SendTyping {
		if err := d.session.ChannelTyping(channelID); err != nil {
			d.logger.Debug("typing indicator failed", "error", err)
		}
	}

	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
		}
	}

	return nil
}

// IsConnected returns true if the gateway connection is open.
func (d *Driver) IsConnected() bool { return d.connected.Load() }

// Health returns the Discord driver health status.
func (d *Driver) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  d.connected.Load(),
		ErrorCount: int(d.errorCount.Load()),
		Details:    make(map[string]any),
	}
	if t, ok := d.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	if d.session != nil && d.session.State != nil && d.session.State.User != nil {
		h.Details["bot"] = d.session.State.User.Username
	}

	d.unreadMu.Lock()
	h.Details["unread_queued"] = len(d.unread)
	d.unreadMu.Unlock()

	return h
}

// onMessageCreate handles incoming Discord messages.
func (d *Driver) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore the bot's own messages and other bots.
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	// Guild messages are not direct messages; skip.
	if m.GuildID != "" {
		return
	}

	if strings.TrimSpace(m.Content) == "" {
		d.logger.Debug("skipping non-text message",
			"from", m.Author.ID, "msg_id", m.ID)
		return
	}

	// Remember the DM channel so replies skip the lookup.
	d.dmChannelsMu.Lock()
	d.dmChannels[m.Author.ID] = m.ChannelID
	d.dmChannelsMu.Unlock()

	msg := channels.Message{
		ID:          m.ID,
		Channel:     "discord",
		Contact:     m.Author.ID,
		ContactName: m.Author.Username,
		Text:        strings.TrimSpace(m.Content),
		Timestamp:   m.Timestamp,
	}

	d.enqueue(msg)
}

// dmChannelFor resolves a user ID to a DM channel ID, creating the DM
// channel if this user never messaged first.
func (d *Driver) dmChannelFor(userID string) (string, error) {
	d.dmChannelsMu.Lock()
	if id, ok := d.dmChannels[userID]; ok {
		d.dmChannelsMu.Unlock()
		return id, nil
	}
	d.dmChannelsMu.Unlock()

	ch, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return "", err
	}

	d.dmChannelsMu.Lock()
	d.dmChannels[userID] = ch.ID
	d.dmChannelsMu.Unlock()

	return ch.ID, nil
}

// enqueue appends an incoming message to the unread queue.
func (d *Driver) enqueue(msg channels.Message) {
	d.unreadMu.Lock()
	defer d.unreadMu.Unlock()

	if len(d.unread) >= maxUnread {
		d.logger.Warn("unread queue full, dropping message",
			"from", msg.Contact, "queued", len(d.unread))
		return
	}
	d.unread = append(d.unread, msg)
	d.lastMsg.Store(msg.Timestamp)
}

// splitMessage splits text into chunks respecting maxLen, preferring
// newline boundaries past the halfway point.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}
