// Package telegram implements the Telegram driver for ReplyClaw using the
// Bot API. Updates arrive over long polling and are buffered until the
// agent polls for them.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var _ channels.Driver = (*Driver)(nil)

// maxUnread caps the internal unread queue.
const maxUnread = 256

// maxMessageLen is the delivery chunk size. Telegram caps messages at
// 4096 characters; 4000 leaves room for continuation markers.
const maxMessageLen = 4000

// Config holds Telegram driver configuration.
type Config struct {
	// Enabled turns the driver on.
	Enabled bool `yaml:"enabled"`

	// Token is the bot token from @BotFather. Usually set via the
	// TELEGRAM_BOT_TOKEN environment variable.
	Token string `yaml:"token"`

	// Proxy is an optional HTTP proxy URL for the Bot API.
	Proxy string `yaml:"proxy"`

	// AllowGroups surfaces group messages to the agent. Off by default:
	// an away responder answers personal chats.
	AllowGroups bool `yaml:"allow_groups"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		AllowGroups: false,
	}
}

// botAPI is the subset of tgbotapi.BotAPI the driver uses. Tests inject a
// fake implementation.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// botFactory creates botAPI instances. Swapped in tests.
type botFactory func(token string, client *http.Client) (botAPI, error)

// tgBotWrapper adapts *tgbotapi.BotAPI to the botAPI interface.
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func defaultBotFactory(token string, client *http.Client) (botAPI, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// Driver implements channels.Driver for Telegram.
type Driver struct {
	cfg    Config
	logger *slog.Logger
	bot    botAPI
	newBot botFactory

	// unread buffers incoming messages until the agent polls.
	unread   []channels.Message
	unreadMu sync.Mutex

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	cancel context.CancelFunc
}

// New creates a new Telegram driver instance.
func New(cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:    cfg,
		logger: logger.With("component", "telegram"),
		newBot: defaultBotFactory,
	}
}

// Name returns "telegram".
func (d *Driver) Name() string { return "telegram" }

// Connect authorizes the bot and starts consuming updates.
func (d *Driver) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("telegram token is required")
	}

	client := http.DefaultClient
	if d.cfg.Proxy != "" {
		proxyURL, err := url.Parse(d.cfg.Proxy)
		if err != nil {
			return fmt.Errorf("parsing proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := d.newBot(d.cfg.Token, client)
	if err != nil {
		return fmt.Errorf("creating telegram bot: %w", err)
	}
	d.bot = bot
	d.logger.Info("authorized", "username", "@"+bot.GetSelf().UserName)

	ctx, d.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	d.connected.Store(true)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				d.handleMessage(update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	d.logger.Info("polling started")
	return nil
}

// Disconnect stops the update stream.
func (d *Driver) Disconnect() error {
	d.connected.Store(false)
	if d.cancel != nil {
		d.cancel()
	}
	if d.bot != nil {
		d.bot.StopReceivingUpdates()
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

// Deliver sends reply text to the given chat. Long texts are split into
// chunks at newline boundaries.
func (d *Driver) Deliver(_ context.Context, contact string, text string) error {
	if !d.connected.Load() || d.bot == nil {
		return channels.ErrDriverDisconnected
	}

	chatID, err := strconv.ParseInt(contact, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", contact, err)
	}

	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxMessageLen {
			// Split at the last newline before the limit when possible.
			idx := strings.LastIndex(chunk[:maxMessageLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxMessageLen]
			}
		}
		text = strings.TrimPrefix(text[len(chunk):], "\n")

		if _, err := d.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
		}
	}

	return nil
}

// IsConnected returns true if the bot is consuming updates.
func (d *Driver) IsConnected() bool {
	return d.connected.Load()
}

// Health returns the Telegram driver health status.
func (d *Driver) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  d.connected.Load(),
		ErrorCount: int(d.errorCount.Load()),
		Details:    make(map[string]any),
	}
	if t, ok := d.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	if d.bot != nil {
		h.Details["username"] = d.bot.GetSelf().UserName
	}

	d.unreadMu.Lock()
	h.Details["unread_queued"] = len(d.unread)
	d.unreadMu.Unlock()

	return h
}

// handleMessage converts an incoming Telegram message into a channel
// message and queues it for the next poll.
func (d *Driver) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}

	if !msg.Chat.IsPrivate() && !d.cfg.AllowGroups {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		d.logger.Debug("skipping non-text message",
			"from", msg.From.ID, "message_id", msg.MessageID)
		return
	}

	name := msg.From.FirstName
	if msg.From.UserName != "" {
		name = msg.From.UserName
	}

	// Contact is the chat ID so replies route back to the same chat.
	// For private chats this equals the sender's user ID.
	m := channels.Message{
		ID:          strconv.Itoa(msg.MessageID),
		Channel:     "telegram",
		Contact:     strconv.FormatInt(msg.Chat.ID, 10),
		ContactName: name,
		Text:        strings.TrimSpace(text),
		Timestamp:   msg.Time(),
	}

	d.enqueue(m)
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
