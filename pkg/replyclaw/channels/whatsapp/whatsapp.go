// Package whatsapp implements the WhatsApp driver for ReplyClaw using
// whatsmeow — a native Go WhatsApp Web API library. No Node.js, no Baileys.
//
// Features:
//   - QR code login in the terminal with persistent session
//   - Text message receive into an unread queue drained by polling
//   - Reply delivery with optional typing indicator
//   - Automatic reconnection with backoff
//
// This is a core driver (compiled into the binary, not a plugin).
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"

	qrterminal "github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

var _ channels.Driver = (*Driver)(nil)

// maxUnread caps the internal unread queue. Messages past the cap are
// dropped with a warning rather than growing without bound while the
// agent is stuck.
const maxUnread = 256

// Config holds WhatsApp driver configuration.
type Config struct {
	// Enabled turns the driver on.
	Enabled bool `yaml:"enabled"`

	// StorePath is the SQLite database file for session persistence.
	// Relative paths are resolved against the config file location.
	StorePath string `yaml:"store_path"`

	// DeviceName is shown in the WhatsApp linked devices list.
	DeviceName string `yaml:"device_name"`

	// RespondToGroups surfaces group messages to the agent. Off by
	// default: an away responder answers personal chats.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// AutoRead marks incoming messages as read once queued.
	AutoRead bool `yaml:"auto_read"`

	// SendTyping sends a typing indicator before each delivery.
	SendTyping bool `yaml:"send_typing"`

	// ReconnectBackoff is the initial backoff duration for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts is the maximum number of reconnection attempts
	// (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		StorePath:            "./data/whatsapp.db",
		DeviceName:           "ReplyClaw",
		RespondToGroups:      false,
		AutoRead:             true,
		SendTyping:           true,
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Driver implements channels.Driver for WhatsApp.
type Driver struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	// unread buffers incoming messages until the agent polls.
	unread   []channels.Message
	unreadMu sync.Mutex

	// connected tracks connection state.
	connected atomic.Bool

	// state tracks detailed connection state.
	state atomic.Value // ConnectionState

	// lastMsg tracks the last message timestamp for health.
	lastMsg atomic.Value // time.Time

	// errorCount tracks consecutive errors.
	errorCount atomic.Int64

	// reconnectAttempts tracks reconnection tries.
	reconnectAttempts atomic.Int32

	// reconnectGuard prevents multiple concurrent reconnection attempts.
	reconnectGuard atomic.Bool

	// ctx and cancel for lifecycle management.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp driver instance.
func New(cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}

	// Apply defaults.
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "ReplyClaw"
	}

	d := &Driver{
		cfg:    cfg,
		logger: logger.With("component", "whatsapp"),
	}
	d.setState(StateDisconnected)
	return d
}

// ---------- State Management ----------

func (d *Driver) getState() ConnectionState {
	if v := d.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (d *Driver) setState(state ConnectionState) {
	d.state.Store(state)
}

// getClientJID returns the current client JID if connected.
func (d *Driver) getClientJID() string {
	if d.client != nil && d.client.Store.ID != nil {
		return d.client.Store.ID.String()
	}
	return ""
}

// ---------- Driver Interface ----------

// Name returns "whatsapp".
func (d *Driver) Name() string { return "whatsapp" }

// Connect establishes the WhatsApp Web connection via whatsmeow. On first
// run there is no stored session, so a QR code is printed to the terminal
// and Connect blocks until it is scanned or the code expires.
func (d *Driver) Connect(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.setState(StateConnecting)
	d.logger.Info("initializing connection", "store", d.cfg.StorePath)

	if dir := filepath.Dir(d.cfg.StorePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			d.setState(StateDisconnected)
			return fmt.Errorf("creating session store dir: %w", err)
		}
	}

	container, err := sqlstore.New(d.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", d.cfg.StorePath),
		waLog.Noop)
	if err != nil {
		d.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := d.getDevice(d.ctx, container)
	if err != nil {
		d.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	// Set device name shown in WhatsApp linked devices list.
	store.SetOSInfo(d.cfg.DeviceName, [3]uint32{1, 0, 0})

	d.client = whatsmeow.NewClient(device, waLog.Noop)
	d.client.AddEventHandler(d.handleEvent)

	// whatsmeow's built-in auto-reconnect handles network hiccups,
	// server-initiated disconnects, and keepalive failures.
	d.client.EnableAutoReconnect = true
	d.client.InitialAutoReconnect = true

	if d.client.Store.ID == nil {
		// First login. Block until the QR code is scanned so the agent
		// starts with a linked session.
		d.logger.Info("no existing session, QR login required")
		if err := d.loginWithQR(d.ctx); err != nil {
			d.setState(StateDisconnected)
			return fmt.Errorf("QR login: %w", err)
		}
		return nil
	}

	// Existing session — reconnect.
	if err := d.client.Connect(); err != nil {
		d.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}

	d.connected.Store(true)
	d.logger.Info("connected with existing session", "jid", d.getClientJID())
	return nil
}

// Disconnect gracefully closes the WhatsApp connection.
func (d *Driver) Disconnect() error {
	d.setState(StateDisconnected)
	d.connected.Store(false)

	if d.cancel != nil {
		d.cancel()
	}
	if d.client != nil {
		d.client.Disconnect()
	}

	d.logger.Info("disconnected")
	return nil
}

// Logout logs out and clears the stored session. The next Connect will
// require a fresh QR scan.
func (d *Driver) Logout() error {
	if d.client == nil {
		return nil
	}

	d.setState(StateLoggingOut)
	d.connected.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.client.Logout(ctx); err != nil {
		d.logger.Warn("logout error, forcing cleanup", "error", err)
		d.client.Disconnect()
		if d.client.Store != nil {
			if delErr := d.client.Store.Delete(ctx); delErr != nil {
				d.logger.Warn("failed to delete session store", "error", delErr)
			}
		}
	}

	d.setState(StateDisconnected)
	d.logger.Info("logged out, session cleared")
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

// Deliver sends reply text to the given contact.
func (d *Driver) Deliver(ctx context.Context, contact string, text string) error {
	if !d.connected.Load() {
		return channels.ErrDriverDisconnected
	}

	jid, err := parseJID(contact)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", contact, err)
	}

	if d.cfg.SendTyping {
		// Composing presence makes the reply read as typed, not injected.
		// Failure here never blocks the delivery itself.
		if err := d.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText); err != nil {
			d.logger.Debug("typing indicator failed", "error", err)
		}
		defer func() {
			_ = d.client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
		}()
	}

	_, err = d.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}

	return nil
}

// IsConnected returns true if WhatsApp is connected.
func (d *Driver) IsConnected() bool {
	return d.connected.Load()
}

// Health returns the WhatsApp driver health status.
func (d *Driver) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  d.connected.Load(),
		ErrorCount: int(d.errorCount.Load()),
		Details:    make(map[string]any),
	}
	if t, ok := d.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	h.Details["state"] = string(d.getState())
	if d.client != nil && d.client.Store.ID != nil {
		h.Details["jid"] = d.client.Store.ID.String()
		h.Details["platform"] = d.client.Store.Platform
	}
	h.Details["reconnect_attempts"] = d.reconnectAttempts.Load()

	d.unreadMu.Lock()
	h.Details["unread_queued"] = len(d.unread)
	d.unreadMu.Unlock()

	return h
}

// ---------- Internal ----------

// getDevice retrieves an existing device or creates a new one.
func (d *Driver) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR handles the QR code login flow. The code is rendered in the
// terminal; the call blocks until pairing succeeds, the code expires, or
// the context is cancelled.
func (d *Driver) loginWithQR(ctx context.Context) error {
	qrChan, err := d.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := d.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	d.setState(StateWaitingQR)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				fmt.Fprintln(os.Stdout, "Scan the QR code below with WhatsApp (Linked Devices):")
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)

			case "success":
				d.connected.Store(true)
				d.reconnectAttempts.Store(0)
				d.setState(StateConnected)
				d.logger.Info("login successful", "jid", d.getClientJID())
				return nil

			case "timeout":
				d.setState(StateDisconnected)
				return fmt.Errorf("QR code expired, restart to try again")

			default:
				if evt.Error != nil {
					d.setState(StateDisconnected)
					return fmt.Errorf("QR login error: %v", evt.Error)
				}
			}
		}
	}
}

// attemptReconnect tries to reconnect with backoff. A guard prevents
// multiple concurrent reconnection attempts. Runs until reconnection
// succeeds, max attempts is reached, or the context ends.
func (d *Driver) attemptReconnect() {
	if !d.reconnectGuard.CompareAndSwap(false, true) {
		d.logger.Debug("reconnect already in progress, skipping")
		return
	}
	defer d.reconnectGuard.Store(false)

	d.setState(StateReconnecting)

	for {
		if d.ctx.Err() != nil {
			d.logger.Debug("reconnect cancelled, context done")
			return
		}

		attempts := d.reconnectAttempts.Add(1)
		if d.cfg.MaxReconnectAttempts > 0 && attempts > int32(d.cfg.MaxReconnectAttempts) {
			d.logger.Error("max reconnect attempts reached", "attempts", attempts)
			d.setState(StateDisconnected)
			return
		}

		backoff := min(d.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		d.logger.Info("attempting reconnect", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			d.logger.Debug("reconnect cancelled during backoff")
			return
		}

		if d.client == nil {
			d.logger.Warn("client is nil, cannot reconnect")
			return
		}

		// Disconnect first to clear any stale websocket state.
		if d.client.IsConnected() {
			d.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := d.client.Connect(); err != nil {
			d.logger.Warn("reconnect attempt failed, will retry",
				"attempt", attempts, "error", err)
			continue
		}

		// The Connected event confirms and updates state.
		d.logger.Info("reconnect initiated, waiting for confirmation")
		return
	}
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

// parseJID converts a string JID to types.JID.
// Accepts formats: "5511999999999", "+5511999999999", or a full JID like
// "5511999999999@s.whatsapp.net".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	// Already a full JID with server.
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	// Bare phone number — strip non-digits and add the default server.
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}
