package telegram

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// fakeBot implements botAPI for tests.
type fakeBot struct {
	updates chan tgbotapi.Update

	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	stopped bool
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 16)}
}

func (f *fakeBot) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	mc, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable type")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, mc)
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{UserName: "replyclaw_bot"}
}

func (f *fakeBot) sentMessages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tgbotapi.MessageConfig, len(f.sent))
	copy(out, f.sent)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newTestDriver returns a connected driver backed by a fake bot.
func newTestDriver(t *testing.T, cfg Config) (*Driver, *fakeBot) {
	t.Helper()

	if cfg.Token == "" {
		cfg.Token = "fake-token"
	}
	fake := newFakeBot()

	d := New(cfg, testLogger())
	d.newBot = func(_ string, _ *http.Client) (botAPI, error) {
		return fake, nil
	}

	if err := d.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = d.Disconnect() })

	return d, fake
}

func privateMessage(id int, userID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: id,
		From:      &tgbotapi.User{ID: userID, UserName: "alice", FirstName: "Alice"},
		Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
		Date:      int(time.Now().Unix()),
		Text:      text,
	}
}

func TestConnectRequiresToken(t *testing.T) {
	d := New(Config{}, testLogger())
	if err := d.Connect(context.Background()); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestConnectRejectsBadProxy(t *testing.T) {
	d := New(Config{Token: "fake", Proxy: "://bad"}, testLogger())
	if err := d.Connect(context.Background()); err == nil {
		t.Error("expected error for invalid proxy url")
	}
}

func TestReceiveFromUpdates(t *testing.T) {
	d, fake := newTestDriver(t, Config{})

	fake.updates <- tgbotapi.Update{Message: privateMessage(42, 100, "hello")}

	// The update is consumed on a background goroutine.
	deadline := time.After(time.Second)
	for {
		batch, err := d.PollUnread(context.Background())
		if err != nil {
			t.Fatalf("PollUnread: %v", err)
		}
		if len(batch) > 0 {
			msg := batch[0]
			if msg.ID != "42" {
				t.Errorf("ID = %q, want 42", msg.ID)
			}
			if msg.Channel != "telegram" {
				t.Errorf("Channel = %q", msg.Channel)
			}
			if msg.Contact != "100" {
				t.Errorf("Contact = %q, want 100", msg.Contact)
			}
			if msg.ContactName != "alice" {
				t.Errorf("ContactName = %q, want alice", msg.ContactName)
			}
			if msg.Text != "hello" {
				t.Errorf("Text = %q", msg.Text)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for queued message")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHandleMessageFiltersGroups(t *testing.T) {
	t.Run("groups skipped by default", func(t *testing.T) {
		d, _ := newTestDriver(t, Config{})

		d.handleMessage(&tgbotapi.Message{
			MessageID: 1,
			From:      &tgbotapi.User{ID: 100},
			Chat:      &tgbotapi.Chat{ID: -500, Type: "group"},
			Date:      int(time.Now().Unix()),
			Text:      "group chatter",
		})

		batch, _ := d.PollUnread(context.Background())
		if len(batch) != 0 {
			t.Errorf("expected group message skipped, got %d", len(batch))
		}
	})

	t.Run("groups surfaced when allowed", func(t *testing.T) {
		d, _ := newTestDriver(t, Config{AllowGroups: true})

		d.handleMessage(&tgbotapi.Message{
			MessageID: 1,
			From:      &tgbotapi.User{ID: 100},
			Chat:      &tgbotapi.Chat{ID: -500, Type: "group"},
			Date:      int(time.Now().Unix()),
			Text:      "group chatter",
		})

		batch, _ := d.PollUnread(context.Background())
		if len(batch) != 1 {
			t.Fatalf("expected group message queued, got %d", len(batch))
		}
		if batch[0].Contact != "-500" {
			t.Errorf("Contact = %q, want chat id -500", batch[0].Contact)
		}
	})
}

func TestHandleMessageSkipsBotsAndEmptyText(t *testing.T) {
	d, _ := newTestDriver(t, Config{})

	d.handleMessage(&tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: 100, IsBot: true},
		Chat:      &tgbotapi.Chat{ID: 100, Type: "private"},
		Text:      "from a bot",
	})
	d.handleMessage(&tgbotapi.Message{
		MessageID: 2,
		From:      &tgbotapi.User{ID: 100},
		Chat:      &tgbotapi.Chat{ID: 100, Type: "private"},
		Text:      "   ",
	})

	batch, _ := d.PollUnread(context.Background())
	if len(batch) != 0 {
		t.Errorf("expected both messages skipped, got %d", len(batch))
	}
}

func TestHandleMessageUsesCaption(t *testing.T) {
	d, _ := newTestDriver(t, Config{})

	d.handleMessage(&tgbotapi.Message{
		MessageID: 3,
		From:      &tgbotapi.User{ID: 100, FirstName: "Alice"},
		Chat:      &tgbotapi.Chat{ID: 100, Type: "private"},
		Date:      int(time.Now().Unix()),
		Caption:   "photo caption",
	})

	batch, _ := d.PollUnread(context.Background())
	if len(batch) != 1 {
		t.Fatalf("expected caption message queued, got %d", len(batch))
	}
	if batch[0].Text != "photo caption" {
		t.Errorf("Text = %q, want caption", batch[0].Text)
	}
}

func TestDeliver(t *testing.T) {
	d, fake := newTestDriver(t, Config{})

	if err := d.Deliver(context.Background(), "100", "short reply"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	sent := fake.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sent))
	}
	if sent[0].ChatID != 100 {
		t.Errorf("ChatID = %d, want 100", sent[0].ChatID)
	}
	if sent[0].Text != "short reply" {
		t.Errorf("Text = %q", sent[0].Text)
	}
}

func TestDeliverChunksLongText(t *testing.T) {
	d, fake := newTestDriver(t, Config{})

	line := strings.Repeat("x", 120) + "\n"
	long := strings.Repeat(line, 80) // ~9680 chars

	if err := d.Deliver(context.Background(), "100", long); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	sent := fake.sentMessages()
	if len(sent) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(sent))
	}
	var total int
	for i, mc := range sent {
		if len(mc.Text) > maxMessageLen {
			t.Errorf("chunk %d is %d chars, over the %d limit", i, len(mc.Text), maxMessageLen)
		}
		total += len(mc.Text)
	}
	// Nothing lost besides the newlines used as split points.
	if total < len(long)-len(sent) {
		t.Errorf("chunks sum to %d chars, want about %d", total, len(long))
	}
}

func TestDeliverInvalidChatID(t *testing.T) {
	d, _ := newTestDriver(t, Config{})

	if err := d.Deliver(context.Background(), "not-a-number", "text"); err == nil {
		t.Error("expected error for invalid chat id")
	}
}

func TestDeliverWhenDisconnected(t *testing.T) {
	d := New(Config{Token: "fake"}, testLogger())

	err := d.Deliver(context.Background(), "100", "text")
	if !errors.Is(err, channels.ErrDriverDisconnected) {
		t.Errorf("expected ErrDriverDisconnected, got %v", err)
	}
}

func TestDisconnectStopsUpdates(t *testing.T) {
	d, fake := newTestDriver(t, Config{})

	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if d.IsConnected() {
		t.Error("expected disconnected")
	}

	fake.mu.Lock()
	stopped := fake.stopped
	fake.mu.Unlock()
	if !stopped {
		t.Error("expected StopReceivingUpdates to be called")
	}
}

func TestHealth(t *testing.T) {
	d, _ := newTestDriver(t, Config{})

	health := d.Health()
	if !health.Connected {
		t.Error("expected connected")
	}
	if health.Details["username"] != "replyclaw_bot" {
		t.Errorf("username = %v", health.Details["username"])
	}
}
