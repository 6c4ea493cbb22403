// Package channels defines the driver contract ReplyClaw uses to talk to
// messaging platforms. Each driver (WhatsApp, Telegram, Discord) buffers
// incoming conversations internally and hands them to the agent through a
// pull-based PollUnread call, mirroring how an away-mode responder works:
// check what arrived since the last look, answer, check again later.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Driver is the interface every messaging driver must implement.
type Driver interface {
	// Name returns the driver identifier (e.g. "whatsapp", "telegram").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// PollUnread drains and returns the messages received since the last
	// poll, oldest first. An empty slice means nothing new; it is not an
	// error. Each message is returned exactly once.
	PollUnread(ctx context.Context) ([]Message, error)

	// Deliver sends reply text to the given contact. A failed delivery is
	// returned to the caller, never swallowed.
	Deliver(ctx context.Context, contact string, text string) error

	// IsConnected returns true if the driver is connected.
	IsConnected() bool

	// Health returns the driver health status.
	Health() HealthStatus
}

// Message is one inbound item surfaced by a driver.
type Message struct {
	// ID is the platform message identifier. Drivers that cannot provide
	// one leave it empty and the agent derives a content key instead.
	ID string

	// Channel identifies the source driver (e.g. "whatsapp").
	Channel string

	// Contact is the sender identity used for filtering and history
	// (JID, chat ID, or user ID depending on the platform).
	Contact string

	// ContactName is the sender display name, when the platform has one.
	ContactName string

	// Text is the message text.
	Text string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// HealthStatus represents the health state of a driver.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrDriverDisconnected = fmt.Errorf("driver is not connected")
	ErrDriverNotFound     = fmt.Errorf("no driver registered under that name")
	ErrSendFailed         = fmt.Errorf("failed to send message")
)
