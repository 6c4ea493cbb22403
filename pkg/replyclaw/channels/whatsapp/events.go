// Package whatsapp – events.go processes incoming whatsmeow events and
// converts message events into unified channel messages for the agent.
package whatsapp

import (
	"strings"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ConnectionState represents the current connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateLoggingOut   ConnectionState = "logging_out"
	StateBanned       ConnectionState = "banned"
)

// handleEvent is the main whatsmeow event dispatcher.
func (d *Driver) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		d.handleMessageEvt(evt)

	case *events.Connected:
		d.handleConnected(evt)

	case *events.Disconnected:
		d.handleDisconnected(evt)

	case *events.StreamReplaced:
		d.handleStreamReplaced(evt)

	case *events.LoggedOut:
		d.handleLoggedOut(evt)

	case *events.TemporaryBan:
		d.handleTemporaryBan(evt)

	case *events.KeepAliveTimeout:
		d.handleKeepAliveTimeout(evt)

	case *events.KeepAliveRestored:
		d.logger.Info("keep-alive restored")
		d.errorCount.Store(0)

	case *events.PairSuccess:
		d.logger.Info("device paired",
			"jid", evt.ID, "platform", evt.Platform)

	case *events.PushName:
		d.logger.Debug("push name update",
			"jid", evt.JID, "name", evt.NewPushName)
	}
}

// handleConnected handles successful connection.
func (d *Driver) handleConnected(_ *events.Connected) {
	d.setState(StateConnected)
	d.connected.Store(true)
	d.errorCount.Store(0)
	d.reconnectAttempts.Store(0)

	d.logger.Info("connected", "jid", d.getClientJID())
}

// handleDisconnected handles disconnection.
func (d *Driver) handleDisconnected(_ *events.Disconnected) {
	previous := d.getState()
	d.setState(StateDisconnected)

	d.logger.Warn("disconnected", "was_connected", d.connected.Load())
	d.connected.Store(false)

	// Attempt reconnection if the drop was not intentional.
	if previous == StateConnected && d.ctx.Err() == nil {
		go d.attemptReconnect()
	}
}

// handleStreamReplaced handles when another device takes over.
func (d *Driver) handleStreamReplaced(_ *events.StreamReplaced) {
	d.setState(StateDisconnected)
	d.connected.Store(false)

	d.logger.Error("stream replaced, another client connected with this session")
}

// handleLoggedOut handles session invalidation. The session store is gone
// server-side; a fresh QR scan is required, which needs operator presence.
func (d *Driver) handleLoggedOut(evt *events.LoggedOut) {
	d.setState(StateDisconnected)
	d.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}

	d.logger.Error("logged out, restart and scan the QR code again",
		"reason", reason, "on_connect", evt.OnConnect)
}

// handleTemporaryBan handles temporary bans.
func (d *Driver) handleTemporaryBan(evt *events.TemporaryBan) {
	d.setState(StateBanned)
	d.connected.Store(false)

	d.logger.Error("temporary ban",
		"code", evt.Code.String(), "expire", evt.Expire.String())
}

// handleKeepAliveTimeout handles keep-alive failures. Repeated failures
// mean a half-open connection: the socket looks alive but is dead.
func (d *Driver) handleKeepAliveTimeout(evt *events.KeepAliveTimeout) {
	d.logger.Warn("keep-alive timeout",
		"error_count", evt.ErrorCount, "last_success", evt.LastSuccess)

	d.errorCount.Add(1)

	if evt.ErrorCount >= 3 && d.getState() == StateConnected {
		d.logger.Error("keep-alive failed repeatedly, forcing reconnection",
			"error_count", evt.ErrorCount)
		d.setState(StateReconnecting)
		d.connected.Store(false)
		go d.attemptReconnect()
	}
}

// handleMessageEvt converts an incoming WhatsApp message event into a
// channel message and queues it for the next poll.
func (d *Driver) handleMessageEvt(evt *events.Message) {
	if evt == nil || evt.Message == nil {
		return
	}

	// Skip messages from self.
	if evt.Info.IsFromMe {
		return
	}

	// Skip status broadcasts.
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	if evt.Info.IsGroup && !d.cfg.RespondToGroups {
		return
	}

	text := extractText(evt.Message)
	if text == "" {
		// Media-only messages are not answerable text; skip.
		d.logger.Debug("skipping non-text message",
			"from", evt.Info.Sender.String(), "id", evt.Info.ID)
		return
	}

	// Resolve sender JID — WhatsApp may use LID (Linked Identity) format
	// instead of phone numbers. Resolve to phone JID so allow/block lists
	// written as phone numbers keep matching.
	sender := evt.Info.Sender
	if sender.Server == types.HiddenUserServer && d.client != nil && d.client.Store != nil {
		if altJID, err := d.client.Store.GetAltJID(d.ctx, sender); err == nil && !altJID.IsEmpty() {
			d.logger.Debug("resolved LID to phone",
				"lid", sender.String(), "phone", altJID.String())
			sender = altJID
		}
	}

	msg := channels.Message{
		ID:          string(evt.Info.ID),
		Channel:     "whatsapp",
		Contact:     sender.ToNonAD().String(),
		ContactName: evt.Info.PushName,
		Text:        text,
		Timestamp:   evt.Info.Timestamp,
	}

	d.enqueue(msg)

	// Auto-read if configured, so the sender sees the message was seen
	// before the reply arrives.
	if d.cfg.AutoRead {
		chat := evt.Info.Chat
		id := evt.Info.ID
		go func() {
			_ = d.client.MarkRead(d.ctx, []types.MessageID{id}, time.Now(), chat, chat)
		}()
	}
}

// extractText gets the text content from a WhatsApp message. Captions on
// media messages count as text.
func extractText(waMsg *waE2E.Message) string {
	if waMsg == nil {
		return ""
	}

	// Simple text message.
	if waMsg.Conversation != nil {
		return strings.TrimSpace(waMsg.GetConversation())
	}

	// Extended text message (with preview, formatting, reply context).
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		return strings.TrimSpace(ext.GetText())
	}

	// Media captions.
	if img := waMsg.ImageMessage; img != nil {
		return strings.TrimSpace(img.GetCaption())
	}
	if vid := waMsg.VideoMessage; vid != nil {
		return strings.TrimSpace(vid.GetCaption())
	}
	if doc := waMsg.DocumentMessage; doc != nil {
		return strings.TrimSpace(doc.GetCaption())
	}

	return ""
}
