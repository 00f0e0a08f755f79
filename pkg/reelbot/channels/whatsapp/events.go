package whatsapp

import (
	"fmt"
	"time"

	"github.com/jholhewres/reelbot/pkg/reelbot/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ConnectionState is the current connection state.
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

// ConnectionEvent is a connection state change.
type ConnectionEvent struct {
	State     ConnectionState `json:"state"`
	Previous  ConnectionState `json:"previous,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`
}

// ConnectionObserver receives connection state changes.
type ConnectionObserver interface {
	OnConnectionChange(evt ConnectionEvent)
}

// handleEvent dispatches whatsmeow events.
func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)
	case *events.Connected:
		w.handleConnected()
	case *events.Disconnected:
		w.handleDisconnected()
	case *events.StreamReplaced:
		w.markDown("stream_replaced", nil)
		w.logger.Error("stream replaced, another client took over the session")
	case *events.LoggedOut:
		w.handleLoggedOut(evt)
	case *events.TemporaryBan:
		w.handleTemporaryBan(evt)
	case *events.KeepAliveTimeout:
		w.handleKeepAliveTimeout(evt)
	case *events.KeepAliveRestored:
		w.errorCount.Store(0)
	case *events.ConnectFailure:
		w.handleConnectFailure(evt)
	case *events.PairSuccess:
		w.logger.Info("device paired", "jid", evt.ID, "platform", evt.Platform)
		w.notifyQR(QREvent{
			Type:    "success",
			Message: fmt.Sprintf("Paired with %s successfully!", evt.ID.String()),
		})
	}
}

func (w *WhatsApp) handleConnected() {
	previous := w.getState()
	w.setState(StateConnected)
	w.connected.Store(true)
	w.errorCount.Store(0)
	w.reconnectAttempts.Store(0)
	w.UpdateLastMsgTime()

	w.logger.Info("connected", "jid", w.getClientJID())
	w.notifyConnectionChange(ConnectionEvent{
		State:     StateConnected,
		Previous:  previous,
		Timestamp: time.Now(),
	})
}

func (w *WhatsApp) handleDisconnected() {
	previous := w.getState()
	w.markDown("connection_lost", nil)
	w.logger.Warn("disconnected")

	if previous == StateConnected && w.ctx.Err() == nil {
		go w.attemptReconnect()
	}
}

// markDown records a disconnect and notifies observers.
func (w *WhatsApp) markDown(reason string, details map[string]any) {
	previous := w.getState()
	w.setState(StateDisconnected)
	w.connected.Store(false)
	w.notifyConnectionChange(ConnectionEvent{
		State:     StateDisconnected,
		Previous:  previous,
		Timestamp: time.Now(),
		Reason:    reason,
		Details:   details,
	})
}

func (w *WhatsApp) handleLoggedOut(evt *events.LoggedOut) {
	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	w.logger.Error("logged out", "reason", reason, "on_connect", evt.OnConnect)
	w.markDown("logged_out", map[string]any{"reason": reason, "needs_qr": true})

	go func() {
		if err := w.loginWithQR(w.ctx); err != nil {
			w.logger.Warn("QR re-login failed", "error", err)
		}
	}()
}

func (w *WhatsApp) handleTemporaryBan(evt *events.TemporaryBan) {
	previous := w.getState()
	w.setState(StateBanned)
	w.connected.Store(false)

	w.logger.Error("temporary ban", "code", evt.Code, "expire", evt.Expire)
	w.notifyConnectionChange(ConnectionEvent{
		State:     StateBanned,
		Previous:  previous,
		Timestamp: time.Now(),
		Reason:    "temporary_ban",
		Details: map[string]any{
			"code":   evt.Code.String(),
			"expire": evt.Expire.String(),
		},
	})
}

func (w *WhatsApp) handleKeepAliveTimeout(evt *events.KeepAliveTimeout) {
	w.logger.Warn("keep-alive timeout",
		"error_count", evt.ErrorCount,
		"last_success", evt.LastSuccess)
	w.errorCount.Add(1)

	// Three consecutive failures usually mean a half-open socket.
	if evt.ErrorCount >= 3 && w.getState() == StateConnected {
		w.setState(StateReconnecting)
		w.connected.Store(false)
		go w.attemptReconnect()
	}
}

func (w *WhatsApp) handleConnectFailure(evt *events.ConnectFailure) {
	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	permanent := evt.PermanentDisconnectDescription()

	w.logger.Error("connect failure",
		"reason", reason,
		"message", evt.Message,
		"permanent", permanent)
	w.markDown("connect_failure", map[string]any{"reason": reason, "permanent": permanent})

	if permanent == "" && w.ctx.Err() == nil {
		go w.attemptReconnect()
	}
}

// handleMessageEvt converts a whatsmeow message into an IncomingMessage.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	w.UpdateLastMsgTime()

	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	isGroup := evt.Info.IsGroup
	if isGroup && !w.cfg.RespondToGroups {
		return
	}
	if !isGroup && !w.cfg.RespondToDMs {
		return
	}

	sender := w.resolveJID(evt.Info.Sender)
	chat := w.resolveJID(evt.Info.Chat)

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   "whatsapp",
		From:      sender.String(),
		FromName:  evt.Info.PushName,
		ChatID:    chat.String(),
		IsGroup:   isGroup,
		Timestamp: evt.Info.Timestamp,
		Metadata: map[string]any{
			"sender_jid": evt.Info.Sender.String(),
			"chat_jid":   evt.Info.Chat.String(),
		},
	}
	msg.Type, msg.Content = extractContent(evt.Message)

	if w.cfg.AutoRead {
		go func() {
			if err := w.MarkRead(w.ctx, msg.ChatID, evt.Info.Sender.String(), []string{msg.ID}); err != nil {
				w.logger.Debug("mark read failed", "error", err)
			}
		}()
	}

	w.emitMessage(msg)
}

// resolveJID maps a LID (linked identity) to its phone-number JID when the
// store knows it, so the same person keeps a stable user key.
func (w *WhatsApp) resolveJID(jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer || w.client == nil || w.client.Store == nil {
		return jid
	}
	alt, err := w.client.Store.GetAltJID(w.ctx, jid)
	if err != nil || alt.IsEmpty() {
		return jid
	}
	return alt
}

// extractContent returns the message type and its text. Media messages
// carry their caption as text.
func extractContent(waMsg *waE2E.Message) (channels.MessageType, string) {
	if waMsg == nil {
		return channels.MessageOther, ""
	}

	switch {
	case waMsg.Conversation != nil:
		return channels.MessageText, waMsg.GetConversation()
	case waMsg.ExtendedTextMessage != nil:
		return channels.MessageText, waMsg.GetExtendedTextMessage().GetText()
	case waMsg.ImageMessage != nil:
		return channels.MessageImage, waMsg.GetImageMessage().GetCaption()
	case waMsg.VideoMessage != nil:
		return channels.MessageVideo, waMsg.GetVideoMessage().GetCaption()
	case waMsg.AudioMessage != nil:
		return channels.MessageAudio, ""
	case waMsg.DocumentMessage != nil:
		return channels.MessageDocument, waMsg.GetDocumentMessage().GetCaption()
	default:
		return channels.MessageOther, ""
	}
}
