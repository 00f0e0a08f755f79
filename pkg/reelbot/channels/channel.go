// Package channels defines the transport abstraction used by reelbot.
// Each messaging platform (WhatsApp, Discord, the local console) implements
// Channel so the router can receive and reply without knowing the wire
// protocol underneath.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageOther    MessageType = "other"
)

// Channel defines the interface that every transport must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp", "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a text message to the specified recipient.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// MediaChannel extends Channel with outbound media support.
type MediaChannel interface {
	Channel

	// SendMedia sends an image, video or document.
	SendMedia(ctx context.Context, to string, media *MediaMessage) error
}

// ProfileChannel is implemented by channels that can resolve a user's
// profile picture.
type ProfileChannel interface {
	Channel

	// ProfilePictureURL returns a downloadable URL for the user's picture,
	// or an empty string when the user has none.
	ProfilePictureURL(ctx context.Context, user string) (string, error)
}

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "whatsapp").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the conversation the reply should go to.
	ChatID string

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// Type is the message content type.
	Type MessageType

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// Metadata contains additional channel-specific data.
	Metadata map[string]any
}

// UserID returns the key used for all per-user state. Channel-qualified so
// the same number on two transports never shares a session.
func (m *IncomingMessage) UserID() string {
	return m.Channel + ":" + m.From
}

// ReplyTo returns the address replies should be sent to.
func (m *IncomingMessage) ReplyTo() string {
	if m.ChatID != "" {
		return m.ChatID
	}
	return m.From
}

// OutgoingMessage represents a text message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to quote.
	ReplyTo string
}

// MediaMessage represents a media file to be sent.
type MediaMessage struct {
	// Type is the media type (image, video, document).
	Type MessageType

	// Data is the raw media bytes. Either Data or Path must be set.
	Data []byte

	// Path is a local file to read the media from.
	Path string

	// MimeType is the MIME type (e.g. "video/mp4").
	MimeType string

	// Filename is the original filename (for documents).
	Filename string

	// Caption is the text caption accompanying the media.
	Caption string
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool           `json:"connected"`
	LastMessageAt time.Time      `json:"last_message_at"`
	ErrorCount    int            `json:"error_count"`
	Details       map[string]any `json:"details,omitempty"`
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrMediaNotSupported   = errors.New("media not supported by this channel")
	ErrChannelNotFound     = errors.New("channel not found")
)
