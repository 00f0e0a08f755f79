// Package discord implements the Discord transport for reelbot using
// discordgo. Each Discord user gets the same per-user state as a WhatsApp
// contact; replies go to the channel the message came from.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/reelbot/pkg/reelbot/channels"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Config holds Discord channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guilds the bot responds in.
	// Empty means all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channels the bot responds in.
	// Empty means all channels.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// session is the part of *discordgo.Session the channel uses.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

// Discord implements channels.Channel, channels.MediaChannel and
// channels.ProfileChannel.
type Discord struct {
	cfg    Config
	logger *slog.Logger

	gateway *discordgo.Session
	api     session
	botID   string

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
	closed     atomic.Bool
}

// New creates a Discord channel. Nothing is opened until Connect.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway connection.
func (d *Discord) Connect(_ context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	s, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	s.AddHandler(d.onMessageCreate)

	if err := s.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.gateway = s
	d.api = s
	d.botID = s.State.User.ID
	d.connected.Store(true)
	d.logger.Info("connected", "bot", s.State.User.Username, "id", d.botID)
	return nil
}

// Disconnect closes the gateway and the inbound stream.
func (d *Discord) Disconnect() error {
	if d.gateway != nil {
		if err := d.gateway.Close(); err != nil {
			d.logger.Warn("closing gateway", "error", err)
		}
	}
	d.connected.Store(false)
	if d.closed.CompareAndSwap(false, true) {
		close(d.messages)
	}
	d.logger.Info("disconnected")
	return nil
}

// Send sends text, split into chunks when longer than Discord allows.
func (d *Discord) Send(_ context.Context, to string, message *channels.OutgoingMessage) error {
	if d.api == nil || !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	for i, chunk := range splitMessage(message.Content, maxMessageLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && message.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: message.ReplyTo, ChannelID: to}
		}
		if _, err := d.api.ChannelMessageSendComplex(to, send); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("discord: sending message: %w", err)
		}
	}
	return nil
}

// SendMedia sends the media as a file attachment.
func (d *Discord) SendMedia(_ context.Context, to string, media *channels.MediaMessage) error {
	if d.api == nil || !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	reader, name, err := openMedia(media)
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	if c, ok := reader.(io.Closer); ok {
		defer c.Close()
	}

	send := &discordgo.MessageSend{
		Content: media.Caption,
		Files: []*discordgo.File{
			{Name: name, ContentType: media.MimeType, Reader: reader},
		},
	}
	if _, err := d.api.ChannelMessageSendComplex(to, send); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord: sending media: %w", err)
	}
	return nil
}

// ProfilePictureURL returns the user's avatar URL.
func (d *Discord) ProfilePictureURL(_ context.Context, user string) (string, error) {
	if d.api == nil {
		return "", channels.ErrChannelDisconnected
	}
	u, err := d.api.User(user)
	if err != nil {
		return "", fmt.Errorf("discord: fetching user: %w", err)
	}
	if u.Avatar == "" {
		return "", nil
	}
	return u.AvatarURL("512"), nil
}

// Receive returns the inbound message stream.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the gateway is open.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  d.connected.Load(),
		ErrorCount: int(d.errorCount.Load()),
	}
	if t, ok := d.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	return h
}

func (d *Discord) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if msg := d.convert(m); msg != nil {
		d.emit(msg)
	}
}

// convert maps a gateway message to an IncomingMessage, or nil when the
// message is filtered out.
func (d *Discord) convert(m *discordgo.MessageCreate) *channels.IncomingMessage {
	if m.Author == nil || m.Author.Bot || m.Author.ID == d.botID {
		return nil
	}
	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !slices.Contains(d.cfg.AllowedGuilds, m.GuildID) {
		return nil
	}
	if len(d.cfg.AllowedChannels) > 0 && !slices.Contains(d.cfg.AllowedChannels, m.ChannelID) {
		return nil
	}

	msg := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   m.GuildID != "",
		Type:      channels.MessageText,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if len(m.Attachments) > 0 && m.Content == "" {
		msg.Type = inferMediaType(m.Attachments[0].ContentType)
	}
	return msg
}

func (d *Discord) emit(msg *channels.IncomingMessage) {
	if d.closed.Load() {
		return
	}
	d.lastMsg.Store(time.Now())
	select {
	case d.messages <- msg:
	default:
		d.logger.Warn("message buffer full, dropping message", "msg_id", msg.ID)
	}
}

// openMedia returns a reader over the payload and the attachment name.
func openMedia(media *channels.MediaMessage) (io.Reader, string, error) {
	name := media.Filename
	if name == "" && media.Path != "" {
		name = filepath.Base(media.Path)
	}
	if name == "" {
		name = "file"
	}

	if len(media.Data) > 0 {
		return bytes.NewReader(media.Data), name, nil
	}
	if media.Path == "" {
		return nil, "", fmt.Errorf("no media data or path")
	}
	f, err := os.Open(media.Path)
	if err != nil {
		return nil, "", err
	}
	return f, name, nil
}

func inferMediaType(contentType string) channels.MessageType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return channels.MessageImage
	case strings.HasPrefix(ct, "audio/"):
		return channels.MessageAudio
	case strings.HasPrefix(ct, "video/"):
		return channels.MessageVideo
	default:
		return channels.MessageDocument
	}
}

// splitMessage splits text into chunks of at most maxLen runes, preferring
// to break after a newline in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	if utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		// Byte offset of the maxLen-th rune.
		cut, n := 0, 0
		for i := range text {
			if n == maxLen {
				cut = i
				break
			}
			n++
		}
		if idx := strings.LastIndex(text[:cut], "\n"); idx > cut/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

var (
	_ channels.MediaChannel   = (*Discord)(nil)
	_ channels.ProfileChannel = (*Discord)(nil)
)
