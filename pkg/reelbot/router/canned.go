package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jholhewres/reelbot/pkg/reelbot/channels"
	"github.com/jholhewres/reelbot/pkg/reelbot/media"
)

// ProfileConfig holds the bot identity used by the canned replies.
type ProfileConfig struct {
	BotName     string `yaml:"bot_name"`
	Version     string `yaml:"version"`
	OwnerName   string `yaml:"owner_name"`
	OwnerSocial string `yaml:"owner_social"`
	OwnerImage  string `yaml:"owner_image"`
	QRImage     string `yaml:"qr_image"`
}

// Effective returns a copy with defaults applied.
func (p ProfileConfig) Effective() ProfileConfig {
	if p.BotName == "" {
		p.BotName = "ReelBot"
	}
	if p.Version == "" {
		p.Version = "1.2.0"
	}
	if p.OwnerName == "" {
		p.OwnerName = "Not set"
	}
	if p.OwnerSocial == "" {
		p.OwnerSocial = "Not set"
	}
	return p
}

// maxProfilePicture bounds profile picture downloads.
const maxProfilePicture = 5 << 20

// cannedFunc produces a read-only reply.
type cannedFunc func(ctx context.Context, msg *channels.IncomingMessage, reply Reply) error

// Canned implements the fixed command vocabulary.
type Canned struct {
	profile    ProfileConfig
	enter      string
	exit       string
	started    time.Time
	httpClient *http.Client
	logger     *slog.Logger
	commands   map[string]cannedFunc
}

func newCanned(profile ProfileConfig, enter, exit string, logger *slog.Logger) *Canned {
	c := &Canned{
		profile:    profile.Effective(),
		enter:      enter,
		exit:       exit,
		started:    time.Now(),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
	c.commands = map[string]cannedFunc{
		"start":   c.start,
		"help":    c.help,
		"info":    c.info,
		"qr":      c.qr,
		"botinfo": c.botInfo,
	}
	return c
}

// Welcome is the one-time first contact message.
func (c *Canned) Welcome() string {
	return fmt.Sprintf("👋 *Welcome to %s!*\nType `start` to get started.", c.profile.BotName)
}

func (c *Canned) lookup(cmd string) (cannedFunc, bool) {
	fn, ok := c.commands[cmd]
	return fn, ok
}

func (c *Canned) start(ctx context.Context, _ *channels.IncomingMessage, reply Reply) error {
	return reply.Text(ctx, "📲 *Welcome!*\n"+
		"Use the following:\n"+
		"- `help` — Show commands\n"+
		"- `info` — Your account details\n"+
		"- Just paste *Instagram* links to download reel.")
}

func (c *Canned) help(ctx context.Context, _ *channels.IncomingMessage, reply Reply) error {
	return reply.Text(ctx, "🤖 *Available Commands:*\n"+
		"• *start* — Start the bot\n"+
		"• *help* — Show this help message\n"+
		"• *info* — Display your account details\n"+
		"• *qr* — Send my payment QR code\n"+
		"• *botinfo* — Show information about bot\n"+
		"• *"+c.enter+"* — Activate AI conversational mode (bot will remember previous chat)\n"+
		"• *"+c.exit+"* — Deactivate AI conversational mode\n"+
		"• Just paste any *Instagram* link to download reel.")
}

func (c *Canned) info(ctx context.Context, msg *channels.IncomingMessage, reply Reply) error {
	name := msg.FromName
	if name == "" {
		name = "Not Available"
	}
	number, _, _ := strings.Cut(msg.From, "@")

	if err := reply.Text(ctx, fmt.Sprintf("📋 *Your Info:*\n• Name: %s\n• Number: %s", name, number)); err != nil {
		return err
	}

	url, err := reply.ProfilePictureURL(ctx)
	if err != nil {
		c.logger.Debug("profile picture lookup failed", "error", err)
		return nil
	}
	if url == "" {
		return nil
	}
	data, err := c.download(ctx, url)
	if err != nil {
		c.logger.Debug("profile picture download failed", "error", err)
		return nil
	}
	return reply.Media(ctx, &channels.MediaMessage{
		Type:     channels.MessageImage,
		Data:     data,
		MimeType: media.DetectMimeType(data, "profile.jpg"),
		Caption:  "🖼️ Your profile picture",
	})
}

func (c *Canned) qr(ctx context.Context, _ *channels.IncomingMessage, reply Reply) error {
	img, ok := c.image(c.profile.QRImage)
	if !ok {
		return reply.Text(ctx, "❌ QR image not found on server.")
	}
	img.Caption = "📸 Here's your QR Code.\nScan to pay."
	return reply.Media(ctx, img)
}

func (c *Canned) botInfo(ctx context.Context, _ *channels.IncomingMessage, reply Reply) error {
	caption := fmt.Sprintf("🤖 *%s*\n\nVersion: %s\n\nOwner Name: %s\n\nOwner Social: %s\n\nUptime: %s",
		c.profile.BotName,
		c.profile.Version,
		c.profile.OwnerName,
		c.profile.OwnerSocial,
		formatUptime(time.Since(c.started)),
	)
	img, ok := c.image(c.profile.OwnerImage)
	if !ok {
		return reply.Text(ctx, caption)
	}
	img.Caption = caption
	return reply.Media(ctx, img)
}

// image loads a configured local image. ok is false when unset or unreadable.
func (c *Canned) image(path string) (*channels.MediaMessage, bool) {
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Debug("canned image unavailable", "path", path, "error", err)
		return nil, false
	}
	return &channels.MediaMessage{
		Type:     channels.MessageImage,
		Data:     data,
		MimeType: media.DetectMimeType(data, path),
		Filename: filepath.Base(path),
	}, true
}

func (c *Canned) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxProfilePicture))
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
