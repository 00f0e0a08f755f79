// Package console implements a local terminal transport so the bot can be
// exercised without a phone. Each input line becomes one message from the
// local user; replies are printed to stdout.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/jholhewres/reelbot/pkg/reelbot/channels"
)

// LocalUser is the sender ID of every console message.
const LocalUser = "local"

// Config holds console channel configuration.
type Config struct {
	// Prompt is printed before each input line.
	Prompt string `yaml:"prompt"`

	// HistoryFile persists input history between runs.
	HistoryFile string `yaml:"history_file"`

	// UserName is the display name reported for the local user.
	UserName string `yaml:"user_name"`
}

// lineReader is the subset of *readline.Instance the console needs.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

// Console implements channels.Channel and channels.MediaChannel.
type Console struct {
	cfg    Config
	logger *slog.Logger
	out    io.Writer
	reader lineReader

	messages chan *channels.IncomingMessage
	seq      atomic.Int64

	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
	closeOnce sync.Once
	outMu     sync.Mutex
	done      chan struct{}
	ended     chan struct{}
}

// New creates a console channel writing replies to out (stdout when nil).
func New(cfg Config, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = os.Stdout
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "you> "
	}
	if cfg.UserName == "" {
		cfg.UserName = "Console"
	}
	return &Console{
		cfg:      cfg,
		logger:   logger.With("component", "console"),
		out:      out,
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
		ended:    make(chan struct{}),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect starts reading input lines.
func (c *Console) Connect(ctx context.Context) error {
	if c.reader == nil {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          c.cfg.Prompt,
			HistoryFile:     c.cfg.HistoryFile,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			return fmt.Errorf("console: opening terminal: %w", err)
		}
		c.reader = rl
	}

	c.connected.Store(true)
	go c.readLoop(ctx)
	return nil
}

func (c *Console) readLoop(ctx context.Context) {
	defer close(c.ended)
	defer c.closeMessages()

	for {
		line, err := c.reader.Readline()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) {
				c.logger.Warn("read failed", "error", err)
			}
			c.connected.Store(false)
			return
		}
		if line == "" {
			continue
		}

		msg := &channels.IncomingMessage{
			ID:        strconv.FormatInt(c.seq.Add(1), 10),
			Channel:   c.Name(),
			From:      LocalUser,
			FromName:  c.cfg.UserName,
			Type:      channels.MessageText,
			Content:   line,
			Timestamp: time.Now(),
		}
		c.lastMsg.Store(msg.Timestamp)

		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// Ended is closed once the input loop has stopped (EOF, ^C or Disconnect).
func (c *Console) Ended() <-chan struct{} { return c.ended }

// Disconnect stops reading input.
func (c *Console) Disconnect() error {
	c.connected.Store(false)
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.reader != nil {
			err = c.reader.Close()
		}
	})
	return err
}

func (c *Console) closeMessages() {
	close(c.messages)
}

// Send prints a reply.
func (c *Console) Send(_ context.Context, _ string, message *channels.OutgoingMessage) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintf(c.out, "bot> %s\n", message.Content)
	return err
}

// SendMedia prints a description of the media and where it lives.
func (c *Console) SendMedia(_ context.Context, _ string, media *channels.MediaMessage) error {
	where := media.Path
	if where == "" {
		where = fmt.Sprintf("%d bytes", len(media.Data))
	}

	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := fmt.Fprintf(c.out, "bot> [%s: %s]\n", media.Type, where); err != nil {
		return err
	}
	if media.Caption != "" {
		_, err := fmt.Fprintf(c.out, "bot> %s\n", media.Caption)
		return err
	}
	return nil
}

// Receive returns the inbound message stream.
func (c *Console) Receive() <-chan *channels.IncomingMessage {
	return c.messages
}

// IsConnected reports whether input is still being read.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	h := channels.HealthStatus{Connected: c.connected.Load()}
	if t, ok := c.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	return h
}

var _ channels.MediaChannel = (*Console)(nil)
