// Package bot runs the message loop: every inbound message gets its own
// goroutine, a trace id and a replier bound to the channel it came from.
package bot

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/reelbot/pkg/reelbot/channels"
	"github.com/jholhewres/reelbot/pkg/reelbot/router"
)

// Source is the inbound side of the channel manager.
type Source interface {
	Messages() <-chan *channels.IncomingMessage
	Channel(name string) (channels.Channel, bool)
}

// Handler processes one message. Implemented by *router.Router.
type Handler interface {
	Handle(ctx context.Context, msg *channels.IncomingMessage, reply router.Reply) router.Route
}

// Bot dispatches inbound messages to the handler.
type Bot struct {
	src     Source
	handler Handler
	logger  *slog.Logger

	// drainTimeout bounds how long Run waits for in-flight messages.
	drainTimeout time.Duration

	inflight sync.WaitGroup
}

// New creates a Bot.
func New(src Source, handler Handler, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		src:          src,
		handler:      handler,
		logger:       logger.With("component", "bot"),
		drainTimeout: 30 * time.Second,
	}
}

// Run consumes messages until ctx is done or the source closes, then waits
// for in-flight messages. Handlers run on a context that is not canceled
// by shutdown; their own timeouts bound them.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("message loop started")
	work := context.WithoutCancel(ctx)

loop:
	for {
		select {
		case msg, ok := <-b.src.Messages():
			if !ok {
				break loop
			}
			b.inflight.Add(1)
			go func() {
				defer b.inflight.Done()
				b.handle(work, msg)
			}()
		case <-ctx.Done():
			break loop
		}
	}

	b.drain()
	b.logger.Info("message loop stopped")
	return nil
}

func (b *Bot) drain() {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.drainTimeout):
		b.logger.Warn("in-flight messages still running at shutdown")
	}
}

func (b *Bot) handle(ctx context.Context, msg *channels.IncomingMessage) {
	traceID := uuid.NewString()
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]any)
	}
	msg.Metadata["trace_id"] = traceID

	logger := b.logger.With(
		"channel", msg.Channel,
		"from", msg.From,
		"msg_id", msg.ID,
		"trace_id", traceID,
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("message handler panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	ch, ok := b.src.Channel(msg.Channel)
	if !ok {
		logger.Warn("message from unregistered channel")
		return
	}

	start := time.Now()
	logger.Debug("incoming message", "type", msg.Type, "content_preview", preview(msg.Content, 50))

	route := b.handler.Handle(ctx, msg, channels.NewReplier(ch, msg))

	logger.Info("message handled",
		"route", string(route),
		"duration", time.Since(start).Round(time.Millisecond),
	)
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
