// Package router classifies each incoming message and dispatches it to the
// matching handler. Classification is a strict priority chain; the first
// matching rule handles the message and no other rule runs:
//
//  1. onboarding (first message ever from the user)
//  2. mode toggle (enter/exit assistant mode)
//  3. assistant query (assistant mode, no escape prefix)
//  4. canned command
//  5. media link
//  6. ignore
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/jholhewres/reelbot/pkg/reelbot/assistant"
	"github.com/jholhewres/reelbot/pkg/reelbot/channels"
	"github.com/jholhewres/reelbot/pkg/reelbot/conversation"
	"github.com/jholhewres/reelbot/pkg/reelbot/ledger"
	"github.com/jholhewres/reelbot/pkg/reelbot/media"
	"github.com/jholhewres/reelbot/pkg/reelbot/session"
)

// Route is the branch of the chain that handled a message.
type Route string

const (
	RouteOnboarding Route = "onboarding"
	RouteToggle     Route = "toggle"
	RouteAssistant  Route = "assistant"
	RouteCanned     Route = "canned"
	RouteMedia      Route = "media"
	RouteIgnore     Route = "ignore"
)

// Mode notices.
const (
	NoticeAlreadyInAssistant = "💡 You are already in AI mode."
	NoticeNotInAssistant     = "🤷‍♂️ You are not currently in AI mode."
	NoticeEmptyQuery         = "❓ Please provide your question."
	NoticeResendQuery        = "🔄 AI mode changed while your message arrived. Please send it again."
	NoticeDeactivated        = "👋 *AI Mode Deactivated!* Your previous messages will not be remembered."
)

// Reply is where the router sends its responses.
type Reply interface {
	media.Replier
	ProfilePictureURL(ctx context.Context) (string, error)
}

// DialogueHandler answers assistant-mode queries.
type DialogueHandler interface {
	Handle(ctx context.Context, user string, gen conversation.Generation, query string, ack func()) (string, error)
}

// MediaHandler runs deduplicated media retrievals.
type MediaHandler interface {
	Handle(ctx context.Context, jobID, url string, reply media.Replier) media.Result
}

// Config configures the router vocabulary.
type Config struct {
	EnterPhrase  string        `yaml:"enter_phrase"`
	ExitPhrase   string        `yaml:"exit_phrase"`
	EscapePrefix string        `yaml:"escape_prefix"`
	Profile      ProfileConfig `yaml:"profile"`
}

// Effective returns a copy with defaults applied.
func (c Config) Effective() Config {
	if c.EnterPhrase == "" {
		c.EnterPhrase = "enteraimode"
	}
	if c.ExitPhrase == "" {
		c.ExitPhrase = "exitaimode"
	}
	if c.EscapePrefix == "" {
		c.EscapePrefix = "!"
	}
	c.EnterPhrase = strings.ToLower(strings.TrimSpace(c.EnterPhrase))
	c.ExitPhrase = strings.ToLower(strings.TrimSpace(c.ExitPhrase))
	return c
}

// Router is the command state machine.
type Router struct {
	cfg      Config
	sessions *session.Registry
	history  *conversation.Store
	dialogue DialogueHandler
	media    MediaHandler
	links    *media.LinkMatcher
	canned   *Canned
	logger   *slog.Logger
}

// New creates a Router.
func New(cfg Config, sessions *session.Registry, history *conversation.Store, dialogue DialogueHandler, mediaHandler MediaHandler, links *media.LinkMatcher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	logger = logger.With("component", "router")
	return &Router{
		cfg:      cfg,
		sessions: sessions,
		history:  history,
		dialogue: dialogue,
		media:    mediaHandler,
		links:    links,
		canned:   newCanned(cfg.Profile, cfg.EnterPhrase, cfg.ExitPhrase, logger),
		logger:   logger,
	}
}

// Handle classifies msg and runs the matching handler. It returns the route
// taken. Send failures are logged and never retried.
func (r *Router) Handle(ctx context.Context, msg *channels.IncomingMessage, reply Reply) Route {
	user := msg.UserID()
	text := strings.TrimSpace(msg.Content)
	lower := strings.ToLower(text)
	logger := r.logger.With("user", user, "msg_id", msg.ID)
	if traceID, ok := msg.Metadata["trace_id"].(string); ok {
		logger = logger.With("trace_id", traceID)
	}

	// 1. Onboarding. Only the single winner stops here.
	if r.sessions.MarkOnboarded(ctx, user) {
		r.send(ctx, reply, r.canned.Welcome(), logger)
		return RouteOnboarding
	}

	// 2. Mode toggle.
	switch lower {
	case r.cfg.EnterPhrase:
		r.enterAssistant(ctx, user, reply, logger)
		return RouteToggle
	case r.cfg.ExitPhrase:
		r.exitAssistant(ctx, user, reply, logger)
		return RouteToggle
	}

	// 3. Assistant query. The generation is read before the mode so an exit
	// racing with this message invalidates the query.
	gen := r.history.Generation(user)
	escaped := strings.HasPrefix(text, r.cfg.EscapePrefix)
	if r.sessions.Mode(ctx, user) == session.ModeAssistant && !escaped {
		r.ask(ctx, user, gen, text, reply, logger)
		return RouteAssistant
	}

	// 4. Canned command.
	cmd := lower
	if escaped {
		cmd = strings.TrimSpace(strings.TrimPrefix(lower, r.cfg.EscapePrefix))
	}
	if fn, ok := r.canned.lookup(cmd); ok {
		if err := fn(ctx, msg, reply); err != nil {
			logger.Warn("canned reply failed", "command", cmd, "error", err)
		}
		return RouteCanned
	}

	// 5. Media link.
	if r.links != nil && r.media != nil {
		if link, ok := r.links.Find(text); ok {
			jobID := ledger.JobID(msg.Channel, msg.ID)
			res := r.media.Handle(ctx, jobID, link, reply)
			logger.Info("media request handled",
				"job_id", jobID,
				"role", res.Role.String(),
				"state", res.State.String(),
			)
			return RouteMedia
		}
	}

	// 6. Ignore.
	logger.Debug("message ignored")
	return RouteIgnore
}

func (r *Router) enterAssistant(ctx context.Context, user string, reply Reply, logger *slog.Logger) {
	if !r.sessions.SwitchMode(ctx, user, session.ModeAssistant) {
		r.send(ctx, reply, NoticeAlreadyInAssistant, logger)
		return
	}
	r.history.Init(user)
	logger.Info("assistant mode entered")
	r.send(ctx, reply, "🚀 *AI Mode Activated!* You can now chat directly with me. "+
		"I'll remember our conversation.\n\nType `"+r.cfg.ExitPhrase+"` to leave.", logger)
}

func (r *Router) exitAssistant(ctx context.Context, user string, reply Reply, logger *slog.Logger) {
	if !r.sessions.SwitchMode(ctx, user, session.ModePlain) {
		r.send(ctx, reply, NoticeNotInAssistant, logger)
		return
	}
	r.history.Reset(user)
	logger.Info("assistant mode left")
	r.send(ctx, reply, NoticeDeactivated, logger)
}

func (r *Router) ask(ctx context.Context, user string, gen conversation.Generation, query string, reply Reply, logger *slog.Logger) {
	if query == "" {
		r.send(ctx, reply, NoticeEmptyQuery, logger)
		return
	}

	ack := func() { r.send(ctx, reply, assistant.WorkingNotice, logger) }
	out, err := r.dialogue.Handle(ctx, user, gen, query, ack)
	if errors.Is(err, assistant.ErrStale) {
		// A user who left assistant mode already got the exit notice.
		if r.sessions.Mode(ctx, user) == session.ModeAssistant {
			r.send(ctx, reply, NoticeResendQuery, logger)
		}
		return
	}
	r.send(ctx, reply, out, logger)
}

func (r *Router) send(ctx context.Context, reply Reply, text string, logger *slog.Logger) {
	if err := reply.Text(ctx, text); err != nil {
		logger.Warn("failed to send reply", "error", err)
	}
}
