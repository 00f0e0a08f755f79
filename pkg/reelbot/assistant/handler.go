// Package assistant implements assistant-mode dialogue: one completion call
// per query against the user's bounded history, with the history left
// untouched when the call fails.
package assistant

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/reelbot/pkg/reelbot/conversation"
)

const (
	// AnswerPrefix precedes every completion sent to the user.
	AnswerPrefix = "🤖 *Answer:*\n\n"

	// WorkingNotice is the acknowledgment sent before the completion call.
	WorkingNotice = "🤖 Generating response ⌛..."
)

// ErrStale is returned when the user left assistant mode before the query
// could be recorded.
var ErrStale = errors.New("conversation changed before the query was recorded")

// Handler runs dialogue turns.
type Handler struct {
	store     *conversation.Store
	completer Completer
	model     string
	timeout   time.Duration
	logger    *slog.Logger

	// locks serializes dialogue turns per user: one in-flight completion
	// each, and its answer lands before the next query is appended.
	locks sync.Map // user -> *sync.Mutex
}

// NewHandler creates a dialogue handler. cfg supplies the model and timeout.
func NewHandler(store *conversation.Store, completer Completer, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	return &Handler{
		store:     store,
		completer: completer,
		model:     cfg.Model,
		timeout:   cfg.Timeout,
		logger:    logger.With("component", "assistant"),
	}
}

func (h *Handler) userLock(user string) *sync.Mutex {
	v, _ := h.locks.LoadOrStore(user, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Handle answers query for user. gen is the history generation observed
// when the query was classified; a mode exit in between makes the query
// stale. ack, when non-nil, is called once before the completion call.
//
// The returned text is what to send: the prefixed answer on success or a
// fixed notice on failure. The error carries the cause for logging. On any
// failure the history ends as it was before the query was appended.
func (h *Handler) Handle(ctx context.Context, user string, gen conversation.Generation, query string, ack func()) (string, error) {
	mu := h.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	logger := h.logger.With("user", user)

	if !h.store.AppendAt(user, gen, conversation.Turn{Role: conversation.RoleUser, Content: query}) {
		logger.Debug("query dropped, assistant mode was left")
		return "", ErrStale
	}
	turns, snapGen := h.store.SnapshotAt(user)
	if snapGen != gen {
		return "", ErrStale
	}

	if ack != nil {
		ack()
	}

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	answer, err := h.completer.Complete(cctx, h.model, turns)
	if err != nil {
		h.store.RollbackAt(user, gen)
		logger.Warn("completion failed",
			"kind", Classify(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return Notice(err), err
	}

	if !h.store.AppendAt(user, gen, conversation.Turn{Role: conversation.RoleAssistant, Content: answer}) {
		logger.Debug("answer not stored, assistant mode was left")
	}
	logger.Debug("query answered", "turns", len(turns)+1, "duration_ms", time.Since(start).Milliseconds())
	return AnswerPrefix + answer, nil
}
