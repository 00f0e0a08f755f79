// Package conversation holds the bounded per-user chat history used in
// assistant mode. A non-empty history always starts with exactly one system
// turn and never grows beyond MaxTurns+1 entries.
package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Role tags the origin of a Turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ErrInvariant marks an internal state that must never happen in correct
// operation, such as a rollback on an empty history.
var ErrInvariant = errors.New("conversation invariant violated")

const (
	// DefaultMaxTurns is the number of user/assistant turns kept besides the
	// system turn.
	DefaultMaxTurns = 10

	// DefaultSystemPrompt is the leading instruction for new histories.
	DefaultSystemPrompt = "You are a helpful assistant named ReelBot. Respond helpfully and conversationally."
)

// Config configures a Store.
type Config struct {
	MaxTurns     int    `yaml:"max_turns"`
	SystemPrompt string `yaml:"system_prompt"`

	// Strict turns invariant violations into panics instead of log entries.
	Strict bool `yaml:"strict"`
}

// Generation identifies one assistant-mode lifetime of a user's history.
// Reset bumps it, so writes tagged with an older generation are dropped.
type Generation uint64

type history struct {
	mu    sync.Mutex
	turns []Turn
	gen   Generation
}

// Store is the per-user conversation memory. Operations on one user are
// serialized by that user's lock; different users are independent.
type Store struct {
	cfg       Config
	histories sync.Map // user -> *history
	logger    *slog.Logger
}

// New creates a Store, filling unset config fields with defaults.
func New(cfg Config, logger *slog.Logger) *Store {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, logger: logger.With("component", "conversation")}
}

// MaxTurns returns the configured bound on non-system turns.
func (s *Store) MaxTurns() int { return s.cfg.MaxTurns }

func (s *Store) get(user string) *history {
	if v, ok := s.histories.Load(user); ok {
		return v.(*history)
	}
	v, _ := s.histories.LoadOrStore(user, &history{})
	return v.(*history)
}

// Init starts a fresh, empty history for the user and returns its generation.
func (s *Store) Init(user string) Generation {
	h := s.get(user)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
	h.gen++
	return h.gen
}

// Generation returns the user's current history generation.
func (s *Store) Generation(user string) Generation {
	h := s.get(user)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gen
}

// Append adds a turn to the current generation and returns that generation.
func (s *Store) Append(user string, turn Turn) Generation {
	h := s.get(user)
	h.mu.Lock()
	defer h.mu.Unlock()
	s.appendLocked(user, h, turn)
	return h.gen
}

// AppendAt adds a turn only if the history is still at generation gen.
// It reports whether the turn was stored.
func (s *Store) AppendAt(user string, gen Generation, turn Turn) bool {
	h := s.get(user)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen {
		s.logger.Debug("dropping turn for stale history", "user", user, "role", turn.Role)
		return false
	}
	s.appendLocked(user, h, turn)
	return true
}

func (s *Store) appendLocked(user string, h *history, turn Turn) {
	if len(h.turns) == 0 && turn.Role != RoleSystem {
		h.turns = append(h.turns, Turn{Role: RoleSystem, Content: s.cfg.SystemPrompt})
	}
	h.turns = append(h.turns, turn)

	limit := s.cfg.MaxTurns + 1
	for len(h.turns) > limit {
		if h.turns[0].Role != RoleSystem {
			s.violation(user, "history does not start with a system turn")
			h.turns = h.turns[len(h.turns)-limit:]
			break
		}
		// Oldest non-system turn.
		h.turns = append(h.turns[:1], h.turns[2:]...)
	}
	if len(h.turns) == 0 {
		s.violation(user, "truncation left an empty history")
	}
}

// Snapshot returns a copy of the user's history.
func (s *Store) Snapshot(user string) []Turn {
	h := s.get(user)
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// SnapshotAt returns a copy of the history together with its generation.
func (s *Store) SnapshotAt(user string) ([]Turn, Generation) {
	h := s.get(user)
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out, h.gen
}

// Len returns the number of stored turns, system turn included.
func (s *Store) Len(user string) int {
	h := s.get(user)
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Reset clears every turn of the user and invalidates pending writes.
func (s *Store) Reset(user string) {
	h := s.get(user)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
	h.gen++
}

// RollbackLastUserTurn removes the most recent turn if it is a user turn and
// reports whether something was removed.
func (s *Store) RollbackLastUserTurn(user string) bool {
	h := s.get(user)
	h.mu.Lock()
	defer h.mu.Unlock()
	return s.rollbackLocked(user, h)
}

// RollbackAt is RollbackLastUserTurn restricted to generation gen. After a
// Reset there is nothing to undo, so it returns false without complaint.
func (s *Store) RollbackAt(user string, gen Generation) bool {
	h := s.get(user)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen {
		return false
	}
	return s.rollbackLocked(user, h)
}

func (s *Store) rollbackLocked(user string, h *history) bool {
	n := len(h.turns)
	if n == 0 {
		s.violation(user, "rollback on empty history")
		return false
	}
	if h.turns[n-1].Role != RoleUser {
		return false
	}
	h.turns = h.turns[:n-1]
	// A lone system turn carries no conversation.
	if len(h.turns) == 1 && h.turns[0].Role == RoleSystem {
		h.turns = h.turns[:0]
	}
	return true
}

func (s *Store) violation(user, msg string) {
	err := fmt.Errorf("%w: %s", ErrInvariant, msg)
	if s.cfg.Strict {
		panic(err)
	}
	s.logger.Error("state invariant violation", "user", user, "error", err)
}
