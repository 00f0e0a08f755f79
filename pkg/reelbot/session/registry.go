// Package session keeps per-user conversational state: the current mode
// (plain commands or assistant chat) and whether the one-time welcome was
// delivered. Each user has an independent entry with its own lock, so
// operations on one user are linearized while different users never contend.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/reelbot/pkg/reelbot/onboarding"
)

// Mode is the per-user toggle between plain command handling and assistant
// dialogue.
type Mode string

const (
	ModePlain     Mode = "plain"
	ModeAssistant Mode = "assistant"
)

// Session is a snapshot of a user's state.
type Session struct {
	User         string
	Mode         Mode
	Onboarded    bool
	CreatedAt    time.Time
	LastActiveAt time.Time
}

type entry struct {
	mu sync.Mutex

	// loaded is set once the durable onboarding record was consulted.
	loaded bool
	s      Session
}

// Registry holds every user's Session. Entries are created lazily on first
// contact and live for the process lifetime; only the onboarded flag is
// durable (via the onboarding store).
type Registry struct {
	entries sync.Map // user -> *entry
	store   onboarding.Store
	logger  *slog.Logger
}

// NewRegistry creates a registry backed by the given onboarding store.
func NewRegistry(store onboarding.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = onboarding.NewMemoryStore()
	}
	return &Registry{
		store:  store,
		logger: logger.With("component", "sessions"),
	}
}

// lock returns the user's entry locked, creating it when absent. The caller
// must unlock it.
func (r *Registry) lock(ctx context.Context, user string) *entry {
	v, ok := r.entries.Load(user)
	if !ok {
		now := time.Now()
		v, _ = r.entries.LoadOrStore(user, &entry{s: Session{
			User:         user,
			Mode:         ModePlain,
			CreatedAt:    now,
			LastActiveAt: now,
		}})
	}
	e := v.(*entry)
	e.mu.Lock()

	if !e.loaded {
		has, err := r.store.Has(ctx, user)
		if err != nil {
			// Retried on the next access.
			r.logger.Warn("failed to read onboarding record", "user", user, "error", err)
		} else {
			e.s.Onboarded = e.s.Onboarded || has
			e.loaded = true
		}
	}
	return e
}

// GetOrCreate returns the user's session, creating it on first contact.
func (r *Registry) GetOrCreate(ctx context.Context, user string) Session {
	e := r.lock(ctx, user)
	defer e.mu.Unlock()
	e.s.LastActiveAt = time.Now()
	return e.s
}

// Mode returns the user's current mode.
func (r *Registry) Mode(ctx context.Context, user string) Mode {
	return r.GetOrCreate(ctx, user).Mode
}

// SetMode unconditionally sets the user's mode.
func (r *Registry) SetMode(ctx context.Context, user string, mode Mode) {
	e := r.lock(ctx, user)
	defer e.mu.Unlock()
	e.s.Mode = mode
}

// SwitchMode sets the mode only if it differs from the current one and
// reports whether it changed. Check and set happen under the user's lock.
func (r *Registry) SwitchMode(ctx context.Context, user string, to Mode) bool {
	e := r.lock(ctx, user)
	defer e.mu.Unlock()
	if e.s.Mode == to {
		return false
	}
	e.s.Mode = to
	return true
}

// IsOnboarded reports whether the user has already received the welcome.
func (r *Registry) IsOnboarded(ctx context.Context, user string) bool {
	return r.GetOrCreate(ctx, user).Onboarded
}

// MarkOnboarded marks the user as welcomed. It returns true for exactly one
// caller per user, ever: the one that should send the welcome. When the
// durable write fails the user is still marked in memory so the welcome is
// sent at most once per process.
func (r *Registry) MarkOnboarded(ctx context.Context, user string) bool {
	e := r.lock(ctx, user)
	defer e.mu.Unlock()

	if e.s.Onboarded {
		return false
	}
	e.s.Onboarded = true

	first, err := r.store.Mark(ctx, user)
	if err != nil {
		r.logger.Error("onboarding record not persisted", "user", user, "error", err)
		return true
	}
	return first
}

// Stats summarizes the registry for the status endpoint.
type Stats struct {
	Sessions  int `json:"sessions"`
	Assistant int `json:"assistant_mode"`
}

// Stats counts sessions and how many are in assistant mode.
func (r *Registry) Stats() Stats {
	var st Stats
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.s.Mode == ModeAssistant {
			st.Assistant++
		}
		e.mu.Unlock()
		st.Sessions++
		return true
	})
	return st
}
