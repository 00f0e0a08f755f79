package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jholhewres/reelbot/pkg/reelbot/onboarding"
)

func TestRegistry_GetOrCreateDefaults(t *testing.T) {
	t.Parallel()
	r := NewRegistry(onboarding.NewMemoryStore(), nil)
	ctx := context.Background()

	s := r.GetOrCreate(ctx, "whatsapp:1")
	if s.Mode != ModePlain {
		t.Errorf("Mode = %q, want %q", s.Mode, ModePlain)
	}
	if s.Onboarded {
		t.Error("new session should not be onboarded")
	}
	if s.User != "whatsapp:1" {
		t.Errorf("User = %q", s.User)
	}
}

func TestRegistry_SwitchMode(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil, nil)
	ctx := context.Background()

	if !r.SwitchMode(ctx, "u", ModeAssistant) {
		t.Error("first switch to assistant should change mode")
	}
	if r.SwitchMode(ctx, "u", ModeAssistant) {
		t.Error("switching to the current mode should be a no-op")
	}
	if r.Mode(ctx, "u") != ModeAssistant {
		t.Errorf("Mode = %q, want assistant", r.Mode(ctx, "u"))
	}
	if !r.SwitchMode(ctx, "u", ModePlain) {
		t.Error("switch back to plain should change mode")
	}
}

func TestRegistry_MarkOnboardedExactlyOnce(t *testing.T) {
	t.Parallel()
	r := NewRegistry(onboarding.NewMemoryStore(), nil)
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.MarkOnboarded(ctx, "whatsapp:race") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly one welcome, got %d", got)
	}
	for i := 0; i < 5; i++ {
		if r.MarkOnboarded(ctx, "whatsapp:race") {
			t.Fatal("later MarkOnboarded calls must not report first")
		}
	}
	if !r.IsOnboarded(ctx, "whatsapp:race") {
		t.Error("user should be onboarded")
	}
}

func TestRegistry_OnboardedLoadedFromStore(t *testing.T) {
	t.Parallel()
	store := onboarding.NewMemoryStore()
	ctx := context.Background()
	store.Mark(ctx, "whatsapp:old")

	// A fresh registry simulates a process restart.
	r := NewRegistry(store, nil)
	if !r.IsOnboarded(ctx, "whatsapp:old") {
		t.Error("onboarded flag should come from the durable store")
	}
	if r.MarkOnboarded(ctx, "whatsapp:old") {
		t.Error("previously welcomed user must not be welcomed again")
	}
	if r.Mode(ctx, "whatsapp:old") != ModePlain {
		t.Error("mode is not durable and should start plain")
	}
}

type failingStore struct{ *onboarding.MemoryStore }

func (failingStore) Mark(context.Context, string) (bool, error) {
	return false, errors.New("disk full")
}

func TestRegistry_MarkOnboardedStoreFailure(t *testing.T) {
	t.Parallel()
	r := NewRegistry(failingStore{onboarding.NewMemoryStore()}, nil)
	ctx := context.Background()

	if !r.MarkOnboarded(ctx, "u") {
		t.Error("first call should still win when persistence fails")
	}
	if r.MarkOnboarded(ctx, "u") {
		t.Error("welcome must not repeat within the process")
	}
}

func TestRegistry_Stats(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil, nil)
	ctx := context.Background()

	r.GetOrCreate(ctx, "a")
	r.GetOrCreate(ctx, "b")
	r.SetMode(ctx, "c", ModeAssistant)

	st := r.Stats()
	if st.Sessions != 3 {
		t.Errorf("Sessions = %d, want 3", st.Sessions)
	}
	if st.Assistant != 1 {
		t.Errorf("Assistant = %d, want 1", st.Assistant)
	}
}
