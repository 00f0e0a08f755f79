package conversation

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func newStrict() *Store {
	return New(Config{Strict: true}, nil)
}

func TestStore_AppendInsertsSystemTurn(t *testing.T) {
	s := newStrict()
	s.Append("u", Turn{Role: RoleUser, Content: "what is 2+2"})
	s.Append("u", Turn{Role: RoleAssistant, Content: "4"})

	want := []Turn{
		{Role: RoleSystem, Content: DefaultSystemPrompt},
		{Role: RoleUser, Content: "what is 2+2"},
		{Role: RoleAssistant, Content: "4"},
	}
	if got := s.Snapshot("u"); !reflect.DeepEqual(got, want) {
		t.Errorf("Snapshot = %+v, want %+v", got, want)
	}
}

func TestStore_CustomSystemPrompt(t *testing.T) {
	s := New(Config{SystemPrompt: "be brief"}, nil)
	s.Append("u", Turn{Role: RoleUser, Content: "hi"})
	if got := s.Snapshot("u")[0]; got.Role != RoleSystem || got.Content != "be brief" {
		t.Errorf("first turn = %+v", got)
	}
}

func TestStore_TruncationBound(t *testing.T) {
	tests := []struct {
		name     string
		maxTurns int
		appends  int
	}{
		{"default", 0, 50},
		{"one", 1, 7},
		{"three", 3, 20},
		{"exact", 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{MaxTurns: tt.maxTurns, Strict: true}, nil)
			limit := s.MaxTurns() + 1
			for i := 0; i < tt.appends; i++ {
				role := RoleUser
				if i%2 == 1 {
					role = RoleAssistant
				}
				s.Append("u", Turn{Role: role, Content: fmt.Sprintf("m%d", i)})

				h := s.Snapshot("u")
				if len(h) > limit {
					t.Fatalf("after append %d: len = %d, limit %d", i, len(h), limit)
				}
				if h[0].Role != RoleSystem {
					t.Fatalf("after append %d: first role = %s", i, h[0].Role)
				}
				if h[len(h)-1].Content != fmt.Sprintf("m%d", i) {
					t.Fatalf("after append %d: newest turn lost", i)
				}
			}
		})
	}
}

func TestStore_EleventhQueryEvictsOldestPair(t *testing.T) {
	s := newStrict()
	for i := 1; i <= 11; i++ {
		s.Append("u", Turn{Role: RoleUser, Content: fmt.Sprintf("q%d", i)})
		s.Append("u", Turn{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)})
	}

	h := s.Snapshot("u")
	if len(h) != DefaultMaxTurns+1 {
		t.Fatalf("len = %d, want %d", len(h), DefaultMaxTurns+1)
	}
	if h[0].Role != RoleSystem {
		t.Errorf("system turn not retained: %+v", h[0])
	}
	// Five pairs fit; q1..q6 with their answers are gone.
	if h[1].Content != "q7" || h[2].Content != "a7" {
		t.Errorf("oldest kept pair = %q/%q, want q7/a7", h[1].Content, h[2].Content)
	}
	if h[len(h)-1].Content != "a11" {
		t.Errorf("newest turn = %q", h[len(h)-1].Content)
	}
}

func TestStore_ResetThenReenterIsEmpty(t *testing.T) {
	s := newStrict()
	s.Init("u")
	s.Append("u", Turn{Role: RoleUser, Content: "secret"})
	s.Append("u", Turn{Role: RoleAssistant, Content: "noted"})

	s.Reset("u")
	if n := s.Len("u"); n != 0 {
		t.Fatalf("Len after Reset = %d", n)
	}
	s.Init("u")
	if n := s.Len("u"); n != 0 {
		t.Fatalf("Len after re-entering = %d", n)
	}
}

func TestStore_RollbackRestoresPriorState(t *testing.T) {
	s := newStrict()
	s.Append("u", Turn{Role: RoleUser, Content: "q1"})
	s.Append("u", Turn{Role: RoleAssistant, Content: "a1"})
	before := s.Snapshot("u")

	s.Append("u", Turn{Role: RoleUser, Content: "q2"})
	if !s.RollbackLastUserTurn("u") {
		t.Fatal("expected rollback of user turn")
	}
	if got := s.Snapshot("u"); !reflect.DeepEqual(got, before) {
		t.Errorf("after rollback = %+v, want %+v", got, before)
	}
}

func TestStore_RollbackFirstQueryLeavesEmpty(t *testing.T) {
	s := newStrict()
	s.Init("u")
	s.Append("u", Turn{Role: RoleUser, Content: "q"})
	s.RollbackLastUserTurn("u")
	if n := s.Len("u"); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestStore_RollbackSkipsAssistantTurn(t *testing.T) {
	s := newStrict()
	s.Append("u", Turn{Role: RoleUser, Content: "q"})
	s.Append("u", Turn{Role: RoleAssistant, Content: "a"})
	if s.RollbackLastUserTurn("u") {
		t.Error("rollback must not remove an assistant turn")
	}
	if n := s.Len("u"); n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}
}

func TestStore_RollbackOnEmptyIsInvariant(t *testing.T) {
	s := newStrict()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrInvariant) {
			t.Errorf("expected ErrInvariant panic, got %v", r)
		}
	}()
	s.RollbackLastUserTurn("nobody")
}

func TestStore_RollbackOnEmptyAbsorbedWhenNotStrict(t *testing.T) {
	s := New(Config{}, nil)
	if s.RollbackLastUserTurn("nobody") {
		t.Error("nothing to roll back")
	}
}

func TestStore_GenerationGuards(t *testing.T) {
	s := newStrict()
	gen := s.Init("u")
	if got := s.Append("u", Turn{Role: RoleUser, Content: "q"}); got != gen {
		t.Fatalf("Append generation = %d, want %d", got, gen)
	}

	// User exits while the completion is in flight.
	s.Reset("u")

	if s.AppendAt("u", gen, Turn{Role: RoleAssistant, Content: "late"}) {
		t.Error("late answer must be dropped after Reset")
	}
	if s.RollbackAt("u", gen) {
		t.Error("stale rollback must be a no-op")
	}
	if n := s.Len("u"); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestStore_ConcurrentUsersIndependent(t *testing.T) {
	s := newStrict()
	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		user := fmt.Sprintf("u%d", u)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Append(user, Turn{Role: RoleUser, Content: user})
			}
		}()
	}
	wg.Wait()

	for u := 0; u < 8; u++ {
		user := fmt.Sprintf("u%d", u)
		for _, turn := range s.Snapshot(user)[1:] {
			if turn.Content != user {
				t.Fatalf("%s history contains %q", user, turn.Content)
			}
		}
	}
}
