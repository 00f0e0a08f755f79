package onboarding

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_MarkIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	has, err := s.Has(ctx, "whatsapp:1")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("new user should not be welcomed")
	}

	first, err := s.Mark(ctx, "whatsapp:1")
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Error("first Mark should report insertion")
	}

	again, err := s.Mark(ctx, "whatsapp:1")
	if err != nil {
		t.Fatal(err)
	}
	if again {
		t.Error("second Mark should not report insertion")
	}

	has, _ = s.Has(ctx, "whatsapp:1")
	if !has {
		t.Error("user should be welcomed after Mark")
	}
}

func TestSQLiteStore_ConcurrentMarkSingleWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Mark(ctx, "whatsapp:race")
			if err != nil {
				t.Errorf("Mark: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("expected exactly 1 winner, got %d", got)
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	s, err := OpenSQLite(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Mark(ctx, "discord:42"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := OpenSQLite(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	has, err := s2.Has(ctx, "discord:42")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("welcome record should survive reopen")
	}
}

func TestSQLiteStore_ImportJSON(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	legacy := filepath.Join(t.TempDir(), "welcomed.json")
	content := `["5511999999999@s.whatsapp.net", "whatsapp:5511888888888@s.whatsapp.net", "", "5511999999999@s.whatsapp.net"]`
	if err := os.WriteFile(legacy, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	n, err := s.ImportJSON(ctx, legacy, "whatsapp:")
	if err != nil {
		t.Fatalf("ImportJSON: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 imported users, got %d", n)
	}

	has, _ := s.Has(ctx, "whatsapp:5511999999999@s.whatsapp.net")
	if !has {
		t.Error("prefixed id should be present")
	}
	count, _ := s.Count(ctx)
	if count != 2 {
		t.Errorf("Count = %d, want 2", count)
	}
}

func TestSQLiteStore_ImportJSONInvalid(t *testing.T) {
	s := openTestStore(t)
	legacy := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(legacy, []byte(`{not json`), 0o600)

	if _, err := s.ImportJSON(context.Background(), legacy, ""); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
