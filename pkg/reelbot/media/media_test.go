package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/reelbot/pkg/reelbot/channels"
)

func TestLinkMatcher_Find(t *testing.T) {
	m, err := NewLinkMatcher(nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"https://www.instagram.com/reel/Cx1/?igsh=abc", "https://www.instagram.com/reel/Cx1/?igsh=abc", true},
		{"look at this instagram.com/p/XYZ/ lol", "https://instagram.com/p/XYZ/", true},
		{"(https://instagram.com/reel/abc).", "https://instagram.com/reel/abc", true},
		{"https://instagr.am/p/short", "https://instagr.am/p/short", true},
		{"https://youtube.com/watch?v=1", "", false},
		{"hello there", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := m.Find(tt.text)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Find(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestLinkMatcher_InvalidPattern(t *testing.T) {
	if _, err := NewLinkMatcher([]string{"("}); err == nil {
		t.Error("expected compile error")
	}
}

func TestBuildCaption(t *testing.T) {
	tests := []struct {
		name string
		meta *Metadata
		want string
	}{
		{"nil", nil, DefaultTitle},
		{"empty title", &Metadata{}, "🎬 " + DefaultTitle},
		{"title only", &Metadata{Title: "Cats"}, "🎬 Cats"},
		{"full", &Metadata{Title: "Cats", Uploader: "bob", Description: "meow"}, "🎬 Cats\n👤 By bob\n\n📝 meow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildCaption(tt.meta); got != tt.want {
				t.Errorf("BuildCaption = %q, want %q", got, tt.want)
			}
		})
	}

	long := BuildCaption(&Metadata{Title: "x", Description: strings.Repeat("é", 5000)})
	if n := len([]rune(long)); n != maxCaption {
		t.Errorf("long caption has %d runes, want %d", n, maxCaption)
	}
}

func TestArtifacts_FindSkipsPartials(t *testing.T) {
	a := NewArtifacts(t.TempDir(), nil)
	prefix := a.Prefix("job1")

	os.WriteFile(prefix+".mp4.part", []byte("x"), 0o644)
	os.WriteFile(prefix+".f137.mp4", []byte("x"), 0o644)
	os.WriteFile(a.Prefix("job10")+".mp4", []byte("other job"), 0o644)

	if _, ok, _ := a.Find("job1"); ok {
		t.Fatal("partial files must not count as artifacts")
	}

	os.WriteFile(prefix+".mp4", []byte("done"), 0o644)
	path, ok, err := a.Find("job1")
	if err != nil || !ok || path != prefix+".mp4" {
		t.Fatalf("Find = %q, %v, %v", path, ok, err)
	}

	if n := a.Remove("job1"); n != 3 {
		t.Errorf("Remove = %d, want 3", n)
	}
	if _, err := os.Stat(a.Prefix("job10") + ".mp4"); err != nil {
		t.Error("Remove must not touch other jobs sharing a textual prefix")
	}
}

func TestArtifacts_RemoveOlderThan(t *testing.T) {
	a := NewArtifacts(t.TempDir(), nil)
	oldPath := filepath.Join(a.Dir(), "old.mp4")
	newPath := filepath.Join(a.Dir(), "new.mp4")
	os.WriteFile(oldPath, []byte("x"), 0o644)
	os.WriteFile(newPath, []byte("x"), 0o644)
	past := time.Now().Add(-2 * time.Hour)
	os.Chtimes(oldPath, past, past)

	n, err := a.RemoveOlderThan(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Error("fresh artifact removed")
	}

	missing := NewArtifacts(filepath.Join(t.TempDir(), "nope"), nil)
	if n, err := missing.RemoveOlderThan(time.Hour); err != nil || n != 0 {
		t.Errorf("missing dir: %d, %v", n, err)
	}
}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		filename string
		want     string
	}{
		{"png magic", []byte("\x89PNG\r\n\x1a\n0000"), "x.bin", "image/png"},
		{"mp4 by extension", []byte{0, 1, 2, 3, 0xff}, "clip.mp4", "video/mp4"},
		{"webm by extension", []byte{0, 1, 2, 3, 0xff}, "clip.WEBM", "video/webm"},
		{"unknown", []byte{0, 1, 2, 3, 0xff}, "blob", "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectMimeType(tt.data, tt.filename); got != tt.want {
				t.Errorf("DetectMimeType = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageTypeFor(t *testing.T) {
	tests := map[string]channels.MessageType{
		"video/mp4":                channels.MessageVideo,
		"image/jpeg; charset=utf8": channels.MessageImage,
		"audio/mp4":                channels.MessageAudio,
		"application/pdf":          channels.MessageDocument,
	}
	for mime, want := range tests {
		if got := MessageTypeFor(mime); got != want {
			t.Errorf("MessageTypeFor(%q) = %s, want %s", mime, got, want)
		}
	}
}
