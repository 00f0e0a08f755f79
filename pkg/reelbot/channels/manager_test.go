package channels

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	name       string
	connectErr error
	in         chan *IncomingMessage

	mu      sync.Mutex
	sent    []string
	media   []*MediaMessage
	picture string
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, in: make(chan *IncomingMessage, 4)}
}

func (f *fakeChannel) Name() string                     { return f.name }
func (f *fakeChannel) Connect(context.Context) error    { return f.connectErr }
func (f *fakeChannel) Disconnect() error                { return nil }
func (f *fakeChannel) Receive() <-chan *IncomingMessage { return f.in }
func (f *fakeChannel) IsConnected() bool                { return f.connectErr == nil }
func (f *fakeChannel) Health() HealthStatus             { return HealthStatus{Connected: f.IsConnected()} }
func (f *fakeChannel) Send(_ context.Context, to string, m *OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+"|"+m.Content)
	return nil
}

type fakeMediaChannel struct{ *fakeChannel }

func (f fakeMediaChannel) SendMedia(_ context.Context, _ string, m *MediaMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, m)
	return nil
}

func (f fakeMediaChannel) ProfilePictureURL(context.Context, string) (string, error) {
	return f.picture, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManagerFanIn(t *testing.T) {
	m := NewManager(testLogger())
	wa := newFakeChannel("whatsapp")
	dc := newFakeChannel("discord")
	broken := newFakeChannel("broken")
	broken.connectErr = errors.New("no token")

	for _, ch := range []Channel{wa, dc, broken} {
		if err := m.Register(ch); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Register(newFakeChannel("whatsapp")); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	wa.in <- &IncomingMessage{ID: "1", Channel: "whatsapp"}
	dc.in <- &IncomingMessage{ID: "2", Channel: "discord"}

	seen := map[string]bool{}
	for range 2 {
		select {
		case msg := <-m.Messages():
			seen[msg.Channel] = true
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for fan-in")
		}
	}
	if !seen["whatsapp"] || !seen["discord"] {
		t.Errorf("seen = %v", seen)
	}

	if _, ok := m.Channel("discord"); !ok {
		t.Error("expected registered channel lookup to succeed")
	}
	health := m.HealthAll()
	if len(health) != 3 || health["broken"].Connected {
		t.Errorf("health = %+v", health)
	}

	m.Stop()
	if _, ok := <-m.Messages(); ok {
		t.Error("expected aggregated stream to be closed")
	}
}

func TestManagerStartErrors(t *testing.T) {
	m := NewManager(testLogger())
	if err := m.Start(context.Background()); err == nil {
		t.Error("expected error with no channels")
	}

	m = NewManager(testLogger())
	broken := newFakeChannel("broken")
	broken.connectErr = errors.New("down")
	_ = m.Register(broken)
	if err := m.Start(context.Background()); err == nil {
		t.Error("expected error when nothing connects")
	}
}

func TestReplier(t *testing.T) {
	ctx := context.Background()
	msg := &IncomingMessage{Channel: "whatsapp", From: "5511@s.whatsapp.net", ChatID: "group@g.us"}

	t.Run("text goes to the chat", func(t *testing.T) {
		ch := newFakeChannel("whatsapp")
		r := NewReplier(ch, msg)
		if err := r.Text(ctx, "hi"); err != nil {
			t.Fatal(err)
		}
		if len(ch.sent) != 1 || ch.sent[0] != "group@g.us|hi" {
			t.Errorf("sent = %v", ch.sent)
		}
	})

	t.Run("media needs a media channel", func(t *testing.T) {
		r := NewReplier(newFakeChannel("plain"), msg)
		if err := r.Media(ctx, &MediaMessage{}); !errors.Is(err, ErrMediaNotSupported) {
			t.Errorf("err = %v", err)
		}
		url, err := r.ProfilePictureURL(ctx)
		if url != "" || err != nil {
			t.Errorf("ProfilePictureURL = %q, %v", url, err)
		}
	})

	t.Run("media and picture on capable channel", func(t *testing.T) {
		fc := newFakeChannel("whatsapp")
		fc.picture = "https://pps.example/p.jpg"
		r := NewReplier(fakeMediaChannel{fc}, msg)
		if err := r.Media(ctx, &MediaMessage{Type: MessageVideo}); err != nil {
			t.Fatal(err)
		}
		if len(fc.media) != 1 {
			t.Errorf("media = %v", fc.media)
		}
		url, err := r.ProfilePictureURL(ctx)
		if err != nil || url != fc.picture {
			t.Errorf("ProfilePictureURL = %q, %v", url, err)
		}
	})
}

func TestUserID(t *testing.T) {
	tests := []struct {
		msg       IncomingMessage
		wantUser  string
		wantReply string
	}{
		{IncomingMessage{Channel: "whatsapp", From: "a"}, "whatsapp:a", "a"},
		{IncomingMessage{Channel: "discord", From: "a", ChatID: "c"}, "discord:a", "c"},
	}
	for _, tt := range tests {
		if got := tt.msg.UserID(); got != tt.wantUser {
			t.Errorf("UserID = %q, want %q", got, tt.wantUser)
		}
		if got := tt.msg.ReplyTo(); got != tt.wantReply {
			t.Errorf("ReplyTo = %q, want %q", got, tt.wantReply)
		}
	}
}
