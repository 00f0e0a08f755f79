package bot

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/reelbot/pkg/reelbot/channels"
	"github.com/jholhewres/reelbot/pkg/reelbot/config"
	"github.com/jholhewres/reelbot/pkg/reelbot/conversation"
	"github.com/jholhewres/reelbot/pkg/reelbot/media"
	"github.com/jholhewres/reelbot/pkg/reelbot/onboarding"
	"github.com/jholhewres/reelbot/pkg/reelbot/router"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeChannel is an in-memory transport: tests push inbound messages and
// read back what was sent.
type pipeChannel struct {
	in chan *channels.IncomingMessage

	mu     sync.Mutex
	sent   []string
	closed bool
}

func newPipeChannel() *pipeChannel {
	return &pipeChannel{in: make(chan *channels.IncomingMessage, 8)}
}

func (p *pipeChannel) Name() string                  { return "pipe" }
func (p *pipeChannel) Connect(context.Context) error { return nil }
func (p *pipeChannel) IsConnected() bool             { return true }
func (p *pipeChannel) Health() channels.HealthStatus { return channels.HealthStatus{Connected: true} }

// Disconnect makes every later Send fail, like a real transport.
func (p *pipeChannel) Disconnect() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *pipeChannel) Receive() <-chan *channels.IncomingMessage { return p.in }

func (p *pipeChannel) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return channels.ErrChannelDisconnected
	}
	p.sent = append(p.sent, msg.Content)
	return nil
}

func (p *pipeChannel) replies() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

// waitFor polls until a reply containing substr was sent.
func (p *pipeChannel) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, r := range p.replies() {
			if strings.Contains(r, substr) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no reply containing %q, got %q", substr, p.replies())
}

type fakeSource struct {
	msgs chan *channels.IncomingMessage
	chs  map[string]channels.Channel
}

func (s *fakeSource) Messages() <-chan *channels.IncomingMessage { return s.msgs }

func (s *fakeSource) Channel(name string) (channels.Channel, bool) {
	ch, ok := s.chs[name]
	return ch, ok
}

type recordingHandler struct {
	mu       sync.Mutex
	traceIDs []string
}

func (h *recordingHandler) Handle(_ context.Context, msg *channels.IncomingMessage, reply router.Reply) router.Route {
	if msg.Content == "panic" {
		panic("handler exploded")
	}
	h.mu.Lock()
	h.traceIDs = append(h.traceIDs, msg.Metadata["trace_id"].(string))
	h.mu.Unlock()
	return router.RouteIgnore
}

func TestRunDispatchesAndDrains(t *testing.T) {
	src := &fakeSource{
		msgs: make(chan *channels.IncomingMessage, 8),
		chs:  map[string]channels.Channel{"pipe": newPipeChannel()},
	}
	h := &recordingHandler{}
	b := New(src, h, testLogger())

	src.msgs <- &channels.IncomingMessage{ID: "1", Channel: "pipe", From: "a", Content: "hi"}
	src.msgs <- &channels.IncomingMessage{ID: "2", Channel: "pipe", From: "b", Content: "panic"}
	src.msgs <- &channels.IncomingMessage{ID: "3", Channel: "unknown", From: "c", Content: "hi"}
	src.msgs <- &channels.IncomingMessage{ID: "4", Channel: "pipe", From: "d", Content: "hey"}
	close(src.msgs)

	done := make(chan error)
	go func() { done <- b.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the source closed")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.traceIDs) != 2 {
		t.Fatalf("handled %d messages, want 2", len(h.traceIDs))
	}
	if h.traceIDs[0] == "" || h.traceIDs[0] == h.traceIDs[1] {
		t.Errorf("trace ids = %q", h.traceIDs)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{msgs: make(chan *channels.IncomingMessage)}
	b := New(src, &recordingHandler{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- b.Run(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"a longer line", 4, "a lo..."},
		{"ééééé", 2, "éé..."},
	}
	for _, tt := range tests {
		if got := preview(tt.in, tt.n); got != tt.want {
			t.Errorf("preview(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

type fakeCompleter struct{}

func (fakeCompleter) Complete(_ context.Context, _ string, turns []conversation.Turn) (string, error) {
	return "fake answer", nil
}

type fakeFetcher struct{}

func (fakeFetcher) Probe(context.Context, string) (*media.Metadata, error) {
	return &media.Metadata{}, nil
}

func (fakeFetcher) Fetch(context.Context, string, string) (string, error) {
	return "", io.ErrUnexpectedEOF
}

func TestAppEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.WhatsApp.Enabled = false
	cfg.Status.Enabled = false
	cfg.Media.DownloadDir = t.TempDir()
	cfg.Router.Profile.BotName = "TestBot"

	pipe := newPipeChannel()
	app, err := Build(cfg, Options{
		Version:   "test",
		Store:     onboarding.NewMemoryStore(),
		Completer: fakeCompleter{},
		Fetcher:   fakeFetcher{},
		Channels:  []channels.Channel{pipe},
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer app.Close()

	if app.Scheduler == nil || app.Status != nil || app.WhatsApp != nil {
		t.Fatalf("unexpected wiring: scheduler=%v status=%v whatsapp=%v", app.Scheduler, app.Status, app.WhatsApp)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- app.Run(ctx) }()

	send := func(id, text string) {
		pipe.in <- &channels.IncomingMessage{ID: id, Channel: "pipe", From: "u1", Content: text}
	}

	send("1", "hello")
	pipe.waitFor(t, "Welcome to TestBot")

	send("2", "enteraimode")
	pipe.waitFor(t, "AI Mode Activated")

	send("3", "what's up?")
	pipe.waitFor(t, "fake answer")

	if got := app.History.Len("pipe:u1"); got != 3 {
		t.Errorf("history length = %d, want 3 (system, user, assistant)", got)
	}
	if st := app.Sessions.Stats(); st.Assistant != 1 {
		t.Errorf("sessions = %+v", st)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// slowCompleter signals when a completion starts and answers once released.
type slowCompleter struct {
	started chan struct{}
	release chan struct{}
}

func (c *slowCompleter) Complete(ctx context.Context, _ string, _ []conversation.Turn) (string, error) {
	close(c.started)
	select {
	case <-c.release:
		return "late answer", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestAppShutdownDeliversInFlightReply(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.WhatsApp.Enabled = false
	cfg.Status.Enabled = false
	cfg.Media.DownloadDir = t.TempDir()

	pipe := newPipeChannel()
	completer := &slowCompleter{started: make(chan struct{}), release: make(chan struct{})}
	app, err := Build(cfg, Options{
		Store:     onboarding.NewMemoryStore(),
		Completer: completer,
		Fetcher:   fakeFetcher{},
		Channels:  []channels.Channel{pipe},
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- app.Run(ctx) }()

	pipe.in <- &channels.IncomingMessage{ID: "1", Channel: "pipe", From: "u1", Content: "hello"}
	pipe.waitFor(t, "Welcome")
	pipe.in <- &channels.IncomingMessage{ID: "2", Channel: "pipe", From: "u1", Content: "enteraimode"}
	pipe.waitFor(t, "AI Mode Activated")
	pipe.in <- &channels.IncomingMessage{ID: "3", Channel: "pipe", From: "u1", Content: "slow question"}

	select {
	case <-completer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("completion never started")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	close(completer.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	pipe.waitFor(t, "late answer")
	if err := pipe.Send(context.Background(), "u1", &channels.OutgoingMessage{Content: "x"}); err == nil {
		t.Error("channel should be disconnected after Run returns")
	}
}

func TestBuildWithoutChannels(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.WhatsApp.Enabled = false
	cfg.Media.DownloadDir = t.TempDir()

	_, err := Build(cfg, Options{Store: onboarding.NewMemoryStore()}, testLogger())
	if err == nil || !strings.Contains(err.Error(), "no channel enabled") {
		t.Fatalf("err = %v", err)
	}
}
