package config

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Conversation.MaxTurns != 10 {
		t.Errorf("MaxTurns = %d, want 10", cfg.Conversation.MaxTurns)
	}
	if cfg.Router.EnterPhrase != "enteraimode" || cfg.Router.ExitPhrase != "exitaimode" {
		t.Errorf("phrases = %q/%q", cfg.Router.EnterPhrase, cfg.Router.ExitPhrase)
	}
	if cfg.Media.ProbeTimeout != 30*time.Second || cfg.Media.FetchTimeout != 180*time.Second {
		t.Errorf("media timeouts = %s/%s", cfg.Media.ProbeTimeout, cfg.Media.FetchTimeout)
	}
	if cfg.Assistant.Timeout != 60*time.Second {
		t.Errorf("assistant timeout = %s", cfg.Assistant.Timeout)
	}
	if !cfg.Channels.WhatsApp.Enabled || cfg.Channels.Discord.Enabled {
		t.Error("expected only whatsapp enabled by default")
	}
}

func TestParse_Overlay(t *testing.T) {
	data := `
assistant:
  model: llama-3.3-70b-versatile
  timeout: 20s
conversation:
  max_turns: 4
media:
  fetch_timeout: 2m
  max_concurrent_fetches: 5
channels:
  whatsapp:
    respond_to_groups: false
scheduler:
  sweep_schedule: "@every 1m"
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Assistant.Model != "llama-3.3-70b-versatile" || cfg.Assistant.Timeout != 20*time.Second {
		t.Errorf("assistant = %+v", cfg.Assistant)
	}
	if cfg.Assistant.BaseURL == "" {
		t.Error("unset fields should keep their defaults")
	}
	if cfg.Conversation.MaxTurns != 4 {
		t.Errorf("MaxTurns = %d", cfg.Conversation.MaxTurns)
	}
	if cfg.Media.FetchTimeout != 2*time.Minute || cfg.Media.MaxConcurrentFetches != 5 {
		t.Errorf("media = %+v", cfg.Media)
	}
	if cfg.Media.ProbeTimeout != 30*time.Second {
		t.Errorf("ProbeTimeout = %s, want default", cfg.Media.ProbeTimeout)
	}
	wa := cfg.Channels.WhatsApp
	if wa.RespondToGroups || !wa.RespondToDMs {
		t.Errorf("whatsapp partial section: groups=%v dms=%v", wa.RespondToGroups, wa.RespondToDMs)
	}
	if cfg.Scheduler.SweepSchedule != "@every 1m" || cfg.Scheduler.CleanupSchedule != "@every 1h" {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("assistant: [unclosed")); err == nil {
		t.Error("expected YAML error")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("REELBOT_TEST_SET", "value")
	os.Unsetenv("REELBOT_TEST_UNSET")

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr string
	}{
		{"braced", "key: ${REELBOT_TEST_SET}", "key: value", ""},
		{"bare", "key: $REELBOT_TEST_SET", "key: value", ""},
		{"default used", "key: ${REELBOT_TEST_UNSET:-fallback}", "key: fallback", ""},
		{"default ignored", "key: ${REELBOT_TEST_SET:-fallback}", "key: value", ""},
		{"unset kept", "key: ${REELBOT_TEST_UNSET}", "key: ${REELBOT_TEST_UNSET}", ""},
		{"required set", "key: ${REELBOT_TEST_SET:?set it}", "key: value", ""},
		{"required missing", "key: ${REELBOT_TEST_UNSET:?set it}", "", "REELBOT_TEST_UNSET: set it"},
		{"required default message", "key: ${REELBOT_TEST_UNSET:?}", "", "required environment variable not set"},
		{"no references", "plain: text", "plain: text", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnvVars(tt.in)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("REELBOT_TEST_KEY", "gsk_from_env")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	data := `
assistant:
  api_key: ${REELBOT_TEST_KEY}
database:
  path: data/bot.db
media:
  download_dir: ${REELBOT_TEST_DIR:-downloads}
router:
  profile:
    qr_image: /srv/qr.png
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Assistant.APIKey != "gsk_from_env" {
		t.Errorf("APIKey = %q", cfg.Assistant.APIKey)
	}
	if want := filepath.Join(dir, "data/bot.db"); cfg.Database.Path != want {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, want)
	}
	if want := filepath.Join(dir, "downloads"); cfg.Media.DownloadDir != want {
		t.Errorf("DownloadDir = %q, want %q", cfg.Media.DownloadDir, want)
	}
	if cfg.Router.Profile.QRImage != "/srv/qr.png" {
		t.Errorf("absolute path changed: %q", cfg.Router.Profile.QRImage)
	}

	if _, err := LoadFromFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFromFile_RequiredVariable(t *testing.T) {
	os.Unsetenv("REELBOT_TEST_REQUIRED")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("assistant:\n  api_key: ${REELBOT_TEST_REQUIRED:?api key required}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFromFile(path)
	if err == nil || !strings.Contains(err.Error(), "api key required") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative max turns", func(c *Config) { c.Conversation.MaxTurns = -1 }, "max_turns"},
		{"negative fetch cap", func(c *Config) { c.Media.MaxConcurrentFetches = -2 }, "max_concurrent_fetches"},
		{"bad link pattern", func(c *Config) { c.Media.LinkPatterns = []string{"("} }, "link_patterns"},
		{"discord without token", func(c *Config) { c.Channels.Discord.Enabled = true }, "discord.token"},
		{"bad status addr", func(c *Config) { c.Status.Addr = "nope" }, "status.addr"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveAPIKey(t *testing.T) {
	keyring.MockInit()

	tests := []struct {
		name       string
		keyring    string
		env        string
		configured string
		wantKey    string
		wantSource APIKeySource
	}{
		{"keyring wins", "gsk_keyring", "gsk_env", "gsk_config", "gsk_keyring", SourceKeyring},
		{"env over config", "", "gsk_env", "gsk_config", "gsk_env", SourceEnv},
		{"config fallback", "", "", "gsk_config", "gsk_config", SourceConfig},
		{"unexpanded reference", "", "", "${GROQ_API_KEY}", "", SourceNone},
		{"nothing", "", "", "", "", SourceNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := DeleteKeyring(KeyringAPIKey); err != nil {
				t.Fatal(err)
			}
			if tt.keyring != "" {
				if err := StoreKeyring(KeyringAPIKey, tt.keyring); err != nil {
					t.Fatal(err)
				}
			}
			t.Setenv("REELBOT_API_KEY", "")
			t.Setenv("GROQ_API_KEY", tt.env)

			cfg := DefaultConfig()
			cfg.Assistant.APIKey = tt.configured

			src := ResolveAPIKey(cfg, discardLogger())
			if src != tt.wantSource || cfg.Assistant.APIKey != tt.wantKey {
				t.Errorf("got (%q, %s), want (%q, %s)", cfg.Assistant.APIKey, src, tt.wantKey, tt.wantSource)
			}
		})
	}
}

func TestSaveToFile(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk_secret_from_env")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("old: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Assistant.APIKey = "gsk_secret_from_env"
	cfg.Router.Profile.BotName = "TestBot"
	if err := SaveToFile(cfg, path); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "gsk_secret_from_env") {
		t.Error("secret written in plain text")
	}
	if !strings.Contains(string(raw), "${GROQ_API_KEY}") {
		t.Errorf("expected env reference in:\n%s", raw)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %04o, want 0600", info.Mode().Perm())
	}
	if bak, err := os.ReadFile(path + ".bak"); err != nil || string(bak) != "old: true\n" {
		t.Errorf("backup = %q, %v", bak, err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Router.Profile.BotName != "TestBot" || loaded.Assistant.APIKey != "gsk_secret_from_env" {
		t.Errorf("round trip lost values: %+v", loaded.Router.Profile)
	}
	if loaded.Media.FetchTimeout != cfg.Media.FetchTimeout {
		t.Errorf("FetchTimeout = %s, want %s", loaded.Media.FetchTimeout, cfg.Media.FetchTimeout)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       LoggingConfig
		verbose   bool
		wantDebug bool
		wantJSON  bool
	}{
		{"json info", LoggingConfig{Level: "info", Format: "json"}, false, false, true},
		{"text debug", LoggingConfig{Level: "debug", Format: "text"}, false, true, false},
		{"verbose forces debug", LoggingConfig{Level: "error"}, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(tt.cfg, tt.verbose, &buf)
			logger.Debug("probe", "k", "v")

			if got := buf.Len() > 0; got != tt.wantDebug {
				t.Fatalf("debug emitted = %v, want %v", got, tt.wantDebug)
			}
			if tt.wantDebug {
				isJSON := strings.HasPrefix(buf.String(), "{")
				if isJSON != tt.wantJSON {
					t.Errorf("output %q, want json=%v", buf.String(), tt.wantJSON)
				}
			}
		})
	}

	if ParseLevel("WARNING") != slog.LevelWarn || ParseLevel("") != slog.LevelInfo {
		t.Error("ParseLevel mapping")
	}
}
