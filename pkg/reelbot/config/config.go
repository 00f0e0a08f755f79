// Package config loads and validates the reelbot configuration: YAML file,
// .env files, environment expansion and the API key resolution chain.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jholhewres/reelbot/pkg/reelbot/assistant"
	"github.com/jholhewres/reelbot/pkg/reelbot/channels/console"
	"github.com/jholhewres/reelbot/pkg/reelbot/channels/discord"
	"github.com/jholhewres/reelbot/pkg/reelbot/channels/whatsapp"
	"github.com/jholhewres/reelbot/pkg/reelbot/conversation"
	"github.com/jholhewres/reelbot/pkg/reelbot/media"
	"github.com/jholhewres/reelbot/pkg/reelbot/onboarding"
	"github.com/jholhewres/reelbot/pkg/reelbot/router"
)

// Config is the root configuration.
type Config struct {
	// Assistant configures the completion provider.
	Assistant assistant.Config `yaml:"assistant"`

	// Conversation bounds assistant-mode memory.
	Conversation conversation.Config `yaml:"conversation"`

	// Router holds the command vocabulary and the bot profile.
	Router router.Config `yaml:"router"`

	// Media configures link detection and yt-dlp retrieval.
	Media media.Config `yaml:"media"`

	// Database is the SQLite file holding the onboarding record.
	Database onboarding.Config `yaml:"database"`

	// Channels configures the transports.
	Channels ChannelsConfig `yaml:"channels"`

	// Scheduler configures periodic maintenance.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Status configures the health/status HTTP surface.
	Status StatusConfig `yaml:"status"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ChannelsConfig groups the transport configurations.
type ChannelsConfig struct {
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Discord  discord.Config  `yaml:"discord"`
	Console  console.Config  `yaml:"console"`
}

// SchedulerConfig configures the maintenance jobs. Schedules use cron
// syntax or descriptors such as "@every 10m".
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`

	// SweepSchedule evicts finished download jobs from the ledger.
	SweepSchedule string `yaml:"sweep_schedule"`

	// CleanupSchedule removes orphaned download artifacts.
	CleanupSchedule string `yaml:"cleanup_schedule"`

	// JobRetention is how long a finished job stays in the ledger.
	JobRetention time.Duration `yaml:"job_retention"`
}

// StatusConfig configures the HTTP status server.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file sets a value.
func DefaultConfig() *Config {
	wa := whatsapp.DefaultConfig()
	wa.Enabled = true

	return &Config{
		Assistant: assistant.Config{
			BaseURL: assistant.DefaultBaseURL,
			Model:   assistant.DefaultModel,
			Timeout: assistant.DefaultTimeout,
		},
		Conversation: conversation.Config{
			MaxTurns:     conversation.DefaultMaxTurns,
			SystemPrompt: conversation.DefaultSystemPrompt,
		},
		Router: router.Config{}.Effective(),
		Media:  media.Config{}.Effective(),
		Database: onboarding.Config{
			Path: "./data/reelbot.db",
		},
		Channels: ChannelsConfig{
			WhatsApp: wa,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			SweepSchedule:   "@every 10m",
			CleanupSchedule: "@every 1h",
			JobRetention:    30 * time.Minute,
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Conversation.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_turns must be >= 0, got %d", c.Conversation.MaxTurns))
	}
	if c.Assistant.Timeout < 0 {
		errs = append(errs, fmt.Errorf("assistant.timeout must be >= 0, got %s", c.Assistant.Timeout))
	}
	if c.Media.MaxConcurrentFetches < 0 {
		errs = append(errs, fmt.Errorf("media.max_concurrent_fetches must be >= 0, got %d", c.Media.MaxConcurrentFetches))
	}
	if c.Media.ProbeTimeout < 0 || c.Media.FetchTimeout < 0 {
		errs = append(errs, errors.New("media timeouts must be >= 0"))
	}
	if _, err := media.NewLinkMatcher(c.Media.LinkPatterns); err != nil {
		errs = append(errs, fmt.Errorf("media.link_patterns: %w", err))
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		errs = append(errs, errors.New("channels.discord.token is required when discord is enabled"))
	}
	if c.Status.Enabled {
		if _, _, err := net.SplitHostPort(c.Status.Addr); err != nil {
			errs = append(errs, fmt.Errorf("status.addr: %w", err))
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
