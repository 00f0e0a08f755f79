package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/reelbot/pkg/reelbot/bot"
	"github.com/jholhewres/reelbot/pkg/reelbot/channels/whatsapp"
	"github.com/jholhewres/reelbot/pkg/reelbot/config"
)

// newServeCmd creates the `reelbot serve` command that starts the daemon.
func newServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bot on the configured messaging channels",
		Long: `Start ReelBot as a daemon, connecting to the enabled channels
(WhatsApp, Discord) and processing messages until interrupted.

On the first WhatsApp run a pairing code is printed; scan it from
WhatsApp > Linked devices. The code is also served at /whatsapp/qr on
the status address.

Examples:
  reelbot serve
  reelbot serve --channel whatsapp
  reelbot serve --config ./config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (whatsapp, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg, os.Stdout)
	if path != "" {
		logger.Info("config loaded", "path", path)
	} else {
		logger.Warn("no config file found, using defaults", "hint", "run 'reelbot setup'")
	}

	// Audit before resolving: the check runs against the raw file values.
	config.AuditSecrets(cfg, logger)
	source := config.ResolveAPIKey(cfg, logger)

	filter, _ := cmd.Flags().GetStringSlice("channel")
	cfg.Channels.WhatsApp.Enabled = shouldEnable("whatsapp", filter, cfg.Channels.WhatsApp.Enabled)
	cfg.Channels.Discord.Enabled = shouldEnable("discord", filter, cfg.Channels.Discord.Enabled)

	app, err := bot.Build(cfg, bot.Options{Version: version}, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if app.WhatsApp != nil {
		events, unsubscribe := app.WhatsApp.SubscribeQR()
		defer unsubscribe()
		go announceQR(ctx, events, logger)
	}

	logger.Info("ReelBot running. Press Ctrl+C to stop.",
		"version", version,
		"model", cfg.Assistant.Model,
		"api_key", string(source),
	)

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("running bot: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// announceQR prints pairing codes to the terminal until ctx is done.
func announceQR(ctx context.Context, events <-chan whatsapp.QREvent, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Type {
			case "code":
				fmt.Fprintln(os.Stderr)
				fmt.Fprintln(os.Stderr, "Link this device from WhatsApp > Linked devices > Link a device.")
				fmt.Fprintf(os.Stderr, "Pairing code (valid %ds):\n%s\n\n", evt.SecondsLeft, evt.Code)
			case "success":
				logger.Info("WhatsApp linked")
			case "timeout":
				logger.Warn("pairing code expired, POST /whatsapp/qr/refresh on the status address for a new one")
			default:
				logger.Info("WhatsApp pairing", "event", evt.Type, "message", evt.Message)
			}
		}
	}
}

// shouldEnable applies the --channel filter. With no filter the configured
// value is kept.
func shouldEnable(name string, filter []string, configured bool) bool {
	if len(filter) == 0 {
		return configured
	}
	return slices.Contains(filter, name)
}
