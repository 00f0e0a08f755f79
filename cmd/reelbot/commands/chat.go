package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/jholhewres/reelbot/pkg/reelbot/bot"
	"github.com/jholhewres/reelbot/pkg/reelbot/config"
)

// newChatCmd creates the `reelbot chat` command: the full bot wired to the
// local terminal instead of a messaging platform.
func newChatCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot from the terminal",
		Long: `Run the bot against the local console. Every command works as it
does on WhatsApp: start, help, enteraimode, Instagram links...
Press Ctrl+D to quit.

Examples:
  reelbot chat
  reelbot chat -v`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, version)
		},
	}
}

func runChat(cmd *cobra.Command, version string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Keep the terminal readable: only warnings unless --verbose.
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); !verbose {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Format = "text"
	logger := newLogger(cmd, cfg, os.Stderr)

	config.ResolveAPIKey(cfg, logger)

	app, err := bot.Build(cfg, bot.Options{
		Version:    version,
		Console:    true,
		ConsoleOut: os.Stdout,
	}, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-app.Console.Ended():
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Printf("ReelBot %s - local chat. Type 'start' to begin, Ctrl+D to quit.\n", version)
	return app.Run(ctx)
}
