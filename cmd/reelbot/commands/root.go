// Package commands implements the reelbot CLI commands using cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jholhewres/reelbot/pkg/reelbot/config"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reelbot",
		Short: "ReelBot - Instagram downloader and AI chat bot",
		Long: `ReelBot is a messaging bot that downloads Instagram reels and posts
from pasted links and answers questions in an opt-in AI chat mode.
It runs on WhatsApp and Discord, or locally in the terminal.

Examples:
  reelbot setup
  reelbot serve
  reelbot serve --channel discord
  reelbot chat
  reelbot config set-key`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(version),
		newChatCmd(version),
		newSetupCmd(),
		newConfigCmd(),
		newWelcomedCmd(),
		newWhatsAppCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// loadConfig loads the --config file, the discovered config file or the
// defaults, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, found, err := config.Load(path)
	if err != nil {
		if found != "" {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, found, nil
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := config.NewLogger(cfg.Logging, verbose, w)
	slog.SetDefault(logger)
	return logger
}
