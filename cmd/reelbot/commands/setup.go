package commands

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/reelbot/pkg/reelbot/config"
)

// newSetupCmd creates the `reelbot setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that writes config.yaml.
Asks for the bot profile, the channels to enable and the API key.
The API key goes to the OS keyring when available, never to the file.

Examples:
  reelbot setup
  reelbot setup --config ./configs/reelbot.yaml`,
		RunE: runSetup,
	}
}

// setupAnswers holds the wizard fields before they are applied to a Config.
type setupAnswers struct {
	BotName      string
	OwnerName    string
	OwnerSocial  string
	Channels     []string
	DiscordToken string
	Model        string
	APIKey       string
	UseKeyring   bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "config.yaml"
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		existing, err := config.LoadFromFile(path)
		if err != nil {
			return fmt.Errorf("loading existing config: %w", err)
		}
		cfg = existing
	}

	answers := setupAnswers{
		BotName:     cfg.Router.Profile.BotName,
		OwnerName:   cfg.Router.Profile.OwnerName,
		OwnerSocial: cfg.Router.Profile.OwnerSocial,
		Model:       cfg.Assistant.Model,
		UseKeyring:  config.KeyringAvailable(),
	}
	if cfg.Channels.WhatsApp.Enabled {
		answers.Channels = append(answers.Channels, "whatsapp")
	}
	if cfg.Channels.Discord.Enabled {
		answers.Channels = append(answers.Channels, "discord")
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bot name").
				Value(&answers.BotName).
				Validate(notEmpty("bot name")),
			huh.NewInput().
				Title("Owner name").
				Description("Shown by the botinfo command.").
				Value(&answers.OwnerName),
			huh.NewInput().
				Title("Owner social handle").
				Value(&answers.OwnerSocial),
		),
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Channels").
				Options(
					huh.NewOption("WhatsApp", "whatsapp"),
					huh.NewOption("Discord", "discord"),
				).
				Value(&answers.Channels).
				Validate(func(v []string) error {
					if len(v) == 0 {
						return errors.New("select at least one channel")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				EchoMode(huh.EchoModePassword).
				Value(&answers.DiscordToken),
		).WithHideFunc(func() bool {
			return !slices.Contains(answers.Channels, "discord")
		}),
		huh.NewGroup(
			huh.NewInput().
				Title("Model").
				Description("Any model served by the OpenAI-compatible endpoint.").
				Value(&answers.Model).
				Validate(notEmpty("model")),
			huh.NewInput().
				Title("Groq API key").
				Description("Leave empty to set it later with 'reelbot config set-key'.").
				EchoMode(huh.EchoModePassword).
				Value(&answers.APIKey),
			huh.NewConfirm().
				Title("Store the API key in the OS keyring?").
				Value(&answers.UseKeyring),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup aborted, nothing written.")
			return nil
		}
		return err
	}

	applyAnswers(cfg, answers)

	if answers.APIKey != "" {
		if answers.UseKeyring {
			if err := config.StoreKeyring(config.KeyringAPIKey, answers.APIKey); err != nil {
				fmt.Printf("[!] Could not store the key in the OS keyring: %v\n", err)
				fmt.Println("    Export GROQ_API_KEY instead.")
			} else {
				fmt.Println("API key stored in the OS keyring.")
			}
		} else {
			fmt.Println("Export the key before starting: export GROQ_API_KEY=...")
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}
	if err := config.SaveToFile(cfg, path); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	fmt.Println("Next: reelbot serve")
	return nil
}

// applyAnswers copies the wizard answers into cfg. Secrets are written as
// environment references; the real values live in the keyring or the
// environment.
func applyAnswers(cfg *config.Config, a setupAnswers) {
	cfg.Router.Profile.BotName = strings.TrimSpace(a.BotName)
	cfg.Router.Profile.OwnerName = strings.TrimSpace(a.OwnerName)
	cfg.Router.Profile.OwnerSocial = strings.TrimSpace(a.OwnerSocial)
	cfg.Assistant.Model = strings.TrimSpace(a.Model)
	cfg.Assistant.APIKey = "${GROQ_API_KEY}"

	cfg.Channels.WhatsApp.Enabled = slices.Contains(a.Channels, "whatsapp")
	cfg.Channels.Discord.Enabled = slices.Contains(a.Channels, "discord")
	if cfg.Channels.Discord.Enabled {
		cfg.Channels.Discord.Token = "${DISCORD_TOKEN}"
		if a.DiscordToken != "" {
			fmt.Println("Export the Discord token before starting: export DISCORD_TOKEN=...")
		}
	}
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}
