package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/reelbot/pkg/reelbot/onboarding"
)

// newWelcomedCmd creates the `reelbot welcomed` command group for the
// persisted onboarding record.
func newWelcomedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "welcomed",
		Short: "Inspect or import the list of welcomed users",
	}

	importCmd := &cobra.Command{
		Use:   "import <welcomed.json>",
		Short: "Import a legacy JSON list of welcomed user ids",
		Long: `Import a JSON array of user ids so those users are not greeted again.
Ids without a channel qualifier get --prefix prepended.

Examples:
  reelbot welcomed import ./welcomed.json
  reelbot welcomed import ./welcomed.json --prefix discord:`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")
			store, err := openWelcomed(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.ImportJSON(cmd.Context(), args[0], prefix)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d new users into %s\n", n, store.Path())
			return nil
		},
	}
	importCmd.Flags().String("prefix", "whatsapp:", "channel qualifier for unqualified ids")

	countCmd := &cobra.Command{
		Use:   "count",
		Short: "Print how many users were welcomed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openWelcomed(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}

	cmd.AddCommand(importCmd, countCmd)
	return cmd
}

func openWelcomed(cmd *cobra.Command) (*onboarding.SQLiteStore, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	store, err := onboarding.OpenSQLite(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening onboarding store: %w", err)
	}
	return store, nil
}
