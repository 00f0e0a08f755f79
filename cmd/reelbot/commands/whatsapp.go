package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/reelbot/pkg/reelbot/channels/whatsapp"
)

// newWhatsAppCmd creates the `reelbot whatsapp` command group for the linked
// device session.
func newWhatsAppCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whatsapp",
		Short: "Manage the linked WhatsApp device",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether a device is linked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wa, cleanup, err := openWhatsApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if wa.NeedsQR() {
				fmt.Println("No device linked. Run 'reelbot serve' and scan the pairing code.")
				return nil
			}
			waitConnected(cmd.Context(), wa, 15*time.Second)
			fmt.Printf("Device linked, state: %s\n", wa.GetState())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Unlink the device and delete the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wa, cleanup, err := openWhatsApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if wa.NeedsQR() {
				fmt.Println("No device linked, nothing to do.")
				return nil
			}
			waitConnected(cmd.Context(), wa, 15*time.Second)
			if err := wa.Logout(cmd.Context()); err != nil {
				return fmt.Errorf("logout: %w", err)
			}
			fmt.Println("Device unlinked.")
			return nil
		},
	})

	return cmd
}

// openWhatsApp connects to the configured session store. Callers check NeedsQR
// first; cleanup cancels any pairing attempt Connect started.
func openWhatsApp(cmd *cobra.Command) (*whatsapp.WhatsApp, func(), error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "text"
	logger := newLogger(cmd, cfg, os.Stderr)

	wacfg := cfg.Channels.WhatsApp
	wacfg.HealthMonitor.Enabled = false

	ctx, cancel := context.WithCancel(cmd.Context())
	wa := whatsapp.New(wacfg, logger)
	if err := wa.Connect(ctx); err != nil {
		cancel()
		return nil, nil, err
	}
	cleanup := func() {
		_ = wa.Disconnect()
		cancel()
	}
	return wa, cleanup, nil
}

func waitConnected(ctx context.Context, wa *whatsapp.WhatsApp, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	for !wa.IsConnected() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}
