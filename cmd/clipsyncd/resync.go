package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clipstack/clipstack/internal/config"
	"github.com/clipstack/clipstack/internal/sync/store"
)

var resyncCmd = &cobra.Command{
	Use:   "resync <device-id>",
	Short: "Rewind a device's sync cursor to force a full resync",
	Long: `Rewind a device's cursor to zero so its next pull replays the entire
change log. Use this after restoring a backup or when a device reports
inconsistent local state.

Example usage:
  clipsyncd resync 6f3a2c10-...          # rewind one device`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID := args[0]

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath, _ := cmd.Flags().GetString("db"); dbPath != "" {
			cfg.DBPath = dbPath
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		state, err := st.GetDeviceState(ctx, deviceID)
		if err != nil {
			return fmt.Errorf("reading device state: %w", err)
		}
		if state == nil {
			return fmt.Errorf("unknown device %s", deviceID)
		}
		if err := st.ResetDeviceCursor(ctx, deviceID); err != nil {
			return fmt.Errorf("resetting cursor: %w", err)
		}

		fmt.Printf("Device %s cursor reset (was %d); next pull replays from the start\n", deviceID, state.LastSeq)
		return nil
	},
}

func init() {
	resyncCmd.Flags().String("db", "", "Database path (overrides config)")
	rootCmd.AddCommand(resyncCmd)
}
