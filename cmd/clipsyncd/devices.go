package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clipstack/clipstack/internal/config"
	"github.com/clipstack/clipstack/internal/sync/store"
)

var devicesCmd = &cobra.Command{
	Use:   "devices <user-id>",
	Short: "List a user's registered devices and their sync cursors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]

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

		devices, err := st.ListDevicesForUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("listing devices: %w", err)
		}
		if len(devices) == 0 {
			fmt.Printf("No devices registered for user %s\n", userID)
			return nil
		}

		for _, d := range devices {
			lastSync := "never"
			if d.LastSyncAt != nil {
				lastSync = d.LastSyncAt.Format(time.RFC3339)
			}
			flag := ""
			if d.NeedsFullResync {
				flag = "  [full resync pending]"
			}
			fmt.Printf("%s  cursor=%d  last_sync=%s%s\n", d.DeviceID, d.LastSeq, lastSync, flag)
		}
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts <user-id>",
	Short: "List a user's pending conflicts awaiting manual resolution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]

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

		pending, err := st.ListPendingConflicts(ctx, userID)
		if err != nil {
			return fmt.Errorf("listing conflicts: %w", err)
		}
		if len(pending) == 0 {
			fmt.Printf("No pending conflicts for user %s\n", userID)
			return nil
		}

		for _, c := range pending {
			fmt.Printf("%s  %s/%s  server=v%d client=v%d (%s)  detected=%s\n",
				c.ID, c.EntityType, c.EntityID, c.ServerVersion, c.ClientVersion,
				c.ClientOp, c.DetectedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	devicesCmd.Flags().String("db", "", "Database path (overrides config)")
	conflictsCmd.Flags().String("db", "", "Database path (overrides config)")
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(conflictsCmd)
}
