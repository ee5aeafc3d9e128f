package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "clipsyncd",
	Short: "Multi-device sync daemon for clipboard data",
	Long: `clipsyncd keeps a user's clips, folders, tags, sets and templates
consistent across their devices.

Every change is appended to a durable change log with per-entity optimistic
versioning. Devices pull changes past their cursor, push local changes with
conflict detection, and receive real-time notifications over WebSocket while
connected.`,
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
