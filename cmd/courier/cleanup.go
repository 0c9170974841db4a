package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/courier/internal/config"
	"github.com/hyperengineering/courier/internal/store"
)

var cleanupRetentionOverride string

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run a single log retention pass and exit",
	Long:  "Prunes change log and field change log entries past the retention window, keeping the latest record per entity and per field.",
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().StringVar(&cleanupRetentionOverride, "retention", "",
		"Retention window override, e.g. 720h (defaults to config)")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	retention := time.Duration(cfg.Sync.Retention)
	if cleanupRetentionOverride != "" {
		retention, err = time.ParseDuration(cleanupRetentionOverride)
		if err != nil {
			return fmt.Errorf("invalid --retention: %w", err)
		}
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	deleted, err := db.CleanupOlderThan(cmd.Context(), retention)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d log entries (retention %s)\n", deleted, retention)
	return nil
}
