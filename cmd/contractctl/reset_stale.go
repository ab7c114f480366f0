package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var resetStaleCmd = &cobra.Command{
	Use:   "reset-stale",
	Short: "Return stuck processing jobs to draft",
	RunE:  runResetStale,
}

var resetStaleOlderThan time.Duration

func init() {
	resetStaleCmd.Flags().DurationVar(&resetStaleOlderThan, "older-than", 0, "Age of a processing job before it is reset (default CONTRACT_STALE_AFTER_MINUTES)")
	rootCmd.AddCommand(resetStaleCmd)
}

func runResetStale(cmd *cobra.Command, _ []string) error {
	app, err := buildApp()
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	age := resetStaleOlderThan
	if age <= 0 {
		age = time.Duration(app.Config.StaleAfterMinutes) * time.Minute
	}
	if age <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	reset, err := app.AnalysesService.ResetStale(cmd.Context(), age)
	if err != nil {
		return fmt.Errorf("reset stale: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reset %d analyses stuck longer than %s\n", reset, age)
	return nil
}
