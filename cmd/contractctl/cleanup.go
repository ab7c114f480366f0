package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete analyses older than the retention window",
	Long:  "Deletes analyses created more than --months months ago, together with their report artifacts and any leftover staging workspace.",
	RunE:  runCleanup,
}

var cleanupMonths int

func init() {
	cleanupCmd.Flags().IntVar(&cleanupMonths, "months", 6, "Retention window in months")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	if cleanupMonths <= 0 {
		return fmt.Errorf("--months must be positive")
	}
	app, err := buildApp()
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	deleted, err := app.AnalysesService.Sweep(cmd.Context(), cleanupMonths)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d analyses older than %d months\n", deleted, cleanupMonths)
	return nil
}
