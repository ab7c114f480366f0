// Package main provides maintenance commands for the contract analysis backend.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"contract-backend/internal/bootstrap"
	"contract-backend/internal/shared/config"
	"contract-backend/internal/shared/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "contractctl",
	Short: "Contract analysis maintenance tool",
	Long:  "contractctl runs retention sweeps, resets stuck jobs and analyzes local contract folders against the configured backends.",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		telemetry.Init(os.Getenv("ENV"))
	},
}

// buildApp is swapped in tests.
var buildApp = func() (*bootstrap.App, error) {
	return bootstrap.Build(config.Load())
}

func main() {
	_ = godotenv.Load()
	defer telemetry.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
