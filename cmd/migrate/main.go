package main

// Run database migrations:
//   go run ./cmd/migrate

import (
	"context"
	"os"

	"contract-backend/internal/shared/config"
	"contract-backend/internal/shared/storage/db"
	"contract-backend/internal/shared/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Init(cfg.Env)
	defer telemetry.Sync()
	ctx := context.Background()

	sqlDB, err := db.Open(ctx, cfg.DatabaseURL, db.PoolFor(db.ProfileMigrate, 0).WithEnv())
	if err != nil {
		telemetry.Error("migrate.connect_failed", map[string]any{"error": err})
		os.Exit(1)
	}
	defer sqlDB.Close()

	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		telemetry.Error("migrate.failed", map[string]any{"error": err})
		os.Exit(1)
	}
}
