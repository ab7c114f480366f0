package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"contract-backend/internal/bootstrap"
	"contract-backend/internal/queue"
	"contract-backend/internal/shared/config"
	"contract-backend/internal/shared/telemetry"
	"contract-backend/internal/workerproc"
)

const (
	defaultShutdownTimeoutSec = 30
	staleSweepInterval        = 5 * time.Minute
)

func main() {
	cfg := config.Load()
	telemetry.Init(cfg.Env)
	defer telemetry.Sync()

	app, err := bootstrap.Build(cfg)
	if err != nil {
		telemetry.Error("worker.bootstrap_failed", map[string]any{"error": err})
		os.Exit(1)
	}
	defer app.Close()
	if app.Source == nil {
		telemetry.Error("worker.no_queue", map[string]any{"queue_backend": cfg.QueueBackend})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if r, ok := app.Source.(*queue.RedisClient); ok {
		moved, err := r.Recover(ctx)
		if err != nil {
			telemetry.Warn("worker.recover_failed", map[string]any{"error": err})
		} else if moved > 0 {
			telemetry.Info("worker.recovered", map[string]any{"messages": moved})
		}
	}

	if cfg.StaleAfterMinutes > 0 {
		go resetStaleLoop(ctx, app, time.Duration(cfg.StaleAfterMinutes)*time.Minute)
	}

	w := &workerproc.Worker{
		Source:          app.Source,
		Processor:       app.Pipeline,
		Concurrency:     cfg.WorkerConcurrency,
		ShutdownTimeout: time.Duration(envInt("WORKER_SHUTDOWN_TIMEOUT_SECONDS", defaultShutdownTimeoutSec)) * time.Second,
	}
	if err := w.Run(ctx); err != nil {
		telemetry.Warn("worker.stopped", map[string]any{"error": err})
	}
}

// resetStaleLoop returns jobs abandoned by a crashed worker to draft.
func resetStaleLoop(ctx context.Context, app *bootstrap.App, age time.Duration) {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()
	for {
		if n, err := app.AnalysesService.ResetStale(ctx, age); err != nil {
			telemetry.Warn("worker.reset_stale_failed", map[string]any{"error": err})
		} else if n > 0 {
			telemetry.Info("worker.reset_stale", map[string]any{"reset": n})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}
