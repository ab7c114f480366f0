package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"contract-backend/internal/analyses"
	"contract-backend/internal/counterparty"
	"contract-backend/internal/extract"
	"contract-backend/internal/llm"
	"contract-backend/internal/llm/gemini"
	"contract-backend/internal/llm/openai"
	"contract-backend/internal/ocr"
	"contract-backend/internal/queue"
	"contract-backend/internal/report"
	"contract-backend/internal/services/health"
	"contract-backend/internal/settings"
	"contract-backend/internal/shared/config"
	"contract-backend/internal/shared/server"
	"contract-backend/internal/shared/server/middleware"
	"contract-backend/internal/shared/storage/db"
	"contract-backend/internal/shared/storage/object"
	localstore "contract-backend/internal/shared/storage/object/local"
	s3store "contract-backend/internal/shared/storage/object/s3"
	"contract-backend/internal/shared/telemetry"
	"contract-backend/internal/staging"
	"contract-backend/internal/summarize"
)

// App holds shared dependencies for every entry point.
type App struct {
	Config   config.Config
	Settings settings.Snapshot
	Router   *gin.Engine
	DB       *sql.DB
	Store    object.ObjectStore
	Queue    queue.Client
	// Source is set when the queue backend supports consuming.
	Source          queue.Source
	AnalysesRepo    analyses.Repo
	Stager          *staging.Stager
	Pipeline        *analyses.Pipeline
	AnalysesService *analyses.Service
	AnalysisHandler *analyses.Handler
	Health          *health.Service

	closers []func() error
}

// Build prepares shared dependencies and the HTTP router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	snapshot, err := settings.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Settings: snapshot}

	if app.DB, err = buildDB(ctx, cfg); err != nil {
		return nil, err
	}
	if app.DB != nil {
		app.closers = append(app.closers, app.DB.Close)
	}
	if app.Store, err = buildStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := app.buildQueue(ctx); err != nil {
		return nil, err
	}
	if err := app.buildServices(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}

	app.Health = health.NewService(pingerOrNil(app.DB), cfg.QueueBackend)
	app.Router = server.NewRouter(server.RouterDeps{
		Config:          cfg,
		AnalysisHandler: app.AnalysisHandler,
		Health:          app.Health,
		RateLimiter:     middleware.NewRateLimiter(nil),
	})
	return app, nil
}

// Close releases clients opened by Build.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_repo", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	profile := db.RuntimeProfile()
	pool := db.PoolFor(profile, cfg.WorkerConcurrency).WithEnv()
	if profile == db.ProfileLambda {
		sqlDB, err = db.Shared(ctx, cfg.DatabaseURL, pool)
	} else {
		sqlDB, err = db.Open(ctx, cfg.DatabaseURL, pool)
	}
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_repo", map[string]any{"reason": "database connect failed", "error": err})
			return nil, nil
		}
		return nil, err
	}
	if isDevLike(cfg.Env) {
		if err := db.RunMigrations(ctx, sqlDB); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func (a *App) buildQueue(ctx context.Context) error {
	switch a.Config.QueueBackend {
	case "sqs":
		client, err := queue.NewSQSClient(ctx, a.Config.AWSRegion, a.Config.SQSQueueURL, 0)
		if err != nil {
			return err
		}
		a.Queue, a.Source = client, client
	case "redis":
		client, err := queue.NewRedisClient(a.Config.RedisURL, a.Config.RedisQueueKey)
		if err != nil {
			return err
		}
		a.Queue, a.Source = client, client
		a.closers = append(a.closers, client.Close)
	}
	return nil
}

func (a *App) buildServices(ctx context.Context) error {
	var messages analyses.MessageRepo
	if a.DB != nil {
		repo := &analyses.PGRepo{DB: a.DB}
		a.AnalysesRepo, messages = repo, repo
	} else {
		repo := analyses.NewMemoryRepo()
		a.AnalysesRepo, messages = repo, repo
	}

	stager, err := staging.New(a.Settings.StagingRoot, a.Settings.MaxFileBytes)
	if err != nil {
		return err
	}
	a.Stager = stager

	recognizer, err := a.buildOCR(ctx)
	if err != nil {
		return err
	}
	chat, err := a.buildLLM(ctx)
	if err != nil {
		return err
	}

	reports := report.NewWriter(a.Store)
	a.Pipeline = &analyses.Pipeline{
		Repo:       a.AnalysesRepo,
		Stager:     stager,
		Extractor:  extract.New(recognizer, a.Settings.OCRLanguage),
		Summarizer: summarize.New(chat, a.Settings),
		Checker:    counterparty.NewStubChecker(),
		Reports:    reports,
		Settings:   a.Settings,
	}
	a.AnalysesService = &analyses.Service{
		Repo:     a.AnalysesRepo,
		Messages: messages,
		Chat:     chat,
		Stager:   stager,
		Queue:    a.Queue,
		Reports:  reports,
		Settings: a.Settings,
	}
	if a.Queue == nil {
		// Without a queue the API process runs jobs itself.
		a.AnalysesService.Processor = a.Pipeline
	}
	a.AnalysisHandler = analyses.NewHandler(a.AnalysesService, a.Store)
	return nil
}

func (a *App) buildOCR(ctx context.Context) (ocr.Recognizer, error) {
	switch a.Config.OCRBackend {
	case "api":
		return ocr.NewTesseractAPI(a.Config.TesseractAPIURL, a.Config.TesseractAPIField)
	case "cli":
		return ocr.NewTesseractCLI(a.Config.TesseractPath)
	case "vision":
		v, err := ocr.NewVision(ctx, a.Config.VisionCredentials)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, v.Close)
		return v, nil
	default:
		telemetry.Warn("bootstrap.ocr_disabled", map[string]any{"backend": a.Config.OCRBackend})
		return nil, nil
	}
}

// buildLLM registers every provider with a key; the router picks the active one per call.
func (a *App) buildLLM(ctx context.Context) (llm.ChatClient, error) {
	clients := map[string]llm.ChatClient{}
	if key := strings.TrimSpace(a.Config.OpenAIAPIKey); key != "" {
		client, err := openai.NewClient(key, openai.WithTimeout(a.Settings.CallTimeout+5*time.Second))
		if err != nil {
			return nil, err
		}
		clients["openai"] = client
	}
	if key := strings.TrimSpace(a.Config.GeminiAPIKey); key != "" {
		client, err := gemini.NewClient(ctx, key)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		clients["gemini"] = client
	}
	if _, ok := clients[a.Settings.Provider]; !ok {
		telemetry.Warn("bootstrap.llm_unconfigured", map[string]any{"provider": a.Settings.Provider})
	}
	return llm.WithRetry(llm.NewRouter(a.Settings.Provider, clients)), nil
}

func pingerOrNil(sqlDB *sql.DB) health.Pinger {
	if sqlDB == nil {
		return nil
	}
	return sqlDB
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
