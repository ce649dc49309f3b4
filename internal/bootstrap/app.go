// Package bootstrap wires the application dependency graph shared by the
// API server and the batch worker.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lumeo-ai/contentforge/internal/caption"
	"github.com/lumeo-ai/contentforge/internal/config"
	"github.com/lumeo-ai/contentforge/internal/database"
	"github.com/lumeo-ai/contentforge/internal/jobs"
	"github.com/lumeo-ai/contentforge/internal/metrics"
	"github.com/lumeo-ai/contentforge/internal/pipeline"
	"github.com/lumeo-ai/contentforge/internal/provider"
	"github.com/lumeo-ai/contentforge/internal/repository"
	"github.com/lumeo-ai/contentforge/internal/safety"
	"github.com/lumeo-ai/contentforge/internal/service"
	"github.com/lumeo-ai/contentforge/internal/storage"
	"github.com/lumeo-ai/contentforge/internal/template"
)

// App is the composed application: every long-lived dependency, ready to
// serve requests or run jobs.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	DB      *database.Postgres
	Redis   *database.Redis
	Avatars repository.AvatarRepository
	Pieces  repository.PieceRepository
	Jobs    repository.JobRepository
	Router  *provider.Router
	Manager *jobs.Manager
	Content service.ContentService
}

// Build connects external systems and wires the dependency graph. The
// caller owns Close.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.RunMigrations(cfg.Database); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	s3Client, err := storage.NewS3Client(ctx, cfg.Storage)
	if err != nil {
		db.Close()
		redis.Close()
		return nil, fmt.Errorf("configure storage: %w", err)
	}
	blobs := storage.NewS3Store(s3Client, cfg.Storage)
	broker := storage.NewS3Broker(s3Client, cfg.Storage)

	avatars := repository.NewAvatarRepository(db.Pool())
	pieces := repository.NewPieceRepository(db.Pool())
	attempts := repository.NewAttemptRepository(db.Pool())
	jobRepo := repository.NewJobRepository(db.Pool())

	httpClient := &http.Client{Timeout: 0} // per-request deadlines via context
	backends, err := cfg.Providers.Chain()
	if err != nil {
		db.Close()
		redis.Close()
		return nil, err
	}
	chain := make([]provider.Provider, 0, len(backends))
	for _, b := range backends {
		chain = append(chain, provider.NewHTTPProvider(b, httpClient))
	}
	router := provider.NewRouter(chain, provider.RouterConfig{
		AllowDegradedFallback: cfg.Pipeline.AllowDegradedFallback,
		OnAttempt:             metrics.ObserveAttempt,
		Logger:                logger,
	})

	templates, err := template.NewLibrary(template.Builtin())
	if err != nil {
		db.Close()
		redis.Close()
		return nil, fmt.Errorf("load template catalog: %w", err)
	}

	captions := caption.NewService(cfg.Captions, httpClient, logger)
	classifier, err := safety.NewClassifier(cfg.Safety, httpClient, logger)
	if err != nil {
		db.Close()
		redis.Close()
		return nil, fmt.Errorf("create safety classifier: %w", err)
	}

	orch := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Generator:  router,
		Templates:  templates,
		Captions:   captions,
		Classifier: classifier,
		Blobs:      blobs,
		Broker:     broker,
		WeightsTTL: cfg.Storage.WeightsURLTTL,
		Pieces:     pieces,
		Attempts:   attempts,
		Logger:     logger,
	})

	manager := jobs.NewManager(cfg.Jobs, orch, jobRepo, avatars, redis, logger)

	content := service.NewContentService(service.Deps{
		Avatars:    avatars,
		Pieces:     pieces,
		Templates:  templates,
		Captions:   captions,
		Classifier: classifier,
		Router:     router,
		Manager:    manager,
		JobsCfg:    cfg.Jobs,
		Logger:     logger,
	})

	return &App{
		Config:  cfg,
		Logger:  logger,
		DB:      db,
		Redis:   redis,
		Avatars: avatars,
		Pieces:  pieces,
		Jobs:    jobRepo,
		Router:  router,
		Manager: manager,
		Content: content,
	}, nil
}

// Close releases external connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// NewLogger builds the process logger in the shared JSON format.
func NewLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// WaitTimeout is the grace period for shutdown paths.
const WaitTimeout = 30 * time.Second
