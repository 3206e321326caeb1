// Package app wires the sync engine's dependencies for the binaries under cmd/.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"trailsync/internal/archive"
	"trailsync/internal/config"
	"trailsync/internal/credentials"
	"trailsync/internal/logger"
	"trailsync/internal/models"
	"trailsync/internal/orchestrator"
	"trailsync/internal/provider"
	"trailsync/internal/provider/garmin"
	"trailsync/internal/provider/strava"
	"trailsync/internal/provider/swarm"
	"trailsync/internal/queue"
	"trailsync/internal/store"
	"trailsync/internal/syncer"
)

// App holds the long-lived connections and the services built on them.
type App struct {
	Config  config.Config
	Log     *slog.Logger
	Store   *store.Store
	Redis   *redis.Client
	Queue   *queue.RedisQueue
	Service *syncer.Service
}

// NewLogger builds the process logger from config.
func NewLogger(cfg config.Config) *slog.Logger {
	return logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}).With("env", cfg.Env)
}

// Open connects to Postgres and Redis and applies migrations.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	st, err := store.New(ctx, cfg.PostgresDSN, log)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	client := queue.NewClient(cfg)
	q := queue.NewRedisQueue(client, cfg)
	return &App{
		Config:  cfg,
		Log:     log,
		Store:   st,
		Redis:   client,
		Queue:   q,
		Service: syncer.NewService(st, q, log),
	}, nil
}

// Close releases connections.
func (a *App) Close() {
	_ = a.Redis.Close()
	a.Store.Close()
}

// Credentials returns the credential manager with OAuth refresh configured for
// providers that have a token endpoint.
func (a *App) Credentials() *credentials.Manager {
	configs := map[models.DataSource]*oauth2.Config{}
	for src, pc := range map[models.DataSource]config.ProviderConfig{
		models.SourceStrava: a.Config.Strava,
		models.SourceGarmin: a.Config.Garmin,
	} {
		if pc.TokenURL != "" && pc.ClientID != "" {
			configs[src] = credentials.OAuthConfig(pc.ClientID, pc.ClientSecret, pc.TokenURL)
		}
	}
	return credentials.NewManager(a.Store.Credentials(credentials.PlainCipher{}), configs, a.Log)
}

func (a *App) options(pc config.ProviderConfig) provider.Options {
	return provider.Options{
		PageSize:          pc.PageSize,
		MaxPages:          pc.MaxPages,
		Lookback:          a.Config.Sync.Lookback,
		SubBatchSize:      a.Config.Sync.SubBatchSize,
		DetailConcurrency: a.Config.Sync.DetailConcurrency,
	}
}

// Adapters builds one adapter per supported provider.
func (a *App) Adapters(ctx context.Context) (*provider.Registry, error) {
	arch, err := archive.New(ctx, a.Config.Archive)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	cfg := a.Config
	return provider.NewRegistry(
		swarm.New(
			provider.NewClient(models.SourceSwarm, cfg.Swarm.BaseURL, cfg.Swarm.RequestInterval, nil),
			a.Store.CheckIns(), a.options(cfg.Swarm), a.Log),
		strava.New(
			provider.NewClient(models.SourceStrava, cfg.Strava.BaseURL, cfg.Strava.RequestInterval, nil),
			a.Store.Activities(), arch, a.options(cfg.Strava), a.Log),
		garmin.New(
			provider.NewClient(models.SourceGarmin, cfg.Garmin.BaseURL, cfg.Garmin.RequestInterval, nil),
			a.Store.Activities(), arch, a.options(cfg.Garmin), a.Log),
	), nil
}

// SyncHandler builds the worker handler for syncer.TaskSyncRun.
func (a *App) SyncHandler(ctx context.Context) (*syncer.Handler, error) {
	adapters, err := a.Adapters(ctx)
	if err != nil {
		return nil, err
	}
	return syncer.NewHandler(a.Service, a.Store, a.Credentials(), adapters, syncer.HandlerConfig{
		FullYearsBack:    a.Config.Sync.FullYearsBack,
		ProgressInterval: a.Config.ProgressInterval,
	}, a.Log), nil
}

// Orchestrator builds the daily fan-out and retention sweep.
func (a *App) Orchestrator() (*orchestrator.Orchestrator, error) {
	sources := make([]models.DataSource, 0, len(a.Config.DailySyncSources))
	for _, s := range a.Config.DailySyncSources {
		src, err := models.ParseDataSource(s)
		if err != nil {
			return nil, fmt.Errorf("DAILY_SYNC_SOURCES: %w", err)
		}
		sources = append(sources, src)
	}
	return orchestrator.New(a.Store, a.Service, a.Store, orchestrator.Config{
		Sources:       sources,
		Stagger:       a.Config.StaggerInterval,
		ActiveWindow:  a.Config.ActiveUserWindow,
		RetentionDays: a.Config.JobRetentionDays,
	}, a.Log), nil
}
