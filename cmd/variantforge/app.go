package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/manthysbr/variantforge/internal/adapters/docker"
	"github.com/manthysbr/variantforge/internal/adapters/duckdb"
	"github.com/manthysbr/variantforge/internal/adapters/executor"
	"github.com/manthysbr/variantforge/internal/adapters/export"
	"github.com/manthysbr/variantforge/internal/adapters/providers"
	"github.com/manthysbr/variantforge/internal/adapters/scene"
	"github.com/manthysbr/variantforge/internal/config"
	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/manthysbr/variantforge/internal/core/ports"
	"github.com/manthysbr/variantforge/internal/core/services"
)

// app is the wired process shared by serve and run.
type app struct {
	logger   *slog.Logger
	cfg      *config.Config
	repo     *duckdb.Repository
	settings *config.SettingsStore
	channel  *services.Channel
	eventBus *services.EventBus
	executor *executor.Executor
	scene    *scene.Store
	batcher  *export.Batcher
	orch     *services.Orchestrator
	runs     *services.RunService
}

func newApp(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*app, error) {
	repo, err := duckdb.NewRepository(cfg.Paths.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init repository: %w", err)
	}

	secret, err := config.NewSecretKey(config.DefaultSecretKeyPath(cfg))
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to init secret key: %w", err)
	}
	settings, err := config.NewSettingsStore(ctx, logger, repo, secret)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to init settings: %w", err)
	}

	raster, err := newRasterizer(logger, cfg)
	if err != nil {
		repo.Close()
		return nil, err
	}

	channel := services.NewChannel(logger)
	eventBus := services.NewEventBus(logger)
	workspace := services.NewWorkspaceManager(cfg.Paths.WorkspaceDir)

	text, images, err := providers.Build(settings.Config())
	if err != nil {
		// runs still start; inference stages fail until settings are fixed
		logger.Warn("inference providers unavailable", "error", err)
	}
	exec := executor.New(logger, channel, text, images, int64(cfg.Executor.MaxConcurrentInference))
	settings.OnChange(func(next domain.AppConfig) {
		text, images, err := providers.Build(next)
		if err != nil {
			logger.Error("failed to rebuild providers", "error", err)
			return
		}
		exec.SetProviders(text, images)
	})
	exec.Start()

	batcher := export.NewBatcher(logger, channel, workspace, raster, export.NewArchiver(cfg.Paths.ArchiveDir), cfg.Export.BatchWorkers)

	framesDir, err := workspace.FramesDir()
	if err != nil {
		exec.Stop()
		channel.Close()
		repo.Close()
		return nil, err
	}
	store := scene.NewStore(logger, framesDir, batcher)

	rename, variants, exportTimeout, upload := cfg.StageTimeouts()
	orch := services.NewOrchestrator(logger, services.NewStageRequestor(channel), store, repo, eventBus, services.PipelineConfig{
		Workers:      cfg.Pipeline.Concurrency,
		VariantCount: cfg.Pipeline.VariantCount,
		Timeouts: services.StageTimeouts{
			Rename:   rename,
			Variants: variants,
			Export:   exportTimeout,
			Upload:   upload,
		},
	})

	return &app{
		logger:   logger,
		cfg:      cfg,
		repo:     repo,
		settings: settings,
		channel:  channel,
		eventBus: eventBus,
		executor: exec,
		scene:    store,
		batcher:  batcher,
		orch:     orch,
		runs:     services.NewRunService(logger, orch, repo),
	}, nil
}

func newRasterizer(logger *slog.Logger, cfg *config.Config) (ports.Rasterizer, error) {
	switch cfg.Export.Rasterizer {
	case config.RasterizerDocker:
		r, err := docker.NewRasterizer(logger, cfg.Export.RendererImage)
		if err != nil {
			return nil, fmt.Errorf("failed to init docker rasterizer: %w", err)
		}
		return r, nil
	default:
		return export.ManifestRasterizer{}, nil
	}
}

// close releases everything newApp opened. Active runs must be finished or
// shut down first.
func (a *app) close() {
	a.executor.Stop()
	a.channel.Close()
	if err := a.repo.Close(); err != nil {
		a.logger.Warn("failed to close repository", "error", err)
	}
}
