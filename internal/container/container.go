package container

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anime-shed/ocr-enhance-tuner/internal/config"
	"github.com/anime-shed/ocr-enhance-tuner/internal/factory"
	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
	"github.com/anime-shed/ocr-enhance-tuner/internal/matrix"
	"github.com/anime-shed/ocr-enhance-tuner/internal/observer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/ocr"
	"github.com/anime-shed/ocr-enhance-tuner/internal/repository"
	"github.com/anime-shed/ocr-enhance-tuner/internal/service"
	"github.com/anime-shed/ocr-enhance-tuner/internal/transport"
	"github.com/anime-shed/ocr-enhance-tuner/internal/workerpool"
)

// Container holds all application dependencies of one tuner run
type Container struct {
	config   *config.Config
	pool     *workerpool.WorkerPool
	evals    repository.EvaluationRepository
	warnings *observer.WarningCollector
	tuner    *service.TunerService
}

// NewContainer builds the dependency graph for cfg and runCfg. open starts
// the OCR engine for matrix stages.
func NewContainer(ctx context.Context, cfg *config.Config, runCfg config.RunConfig, open factory.EngineOpener) (*Container, error) {
	components := factory.NewComponentFactory(open)

	registry, err := components.PipelineFactory.CreateRegistry(runCfg.Pipelines)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipelines: %w", err)
	}
	store, err := components.StorageFactory.CreateArtifactStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	evals, err := components.StorageFactory.CreateEvaluationRepository(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open evaluation cache: %w", err)
	}
	pool, err := workerpool.NewWorkerPool(cfg.OCRConcurrency)
	if err != nil {
		closeRepo(evals)
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	events := observer.NewEventPublisher()
	events.Subscribe(observer.NewLoggingObserver(logger.Logger))
	warnings := observer.NewWarningCollector()
	events.Subscribe(warnings)

	ocrCfg := ocr.Config{
		Language:    cfg.OCRLanguage,
		PageSegMode: runCfg.PageSegMode,
		Timeout:     cfg.OCRTimeout,
	}
	tuner, err := service.NewTunerService(runCfg, service.Dependencies{
		Registry:   registry,
		OpenEngine: func() (ocr.Engine, error) { return components.OpenEngine(ocrCfg) },
		OCR:        ocrCfg,
		Pool:       pool,
		Cache:      matrix.NewCache(evals),
		Store:      store,
		Images:     components.StorageFactory.CreateImageRepository,
		Analyzer:   components.CreateAnalyzer(),
		Events:     events,
		Warnings:   warnings,
	})
	if err != nil {
		pool.Close()
		closeRepo(evals)
		return nil, err
	}

	return &Container{
		config:   cfg,
		pool:     pool,
		evals:    evals,
		warnings: warnings,
		tuner:    tuner,
	}, nil
}

// Service returns the tuner service
func (c *Container) Service() *service.TunerService {
	return c.tuner
}

// Handler returns the HTTP handler serving the stored catalog
func (c *Container) Handler(ctx context.Context) (http.Handler, error) {
	sel, err := c.tuner.Selector(ctx)
	if err != nil {
		return nil, err
	}
	return transport.NewHandler(sel, c.tuner.Analyzer(), c.config), nil
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// Warnings returns the run's warning collector
func (c *Container) Warnings() *observer.WarningCollector {
	return c.warnings
}

// Close releases the worker pool and the evaluation cache
func (c *Container) Close() {
	c.pool.Close()
	closeRepo(c.evals)
}

func closeRepo(r repository.EvaluationRepository) {
	if r == nil {
		return
	}
	if err := r.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close evaluation cache")
	}
}
