package factory

import (
	"context"
	"fmt"

	"github.com/anime-shed/ocr-enhance-tuner/internal/analyzer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/config"
	"github.com/anime-shed/ocr-enhance-tuner/internal/ocr"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline/cvlike"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline/pil"
	"github.com/anime-shed/ocr-enhance-tuner/internal/repository"
	"github.com/anime-shed/ocr-enhance-tuner/internal/storage"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/validation"
)

// EngineOpener starts an OCR engine. The production opener lives in the
// command so that only the binary links the cgo engine.
type EngineOpener func(cfg ocr.Config) (ocr.Engine, error)

// PipelineFactory creates filter pipeline registries
type PipelineFactory interface {
	CreateRegistry(kinds []pipeline.Kind) (*pipeline.Registry, error)
}

// StorageFactory creates artifact stores and page repositories
type StorageFactory interface {
	CreateArtifactStore(ctx context.Context, cfg *config.Config) (storage.ArtifactStore, error)
	CreateImageRepository(baseDir string) repository.ImageRepository
	CreateEvaluationRepository(cfg *config.Config) (repository.EvaluationRepository, error)
}

type pipelineFactory struct{}

// NewPipelineFactory creates a new pipeline factory
func NewPipelineFactory() PipelineFactory {
	return &pipelineFactory{}
}

// CreateRegistry registers the identity baseline plus the requested kinds
func (f *pipelineFactory) CreateRegistry(kinds []pipeline.Kind) (*pipeline.Registry, error) {
	pipelines := []pipeline.Pipeline{pipeline.Identity()}
	for _, k := range kinds {
		switch k {
		case pipeline.KindPIL:
			pipelines = append(pipelines, pil.New())
		case pipeline.KindOpenCV:
			pipelines = append(pipelines, cvlike.New())
		case pipeline.KindNone:
			// always registered
		default:
			return nil, fmt.Errorf("unsupported pipeline kind: %s", k)
		}
	}
	return pipeline.NewRegistry(pipelines...)
}

type storageFactory struct{}

// NewStorageFactory creates a new storage factory
func NewStorageFactory() StorageFactory {
	return &storageFactory{}
}

type containerEnsurer interface {
	EnsureContainer(ctx context.Context) error
}

// CreateArtifactStore creates the configured artifact backend
func (f *storageFactory) CreateArtifactStore(ctx context.Context, cfg *config.Config) (storage.ArtifactStore, error) {
	switch cfg.ArtifactBackend {
	case config.BackendLocal:
		return storage.NewLocalStore(cfg.ArtifactDir)
	case config.BackendAzure:
		store, err := storage.NewAzureStore(cfg.AzureAccount, cfg.AzureKey, cfg.AzureContainer)
		if err != nil {
			return nil, err
		}
		if e, ok := store.(containerEnsurer); ok {
			if err := e.EnsureContainer(ctx); err != nil {
				return nil, err
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported artifact backend: %s", cfg.ArtifactBackend)
	}
}

// CreateImageRepository loads local pages relative to baseDir and remote
// pages over HTTP
func (f *storageFactory) CreateImageRepository(baseDir string) repository.ImageRepository {
	return repository.NewDocumentImageRepository(
		validation.NewSourceValidator(),
		storage.NewFileImageFetcher(baseDir),
		storage.NewHTTPImageFetcher(),
	)
}

// CreateEvaluationRepository opens the sqlite evaluation store, or returns
// nil when none is configured
func (f *storageFactory) CreateEvaluationRepository(cfg *config.Config) (repository.EvaluationRepository, error) {
	if cfg.EvalCacheDB == "" {
		return nil, nil
	}
	repo, err := repository.OpenSQLiteEvaluationRepository(cfg.EvalCacheDB)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// ComponentFactory combines all factories
type ComponentFactory struct {
	PipelineFactory PipelineFactory
	StorageFactory  StorageFactory
	OpenEngine      EngineOpener
}

// NewComponentFactory creates a new component factory. A nil opener makes
// every OCR-backed stage fail with an invocation error.
func NewComponentFactory(open EngineOpener) *ComponentFactory {
	if open == nil {
		open = func(ocr.Config) (ocr.Engine, error) {
			return nil, fmt.Errorf("no OCR engine is linked into this binary")
		}
	}
	return &ComponentFactory{
		PipelineFactory: NewPipelineFactory(),
		StorageFactory:  NewStorageFactory(),
		OpenEngine:      open,
	}
}

// CreateAnalyzer returns the quality analyzer used for pristine pages and
// incoming requests
func (f *ComponentFactory) CreateAnalyzer() analyzer.QualityAnalyzer {
	return analyzer.NewQualityAnalyzer()
}
