// Package service runs the batch stages of a tuning run against an
// artifact store: spectrum generation, matrix building, optimization,
// clustering, catalog building and selection.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/anime-shed/ocr-enhance-tuner/internal/analyzer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/config"
	"github.com/anime-shed/ocr-enhance-tuner/internal/corpus"
	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
	"github.com/anime-shed/ocr-enhance-tuner/internal/matrix"
	"github.com/anime-shed/ocr-enhance-tuner/internal/observer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/ocr"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/internal/repository"
	"github.com/anime-shed/ocr-enhance-tuner/internal/storage"
	"github.com/anime-shed/ocr-enhance-tuner/internal/workerpool"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// Artifact names
const (
	SpectrumArtifact = "spectrum.json"
	MatrixArtifact   = "matrix.json"
	ParetoArtifact   = "pareto.json"
	ClustersArtifact = "clusters.json"
)

// Dependencies are the collaborators of a TunerService
type Dependencies struct {
	Registry *pipeline.Registry
	// OpenEngine starts the OCR engine; only matrix stages call it
	OpenEngine func() (ocr.Engine, error)
	OCR        ocr.Config
	Pool       *workerpool.WorkerPool
	Cache      *matrix.Cache
	Store      storage.ArtifactStore
	// Images returns the page repository for a manifest directory
	Images   func(baseDir string) repository.ImageRepository
	Analyzer analyzer.QualityAnalyzer
	Events   *observer.EventPublisher
	Warnings *observer.WarningCollector
}

// TunerService runs the stages of one tuning run
type TunerService struct {
	cfg     config.RunConfig
	deps    Dependencies
	runID   string
	started time.Time
	corpus  *corpus.Corpus
}

// NewTunerService validates cfg and wires the run's collaborators
func NewTunerService(cfg config.RunConfig, deps Dependencies) (*TunerService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Registry == nil || deps.Store == nil {
		return nil, apperrors.NewInternalError("tuner service needs a registry and an artifact store", nil)
	}
	if deps.Analyzer == nil {
		deps.Analyzer = analyzer.NewQualityAnalyzer()
	}
	if deps.Events == nil {
		deps.Events = observer.NewEventPublisher()
	}
	if deps.Warnings == nil {
		deps.Warnings = observer.NewWarningCollector()
		deps.Events.Subscribe(deps.Warnings)
	}
	if deps.Cache == nil {
		deps.Cache = matrix.NewCache(nil)
	}
	if deps.Images == nil {
		deps.Images = func(baseDir string) repository.ImageRepository {
			return repository.NewDocumentImageRepository(nil, storage.NewFileImageFetcher(baseDir), nil)
		}
	}
	return &TunerService{
		cfg:     cfg,
		deps:    deps,
		runID:   uuid.NewString(),
		started: time.Now().UTC(),
	}, nil
}

// RunID identifies this run in every metadata artifact
func (s *TunerService) RunID() string { return s.runID }

// Warnings returns the run's warning collector
func (s *TunerService) Warnings() *observer.WarningCollector { return s.deps.Warnings }

// Analyzer returns the quality analyzer used for pristine pages
func (s *TunerService) Analyzer() analyzer.QualityAnalyzer { return s.deps.Analyzer }

func (s *TunerService) baseline() pipeline.Genome {
	return pipeline.NeutralGenome(pipeline.KindNone, nil)
}

func (s *TunerService) loadCorpus() (*corpus.Corpus, error) {
	if s.corpus != nil {
		return s.corpus, nil
	}
	c, err := corpus.Load(s.cfg.Corpus)
	if err != nil {
		return nil, err
	}
	s.corpus = c
	return c, nil
}

// stage emits the start event and returns a function emitting completion
func (s *TunerService) stage(ctx context.Context, name string) func(err error) {
	start := time.Now()
	s.deps.Events.NotifyObservers(ctx, observer.RunEvent{
		EventType: observer.StageStarted,
		Timestamp: start,
		Stage:     name,
	})
	return func(err error) {
		ev := observer.RunEvent{
			EventType: observer.StageCompleted,
			Timestamp: time.Now(),
			Stage:     name,
			Duration:  time.Since(start),
			Message:   "ok",
		}
		if err != nil {
			ev.Message = err.Error()
		}
		s.deps.Events.NotifyObservers(ctx, ev)
	}
}

func (s *TunerService) runMeta(command string) models.RunMeta {
	return models.RunMeta{
		RunID:     s.runID,
		Command:   command,
		StartedAt: s.started,
		Seed:      s.cfg.Seed,
		Warnings:  s.deps.Warnings.Total(),
	}
}

// metaName maps pareto.json to pareto.meta.json
func metaName(artifact string) string {
	return strings.TrimSuffix(artifact, ".json") + ".meta.json"
}

// save writes an artifact and its run metadata
func (s *TunerService) save(ctx context.Context, command, name string, v interface{}) error {
	if err := storage.WriteJSON(ctx, s.deps.Store, name, v); err != nil {
		return err
	}
	if err := storage.WriteJSON(ctx, s.deps.Store, metaName(name), s.runMeta(command)); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"artifact": s.deps.Store.Location(name),
		"run_id":   s.runID,
	}).Info("Artifact written")
	return nil
}

// loadLevels reads the spectrum manifest and returns the shared levels
// ordered by intensity, the documents in sorted order and the raw entries
func (s *TunerService) loadLevels(ctx context.Context) ([]models.DegradationLevel, []string, []models.DegradationLevel, error) {
	var entries []models.DegradationLevel
	if err := storage.ReadJSON(ctx, s.deps.Store, SpectrumArtifact, &entries); err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return nil, nil, nil, apperrors.NewValidationError("no degradation spectrum, run generate-spectrum first", err)
		}
		return nil, nil, nil, err
	}
	if len(entries) == 0 {
		return nil, nil, nil, apperrors.NewValidationError("degradation spectrum is empty", nil)
	}

	byLabel := make(map[string]models.DegradationLevel)
	docSet := make(map[string]bool)
	for _, e := range entries {
		docSet[e.DocumentID] = true
		if _, ok := byLabel[e.Label]; !ok {
			l := e
			l.DocumentID, l.Image = "", ""
			byLabel[e.Label] = l
		}
	}
	levels := make([]models.DegradationLevel, 0, len(byLabel))
	for _, l := range byLabel {
		levels = append(levels, l)
	}
	sort.SliceStable(levels, func(i, j int) bool {
		if levels[i].Intensity != levels[j].Intensity {
			return levels[i].Intensity < levels[j].Intensity
		}
		return levels[i].Label < levels[j].Label
	})
	docs := make([]string, 0, len(docSet))
	for d := range docSet {
		docs = append(docs, d)
	}
	sort.Strings(docs)
	return levels, docs, entries, nil
}

// loadSpectrum loads every degraded page plus the ground truth of its document
func (s *TunerService) loadSpectrum(ctx context.Context) (*matrix.Spectrum, error) {
	levels, docs, entries, err := s.loadLevels(ctx)
	if err != nil {
		return nil, err
	}
	corp, err := s.loadCorpus()
	if err != nil {
		return nil, err
	}
	truth := corp.GroundTruth()

	pages := make(map[string]map[string][]byte, len(docs))
	for _, e := range entries {
		data, err := s.deps.Store.Get(ctx, e.Image)
		if err != nil {
			return nil, fmt.Errorf("load degraded page %s: %w", e.Image, err)
		}
		if pages[e.DocumentID] == nil {
			pages[e.DocumentID] = make(map[string][]byte, len(levels))
		}
		pages[e.DocumentID][e.Label] = data
	}

	spectrum := matrix.NewSpectrum(levels)
	for _, d := range docs {
		gt, ok := truth[d]
		if !ok {
			return nil, apperrors.NewValidationError("spectrum document has no ground truth in the corpus", nil).WithDetails(d)
		}
		if err := spectrum.AddDocument(d, gt, pages[d]); err != nil {
			return nil, err
		}
	}
	return spectrum, nil
}

// loadMatrix reads matrix.json, or returns an empty matrix when absent
func (s *TunerService) loadMatrix(ctx context.Context, levels []models.DegradationLevel, docs []string) (*matrix.Matrix, bool, error) {
	var doc models.MatrixDocument
	err := storage.ReadJSON(ctx, s.deps.Store, MatrixArtifact, &doc)
	if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return matrix.New(levels, docs), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m, err := matrix.FromDocument(s.deps.Registry, doc, levels, docs)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// matrixBuilder opens the OCR engine and seeds the cache with stored cells
func (s *TunerService) matrixBuilder(existing *matrix.Matrix) (*matrix.Builder, func(), error) {
	if s.deps.OpenEngine == nil || s.deps.Pool == nil {
		return nil, nil, apperrors.NewInternalError("matrix stages need an OCR engine and a worker pool", nil)
	}
	engine, err := s.deps.OpenEngine()
	if err != nil {
		return nil, nil, apperrors.NewOCRInvocationError("cannot start OCR engine", err)
	}
	existing.Seed(s.deps.Cache)

	ocrCfg := s.deps.OCR
	ocrCfg.PageSegMode = s.cfg.PageSegMode
	b := matrix.NewBuilder(s.deps.Registry, engine, ocrCfg, s.deps.Pool, s.deps.Cache, s.deps.Events)
	closeFn := func() {
		if err := engine.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close OCR engine")
		}
	}
	return b, closeFn, nil
}
