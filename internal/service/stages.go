package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anime-shed/ocr-enhance-tuner/internal/catalog"
	"github.com/anime-shed/ocr-enhance-tuner/internal/cluster"
	"github.com/anime-shed/ocr-enhance-tuner/internal/corpus"
	"github.com/anime-shed/ocr-enhance-tuner/internal/degradation"
	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
	"github.com/anime-shed/ocr-enhance-tuner/internal/matrix"
	"github.com/anime-shed/ocr-enhance-tuner/internal/observer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/optimizer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/internal/report"
	"github.com/anime-shed/ocr-enhance-tuner/internal/selector"
	"github.com/anime-shed/ocr-enhance-tuner/internal/storage"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// SpectrumResult summarizes generate-spectrum
type SpectrumResult struct {
	Levels    []models.DegradationLevel
	Documents []string
	Skipped   []string
}

// GenerateSpectrum degrades every corpus page and stores the pages plus the
// spectrum manifest. Pages that cannot be loaded are skipped with a warning.
func (s *TunerService) GenerateSpectrum(ctx context.Context) (res *SpectrumResult, err error) {
	done := s.stage(ctx, "generate-spectrum")
	defer func() { done(err) }()

	corp, err := s.loadCorpus()
	if err != nil {
		return nil, err
	}
	gen, err := degradation.NewGenerator(s.cfg.Spectrum, s.cfg.Seed)
	if err != nil {
		return nil, err
	}
	loader := corpus.NewLoader(s.deps.Images(corp.BaseDir))

	res = &SpectrumResult{Levels: gen.Plan()}
	var entries []models.DegradationLevel
	for _, doc := range corp.Documents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results, err := s.degrade(ctx, loader, gen, doc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.skip(ctx, "generate-spectrum", doc.ID, err)
			res.Skipped = append(res.Skipped, doc.ID)
			continue
		}
		for _, r := range results {
			name := fmt.Sprintf("spectrum/%s/%s.png", doc.ID, r.Level.Label)
			if err := s.deps.Store.Put(ctx, name, r.Image); err != nil {
				return nil, err
			}
			level := r.Level
			level.Image = name
			entries = append(entries, level)
		}
		res.Documents = append(res.Documents, doc.ID)
	}
	if len(res.Documents) == 0 {
		return nil, apperrors.NewValidationError("no corpus page could be degraded", nil)
	}
	if err := s.save(ctx, "generate-spectrum", SpectrumArtifact, entries); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *TunerService) degrade(ctx context.Context, loader *corpus.Loader, gen degradation.Generator, doc corpus.Document) ([]degradation.Result, error) {
	page, err := loader.LoadPage(ctx, doc)
	if err != nil {
		return nil, err
	}
	return gen.Generate(ctx, doc.ID, page)
}

func (s *TunerService) skip(ctx context.Context, stage, documentID string, err error) {
	logger.WithError(err).WithField("document_id", documentID).Warn("Skipping document")
	ev := observer.NewWarning(observer.ItemSkipped, err)
	ev.Stage = stage
	ev.DocumentID = documentID
	s.deps.Events.NotifyObservers(ctx, ev)
}

// MatrixResult summarizes build-matrix
type MatrixResult struct {
	Genomes   int
	Cells     int
	Penalized int
}

// BuildMatrix evaluates the unenhanced baseline, the neutral genome of every
// enabled pipeline and a seeded sample of each pipeline's space, merging
// the cells into matrix.json
func (s *TunerService) BuildMatrix(ctx context.Context) (res *MatrixResult, err error) {
	done := s.stage(ctx, "build-matrix")
	defer func() { done(err) }()

	spectrum, err := s.loadSpectrum(ctx)
	if err != nil {
		return nil, err
	}
	existing, _, err := s.loadMatrix(ctx, spectrum.Levels(), spectrum.Documents())
	if err != nil {
		return nil, err
	}
	builder, closeEngine, err := s.matrixBuilder(existing)
	if err != nil {
		return nil, err
	}
	defer closeEngine()

	genomes := []pipeline.Genome{s.baseline()}
	for _, k := range s.cfg.Pipelines {
		p, err := s.deps.Registry.Get(k)
		if err != nil {
			return nil, err
		}
		genomes = append(genomes, pipeline.NeutralGenome(k, p.Schema()))
	}
	sampled, err := optimizer.Sample(s.deps.Registry, s.cfg.Pipelines, s.cfg.Matrix.Samples, s.cfg.Seed)
	if err != nil {
		return nil, err
	}
	genomes = append(genomes, sampled...)

	m, err := builder.Evaluate(ctx, genomes, spectrum)
	if err != nil {
		return nil, err
	}
	existing.Merge(m)
	if err := s.save(ctx, "build-matrix", MatrixArtifact, existing.ToDocument()); err != nil {
		return nil, err
	}
	return &MatrixResult{
		Genomes:   len(existing.Genomes()),
		Cells:     len(existing.Genomes()) * len(spectrum.Levels()) * len(spectrum.Documents()),
		Penalized: m.Penalized(),
	}, nil
}

// OptimizeResult is the persisted front plus the baseline's objectives
type OptimizeResult struct {
	Front    []models.ParetoEntry
	Meta     models.ParetoMeta
	Baseline []float64
}

type paretoMeta struct {
	models.RunMeta
	models.ParetoMeta
}

// Optimize runs NSGA-II with the performance matrix as fitness and writes
// the front, its metadata, the front plot and the updated matrix.
// Cancellation stops after the current generation and still persists the
// front found so far.
func (s *TunerService) Optimize(ctx context.Context) (res *OptimizeResult, err error) {
	done := s.stage(ctx, "optimize")
	defer func() { done(err) }()

	spectrum, err := s.loadSpectrum(ctx)
	if err != nil {
		return nil, err
	}
	corp, err := s.loadCorpus()
	if err != nil {
		return nil, err
	}
	existing, _, err := s.loadMatrix(ctx, spectrum.Levels(), spectrum.Documents())
	if err != nil {
		return nil, err
	}
	builder, closeEngine, err := s.matrixBuilder(existing)
	if err != nil {
		return nil, err
	}
	defer closeEngine()

	fitness, err := matrix.NewFitness(builder, spectrum, s.cfg.Optimizer.Objectives, corp.Select)
	if err != nil {
		return nil, err
	}
	base, err := fitness.Evaluate(ctx, []pipeline.Genome{s.baseline()})
	if err != nil {
		return nil, err
	}

	opt, err := optimizer.New(s.cfg.Optimizer.Config, s.deps.Registry, fitness, s.cfg.Seed, s.deps.Events)
	if err != nil {
		return nil, err
	}
	result, err := opt.Run(ctx)
	if err != nil {
		return nil, err
	}
	front, meta := result.ToModels()
	if len(front) == 0 {
		return nil, apperrors.NewEmptyParetoFrontError("optimizer returned no genomes")
	}

	// persist under a detached context so a cancelled run keeps its front
	saveCtx := context.WithoutCancel(ctx)
	existing.Merge(fitness.Matrix())
	if err := s.save(saveCtx, "optimize", MatrixArtifact, existing.ToDocument()); err != nil {
		return nil, err
	}
	if err := storage.WriteJSON(saveCtx, s.deps.Store, ParetoArtifact, front); err != nil {
		return nil, err
	}
	if err := storage.WriteJSON(saveCtx, s.deps.Store, metaName(ParetoArtifact), paretoMeta{
		RunMeta:    s.runMeta("optimize"),
		ParetoMeta: meta,
	}); err != nil {
		return nil, err
	}

	if len(meta.Objectives) >= 2 {
		png, err := report.ParetoPlot(front, meta.Objectives, base[0])
		if err != nil {
			logger.WithError(err).Warn("Failed to render Pareto plot")
		} else if err := s.deps.Store.Put(saveCtx, report.ParetoPlotName, png); err != nil {
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"front_size":  len(front),
		"generations": meta.Generations,
		"converged":   meta.Converged,
		"cancelled":   meta.Cancelled,
		"run_id":      s.runID,
	}).Info("Optimization finished")
	return &OptimizeResult{Front: front, Meta: meta, Baseline: base[0]}, nil
}

// loadFront reads pareto.json and its metadata
func (s *TunerService) loadFront(ctx context.Context) ([]models.ParetoEntry, models.ParetoMeta, error) {
	var front []models.ParetoEntry
	if err := storage.ReadJSON(ctx, s.deps.Store, ParetoArtifact, &front); err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return nil, models.ParetoMeta{}, apperrors.NewEmptyParetoFrontError("no Pareto front, run optimize first")
		}
		return nil, models.ParetoMeta{}, err
	}
	var meta models.ParetoMeta
	if err := storage.ReadJSON(ctx, s.deps.Store, metaName(ParetoArtifact), &meta); err != nil &&
		!apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return nil, models.ParetoMeta{}, err
	}
	return front, meta, nil
}

// Cluster groups documents by the sensitivity profile of the unenhanced
// baseline and writes clusters.json
func (s *TunerService) Cluster(ctx context.Context) (res *cluster.Result, err error) {
	done := s.stage(ctx, "cluster")
	defer func() { done(err) }()

	levels, docs, _, err := s.loadLevels(ctx)
	if err != nil {
		return nil, err
	}
	m, found, err := s.loadMatrix(ctx, levels, docs)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.NewValidationError("no performance matrix, run build-matrix first", nil)
	}
	profiles, err := cluster.Profiles(m, s.baseline().ID())
	if err != nil {
		return nil, err
	}
	a, err := cluster.NewAnalyzer(s.cfg.Cluster, s.cfg.Seed, s.deps.Events)
	if err != nil {
		return nil, err
	}
	res, err = a.Analyze(ctx, profiles)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, "cluster", ClustersArtifact, res.ToModel()); err != nil {
		return nil, err
	}
	return res, nil
}

// BuildCatalog compiles the front, the matrix and the optional cluster
// report into catalog.json
func (s *TunerService) BuildCatalog(ctx context.Context) (c catalog.Catalog, err error) {
	done := s.stage(ctx, "build-catalog")
	defer func() { done(err) }()

	levels, docs, entries, err := s.loadLevels(ctx)
	if err != nil {
		return nil, err
	}
	m, found, err := s.loadMatrix(ctx, levels, docs)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.NewValidationError("no performance matrix, run build-matrix first", nil)
	}
	front, _, err := s.loadFront(ctx)
	if err != nil {
		return nil, err
	}
	members, err := optimizer.LoadFront(s.deps.Registry, front)
	if err != nil {
		return nil, err
	}
	candidates := make([]pipeline.Genome, len(members))
	for i, ind := range members {
		candidates[i] = ind.Genome
	}

	var clusters *cluster.Result
	var stored models.ClusterReport
	switch err := storage.ReadJSON(ctx, s.deps.Store, ClustersArtifact, &stored); {
	case err == nil:
		clusters = cluster.FromModel(stored)
	case !apperrors.IsType(err, apperrors.ErrorTypeNotFound):
		return nil, err
	}

	b, err := catalog.NewBuilder(s.cfg.CatalogConfig(), s.deps.Registry, s.deps.Events)
	if err != nil {
		return nil, err
	}
	c, err = b.Build(ctx, catalog.Input{
		Candidates: candidates,
		Matrix:     m,
		Baseline:   s.baseline(),
		Clusters:   clusters,
		Metrics:    s.pristineMetrics(ctx, levels, entries),
	})
	if err != nil {
		return nil, err
	}
	if err := catalog.Save(ctx, s.deps.Store, c); err != nil {
		return nil, err
	}
	if err := storage.WriteJSON(ctx, s.deps.Store, metaName(catalog.ArtifactName), s.runMeta("build-catalog")); err != nil {
		return nil, err
	}
	return c, nil
}

// pristineMetrics analyzes the least degraded page of every document.
// Documents whose page cannot be analyzed are left out.
func (s *TunerService) pristineMetrics(ctx context.Context, levels []models.DegradationLevel, entries []models.DegradationLevel) map[string]models.QualityMetrics {
	pristine := levels[0].Label
	out := make(map[string]models.QualityMetrics)
	for _, e := range entries {
		if e.Label != pristine {
			continue
		}
		data, err := s.deps.Store.Get(ctx, e.Image)
		if err == nil {
			var m models.QualityMetrics
			if m, err = s.deps.Analyzer.AnalyzeBytes(data); err == nil {
				out[e.DocumentID] = m
				continue
			}
		}
		logger.WithError(err).WithField("document_id", e.DocumentID).Warn("Cannot analyze pristine page")
	}
	return out
}

// Selector loads catalog.json and compiles its rules
func (s *TunerService) Selector(ctx context.Context) (*selector.Selector, error) {
	c, err := catalog.Load(ctx, s.deps.Store)
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return nil, apperrors.NewValidationError("no filter catalog, run build-catalog first", err)
		}
		return nil, err
	}
	return selector.New(c, s.deps.Events)
}

// Select picks the catalog entry for pre-computed quality metrics
func (s *TunerService) Select(ctx context.Context, m models.QualityMetrics) (selector.Selection, error) {
	sel, err := s.Selector(ctx)
	if err != nil {
		return selector.Selection{}, err
	}
	return sel.Select(ctx, m), nil
}

// SelectImage analyzes an encoded page and picks its catalog entry
func (s *TunerService) SelectImage(ctx context.Context, image []byte) (models.QualityMetrics, selector.Selection, error) {
	start := time.Now()
	m, err := s.deps.Analyzer.AnalyzeBytes(image)
	if err != nil {
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) {
			err = apperrors.NewInvalidImageInputError("cannot analyze image", err)
		}
		return models.QualityMetrics{}, selector.Selection{}, err
	}
	sel, err := s.Select(ctx, m)
	if err != nil {
		return m, selector.Selection{}, err
	}
	logger.WithFields(logrus.Fields{
		"entry":    sel.Entry.Name,
		"fallback": sel.Fallback,
		"duration": time.Since(start).String(),
	}).Debug("Selected catalog entry")
	return m, sel, nil
}
