package matrix

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
	"github.com/anime-shed/ocr-enhance-tuner/internal/observer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/ocr"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/internal/workerpool"
)

// Builder evaluates genomes against a spectrum through the OCR port
type Builder struct {
	registry *pipeline.Registry
	engine   ocr.Engine
	ocrCfg   ocr.Config
	pool     *workerpool.WorkerPool
	cache    *Cache
	events   observer.Subject
}

// NewBuilder wires a builder. The pool size bounds concurrent OCR calls,
// timed-out ones included; the cache is the run's memo table.
func NewBuilder(registry *pipeline.Registry, engine ocr.Engine, ocrCfg ocr.Config, pool *workerpool.WorkerPool, cache *Cache, events observer.Subject) *Builder {
	if cache == nil {
		cache = NewCache(nil)
	}
	if events == nil {
		events = observer.Nop{}
	}
	return &Builder{
		registry: registry,
		engine:   ocr.Bounded(engine, pool.Size()),
		ocrCfg:   ocrCfg,
		pool:     pool,
		cache:    cache,
		events:   events,
	}
}

// Cache returns the builder's memo table
func (b *Builder) Cache() *Cache { return b.cache }

// Registry returns the pipeline registry
func (b *Builder) Registry() *pipeline.Registry { return b.registry }

type cellJob struct {
	genome pipeline.Genome
	level  string
	doc    string
	cell   Cell
	err    error
}

// Evaluate fills every (genome, level, document) cell of s for genomes and
// returns them as a matrix. It returns only after every cell is done.
// OCR and filter failures are recorded as penalties; only cancellation
// leaves cells unevaluated, in which case ctx.Err() is returned.
func (b *Builder) Evaluate(ctx context.Context, genomes []pipeline.Genome, s *Spectrum) (*Matrix, error) {
	levels := s.Levels()
	docs := s.Documents()
	m := New(levels, docs)

	seen := make(map[string]bool, len(genomes))
	var jobs []*cellJob
	batch := b.pool.NewBatch()
	start := time.Now()

	for _, g := range genomes {
		if seen[g.ID()] {
			continue
		}
		seen[g.ID()] = true
		for _, l := range levels {
			for _, d := range docs {
				j := &cellJob{genome: g, level: l.Label, doc: d}
				jobs = append(jobs, j)
				key := Key{GenomeID: g.ID(), Level: l.Label, DocumentID: d}
				if cell, ok := b.cache.Lookup(key); ok {
					j.cell = cell
					continue
				}
				batch.Go(func() {
					defer func() {
						if r := recover(); r != nil {
							logger.WithFields(logrus.Fields{
								"genome_id":   key.GenomeID,
								"level":       key.Level,
								"document_id": key.DocumentID,
								"panic":       fmt.Sprint(r),
							}).Error("Cell evaluation panicked")
							j.cell = penalizedCell(s.GroundTruth(j.doc))
							j.err = nil
						}
					}()
					j.cell, j.err = b.cell(ctx, key, j.genome, s)
				})
			}
		}
	}
	batch.Wait()

	var firstErr error
	for _, j := range jobs {
		if j.err != nil {
			if firstErr == nil {
				firstErr = j.err
			}
			continue
		}
		m.Set(j.genome, j.level, j.doc, j.cell)
	}

	logger.WithFields(logrus.Fields{
		"genomes":   len(seen),
		"cells":     len(jobs),
		"penalized": m.Penalized(),
		"cached":    b.cache.Len(),
		"duration":  time.Since(start).String(),
	}).Debug("Matrix evaluation finished")
	return m, firstErr
}

func (b *Builder) cell(ctx context.Context, key Key, g pipeline.Genome, s *Spectrum) (Cell, error) {
	cell, fresh, err := b.cache.GetOrCompute(ctx, key, func(ctx context.Context) (Cell, error) {
		return b.compute(ctx, key, g, s)
	})
	if err != nil {
		return Cell{}, err
	}
	if fresh && cell.Penalized {
		b.events.NotifyObservers(ctx, observer.RunEvent{
			EventType:  observer.OCRPenalized,
			GenomeID:   key.GenomeID,
			Level:      key.Level,
			DocumentID: key.DocumentID,
			Message:    "evaluation recorded with maximal edit distance",
		})
	}
	return cell, nil
}

// compute applies the genome, runs OCR and scores the text. Failures are
// penalized with the ground-truth length unless ctx was cancelled.
func (b *Builder) compute(ctx context.Context, key Key, g pipeline.Genome, s *Spectrum) (Cell, error) {
	if err := ctx.Err(); err != nil {
		return Cell{}, err
	}
	truth := s.GroundTruth(key.DocumentID)
	page, ok := s.Page(key.DocumentID, key.Level)
	if !ok {
		return b.penalty(ctx, key, truth, "degraded page missing")
	}

	enhanced, err := b.registry.Apply(g, page)
	if err != nil {
		logger.WithError(err).WithField("genome_id", key.GenomeID).Warn("Filter pipeline failed")
		return b.penalty(ctx, key, truth, "filter failed")
	}

	res, err := ocr.Recognize(ctx, b.engine, enhanced, b.ocrCfg)
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"genome_id":   key.GenomeID,
			"level":       key.Level,
			"document_id": key.DocumentID,
		}).Warn("OCR invocation failed")
		return b.penalty(ctx, key, truth, "ocr failed")
	}

	dist := ocr.EditDistance(res.Text, truth)
	rate := ocr.WordErrorRate(res.Text, truth)
	logger.WithFields(logrus.Fields{
		"genome_id":     key.GenomeID,
		"level":         key.Level,
		"document_id":   key.DocumentID,
		"edit_distance": dist,
		"wer":           rate,
	}).Debug("Cell evaluated")
	return Cell{EditDistance: dist, Confidence: res.Confidence, WER: rate}, nil
}

func (b *Builder) penalty(ctx context.Context, key Key, truth, reason string) (Cell, error) {
	if err := ctx.Err(); err != nil {
		return Cell{}, err
	}
	logger.WithFields(logrus.Fields{
		"genome_id":   key.GenomeID,
		"level":       key.Level,
		"document_id": key.DocumentID,
		"reason":      reason,
	}).Debug("Cell penalized")
	return penalizedCell(truth), nil
}

// penalizedCell scores a failed evaluation as if every character and word
// were wrong
func penalizedCell(truth string) Cell {
	return Cell{EditDistance: ocr.Penalty(truth), WER: 1, Penalized: true}
}
