// Package catalog extracts a short list of production filter
// configurations from the Pareto front and persists it.
package catalog

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/anime-shed/ocr-enhance-tuner/internal/cluster"
	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
	"github.com/anime-shed/ocr-enhance-tuner/internal/matrix"
	"github.com/anime-shed/ocr-enhance-tuner/internal/observer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// Input is everything the builder reads
type Input struct {
	// Candidates are the Pareto front genomes
	Candidates []pipeline.Genome
	// Matrix must hold complete rows for the candidates and the baseline
	Matrix *matrix.Matrix
	// Baseline is the unenhanced genome; zero disables the harm guard
	Baseline pipeline.Genome
	// Clusters is optional
	Clusters *cluster.Result
	// Metrics holds pristine quality metrics per document, optional
	Metrics map[string]models.QualityMetrics
}

// Builder selects catalog entries by named decision rules
type Builder struct {
	cfg      Config
	registry *pipeline.Registry
	events   observer.Subject
}

// NewBuilder validates cfg
func NewBuilder(cfg Config, registry *pipeline.Registry, events observer.Subject) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if events == nil {
		events = observer.Nop{}
	}
	return &Builder{cfg: cfg, registry: registry, events: events}, nil
}

// view precomputes the level partitions of one build
type view struct {
	m        *matrix.Matrix
	pristine string
	ceiling  string
	low      map[string]bool
	baseline string
}

func (b *Builder) newView(m *matrix.Matrix, baseline pipeline.Genome) view {
	levels := append([]models.DegradationLevel(nil), m.Levels()...)
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Intensity < levels[j].Intensity })
	v := view{
		m:        m,
		pristine: levels[0].Label,
		ceiling:  levels[len(levels)-1].Label,
		low:      make(map[string]bool),
		baseline: baseline.ID(),
	}
	for _, l := range levels {
		if l.Intensity <= b.cfg.LowDegradationCeiling {
			v.low[l.Label] = true
		}
	}
	if len(v.low) == 0 {
		v.low[v.pristine] = true
	}
	return v
}

func (v view) total(id string, docs []string) int {
	sum := 0
	for _, n := range v.m.LevelTotals(id, docs) {
		sum += n
	}
	return sum
}

func (v view) worstLow(id string, docs []string) int {
	worst := 0
	for _, l := range v.m.Levels() {
		if !v.low[l.Label] {
			continue
		}
		for _, d := range docs {
			if c, ok := v.m.Cell(id, l.Label, d); ok && c.EditDistance > worst {
				worst = c.EditDistance
			}
		}
	}
	return worst
}

func (v view) atCeiling(id string, docs []string) int {
	return v.m.LevelTotals(id, docs)[v.ceiling]
}

func (v view) pristineDelta(id string, docs []string) int {
	if v.baseline == "" {
		return 0
	}
	delta := 0
	for _, d := range docs {
		c, _ := v.m.Cell(id, v.pristine, d)
		base, _ := v.m.Cell(v.baseline, v.pristine, d)
		delta += c.EditDistance - base.EditDistance
	}
	return delta
}

// harmless reports whether id adds at most eps pristine edit distance to
// any document
func (v view) harmless(id string, docs []string, eps float64) bool {
	if v.baseline == "" {
		return true
	}
	for _, d := range docs {
		c, _ := v.m.Cell(id, v.pristine, d)
		base, _ := v.m.Cell(v.baseline, v.pristine, d)
		if float64(c.EditDistance-base.EditDistance) > eps {
			return false
		}
	}
	return true
}

func (v view) summary(id string, docs []string) models.PerformanceSummary {
	perLevel := v.m.LevelTotals(id, docs)
	total := 0
	for _, n := range perLevel {
		total += n
	}
	s := models.PerformanceSummary{
		TotalEditDistance:   total,
		WorstLowDegradation: v.worstLow(id, docs),
		AtCeiling:           perLevel[v.ceiling],
		PristineDelta:       v.pristineDelta(id, docs),
		PerLevel:            perLevel,
		Documents:           len(docs),
	}
	if cells := len(docs) * len(perLevel); cells > 0 {
		s.MeanEditDistance = float64(total) / float64(cells)
		s.MeanWER = v.werSum(id, docs) / float64(cells)
	}
	return s
}

func (v view) werSum(id string, docs []string) float64 {
	sum := 0.0
	for _, l := range v.m.Levels() {
		for _, d := range docs {
			if c, ok := v.m.Cell(id, l.Label, d); ok {
				sum += c.WER
			}
		}
	}
	return sum
}

type candidate struct {
	genome    pipeline.Genome
	magnitude float64
}

// pick returns the candidate with the lowest score, breaking ties by
// total edit distance, then parameter magnitude, then genome id
func (v view) pick(cands []candidate, docs []string, score func(id string) int) candidate {
	best := cands[0]
	bestScore, bestTotal := score(best.genome.ID()), v.total(best.genome.ID(), docs)
	for _, c := range cands[1:] {
		id := c.genome.ID()
		s, t := score(id), v.total(id, docs)
		switch {
		case s != bestScore:
			if s > bestScore {
				continue
			}
		case t != bestTotal:
			if t > bestTotal {
				continue
			}
		case c.magnitude != best.magnitude:
			if c.magnitude > best.magnitude {
				continue
			}
		case id > best.genome.ID():
			continue
		}
		best, bestScore, bestTotal = c, s, t
	}
	return best
}

// Build extracts the catalog. It fails with EmptyParetoFront when no
// candidate has a complete matrix row.
func (b *Builder) Build(ctx context.Context, in Input) (Catalog, error) {
	if in.Matrix == nil || len(in.Matrix.Levels()) == 0 || len(in.Matrix.Documents()) == 0 {
		return nil, apperrors.NewValidationError("catalog needs a populated performance matrix", nil)
	}
	if !in.Baseline.IsZero() && !in.Matrix.Complete(in.Baseline.ID()) {
		return nil, apperrors.NewInternalError("baseline genome missing from the performance matrix", nil).
			WithDetails(in.Baseline.ID())
	}

	cands := make([]candidate, 0, len(in.Candidates))
	seen := make(map[string]bool)
	for _, g := range in.Candidates {
		if seen[g.ID()] {
			continue
		}
		seen[g.ID()] = true
		if !in.Matrix.Complete(g.ID()) {
			logger.WithField("genome_id", g.ID()).Warn("Skipping front member without a complete matrix row")
			continue
		}
		p, err := b.registry.Get(g.Kind())
		if err != nil {
			return nil, err
		}
		cands = append(cands, candidate{genome: g, magnitude: g.Magnitude(p.Schema())})
	}
	if len(cands) == 0 {
		return nil, apperrors.NewEmptyParetoFrontError("no Pareto front candidates to build a catalog from")
	}

	v := b.newView(in.Matrix, in.Baseline)
	docs := in.Matrix.Documents()
	var catalog Catalog

	add := func(name string, c candidate, members []string, rules []models.DecisionRule) {
		fps := c.genome.ToModel()
		catalog = append(catalog, models.FilterCatalogEntry{
			Name:                name,
			GenomeID:            c.genome.ID(),
			PipelineKind:        fps.PipelineKind,
			Params:              fps.Params,
			DecisionRules:       rules,
			ExpectedPerformance: v.summary(c.genome.ID(), members),
		})
		logger.WithFields(logrus.Fields{
			"entry":     name,
			"genome_id": c.genome.ID(),
			"kind":      fps.PipelineKind,
		}).Info("Selected catalog entry")
	}

	guarded := b.guard(ctx, v, cands, docs)
	add(EntryDefault, v.pick(guarded, docs, func(id string) int { return v.total(id, docs) }), docs, b.rules(EntryDefault))
	add(EntryConservative, v.pick(guarded, docs, func(id string) int { return v.worstLow(id, docs) }), docs, b.rules(EntryConservative))
	add(EntryAggressive, v.pick(cands, docs, func(id string) int { return v.atCeiling(id, docs) }), docs, b.rules(EntryAggressive))

	if in.Clusters != nil && in.Clusters.K > 1 {
		lastSlope := math.Inf(-1)
		for _, cl := range in.Clusters.Clusters {
			if len(catalog) >= b.cfg.MaxEntries {
				break
			}
			if cl.Slope-lastSlope < b.cfg.MaterialSlopeDelta {
				continue
			}
			lastSlope = cl.Slope
			members := cl.Members
			name := fmt.Sprintf("cluster-%d", cl.ID)
			if cl.Label != "" {
				name += "-" + cl.Label
			}
			rules := b.rules(name)
			if rules == nil {
				rules = clusterRules(cl, in.Metrics)
			}
			add(name, v.pick(cands, members, func(id string) int { return v.total(id, members) }), members, rules)
		}
	}

	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}

// guard keeps the candidates that do not harm pristine documents. When
// none qualify every candidate is returned and a warning is emitted.
func (b *Builder) guard(ctx context.Context, v view, cands []candidate, docs []string) []candidate {
	var ok []candidate
	for _, c := range cands {
		if v.harmless(c.genome.ID(), docs, b.cfg.HarmEpsilon) {
			ok = append(ok, c)
		}
	}
	if len(ok) > 0 {
		return ok
	}
	b.events.NotifyObservers(ctx, observer.RunEvent{
		EventType: observer.CatalogHarmGuard,
		Stage:     "build-catalog",
		Message:   fmt.Sprintf("every front member raises pristine edit distance by more than %g, using unguarded choices", b.cfg.HarmEpsilon),
	})
	return cands
}

func (b *Builder) rules(name string) []models.DecisionRule {
	rules := b.cfg.Rules[name]
	if len(rules) == 0 {
		return nil
	}
	return append([]models.DecisionRule(nil), rules...)
}

// clusterRules bounds the pristine blur, noise and contrast of the
// cluster's members. It returns nil unless every member has metrics.
func clusterRules(cl cluster.Cluster, metrics map[string]models.QualityMetrics) []models.DecisionRule {
	if len(metrics) == 0 || len(cl.Members) == 0 {
		return nil
	}
	names := []string{models.MetricBlurScore, models.MetricNoiseScore, models.MetricContrast}
	lo := make([]float64, len(names))
	hi := make([]float64, len(names))
	for i := range names {
		lo[i], hi[i] = math.Inf(1), math.Inf(-1)
	}
	for _, doc := range cl.Members {
		m, ok := metrics[doc]
		if !ok {
			return nil
		}
		for i, name := range names {
			val, _ := m.Value(name)
			lo[i] = math.Min(lo[i], val)
			hi[i] = math.Max(hi[i], val)
		}
	}

	conditions := make([]models.Condition, 0, 2*len(names))
	for i, name := range names {
		conditions = append(conditions,
			models.Condition{Metric: name, Op: models.OpGreaterEqual, Value: lo[i]},
			models.Condition{Metric: name, Op: models.OpLessEqual, Value: hi[i]},
		)
	}
	return []models.DecisionRule{{
		Priority:    100 + cl.ID,
		Conditions:  conditions,
		Description: fmt.Sprintf("pristine quality range of cluster %d (%s)", cl.ID, cl.Label),
	}}
}
