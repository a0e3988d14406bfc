// Package optimizer runs NSGA-II over the declared parameter schemas of
// the filter pipelines, using the performance matrix as fitness.
package optimizer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
	"github.com/anime-shed/ocr-enhance-tuner/internal/observer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// Evaluator computes one objective vector per genome. Every returned
// vector has len(Names()) entries; all objectives are minimized.
type Evaluator interface {
	Names() []string
	Evaluate(ctx context.Context, genomes []pipeline.Genome) ([][]float64, error)
}

// Result is the outcome of a search
type Result struct {
	Front       []Individual
	Objectives  []string
	Generations int
	Converged   bool
	Cancelled   bool
	// Warning is set when the search stopped early
	Warning *apperrors.AppError
}

// ToModels converts the result to its persisted form
func (r *Result) ToModels() ([]models.ParetoEntry, models.ParetoMeta) {
	entries := make([]models.ParetoEntry, len(r.Front))
	for i, ind := range r.Front {
		fps := ind.Genome.ToModel()
		entries[i] = models.ParetoEntry{
			GenomeID:        ind.Genome.ID(),
			PipelineKind:    fps.PipelineKind,
			Params:          fps.Params,
			ObjectiveVector: append([]float64(nil), ind.Objectives...),
		}
	}
	meta := models.ParetoMeta{
		Objectives:  append([]string(nil), r.Objectives...),
		Generations: r.Generations,
		Converged:   r.Converged,
		Cancelled:   r.Cancelled,
	}
	if r.Warning != nil {
		meta.Warning = r.Warning.Message
	}
	return entries, meta
}

// LoadFront rebuilds front members from persisted entries
func LoadFront(reg *pipeline.Registry, entries []models.ParetoEntry) ([]Individual, error) {
	out := make([]Individual, 0, len(entries))
	for _, e := range entries {
		g, err := pipeline.FromModel(reg, models.FilterParameterSet{PipelineKind: e.PipelineKind, Params: e.Params})
		if err != nil {
			return nil, fmt.Errorf("pareto entry %s: %w", e.GenomeID, err)
		}
		p, _ := reg.Get(g.Kind())
		out = append(out, Individual{
			Genome:     g,
			Objectives: append([]float64(nil), e.ObjectiveVector...),
			Magnitude:  g.Magnitude(p.Schema()),
		})
	}
	return out, nil
}

// Optimizer is one seeded NSGA-II run
type Optimizer struct {
	cfg      Config
	registry *pipeline.Registry
	eval     Evaluator
	kinds    []pipeline.Kind
	rng      *rand.Rand
	events   observer.Subject
}

// New validates cfg and prepares a search over the registry's kinds
func New(cfg Config, registry *pipeline.Registry, eval Evaluator, seed int64, events observer.Subject) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(eval.Names()) == 0 {
		return nil, apperrors.NewValidationError("optimizer needs at least one objective", nil)
	}
	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = registry.Searchable()
	}
	for _, k := range kinds {
		p, err := registry.Get(k)
		if err != nil {
			return nil, err
		}
		if len(p.Schema()) == 0 {
			return nil, apperrors.NewInvalidParameterBoundsError("pipeline has no parameters to search", nil).WithDetails(string(k))
		}
	}
	if len(kinds) == 0 {
		return nil, apperrors.NewInvalidParameterBoundsError("no searchable pipeline is enabled", nil)
	}
	if events == nil {
		events = observer.Nop{}
	}
	return &Optimizer{
		cfg:      cfg,
		registry: registry,
		eval:     eval,
		kinds:    kinds,
		rng:      rand.New(rand.NewPCG(uint64(seed), 0x6e736761)),
		events:   events,
	}, nil
}

func (o *Optimizer) schema(k pipeline.Kind) pipeline.Schema {
	p, _ := o.registry.Get(k)
	return p.Schema()
}

func (o *Optimizer) individual(g pipeline.Genome) *Individual {
	return &Individual{Genome: g, Magnitude: g.Magnitude(o.schema(g.Kind()))}
}

// initialize samples the first population, round-robin over kinds
func (o *Optimizer) initialize() []*Individual {
	pop := make([]*Individual, 0, o.cfg.Population)
	seen := make(map[string]bool)
	add := func(g pipeline.Genome) {
		if !seen[g.ID()] && len(pop) < o.cfg.Population {
			seen[g.ID()] = true
			pop = append(pop, o.individual(g))
		}
	}
	if o.cfg.SeedIdentity {
		for _, k := range o.kinds {
			add(pipeline.NeutralGenome(k, o.schema(k)))
		}
	}
	for attempts := 0; len(pop) < o.cfg.Population && attempts < 100*o.cfg.Population; attempts++ {
		k := o.kinds[attempts%len(o.kinds)]
		g, err := pipeline.NewGenome(k, o.schema(k), sampleUniform(o.rng, o.schema(k)))
		if err != nil {
			continue
		}
		add(g)
	}
	return pop
}

// evaluate scores pop as one barrier. It ignores cancellation of ctx so a
// generation is always evaluated completely.
func (o *Optimizer) evaluate(ctx context.Context, pop []*Individual) error {
	genomes := make([]pipeline.Genome, len(pop))
	for i, ind := range pop {
		genomes[i] = ind.Genome
	}
	vectors, err := o.eval.Evaluate(context.WithoutCancel(ctx), genomes)
	if err != nil {
		return err
	}
	if len(vectors) != len(pop) {
		return apperrors.NewInternalError(fmt.Sprintf("evaluator returned %d vectors for %d genomes", len(vectors), len(pop)), nil)
	}
	n := len(o.eval.Names())
	for i, v := range vectors {
		if len(v) != n {
			return apperrors.NewInternalError(fmt.Sprintf("objective vector has %d entries, want %d", len(v), n), nil)
		}
		pop[i].Objectives = v
	}
	return nil
}

// tournament picks the better of two random members
func (o *Optimizer) tournament(pop []*Individual) *Individual {
	a := pop[o.rng.IntN(len(pop))]
	b := pop[o.rng.IntN(len(pop))]
	if better(b, a) {
		return b
	}
	return a
}

// reproduce creates len(pop) offspring by crossover and mutation.
// Parents of different kinds are mutated copies of themselves.
func (o *Optimizer) reproduce(pop []*Individual) []*Individual {
	offspring := make([]*Individual, 0, len(pop))
	for len(offspring) < len(pop) {
		p1, p2 := o.tournament(pop), o.tournament(pop)
		a, b := p1.Genome.Params(), p2.Genome.Params()
		schema := o.schema(p1.Genome.Kind())

		if p1.Genome.Kind() == p2.Genome.Kind() && o.rng.Float64() < o.cfg.CrossoverProb {
			a, b = sbx(o.rng, schema, a, b, o.cfg.EtaCrossover)
		}
		a = o.mutate(schema, a)
		b = o.mutate(o.schema(p2.Genome.Kind()), b)

		for _, child := range []struct {
			parent *Individual
			params map[string]float64
		}{{p1, a}, {p2, b}} {
			if len(offspring) == len(pop) {
				break
			}
			k := child.parent.Genome.Kind()
			g, err := pipeline.NewGenome(k, o.schema(k), child.params)
			if err != nil {
				g = child.parent.Genome
			}
			offspring = append(offspring, o.individual(g))
		}
	}
	return offspring
}

func (o *Optimizer) mutate(schema pipeline.Schema, params map[string]float64) map[string]float64 {
	pm := o.cfg.MutationProb
	if pm == 0 {
		pm = 1 / float64(len(schema))
	}
	return polynomialMutation(o.rng, schema, params, pm, o.cfg.EtaMutation)
}

// dedupe keeps the first member per genome id
func dedupe(pop []*Individual) []*Individual {
	seen := make(map[string]bool, len(pop))
	out := pop[:0:0]
	for _, ind := range pop {
		if !seen[ind.Genome.ID()] {
			seen[ind.Genome.ID()] = true
			out = append(out, ind)
		}
	}
	return out
}

// Run searches until the generation budget or patience is exhausted, or
// ctx is cancelled. Cancellation is honoured between generations only,
// so the returned front is always fully evaluated.
func (o *Optimizer) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	pop := o.initialize()
	if err := o.evaluate(ctx, pop); err != nil {
		return nil, err
	}
	pop = dedupe(pop)
	pop = rankAndTruncate(pop, o.cfg.Population)
	archive, _ := mergeArchive(nil, objectiveVectors(firstFront(pop)))

	res := &Result{Objectives: o.eval.Names()}
	stale := 0
	exhausted := false

	for res.Generations < o.cfg.Generations {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		offspring := o.reproduce(pop)
		if err := o.evaluate(ctx, offspring); err != nil {
			return nil, err
		}
		pop = rankAndTruncate(dedupe(append(pop, offspring...)), o.cfg.Population)
		res.Generations++

		front := firstFront(pop)
		var improved bool
		archive, improved = mergeArchive(archive, objectiveVectors(front))
		if improved {
			stale = 0
		} else {
			stale++
		}

		logger.WithFields(logrus.Fields{
			"generation": res.Generations,
			"front_size": len(front),
			"improved":   improved,
			"stale":      stale,
		}).Info("Generation completed")
		o.events.NotifyObservers(ctx, observer.RunEvent{
			EventType: observer.GenerationCompleted,
			Stage:     "optimize",
			Metadata: map[string]interface{}{
				"generation": res.Generations,
				"front_size": len(front),
			},
		})

		if o.cfg.Patience > 0 && stale >= o.cfg.Patience {
			exhausted = true
			break
		}
	}

	for _, ind := range firstFront(pop) {
		res.Front = append(res.Front, *ind)
	}
	res.Converged = !exhausted && !res.Cancelled

	switch {
	case res.Cancelled:
		res.Warning = apperrors.NewOptimizerNonConvergenceError(
			fmt.Sprintf("search cancelled after %d generations", res.Generations))
	case exhausted:
		res.Warning = apperrors.NewOptimizerNonConvergenceError(
			fmt.Sprintf("no improvement for %d generations, stopped at generation %d", o.cfg.Patience, res.Generations))
	}
	if res.Warning != nil {
		o.events.NotifyObservers(ctx, observer.NewWarning(observer.OptimizerNotConverged, res.Warning))
	}

	logger.WithFields(logrus.Fields{
		"generations": res.Generations,
		"front_size":  len(res.Front),
		"converged":   res.Converged,
		"cancelled":   res.Cancelled,
		"duration":    time.Since(start).String(),
	}).Info("Optimization finished")
	return res, nil
}

func objectiveVectors(front []*Individual) [][]float64 {
	out := make([][]float64, len(front))
	for i, ind := range front {
		out[i] = ind.Objectives
	}
	return out
}
