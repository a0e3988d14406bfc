package matrix

import (
	"context"
	"sync"

	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
)

// Fitness turns matrix evaluation into objective vectors for the optimizer
// and accumulates every evaluated cell.
type Fitness struct {
	builder    *Builder
	spectrum   *Spectrum
	objectives []CompiledObjective

	mu        sync.Mutex
	evaluated *Matrix
}

// NewFitness compiles objectives against the spectrum's levels
func NewFitness(builder *Builder, spectrum *Spectrum, objectives []Objective, resolve func([]string) []string) (*Fitness, error) {
	compiled, err := Compile(objectives, spectrum.Levels(), resolve)
	if err != nil {
		return nil, err
	}
	return &Fitness{
		builder:    builder,
		spectrum:   spectrum,
		objectives: compiled,
		evaluated:  New(spectrum.Levels(), spectrum.Documents()),
	}, nil
}

// Names returns the objective names in vector order
func (f *Fitness) Names() []string {
	names := make([]string, len(f.objectives))
	for i, o := range f.objectives {
		names[i] = o.Name
	}
	return names
}

// Objectives returns the compiled objectives
func (f *Fitness) Objectives() []CompiledObjective {
	return f.objectives
}

// Evaluate returns one objective vector per genome, in input order
func (f *Fitness) Evaluate(ctx context.Context, genomes []pipeline.Genome) ([][]float64, error) {
	m, err := f.builder.Evaluate(ctx, genomes, f.spectrum)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.evaluated.Merge(m)
	f.mu.Unlock()

	out := make([][]float64, len(genomes))
	for i, g := range genomes {
		out[i] = f.Vector(m, g.ID())
	}
	return out, nil
}

// Vector computes genomeID's objective vector from m
func (f *Fitness) Vector(m *Matrix, genomeID string) []float64 {
	v := make([]float64, len(f.objectives))
	for i, o := range f.objectives {
		v[i] = o.Value(m, genomeID)
	}
	return v
}

// Matrix returns every cell evaluated so far
func (f *Fitness) Matrix() *Matrix {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evaluated
}
