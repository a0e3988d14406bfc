package optimizer

import (
	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/validation"
)

// Config controls the NSGA-II search
type Config struct {
	Population  int `yaml:"population" json:"population"`
	Generations int `yaml:"generations" json:"generations"`
	// Patience stops the search after this many generations without
	// improvement; 0 disables the check
	Patience int `yaml:"patience" json:"patience"`

	CrossoverProb float64 `yaml:"crossover_prob" json:"crossover_prob"`
	// MutationProb is per parameter; 0 means 1/len(schema)
	MutationProb float64 `yaml:"mutation_prob" json:"mutation_prob"`
	EtaCrossover float64 `yaml:"eta_crossover" json:"eta_crossover"`
	EtaMutation  float64 `yaml:"eta_mutation" json:"eta_mutation"`

	// SeedIdentity puts the neutral genome of every searched kind into the
	// initial population
	SeedIdentity bool `yaml:"seed_identity" json:"seed_identity"`
	// Kinds restricts the search; empty searches every kind with parameters
	Kinds []pipeline.Kind `yaml:"kinds,omitempty" json:"kinds,omitempty"`
}

// DefaultConfig returns a small search suited to OCR-priced fitness
func DefaultConfig() Config {
	return Config{
		Population:    24,
		Generations:   20,
		Patience:      5,
		CrossoverProb: 0.9,
		EtaCrossover:  15,
		EtaMutation:   20,
		SeedIdentity:  true,
	}
}

// Validate checks the search settings
func (c Config) Validate() error {
	v := validation.NewBoundsValidator()
	v.Range("optimizer.population", float64(c.Population), 4, 10000)
	v.Range("optimizer.generations", float64(c.Generations), 0, 100000)
	v.AtLeast("optimizer.patience", float64(c.Patience), 0)
	v.Range("optimizer.crossover_prob", c.CrossoverProb, 0, 1)
	v.Range("optimizer.mutation_prob", c.MutationProb, 0, 1)
	v.Range("optimizer.eta_crossover", c.EtaCrossover, 0, 1000)
	v.Range("optimizer.eta_mutation", c.EtaMutation, 0, 1000)
	if v.HasCriticalIssues() {
		return apperrors.NewInvalidParameterBoundsError("invalid optimizer settings", nil).WithDetails(v.Summary())
	}
	return nil
}
