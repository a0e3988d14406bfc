package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/anime-shed/ocr-enhance-tuner/internal/catalog"
	"github.com/anime-shed/ocr-enhance-tuner/internal/cluster"
	"github.com/anime-shed/ocr-enhance-tuner/internal/degradation"
	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/matrix"
	"github.com/anime-shed/ocr-enhance-tuner/internal/optimizer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/validation"
)

// OptimizerConfig is the search settings plus the objectives it minimizes
type OptimizerConfig struct {
	optimizer.Config `yaml:",inline"`
	Objectives       []matrix.Objective `yaml:"objectives"`
}

// MatrixConfig controls the stand-alone build-matrix stage
type MatrixConfig struct {
	// Samples is the number of random genomes per pipeline evaluated in
	// addition to the baseline and the neutral genomes
	Samples int `yaml:"samples"`
}

// SelectorConfig overrides catalog decision rules by entry name
type SelectorConfig struct {
	Rules map[string][]models.DecisionRule `yaml:"rules"`
}

// RunConfig is the batch job configuration file
type RunConfig struct {
	Seed int64 `yaml:"seed"`
	// Corpus is the manifest path, relative to the config file
	Corpus      string             `yaml:"corpus"`
	Spectrum    degradation.Config `yaml:"spectrum"`
	Pipelines   []pipeline.Kind    `yaml:"pipelines"`
	PageSegMode int                `yaml:"page_seg_mode"`
	Optimizer   OptimizerConfig    `yaml:"optimizer"`
	Matrix      MatrixConfig       `yaml:"matrix"`
	Cluster     cluster.Config     `yaml:"cluster"`
	Catalog     catalog.Config     `yaml:"catalog"`
	Selector    SelectorConfig     `yaml:"selector"`
}

// DefaultRunConfig returns the configuration used for every omitted field
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Seed:        1,
		Corpus:      "corpus.yaml",
		Spectrum:    degradation.DefaultConfig(),
		Pipelines:   []pipeline.Kind{pipeline.KindPIL, pipeline.KindOpenCV},
		PageSegMode: 3,
		Optimizer: OptimizerConfig{
			Config:     optimizer.DefaultConfig(),
			Objectives: matrix.DefaultObjectives(),
		},
		Matrix:  MatrixConfig{Samples: 4},
		Cluster: cluster.DefaultConfig(),
		Catalog: catalog.DefaultConfig(),
	}
}

// LoadRunConfig reads a YAML run configuration over the defaults.
// Unknown keys are rejected and the result is validated.
func LoadRunConfig(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, apperrors.NewValidationError("cannot read run configuration", err).WithDetails(path)
	}
	cfg, err := ParseRunConfig(data)
	if err != nil {
		return RunConfig{}, err
	}
	if cfg.Corpus != "" && !filepath.IsAbs(cfg.Corpus) {
		cfg.Corpus = filepath.Join(filepath.Dir(path), cfg.Corpus)
	}
	return cfg, nil
}

// ParseRunConfig decodes and validates a YAML run configuration
func ParseRunConfig(data []byte) (RunConfig, error) {
	cfg := DefaultRunConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return RunConfig{}, apperrors.NewValidationError("malformed run configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// Validate checks every section before any evaluation begins
func (c RunConfig) Validate() error {
	if strings.TrimSpace(c.Corpus) == "" {
		return apperrors.NewValidationError("run configuration has no corpus manifest", nil)
	}
	if len(c.Pipelines) == 0 {
		return apperrors.NewInvalidParameterBoundsError("no filter pipeline is enabled", nil)
	}
	seen := make(map[pipeline.Kind]bool, len(c.Pipelines))
	for _, k := range c.Pipelines {
		switch k {
		case pipeline.KindPIL, pipeline.KindOpenCV:
		default:
			return apperrors.NewValidationError("unknown pipeline kind", nil).WithDetails(string(k))
		}
		if seen[k] {
			return apperrors.NewValidationError("pipeline listed twice", nil).WithDetails(string(k))
		}
		seen[k] = true
	}
	for _, k := range c.Optimizer.Kinds {
		if !seen[k] {
			return apperrors.NewValidationError("optimizer kind is not an enabled pipeline", nil).WithDetails(string(k))
		}
	}

	v := validation.NewBoundsValidator()
	v.Range("page_seg_mode", float64(c.PageSegMode), 0, 13)
	v.Range("matrix.samples", float64(c.Matrix.Samples), 0, 10000)
	if v.HasCriticalIssues() {
		return apperrors.NewInvalidParameterBoundsError("invalid run configuration", nil).WithDetails(v.Summary())
	}

	if err := c.Spectrum.Validate(); err != nil {
		return err
	}
	if err := c.Optimizer.Config.Validate(); err != nil {
		return err
	}
	if err := matrix.ValidateObjectives(c.Optimizer.Objectives); err != nil {
		return err
	}
	if err := c.Cluster.Validate(); err != nil {
		return err
	}
	return c.CatalogConfig().Validate()
}

// CatalogConfig returns the catalog settings with selector rules applied
// over the catalog's own rules
func (c RunConfig) CatalogConfig() catalog.Config {
	out := c.Catalog
	out.Rules = make(map[string][]models.DecisionRule, len(c.Catalog.Rules)+len(c.Selector.Rules))
	for name, rules := range c.Catalog.Rules {
		out.Rules[name] = rules
	}
	for name, rules := range c.Selector.Rules {
		out.Rules[name] = rules
	}
	return out
}
