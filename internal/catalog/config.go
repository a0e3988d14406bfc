package catalog

import (
	"fmt"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/validation"
)

// Names of the entries every catalog carries
const (
	EntryDefault      = "default"
	EntryConservative = "conservative"
	EntryAggressive   = "aggressive"
)

// Config controls which entries are extracted from the front
type Config struct {
	// MaxEntries bounds the catalog, the three named entries included
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
	// LowDegradationCeiling is the highest intensity counted as low
	// degradation by the conservative entry
	LowDegradationCeiling float64 `yaml:"low_degradation_ceiling" json:"low_degradation_ceiling"`
	// MaterialSlopeDelta is the slope gap that earns a cluster its own entry
	MaterialSlopeDelta float64 `yaml:"material_slope_delta" json:"material_slope_delta"`
	// HarmEpsilon is the pristine edit distance a guarded entry may add per
	// document over the unenhanced baseline
	HarmEpsilon float64 `yaml:"harm_epsilon" json:"harm_epsilon"`
	// Rules attaches decision rules to entries by name
	Rules map[string][]models.DecisionRule `yaml:"rules" json:"rules"`
}

// DefaultConfig returns the conservative/aggressive routing used when the
// run configuration has no rules
func DefaultConfig() Config {
	return Config{
		MaxEntries:            6,
		LowDegradationCeiling: 0.5,
		MaterialSlopeDelta:    1,
		HarmEpsilon:           0,
		Rules:                 DefaultRules(),
	}
}

// DefaultRules routes clean pages to the conservative entry and pages that
// are blurry, noisy or flat to the aggressive one
func DefaultRules() map[string][]models.DecisionRule {
	return map[string][]models.DecisionRule{
		EntryConservative: {{
			Priority: 10,
			Conditions: []models.Condition{
				{Metric: models.MetricBlurScore, Op: models.OpGreaterEqual, Value: 300},
				{Metric: models.MetricNoiseScore, Op: models.OpLessEqual, Value: 3},
				{Metric: models.MetricContrast, Op: models.OpGreaterEqual, Value: 50},
			},
			Description: "sharp, clean, high-contrast page",
		}},
		EntryAggressive: {
			{
				Priority:    20,
				Conditions:  []models.Condition{{Metric: models.MetricBlurScore, Op: models.OpLess, Value: 100}},
				Description: "blurry page",
			},
			{
				Priority:    21,
				Conditions:  []models.Condition{{Metric: models.MetricNoiseScore, Op: models.OpGreater, Value: 10}},
				Description: "noisy page",
			},
			{
				Priority:    22,
				Conditions:  []models.Condition{{Metric: models.MetricContrast, Op: models.OpLess, Value: 25}},
				Description: "low-contrast page",
			},
		},
	}
}

// Validate checks bounds and rule syntax
func (c Config) Validate() error {
	v := validation.NewBoundsValidator()
	v.Range("catalog.max_entries", float64(c.MaxEntries), 3, 32)
	v.Range("catalog.low_degradation_ceiling", c.LowDegradationCeiling, 0, 1)
	v.AtLeast("catalog.material_slope_delta", c.MaterialSlopeDelta, 0)
	v.AtLeast("catalog.harm_epsilon", c.HarmEpsilon, 0)
	if v.HasCriticalIssues() {
		return apperrors.NewInvalidParameterBoundsError("invalid catalog settings", nil).WithDetails(v.Summary())
	}
	for name, rules := range c.Rules {
		if issues := validation.ValidateDecisionRules(rules); validation.HasCriticalIssues(issues) {
			msgs := validation.ConvertIssuesToMessages(issues, validation.SeverityError)
			return apperrors.NewValidationError("invalid decision rules", nil).
				WithDetails(fmt.Sprintf("%s: %v", name, msgs))
		}
	}
	return nil
}
