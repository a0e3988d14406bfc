package cluster

import (
	"fmt"
	"sort"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/validation"
)

// SlopeLabel names every cluster whose slope is at least MinSlope, up to
// the next label's threshold
type SlopeLabel struct {
	Name     string  `yaml:"name" json:"name"`
	MinSlope float64 `yaml:"min_slope" json:"min_slope"`
}

// Config controls candidate k selection
type Config struct {
	MinK int `yaml:"min_k" json:"min_k"`
	MaxK int `yaml:"max_k" json:"max_k"`
	// MinSilhouette is the score a k>1 clustering needs to beat k=1
	MinSilhouette float64      `yaml:"min_silhouette" json:"min_silhouette"`
	MaxIterations int          `yaml:"max_iterations" json:"max_iterations"`
	Labels        []SlopeLabel `yaml:"labels" json:"labels"`
}

// DefaultConfig tries k from 1 to 4
func DefaultConfig() Config {
	return Config{
		MinK:          1,
		MaxK:          4,
		MinSilhouette: 0.25,
		MaxIterations: 100,
		Labels: []SlopeLabel{
			{Name: "robust", MinSlope: 0},
			{Name: "sensitive", MinSlope: 1},
			{Name: "fragile", MinSlope: 4},
		},
	}
}

// Validate checks the k range and the label thresholds
func (c Config) Validate() error {
	v := validation.NewBoundsValidator()
	v.Range("cluster.min_k", float64(c.MinK), 1, 64)
	v.Range("cluster.max_k", float64(c.MaxK), 1, 64)
	v.Ordered("cluster.k", float64(c.MinK), float64(c.MaxK))
	v.Range("cluster.min_silhouette", c.MinSilhouette, -1, 1)
	v.Range("cluster.max_iterations", float64(c.MaxIterations), 1, 100000)
	seen := make(map[string]bool)
	for i, l := range c.Labels {
		field := fmt.Sprintf("cluster.labels[%d]", i)
		v.Check(l.Name != "", field, field+" needs a name")
		v.Check(!seen[l.Name], field, "duplicate slope label "+l.Name)
		v.Finite(field+".min_slope", l.MinSlope)
		seen[l.Name] = true
	}
	if v.HasCriticalIssues() {
		return apperrors.NewInvalidParameterBoundsError("invalid cluster settings", nil).WithDetails(v.Summary())
	}
	return nil
}

// label returns the name of the highest threshold not above slope. Slopes
// below every threshold take the lowest label.
func (c Config) label(slope float64) string {
	if len(c.Labels) == 0 {
		return ""
	}
	labels := append([]SlopeLabel(nil), c.Labels...)
	sort.SliceStable(labels, func(i, j int) bool { return labels[i].MinSlope < labels[j].MinSlope })
	name := labels[0].Name
	for _, l := range labels {
		if slope >= l.MinSlope {
			name = l.Name
		}
	}
	return name
}
