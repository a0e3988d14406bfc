package matrix

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// Aggregate folds the selected cells of one genome into a scalar
type Aggregate string

const (
	AggregateSum Aggregate = "sum"
	AggregateMax Aggregate = "max"
)

// Objective is one minimized fitness component: the aggregate edit
// distance over a subset of documents and degradation levels
type Objective struct {
	Name string `yaml:"name" json:"name"`
	// Documents lists document ids or groups; empty selects all
	Documents []string `yaml:"documents,omitempty" json:"documents,omitempty"`
	// Intensity is an interval such as "[0,0.5]" or "(0.5,1]"; empty is [0,1]
	Intensity string    `yaml:"intensity,omitempty" json:"intensity,omitempty"`
	Aggregate Aggregate `yaml:"aggregate,omitempty" json:"aggregate,omitempty"`
}

// DefaultObjectives splits the spectrum at intensity 0.5
func DefaultObjectives() []Objective {
	return []Objective{
		{Name: "low_degradation", Intensity: "[0,0.5]", Aggregate: AggregateSum},
		{Name: "high_degradation", Intensity: "(0.5,1]", Aggregate: AggregateSum},
	}
}

// Interval is a closed, open or half-open range of intensities
type Interval struct {
	Min, Max         float64
	OpenMin, OpenMax bool
}

// Contains reports whether t lies in the interval
func (iv Interval) Contains(t float64) bool {
	if t < iv.Min || (iv.OpenMin && t == iv.Min) {
		return false
	}
	if t > iv.Max || (iv.OpenMax && t == iv.Max) {
		return false
	}
	return true
}

// ParseInterval parses "[a,b]", "(a,b]", "[a,b)" or "(a,b)"; empty is [0,1]
func ParseInterval(s string) (Interval, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Interval{Min: 0, Max: 1}, nil
	}
	if len(s) < 5 {
		return Interval{}, fmt.Errorf("interval %q too short", s)
	}
	var iv Interval
	switch s[0] {
	case '[':
	case '(':
		iv.OpenMin = true
	default:
		return Interval{}, fmt.Errorf("interval %q must start with [ or (", s)
	}
	switch s[len(s)-1] {
	case ']':
	case ')':
		iv.OpenMax = true
	default:
		return Interval{}, fmt.Errorf("interval %q must end with ] or )", s)
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) != 2 {
		return Interval{}, fmt.Errorf("interval %q needs two bounds", s)
	}
	var err error
	if iv.Min, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err != nil {
		return Interval{}, fmt.Errorf("interval %q: %w", s, err)
	}
	if iv.Max, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil {
		return Interval{}, fmt.Errorf("interval %q: %w", s, err)
	}
	if math.IsNaN(iv.Min) || math.IsNaN(iv.Max) || iv.Min > iv.Max {
		return Interval{}, fmt.Errorf("interval %q is empty", s)
	}
	return iv, nil
}

// ValidateObjectives checks names, intervals and aggregates
func ValidateObjectives(objs []Objective) error {
	if len(objs) == 0 {
		return apperrors.NewValidationError("at least one objective is required", nil)
	}
	seen := make(map[string]bool, len(objs))
	for _, o := range objs {
		if o.Name == "" {
			return apperrors.NewValidationError("objective name cannot be empty", nil)
		}
		if seen[o.Name] {
			return apperrors.NewValidationError("duplicate objective", nil).WithDetails(o.Name)
		}
		seen[o.Name] = true
		if _, err := ParseInterval(o.Intensity); err != nil {
			return apperrors.NewInvalidParameterBoundsError("invalid objective intensity", err).WithDetails(o.Name)
		}
		switch o.Aggregate {
		case "", AggregateSum, AggregateMax:
		default:
			return apperrors.NewValidationError("unknown objective aggregate", nil).WithDetails(string(o.Aggregate))
		}
	}
	return nil
}

// CompiledObjective is an objective resolved against concrete levels and documents
type CompiledObjective struct {
	Name      string
	Levels    []string
	Documents []string // nil selects every document
	Aggregate Aggregate
}

// Compile resolves objectives. resolve maps document selectors to ids and
// may be nil when no objective names documents.
func Compile(objs []Objective, levels []models.DegradationLevel, resolve func([]string) []string) ([]CompiledObjective, error) {
	if err := ValidateObjectives(objs); err != nil {
		return nil, err
	}
	out := make([]CompiledObjective, len(objs))
	for i, o := range objs {
		iv, _ := ParseInterval(o.Intensity)
		c := CompiledObjective{Name: o.Name, Aggregate: o.Aggregate}
		if c.Aggregate == "" {
			c.Aggregate = AggregateSum
		}
		for _, l := range levels {
			if iv.Contains(l.Intensity) {
				c.Levels = append(c.Levels, l.Label)
			}
		}
		if len(c.Levels) == 0 {
			return nil, apperrors.NewInvalidParameterBoundsError("objective selects no degradation level", nil).WithDetails(o.Name)
		}
		if len(o.Documents) > 0 {
			if resolve == nil {
				return nil, apperrors.NewValidationError("objective names documents but no corpus is loaded", nil).WithDetails(o.Name)
			}
			c.Documents = resolve(o.Documents)
			if len(c.Documents) == 0 {
				return nil, apperrors.NewValidationError("objective selects no documents", nil).WithDetails(o.Name)
			}
		}
		out[i] = c
	}
	return out, nil
}

// Value aggregates genomeID's cells in m
func (c CompiledObjective) Value(m *Matrix, genomeID string) float64 {
	docs := c.Documents
	if docs == nil {
		docs = m.Documents()
	}
	var acc float64
	for _, level := range c.Levels {
		for _, d := range docs {
			cell, ok := m.Cell(genomeID, level, d)
			if !ok {
				continue
			}
			v := float64(cell.EditDistance)
			if c.Aggregate == AggregateMax {
				acc = math.Max(acc, v)
			} else {
				acc += v
			}
		}
	}
	return acc
}
