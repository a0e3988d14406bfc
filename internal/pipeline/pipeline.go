// Package pipeline defines the filter pipeline port: every pipeline kind
// declares a parameter schema and applies itself to encoded image bytes.
// Search code only ever looks at the schema, never at parameter names.
package pipeline

import (
	"fmt"
	"math"
	"sort"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/validation"
)

// Kind tags a pipeline implementation
type Kind string

const (
	KindNone   Kind = "none"
	KindPIL    Kind = "pil"
	KindOpenCV Kind = "opencv"
)

// ParamType is the numeric domain of a parameter
type ParamType string

const (
	ParamFloat ParamType = "float"
	ParamInt   ParamType = "int"
)

// ParamSpec declares one bounded parameter
type ParamSpec struct {
	Name    string    `json:"name" yaml:"name"`
	Min     float64   `json:"min" yaml:"min"`
	Max     float64   `json:"max" yaml:"max"`
	Type    ParamType `json:"type" yaml:"type"`
	Neutral float64   `json:"neutral" yaml:"neutral"`
}

// Span returns max-min, or 1 for a degenerate range
func (p ParamSpec) Span() float64 {
	if s := p.Max - p.Min; s > 0 {
		return s
	}
	return 1
}

// Clip clamps v into bounds and rounds integer parameters
func (p ParamSpec) Clip(v float64) float64 {
	if p.Type == ParamInt {
		v = math.Round(v)
	}
	return math.Min(p.Max, math.Max(p.Min, v))
}

// Schema is the ordered parameter declaration of a pipeline kind
type Schema []ParamSpec

// Lookup finds a parameter by name
func (s Schema) Lookup(name string) (ParamSpec, bool) {
	for _, p := range s {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Neutral returns the parameter values that leave an image unchanged
func (s Schema) Neutral() map[string]float64 {
	out := make(map[string]float64, len(s))
	for _, p := range s {
		out[p.Name] = p.Neutral
	}
	return out
}

// Validate checks the schema declaration itself
func (s Schema) Validate(kind Kind) error {
	v := validation.NewBoundsValidator()
	seen := make(map[string]bool, len(s))
	for _, p := range s {
		field := fmt.Sprintf("%s.%s", kind, p.Name)
		v.Check(p.Name != "", field, "parameter name cannot be empty")
		v.Check(!seen[p.Name], field, "duplicate parameter "+p.Name)
		v.Check(p.Type == ParamFloat || p.Type == ParamInt, field, "unknown parameter type "+string(p.Type))
		v.Ordered(field, p.Min, p.Max)
		v.Range(field+".neutral", p.Neutral, p.Min, p.Max)
		seen[p.Name] = true
	}
	if v.HasCriticalIssues() {
		return apperrors.NewInvalidParameterBoundsError(fmt.Sprintf("invalid schema for pipeline %q", kind), nil).
			WithDetails(v.Summary())
	}
	return nil
}

// Pipeline is one filter implementation
type Pipeline interface {
	Kind() Kind
	Schema() Schema
	Apply(image []byte, params map[string]float64) ([]byte, error)
}

// Registry holds the enabled pipelines keyed by kind
type Registry struct {
	pipelines map[Kind]Pipeline
	kinds     []Kind
}

// NewRegistry validates every schema and indexes the pipelines
func NewRegistry(pipelines ...Pipeline) (*Registry, error) {
	r := &Registry{pipelines: make(map[Kind]Pipeline, len(pipelines))}
	for _, p := range pipelines {
		if _, dup := r.pipelines[p.Kind()]; dup {
			return nil, apperrors.NewValidationError(fmt.Sprintf("pipeline %q registered twice", p.Kind()), nil)
		}
		if err := p.Schema().Validate(p.Kind()); err != nil {
			return nil, err
		}
		r.pipelines[p.Kind()] = p
		r.kinds = append(r.kinds, p.Kind())
	}
	sort.Slice(r.kinds, func(i, j int) bool { return r.kinds[i] < r.kinds[j] })
	return r, nil
}

// Get returns the pipeline of kind
func (r *Registry) Get(kind Kind) (Pipeline, error) {
	p, ok := r.pipelines[kind]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("pipeline %q is not registered", kind), nil)
	}
	return p, nil
}

// Kinds lists registered kinds in sorted order
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, len(r.kinds))
	copy(out, r.kinds)
	return out
}

// Searchable lists kinds with at least one parameter
func (r *Registry) Searchable() []Kind {
	var out []Kind
	for _, k := range r.kinds {
		if len(r.pipelines[k].Schema()) > 0 {
			out = append(out, k)
		}
	}
	return out
}

// Apply runs the genome's pipeline on image. A panicking pipeline is
// reported as an internal error.
func (r *Registry) Apply(g Genome, image []byte) (out []byte, err error) {
	p, err := r.Get(g.Kind())
	if err != nil {
		return nil, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = apperrors.NewInternalError(fmt.Sprintf("pipeline %q panicked", g.Kind()), nil).
				WithDetails(fmt.Sprint(rec))
		}
	}()
	return p.Apply(image, g.Params())
}

// identity is the unenhanced baseline
type identity struct{}

// Identity returns the no-op pipeline of kind "none"
func Identity() Pipeline {
	return identity{}
}

func (identity) Kind() Kind     { return KindNone }
func (identity) Schema() Schema { return nil }

func (identity) Apply(image []byte, _ map[string]float64) ([]byte, error) {
	if len(image) == 0 {
		return nil, apperrors.NewInvalidImageInputError("image data is empty", nil)
	}
	out := make([]byte, len(image))
	copy(out, image)
	return out, nil
}
