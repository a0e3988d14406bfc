package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// Precision is the number of decimals kept for genome parameters
const Precision = 4

var genomeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:ocr-enhance-tuner:genome"))

// Quantize rounds v to Precision decimals
func Quantize(v float64) float64 {
	const scale = 1e4
	q := math.Round(v*scale) / scale
	if q == 0 {
		return 0 // fold -0
	}
	return q
}

// Genome is an immutable, quantized filter parameter set
type Genome struct {
	kind   Kind
	params map[string]float64
	id     string
}

// NewGenome quantizes params and checks them against schema. Out of range,
// unknown, missing and non-finite parameters are rejected.
func NewGenome(kind Kind, schema Schema, params map[string]float64) (Genome, error) {
	q := make(map[string]float64, len(schema))
	var problems []string
	for name, v := range params {
		if _, ok := schema.Lookup(name); !ok {
			problems = append(problems, fmt.Sprintf("unknown parameter %q", name))
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			problems = append(problems, fmt.Sprintf("%s is not finite", name))
		}
	}
	for _, ps := range schema {
		v, ok := params[ps.Name]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing parameter %q", ps.Name))
			continue
		}
		if ps.Type == ParamInt {
			v = math.Round(v)
		} else {
			v = Quantize(v)
		}
		if v < ps.Min || v > ps.Max {
			problems = append(problems, fmt.Sprintf("%s=%g outside [%g, %g]", ps.Name, v, ps.Min, ps.Max))
			continue
		}
		q[ps.Name] = v
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return Genome{}, apperrors.NewInvalidParameterBoundsError(
			fmt.Sprintf("invalid %s genome", kind), nil).WithDetails(strings.Join(problems, "; "))
	}
	g := Genome{kind: kind, params: q}
	g.id = uuid.NewSHA1(genomeNamespace, []byte(g.canonical())).String()
	return g, nil
}

// NeutralGenome returns the genome of kind whose every parameter is neutral
func NeutralGenome(kind Kind, schema Schema) Genome {
	g, err := NewGenome(kind, schema, schema.Neutral())
	if err != nil {
		// Schemas are validated on registration, so neutral values are in bounds
		panic(err)
	}
	return g
}

// FromModel rebuilds a genome from its persisted form
func FromModel(r *Registry, fps models.FilterParameterSet) (Genome, error) {
	p, err := r.Get(Kind(fps.PipelineKind))
	if err != nil {
		return Genome{}, err
	}
	return NewGenome(p.Kind(), p.Schema(), fps.Params)
}

// canonical is kind|k1=v1;k2=v2 with sorted keys and fixed precision values
func (g Genome) canonical() string {
	keys := make([]string, 0, len(g.params))
	for k := range g.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(g.kind))
	b.WriteByte('|')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(g.params[k], 'f', Precision, 64))
	}
	return b.String()
}

// ID is a name-based UUID of the quantized parameters
func (g Genome) ID() string { return g.id }

// Kind returns the pipeline kind
func (g Genome) Kind() Kind { return g.kind }

// IsZero reports whether g was never constructed
func (g Genome) IsZero() bool { return g.id == "" }

// Params returns a copy of the quantized parameters
func (g Genome) Params() map[string]float64 {
	out := make(map[string]float64, len(g.params))
	for k, v := range g.params {
		out[k] = v
	}
	return out
}

// Param returns a single parameter value
func (g Genome) Param(name string) float64 {
	return g.params[name]
}

// Equal compares kind and quantized values
func (g Genome) Equal(o Genome) bool {
	return g.id == o.id
}

// Magnitude is the summed normalized distance of every parameter from its
// neutral value. Lower means a gentler enhancement.
func (g Genome) Magnitude(schema Schema) float64 {
	var total float64
	for _, ps := range schema {
		total += math.Abs(g.params[ps.Name]-ps.Neutral) / ps.Span()
	}
	return total
}

// ToModel returns the persisted form
func (g Genome) ToModel() models.FilterParameterSet {
	return models.FilterParameterSet{PipelineKind: string(g.kind), Params: g.Params()}
}

// String implements fmt.Stringer
func (g Genome) String() string {
	return g.canonical()
}
