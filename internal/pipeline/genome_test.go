package pipeline

import (
	"math"
	"strings"
	"testing"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
)

var testSchema = Schema{
	{Name: "alpha", Min: 0, Max: 2, Type: ParamFloat, Neutral: 0},
	{Name: "tile", Min: 2, Max: 16, Type: ParamInt, Neutral: 8},
}

func TestNewGenome_QuantizesAndIdentifies(t *testing.T) {
	a, err := NewGenome(KindOpenCV, testSchema, map[string]float64{"alpha": 1.234561, "tile": 7.6})
	if err != nil {
		t.Fatalf("NewGenome: %v", err)
	}
	b, err := NewGenome(KindOpenCV, testSchema, map[string]float64{"alpha": 1.23461, "tile": 8})
	if err != nil {
		t.Fatalf("NewGenome: %v", err)
	}

	if a.Param("alpha") != 1.2346 || a.Param("tile") != 8 {
		t.Errorf("Unexpected quantized params %v", a.Params())
	}
	if !a.Equal(b) || a.ID() != b.ID() {
		t.Errorf("Expected near-duplicate genomes to share an id: %s vs %s", a, b)
	}

	c, _ := NewGenome(KindPIL, testSchema, map[string]float64{"alpha": 1.2346, "tile": 8})
	if c.ID() == a.ID() {
		t.Error("Expected pipeline kind to be part of the identity")
	}
	if !strings.HasPrefix(a.String(), "opencv|alpha=1.2346;tile=8.0000") {
		t.Errorf("Unexpected canonical form %s", a.String())
	}
}

func TestNewGenome_RejectsOutOfBounds(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]float64
	}{
		{"above max", map[string]float64{"alpha": 2.5, "tile": 8}},
		{"below min", map[string]float64{"alpha": -0.1, "tile": 8}},
		{"int below min", map[string]float64{"alpha": 1, "tile": 1}},
		{"unknown", map[string]float64{"alpha": 1, "tile": 8, "beta": 1}},
		{"missing", map[string]float64{"alpha": 1}},
		{"nan", map[string]float64{"alpha": math.NaN(), "tile": 8}},
		{"inf", map[string]float64{"alpha": math.Inf(1), "tile": 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGenome(KindOpenCV, testSchema, tt.params)
			if !apperrors.IsType(err, apperrors.ErrorTypeInvalidParameterBounds) {
				t.Errorf("Expected invalid_parameter_bounds, got %v", err)
			}
		})
	}
}

func TestGenome_ParamsIsACopy(t *testing.T) {
	g, _ := NewGenome(KindOpenCV, testSchema, map[string]float64{"alpha": 1, "tile": 4})
	p := g.Params()
	p["alpha"] = 2

	if g.Param("alpha") != 1 {
		t.Error("Expected genome to be immutable through Params()")
	}
}

func TestGenome_Magnitude(t *testing.T) {
	neutral := NeutralGenome(KindOpenCV, testSchema)
	if neutral.Magnitude(testSchema) != 0 {
		t.Errorf("Expected neutral magnitude 0, got %f", neutral.Magnitude(testSchema))
	}

	g, _ := NewGenome(KindOpenCV, testSchema, map[string]float64{"alpha": 1, "tile": 15})
	// |1-0|/2 + |15-8|/14
	if got := g.Magnitude(testSchema); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("Expected magnitude 1.0, got %f", got)
	}
}

func TestGenome_ModelRoundTrip(t *testing.T) {
	reg, err := NewRegistry(Identity(), fakePipeline{kind: KindOpenCV, schema: testSchema})
	if err != nil {
		t.Fatal(err)
	}
	g, _ := NewGenome(KindOpenCV, testSchema, map[string]float64{"alpha": 0.5, "tile": 4})

	back, err := FromModel(reg, g.ToModel())
	if err != nil {
		t.Fatalf("FromModel: %v", err)
	}
	if !back.Equal(g) {
		t.Errorf("Expected %s, got %s", g, back)
	}
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.123449, 0.1234},
		{0.12346, 0.1235},
		{-0.00001, 0},
		{7, 7},
	}
	for _, tt := range tests {
		if got := Quantize(tt.in); got != tt.want {
			t.Errorf("Quantize(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if math.Signbit(Quantize(-0.00001)) {
		t.Error("Expected negative zero to be folded")
	}
}
