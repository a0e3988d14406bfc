package optimizer

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/observer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
)

const kindToy pipeline.Kind = "toy"

var toySchema = pipeline.Schema{
	{Name: "x", Min: 0, Max: 1, Type: pipeline.ParamFloat, Neutral: 0},
	{Name: "y", Min: 0, Max: 1, Type: pipeline.ParamFloat, Neutral: 0},
	{Name: "n", Min: 1, Max: 5, Type: pipeline.ParamInt, Neutral: 1},
}

type toyPipeline struct{}

func (toyPipeline) Kind() pipeline.Kind     { return kindToy }
func (toyPipeline) Schema() pipeline.Schema { return toySchema }
func (toyPipeline) Apply(img []byte, _ map[string]float64) ([]byte, error) {
	return img, nil
}

// toyEvaluator has the front y=0, n=1, x in [0,1]
type toyEvaluator struct {
	mu       sync.Mutex
	calls    int
	batches  [][]pipeline.Genome
	constant bool
	onCall   func(call int)
}

func (e *toyEvaluator) Names() []string { return []string{"f1", "f2"} }

func (e *toyEvaluator) Evaluate(ctx context.Context, genomes []pipeline.Genome) ([][]float64, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.batches = append(e.batches, genomes)
	e.mu.Unlock()
	if e.onCall != nil {
		e.onCall(call)
	}
	out := make([][]float64, len(genomes))
	for i, g := range genomes {
		if e.constant {
			out[i] = []float64{1, 1}
			continue
		}
		x, y, n := g.Param("x"), g.Param("y"), g.Param("n")
		out[i] = []float64{x + y, (1-x)*(1-x) + y + 0.1*(n-1)}
	}
	return out, nil
}

func toyRegistry(t *testing.T) *pipeline.Registry {
	t.Helper()
	reg, err := pipeline.NewRegistry(pipeline.Identity(), toyPipeline{})
	require.NoError(t, err)
	return reg
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Population = 12
	cfg.Generations = 8
	cfg.Patience = 0
	return cfg
}

func TestRun_FrontIsNonDominated(t *testing.T) {
	opt, err := New(smallConfig(), toyRegistry(t), &toyEvaluator{}, 7, nil)
	require.NoError(t, err)

	res, err := opt.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, res.Front)
	assert.Equal(t, 8, res.Generations)
	assert.True(t, res.Converged)
	assert.Nil(t, res.Warning)

	for i, a := range res.Front {
		assert.Len(t, a.Objectives, 2)
		assert.Equal(t, kindToy, a.Genome.Kind(), "the identity pipeline has nothing to search")
		for _, ps := range toySchema {
			v := a.Genome.Param(ps.Name)
			assert.True(t, v >= ps.Min && v <= ps.Max, "%s=%v out of bounds", ps.Name, v)
		}
		for j, b := range res.Front {
			if i != j {
				assert.False(t, Dominates(a.Objectives, b.Objectives), "%v dominates %v", a.Objectives, b.Objectives)
			}
		}
	}

	// the seeded neutral genome (f1=0) can never be dominated
	neutral := pipeline.NeutralGenome(kindToy, toySchema)
	found := false
	for _, ind := range res.Front {
		found = found || ind.Genome.Equal(neutral)
	}
	assert.True(t, found)
}

func TestRun_Deterministic(t *testing.T) {
	run := func() []Individual {
		opt, err := New(smallConfig(), toyRegistry(t), &toyEvaluator{}, 42, nil)
		require.NoError(t, err)
		res, err := opt.Run(context.Background())
		require.NoError(t, err)
		return res.Front
	}
	a, b := run(), run()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Genome.ID(), b[i].Genome.ID())
		assert.Equal(t, a[i].Objectives, b[i].Objectives)
	}
}

func TestRun_PatienceExhausted(t *testing.T) {
	collector := observer.NewWarningCollector()
	events := observer.NewEventPublisher()
	events.Subscribe(collector)

	cfg := smallConfig()
	cfg.Generations = 50
	cfg.Patience = 3
	opt, err := New(cfg, toyRegistry(t), &toyEvaluator{constant: true}, 1, events)
	require.NoError(t, err)

	res, err := opt.Run(context.Background())
	require.NoError(t, err, "non-convergence is not an error")
	assert.Equal(t, 3, res.Generations)
	assert.False(t, res.Converged)
	require.NotNil(t, res.Warning)
	assert.Equal(t, apperrors.ErrorTypeOptimizerNonConvergence, res.Warning.Type)
	assert.NotEmpty(t, res.Front)
	assert.Equal(t, 1, collector.Count(observer.OptimizerNotConverged))
}

func TestRun_CancellationReturnsConsistentFront(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// cancel while the first offspring generation is being evaluated
	eval := &toyEvaluator{onCall: func(call int) {
		if call == 2 {
			cancel()
		}
	}}
	cfg := smallConfig()
	cfg.Generations = 100
	opt, err := New(cfg, toyRegistry(t), eval, 3, nil)
	require.NoError(t, err)

	res, err := opt.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.False(t, res.Converged)
	assert.Equal(t, 1, res.Generations, "the interrupted generation completes")
	for _, ind := range res.Front {
		assert.Len(t, ind.Objectives, 2)
	}
	_, meta := res.ToModels()
	assert.True(t, meta.Cancelled)
	assert.NotEmpty(t, meta.Warning)
}

func TestRun_SeedsNeutralGenome(t *testing.T) {
	eval := &toyEvaluator{}
	cfg := smallConfig()
	cfg.Generations = 0
	opt, err := New(cfg, toyRegistry(t), eval, 9, nil)
	require.NoError(t, err)
	_, err = opt.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, eval.batches, 1)
	assert.Len(t, eval.batches[0], cfg.Population)
	assert.True(t, eval.batches[0][0].Equal(pipeline.NeutralGenome(kindToy, toySchema)))
}

func TestNew_Rejects(t *testing.T) {
	reg := toyRegistry(t)

	cfg := DefaultConfig()
	cfg.Population = 2
	_, err := New(cfg, reg, &toyEvaluator{}, 1, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidParameterBounds))

	cfg = DefaultConfig()
	cfg.Kinds = []pipeline.Kind{pipeline.KindNone}
	_, err = New(cfg, reg, &toyEvaluator{}, 1, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidParameterBounds))

	onlyIdentity, err := pipeline.NewRegistry(pipeline.Identity())
	require.NoError(t, err)
	_, err = New(DefaultConfig(), onlyIdentity, &toyEvaluator{}, 1, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidParameterBounds))
}

func TestDominates(t *testing.T) {
	tests := []struct {
		a, b []float64
		want bool
	}{
		{[]float64{1, 2}, []float64{2, 2}, true},
		{[]float64{1, 2}, []float64{1, 2}, false},
		{[]float64{1, 3}, []float64{2, 2}, false},
		{[]float64{0, 0}, []float64{1, 1}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Dominates(tt.a, tt.b), "%v vs %v", tt.a, tt.b)
	}
}

func TestBetter_PrefersLessAggressiveOnTies(t *testing.T) {
	mild := &Individual{Genome: pipeline.NeutralGenome(kindToy, toySchema), Rank: 0, Crowding: math.Inf(1), Magnitude: 0}
	strongGenome, err := pipeline.NewGenome(kindToy, toySchema, map[string]float64{"x": 1, "y": 1, "n": 5})
	require.NoError(t, err)
	strong := &Individual{Genome: strongGenome, Rank: 0, Crowding: math.Inf(1), Magnitude: 3}

	assert.True(t, better(mild, strong))
	assert.False(t, better(strong, mild))

	mild.Rank = 1
	assert.True(t, better(strong, mild), "rank comes first")
}

func TestNonDominatedSort_RanksAndCrowding(t *testing.T) {
	mk := func(x float64, objs ...float64) *Individual {
		g, err := pipeline.NewGenome(kindToy, toySchema, map[string]float64{"x": x, "y": 0, "n": 1})
		require.NoError(t, err)
		return &Individual{Genome: g, Objectives: objs}
	}
	pop := []*Individual{
		mk(0.1, 0, 4), mk(0.2, 1, 2), mk(0.3, 4, 0), // front 0
		mk(0.4, 2, 3), // front 1
		mk(0.5, 5, 5), // front 2
	}
	fronts := nonDominatedSort(pop)
	require.Len(t, fronts, 3)
	assert.Len(t, fronts[0], 3)
	assert.Equal(t, 1, pop[3].Rank)
	assert.Equal(t, 2, pop[4].Rank)

	assignCrowding(fronts[0])
	assert.True(t, math.IsInf(pop[0].Crowding, 1))
	assert.True(t, math.IsInf(pop[2].Crowding, 1))
	// (4-0)/4 + (4-0)/4
	assert.InDelta(t, 2.0, pop[1].Crowding, 1e-12)

	kept := rankAndTruncate(pop, 2)
	assert.Len(t, kept, 2)
	for _, ind := range kept {
		assert.Equal(t, 0, ind.Rank)
	}
}

func TestOperators_RespectBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		p1 := sampleUniform(rng, toySchema)
		p2 := sampleUniform(rng, toySchema)
		c1, c2 := sbx(rng, toySchema, p1, p2, 15)
		m := polynomialMutation(rng, toySchema, c1, 1, 20)
		for _, params := range []map[string]float64{c1, c2, m} {
			for _, ps := range toySchema {
				v := params[ps.Name]
				require.True(t, v >= ps.Min && v <= ps.Max, "%s=%v", ps.Name, v)
				if ps.Type == pipeline.ParamInt {
					require.Equal(t, math.Round(v), v)
				}
			}
			_, err := pipeline.NewGenome(kindToy, toySchema, params)
			require.NoError(t, err)
		}
	}
}

func TestResult_ModelsRoundTrip(t *testing.T) {
	opt, err := New(smallConfig(), toyRegistry(t), &toyEvaluator{}, 11, nil)
	require.NoError(t, err)
	res, err := opt.Run(context.Background())
	require.NoError(t, err)

	entries, meta := res.ToModels()
	assert.Equal(t, []string{"f1", "f2"}, meta.Objectives)

	front, err := LoadFront(toyRegistry(t), entries)
	require.NoError(t, err)
	require.Len(t, front, len(res.Front))
	for i := range front {
		assert.Equal(t, res.Front[i].Genome.ID(), front[i].Genome.ID())
		assert.Equal(t, res.Front[i].Objectives, front[i].Objectives)
		assert.InDelta(t, res.Front[i].Magnitude, front[i].Magnitude, 1e-12)
	}
}

func TestSample(t *testing.T) {
	reg := toyRegistry(t)

	a, err := Sample(reg, []pipeline.Kind{pipeline.KindNone, kindToy}, 5, 3)
	require.NoError(t, err)
	require.Len(t, a, 5, "kinds without parameters are not sampled")
	for _, g := range a {
		assert.Equal(t, kindToy, g.Kind())
	}

	b, err := Sample(reg, []pipeline.Kind{kindToy}, 5, 3)
	require.NoError(t, err)
	for i := range a {
		assert.Equal(t, a[i].ID(), b[i].ID())
	}

	_, err = Sample(reg, []pipeline.Kind{"missing"}, 1, 3)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}
