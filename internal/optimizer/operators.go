package optimizer

import (
	"math"
	"math/rand/v2"

	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
)

// sampleUniform draws every parameter uniformly within its bounds
func sampleUniform(rng *rand.Rand, schema pipeline.Schema) map[string]float64 {
	params := make(map[string]float64, len(schema))
	for _, ps := range schema {
		params[ps.Name] = ps.Clip(ps.Min + rng.Float64()*(ps.Max-ps.Min))
	}
	return params
}

// sbx is simulated binary crossover over two parameter sets of the same
// schema. Each parameter crosses with probability 0.5.
func sbx(rng *rand.Rand, schema pipeline.Schema, p1, p2 map[string]float64, eta float64) (map[string]float64, map[string]float64) {
	c1 := make(map[string]float64, len(schema))
	c2 := make(map[string]float64, len(schema))
	for _, ps := range schema {
		x1, x2 := p1[ps.Name], p2[ps.Name]
		c1[ps.Name], c2[ps.Name] = x1, x2

		if rng.Float64() > 0.5 || math.Abs(x1-x2) < 1e-12 || ps.Max <= ps.Min {
			continue
		}
		y1, y2 := math.Min(x1, x2), math.Max(x1, x2)
		lb, ub := ps.Min, ps.Max
		u := rng.Float64()

		beta := 1 + 2*(y1-lb)/(y2-y1)
		alpha := 2 - math.Pow(beta, -(eta+1))
		v1 := 0.5 * ((y1 + y2) - spreadFactor(u, alpha, eta)*(y2-y1))

		beta = 1 + 2*(ub-y2)/(y2-y1)
		alpha = 2 - math.Pow(beta, -(eta+1))
		v2 := 0.5 * ((y1 + y2) + spreadFactor(u, alpha, eta)*(y2-y1))

		v1, v2 = ps.Clip(v1), ps.Clip(v2)
		if rng.Float64() < 0.5 {
			v1, v2 = v2, v1
		}
		c1[ps.Name], c2[ps.Name] = v1, v2
	}
	return c1, c2
}

func spreadFactor(u, alpha, eta float64) float64 {
	if u <= 1/alpha {
		return math.Pow(u*alpha, 1/(eta+1))
	}
	return math.Pow(1/(2-u*alpha), 1/(eta+1))
}

// polynomialMutation perturbs each parameter with probability pm
func polynomialMutation(rng *rand.Rand, schema pipeline.Schema, params map[string]float64, pm, eta float64) map[string]float64 {
	out := make(map[string]float64, len(schema))
	for _, ps := range schema {
		y := params[ps.Name]
		out[ps.Name] = y
		if rng.Float64() >= pm || ps.Max <= ps.Min {
			continue
		}
		lb, ub := ps.Min, ps.Max
		d1 := (y - lb) / (ub - lb)
		d2 := (ub - y) / (ub - lb)
		r := rng.Float64()
		pow := 1 / (eta + 1)

		var dq float64
		if r < 0.5 {
			val := 2*r + (1-2*r)*math.Pow(1-d1, eta+1)
			dq = math.Pow(val, pow) - 1
		} else {
			val := 2*(1-r) + 2*(r-0.5)*math.Pow(1-d2, eta+1)
			dq = 1 - math.Pow(val, pow)
		}
		out[ps.Name] = ps.Clip(y + dq*(ub-lb))
	}
	return out
}

// Sample draws n uniform genomes per kind from a stream derived from seed.
// It is used to survey the search space outside of a search.
func Sample(registry *pipeline.Registry, kinds []pipeline.Kind, n int, seed int64) ([]pipeline.Genome, error) {
	rng := rand.New(rand.NewPCG(uint64(seed), 0x73616d70))
	out := make([]pipeline.Genome, 0, n*len(kinds))
	for _, k := range kinds {
		p, err := registry.Get(k)
		if err != nil {
			return nil, err
		}
		if len(p.Schema()) == 0 {
			continue
		}
		for i := 0; i < n; i++ {
			g, err := pipeline.NewGenome(k, p.Schema(), sampleUniform(rng, p.Schema()))
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
	}
	return out, nil
}
