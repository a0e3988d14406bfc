package cluster

import (
	"context"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// partition is one k-means outcome over the rows of a feature matrix
type partition struct {
	k          int
	assign     []int
	centroids  [][]float64
	inertia    float64
	silhouette float64
}

func distance(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}

// nearest returns the closest centroid, lowest index on ties
func nearest(x []float64, centroids [][]float64) (int, float64) {
	best, bestD := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := distance(x, centroid); d < bestD {
			best, bestD = c, d
		}
	}
	return best, bestD
}

// seedPlusPlus picks k initial centroids by D² sampling
func seedPlusPlus(rng *rand.Rand, rows [][]float64, k int) [][]float64 {
	centroids := [][]float64{append([]float64(nil), rows[rng.IntN(len(rows))]...)}
	weights := make([]float64, len(rows))
	for len(centroids) < k {
		for i, x := range rows {
			_, d := nearest(x, centroids)
			weights[i] = d * d
		}
		total := floats.Sum(weights)
		pick := 0
		if total > 0 {
			r := rng.Float64() * total
			for i, w := range weights {
				r -= w
				if r < 0 {
					pick = i
					break
				}
				pick = i
			}
		} else {
			pick = rng.IntN(len(rows))
		}
		centroids = append(centroids, append([]float64(nil), rows[pick]...))
	}
	return centroids
}

// kmeans runs Lloyd iterations from a k-means++ start until the
// assignment is stable
func kmeans(ctx context.Context, rng *rand.Rand, rows [][]float64, k, maxIter int) (*partition, error) {
	dim := len(rows[0])
	centroids := seedPlusPlus(rng, rows, k)
	assign := make([]int, len(rows))
	for i := range assign {
		assign[i] = -1
	}

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := false
		for i, x := range rows {
			c, _ := nearest(x, centroids)
			if c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, x := range rows {
			floats.Add(sums[assign[i]], x)
			counts[assign[i]]++
		}
		for c := range centroids {
			if counts[c] == 0 {
				// move an empty centroid onto the point farthest from its own
				far, farD := 0, -1.0
				for i, x := range rows {
					if d := distance(x, centroids[assign[i]]); d > farD {
						far, farD = i, d
					}
				}
				copy(centroids[c], rows[far])
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			centroids[c] = sums[c]
		}
	}

	p := &partition{k: k, assign: assign, centroids: centroids}
	for i, x := range rows {
		d := distance(x, centroids[assign[i]])
		p.inertia += d * d
	}
	p.silhouette = silhouette(rows, assign, k)
	return p, nil
}

// silhouette is the mean silhouette coefficient; members of singleton
// clusters score 0
func silhouette(rows [][]float64, assign []int, k int) float64 {
	if k < 2 {
		return 0
	}
	scores := make([]float64, len(rows))
	for i, x := range rows {
		sums := make([]float64, k)
		counts := make([]int, k)
		for j, y := range rows {
			if i == j {
				continue
			}
			sums[assign[j]] += distance(x, y)
			counts[assign[j]]++
		}
		own := assign[i]
		if counts[own] == 0 {
			continue
		}
		a := sums[own] / float64(counts[own])
		b := math.Inf(1)
		for c := 0; c < k; c++ {
			if c != own && counts[c] > 0 {
				b = math.Min(b, sums[c]/float64(counts[c]))
			}
		}
		if math.IsInf(b, 1) {
			continue
		}
		if m := math.Max(a, b); m > 0 {
			scores[i] = (b - a) / m
		}
	}
	return stat.Mean(scores, nil)
}
