package optimizer

import (
	"math"
	"sort"

	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
)

// Individual is a genome with its objective vector and NSGA-II ranking
type Individual struct {
	Genome     pipeline.Genome
	Objectives []float64
	Rank       int
	Crowding   float64
	// Magnitude is the normalized distance from the neutral parameters
	Magnitude float64
}

// Dominates reports whether a is no worse than b everywhere and better
// somewhere. Every objective is minimized.
func Dominates(a, b []float64) bool {
	better := false
	for i := range a {
		if a[i] > b[i] {
			return false
		}
		if a[i] < b[i] {
			better = true
		}
	}
	return better
}

// weaklyDominates reports a <= b in every objective
func weaklyDominates(a, b []float64) bool {
	for i := range a {
		if a[i] > b[i] {
			return false
		}
	}
	return true
}

// nonDominatedSort splits pop into fronts and sets each Rank
func nonDominatedSort(pop []*Individual) [][]*Individual {
	n := len(pop)
	dominated := make([][]int, n)
	counts := make([]int, n)
	var current []int
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if Dominates(pop[i].Objectives, pop[j].Objectives) {
				dominated[i] = append(dominated[i], j)
			} else if Dominates(pop[j].Objectives, pop[i].Objectives) {
				counts[i]++
			}
		}
		if counts[i] == 0 {
			current = append(current, i)
		}
	}

	var fronts [][]*Individual
	for rank := 0; len(current) > 0; rank++ {
		front := make([]*Individual, len(current))
		var next []int
		for k, i := range current {
			pop[i].Rank = rank
			front[k] = pop[i]
			for _, j := range dominated[i] {
				counts[j]--
				if counts[j] == 0 {
					next = append(next, j)
				}
			}
		}
		sort.Ints(next)
		fronts = append(fronts, front)
		current = next
	}
	return fronts
}

// assignCrowding sets the crowding distance of every member of front.
// Boundary members get +Inf.
func assignCrowding(front []*Individual) {
	for _, ind := range front {
		ind.Crowding = 0
	}
	if len(front) == 0 {
		return
	}
	m := len(front[0].Objectives)
	sorted := make([]*Individual, len(front))
	for obj := 0; obj < m; obj++ {
		copy(sorted, front)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Objectives[obj] != sorted[j].Objectives[obj] {
				return sorted[i].Objectives[obj] < sorted[j].Objectives[obj]
			}
			return sorted[i].Genome.ID() < sorted[j].Genome.ID()
		})
		lo := sorted[0].Objectives[obj]
		hi := sorted[len(sorted)-1].Objectives[obj]
		sorted[0].Crowding = math.Inf(1)
		sorted[len(sorted)-1].Crowding = math.Inf(1)
		if hi <= lo {
			continue
		}
		for i := 1; i < len(sorted)-1; i++ {
			sorted[i].Crowding += (sorted[i+1].Objectives[obj] - sorted[i-1].Objectives[obj]) / (hi - lo)
		}
	}
}

// better is the crowded-comparison order with the aggressiveness tie-break:
// lower rank, then larger crowding distance, then smaller magnitude, then
// genome id so that the order is total.
func better(a, b *Individual) bool {
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	if a.Crowding != b.Crowding {
		return a.Crowding > b.Crowding
	}
	if a.Magnitude != b.Magnitude {
		return a.Magnitude < b.Magnitude
	}
	return a.Genome.ID() < b.Genome.ID()
}

// rankAndTruncate ranks pop and keeps the best n members
func rankAndTruncate(pop []*Individual, n int) []*Individual {
	fronts := nonDominatedSort(pop)
	next := make([]*Individual, 0, n)
	for _, front := range fronts {
		assignCrowding(front)
		sort.SliceStable(front, func(i, j int) bool { return better(front[i], front[j]) })
		if len(next)+len(front) <= n {
			next = append(next, front...)
			continue
		}
		next = append(next, front[:n-len(next)]...)
		break
	}
	return next
}

// firstFront returns the rank 0 members of a ranked population, ordered
// by objective vector then genome id
func firstFront(pop []*Individual) []*Individual {
	var front []*Individual
	for _, ind := range pop {
		if ind.Rank == 0 {
			front = append(front, ind)
		}
	}
	sort.SliceStable(front, func(i, j int) bool {
		a, b := front[i].Objectives, front[j].Objectives
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return better(front[i], front[j])
	})
	return front
}

// mergeArchive folds vectors into a non-dominated archive and reports
// whether any vector was not weakly dominated by the old archive
func mergeArchive(archive [][]float64, vectors [][]float64) ([][]float64, bool) {
	improved := false
	for _, v := range vectors {
		covered := false
		for _, a := range archive {
			if weaklyDominates(a, v) {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		improved = true
		kept := archive[:0:0]
		for _, a := range archive {
			if !Dominates(v, a) {
				kept = append(kept, a)
			}
		}
		archive = append(kept, append([]float64(nil), v...))
	}
	return archive, improved
}
