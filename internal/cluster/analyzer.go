// Package cluster groups documents by how their edit distance grows
// across the degradation spectrum under one canonical filter.
package cluster

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
	"github.com/anime-shed/ocr-enhance-tuner/internal/matrix"
	"github.com/anime-shed/ocr-enhance-tuner/internal/observer"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// Cluster is one group of documents
type Cluster struct {
	ID      int
	Label   string
	Members []string
	// Slope is the mean increase in edit distance per degradation step
	Slope    float64
	Centroid []float64
}

// Candidate records the score of one tried k
type Candidate struct {
	K          int
	Inertia    float64
	Silhouette float64
}

// Result is a complete clustering. Every document belongs to exactly one
// cluster.
type Result struct {
	K          int
	Silhouette float64
	Degenerate bool
	Clusters   []Cluster
	Candidates []Candidate
}

// Of returns the cluster holding documentID
func (r *Result) Of(documentID string) (Cluster, bool) {
	for _, c := range r.Clusters {
		for _, m := range c.Members {
			if m == documentID {
				return c, true
			}
		}
	}
	return Cluster{}, false
}

// ToModel converts r to its persisted form
func (r *Result) ToModel() models.ClusterReport {
	report := models.ClusterReport{
		K:          r.K,
		Silhouette: r.Silhouette,
		Degenerate: r.Degenerate,
		Clusters:   make([]models.ClusterRecord, len(r.Clusters)),
	}
	for i, c := range r.Clusters {
		report.Clusters[i] = models.ClusterRecord{
			ID:               c.ID,
			Label:            c.Label,
			MemberDocuments:  append([]string(nil), c.Members...),
			SensitivitySlope: c.Slope,
		}
	}
	return report
}

// FromModel rebuilds a result from its persisted form
func FromModel(report models.ClusterReport) *Result {
	r := &Result{
		K:          report.K,
		Silhouette: report.Silhouette,
		Degenerate: report.Degenerate,
		Clusters:   make([]Cluster, len(report.Clusters)),
	}
	for i, c := range report.Clusters {
		r.Clusters[i] = Cluster{
			ID:      c.ID,
			Label:   c.Label,
			Members: append([]string(nil), c.MemberDocuments...),
			Slope:   c.SensitivitySlope,
		}
	}
	return r
}

// Profiles collects the per-level edit distance vector of every matrix
// document under genomeID
func Profiles(m *matrix.Matrix, genomeID string) (map[string][]float64, error) {
	out := make(map[string][]float64, len(m.Documents()))
	for _, doc := range m.Documents() {
		p, ok := m.Profile(genomeID, doc)
		if !ok {
			return nil, apperrors.NewInternalError("matrix has no complete profile", nil).
				WithDetails(fmt.Sprintf("genome %s, document %s", genomeID, doc))
		}
		out[doc] = p
	}
	return out, nil
}

// Analyzer clusters sensitivity profiles
type Analyzer struct {
	cfg    Config
	seed   int64
	events observer.Subject
}

// NewAnalyzer validates cfg
func NewAnalyzer(cfg Config, seed int64, events observer.Subject) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if events == nil {
		events = observer.Nop{}
	}
	return &Analyzer{cfg: cfg, seed: seed, events: events}, nil
}

// Analyze clusters the profiles. All profiles must have the same length.
// A single cluster is a valid outcome; identical profiles are reported as
// degenerate with a warning event.
func (a *Analyzer) Analyze(ctx context.Context, profiles map[string][]float64) (*Result, error) {
	if len(profiles) == 0 {
		return nil, apperrors.NewValidationError("no document profiles to cluster", nil)
	}
	docs := make([]string, 0, len(profiles))
	for d := range profiles {
		docs = append(docs, d)
	}
	sort.Strings(docs)

	rows := make([][]float64, len(docs))
	for i, d := range docs {
		rows[i] = profiles[d]
		if len(rows[i]) != len(rows[0]) || len(rows[i]) == 0 {
			return nil, apperrors.NewValidationError("profiles must be non-empty and of equal length", nil).WithDetails(d)
		}
	}

	start := time.Now()
	res := &Result{}
	if identical(rows) && len(rows) > 1 {
		res.Degenerate = true
		warn := apperrors.NewDegenerateClusteringError("all sensitivity profiles are identical, using a single cluster")
		a.events.NotifyObservers(ctx, observer.NewWarning(observer.ClusteringDegenerate, warn))
	} else {
		best, candidates, err := a.search(ctx, rows)
		if err != nil {
			return nil, err
		}
		res.Candidates = candidates
		if best != nil {
			res.Silhouette = best.silhouette
			res.Clusters = a.describe(docs, rows, best.assign, best.centroids, best.k)
		}
	}
	if res.Clusters == nil {
		res.Clusters = a.describe(docs, rows, make([]int, len(rows)), [][]float64{mean(rows)}, 1)
	}
	res.K = len(res.Clusters)

	logger.WithFields(logrus.Fields{
		"documents":  len(docs),
		"k":          res.K,
		"silhouette": res.Silhouette,
		"degenerate": res.Degenerate,
		"duration":   time.Since(start).String(),
	}).Info("Clustering finished")
	return res, nil
}

// search runs every candidate k>1 in parallel and returns the partition
// with the best silhouette, or nil when k=1 wins
func (a *Analyzer) search(ctx context.Context, rows [][]float64) (*partition, []Candidate, error) {
	lo := max(2, a.cfg.MinK)
	hi := min(a.cfg.MaxK, len(rows)-1)
	if hi < lo {
		return nil, nil, nil
	}

	parts := make([]*partition, hi-lo+1)
	g, gctx := errgroup.WithContext(ctx)
	for k := lo; k <= hi; k++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(a.seed), uint64(k)))
			p, err := kmeans(gctx, rng, rows, k, a.cfg.MaxIterations)
			if err != nil {
				return err
			}
			parts[k-lo] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	candidates := make([]Candidate, len(parts))
	var best *partition
	for i, p := range parts {
		candidates[i] = Candidate{K: p.k, Inertia: p.inertia, Silhouette: p.silhouette}
		logger.WithFields(logrus.Fields{
			"k":          p.k,
			"inertia":    p.inertia,
			"silhouette": p.silhouette,
		}).Debug("Evaluated cluster candidate")
		if best == nil || p.silhouette > best.silhouette {
			best = p
		}
	}
	if a.cfg.MinK > 1 {
		return best, candidates, nil
	}
	if best.silhouette < a.cfg.MinSilhouette {
		return nil, candidates, nil
	}
	return best, candidates, nil
}

// describe builds clusters ordered by slope, then first member
func (a *Analyzer) describe(docs []string, rows [][]float64, assign []int, centroids [][]float64, k int) []Cluster {
	members := make([][]int, k)
	for i, c := range assign {
		members[c] = append(members[c], i)
	}

	clusters := make([]Cluster, 0, k)
	for c, idx := range members {
		if len(idx) == 0 {
			continue
		}
		slopes := make([]float64, len(idx))
		cl := Cluster{Centroid: centroids[c]}
		for j, i := range idx {
			cl.Members = append(cl.Members, docs[i])
			slopes[j] = slope(rows[i])
		}
		cl.Slope = stat.Mean(slopes, nil)
		cl.Label = a.cfg.label(cl.Slope)
		clusters = append(clusters, cl)
	}
	sort.SliceStable(clusters, func(i, j int) bool {
		if clusters[i].Slope != clusters[j].Slope {
			return clusters[i].Slope < clusters[j].Slope
		}
		return clusters[i].Members[0] < clusters[j].Members[0]
	})
	for i := range clusters {
		clusters[i].ID = i
	}
	return clusters
}

// slope is the mean per-step increase of a profile
func slope(profile []float64) float64 {
	if len(profile) < 2 {
		return 0
	}
	return (profile[len(profile)-1] - profile[0]) / float64(len(profile)-1)
}

func identical(rows [][]float64) bool {
	for _, r := range rows[1:] {
		for j := range r {
			if r[j] != rows[0][j] {
				return false
			}
		}
	}
	return true
}

func mean(rows [][]float64) []float64 {
	out := make([]float64, len(rows[0]))
	for _, r := range rows {
		for j, v := range r {
			out[j] += v
		}
	}
	for j := range out {
		out[j] /= float64(len(rows))
	}
	return out
}
