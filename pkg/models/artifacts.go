package models

import "time"

// DegradationParams are the concrete degradation settings of one level.
type DegradationParams struct {
	BlurSigma      float64 `json:"blur_sigma" yaml:"blur_sigma"`
	NoiseStd       float64 `json:"noise_std" yaml:"noise_std"`
	ContrastFactor float64 `json:"contrast_factor" yaml:"contrast_factor"`
	JPEGQuality    int     `json:"jpeg_quality" yaml:"jpeg_quality"`
}

// DegradationLevel is one point of a document's degradation spectrum.
// Identified by (DocumentID, Label).
type DegradationLevel struct {
	DocumentID string            `json:"document_id"`
	Label      string            `json:"label"`
	Intensity  float64           `json:"intensity"`
	Params     DegradationParams `json:"params"`
	Image      string            `json:"image,omitempty"`
}

// FilterParameterSet is the persisted form of a genome.
type FilterParameterSet struct {
	PipelineKind string             `json:"pipeline_kind"`
	Params       map[string]float64 `json:"params"`
}

// MatrixDocument is the persisted performance matrix:
// genome_id -> level label -> document_id -> edit distance.
type MatrixDocument struct {
	Genomes   map[string]FilterParameterSet        `json:"genomes"`
	Entries   map[string]map[string]map[string]int `json:"entries"`
	Penalized int                                  `json:"penalized"`
	// WER mirrors Entries with word error rates; absent in older matrices
	WER map[string]map[string]map[string]float64 `json:"wer,omitempty"`
}

// ParetoEntry is one member of a persisted Pareto front.
type ParetoEntry struct {
	GenomeID        string             `json:"genome_id"`
	PipelineKind    string             `json:"pipeline_kind"`
	Params          map[string]float64 `json:"params"`
	ObjectiveVector []float64          `json:"objective_vector"`
}

// ParetoMeta describes how a persisted front was produced.
type ParetoMeta struct {
	Objectives  []string `json:"objectives"`
	Generations int      `json:"generations"`
	Converged   bool     `json:"converged"`
	Cancelled   bool     `json:"cancelled"`
	Warning     string   `json:"warning,omitempty"`
}

// ClusterRecord is one persisted cluster.
type ClusterRecord struct {
	ID               int      `json:"id"`
	Label            string   `json:"label"`
	MemberDocuments  []string `json:"member_document_ids"`
	SensitivitySlope float64  `json:"sensitivity_slope"`
}

// ClusterReport is the persisted clustering outcome.
type ClusterReport struct {
	K          int             `json:"k"`
	Silhouette float64         `json:"silhouette"`
	Degenerate bool            `json:"degenerate"`
	Clusters   []ClusterRecord `json:"clusters"`
}

// Condition is a single threshold comparison on a quality metric.
type Condition struct {
	Metric string  `json:"metric" yaml:"metric"`
	Op     string  `json:"op" yaml:"op"`
	Value  float64 `json:"value" yaml:"value"`
}

// Comparison operators accepted by conditions
const (
	OpLess         = "<"
	OpLessEqual    = "<="
	OpGreater      = ">"
	OpGreaterEqual = ">="
)

// Holds evaluates c against m. Unknown metrics, unknown operators and NaN
// values never hold.
func (c Condition) Holds(m QualityMetrics) bool {
	v, ok := m.Value(c.Metric)
	if !ok {
		return false
	}
	switch c.Op {
	case OpLess:
		return v < c.Value
	case OpLessEqual:
		return v <= c.Value
	case OpGreater:
		return v > c.Value
	case OpGreaterEqual:
		return v >= c.Value
	}
	return false
}

// DecisionRule maps quality metrics to a catalog entry.
// All conditions must hold; an empty condition list never matches.
type DecisionRule struct {
	Priority    int         `json:"priority" yaml:"priority"`
	Conditions  []Condition `json:"conditions,omitempty" yaml:"conditions"`
	Description string      `json:"description" yaml:"description"`
}

// Matches reports whether every condition holds
func (r DecisionRule) Matches(m QualityMetrics) bool {
	if len(r.Conditions) == 0 {
		return false
	}
	for _, c := range r.Conditions {
		if !c.Holds(m) {
			return false
		}
	}
	return true
}

// PerformanceSummary is attached to catalog entries for monitoring.
type PerformanceSummary struct {
	TotalEditDistance   int            `json:"total_edit_distance"`
	MeanEditDistance    float64        `json:"mean_edit_distance"`
	MeanWER             float64        `json:"mean_wer"`
	WorstLowDegradation int            `json:"worst_low_degradation"`
	AtCeiling           int            `json:"at_ceiling"`
	PristineDelta       int            `json:"pristine_delta"`
	PerLevel            map[string]int `json:"per_level"`
	Documents           int            `json:"documents"`
}

// FilterCatalogEntry is one production filter configuration.
type FilterCatalogEntry struct {
	Name                string             `json:"name"`
	GenomeID            string             `json:"genome_id"`
	PipelineKind        string             `json:"pipeline_kind"`
	Params              map[string]float64 `json:"params"`
	DecisionRules       []DecisionRule     `json:"decision_rules,omitempty"`
	ExpectedPerformance PerformanceSummary `json:"expected_performance_summary"`
}

// RunMeta is written next to every batch artifact.
type RunMeta struct {
	RunID     string    `json:"run_id"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
	Seed      int64     `json:"seed"`
	Warnings  int       `json:"warnings"`
}
