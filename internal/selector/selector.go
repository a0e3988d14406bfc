// Package selector maps the quality metrics of an incoming page to a
// catalog entry. Selection is pure, synchronous and never fails.
package selector

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/anime-shed/ocr-enhance-tuner/internal/catalog"
	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
	"github.com/anime-shed/ocr-enhance-tuner/internal/observer"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// Selection is the outcome of one lookup
type Selection struct {
	Entry models.FilterCatalogEntry `json:"entry"`
	// Rule is the description of the matched rule, empty on fallback
	Rule     string `json:"rule,omitempty"`
	Fallback bool   `json:"fallback"`
}

type condition struct {
	metric func(models.QualityMetrics) float64
	holds  func(v float64) bool
}

type rule struct {
	priority    int
	entry       int
	conditions  []condition
	description string
}

func (r rule) matches(m models.QualityMetrics) bool {
	for _, c := range r.conditions {
		if !c.holds(c.metric(m)) {
			return false
		}
	}
	return true
}

var metrics = map[string]func(models.QualityMetrics) float64{
	models.MetricBlurScore:      func(m models.QualityMetrics) float64 { return m.BlurScore },
	models.MetricNoiseScore:     func(m models.QualityMetrics) float64 { return m.NoiseScore },
	models.MetricContrast:       func(m models.QualityMetrics) float64 { return m.Contrast },
	models.MetricBrightness:     func(m models.QualityMetrics) float64 { return m.Brightness },
	models.MetricFFTHighFreqPct: func(m models.QualityMetrics) float64 { return m.FFTHighFreqPct },
	models.MetricFFTFreqRatio:   func(m models.QualityMetrics) float64 { return m.FFTFreqRatio },
}

func compare(op string, threshold float64) (func(float64) bool, bool) {
	switch op {
	case models.OpLess:
		return func(v float64) bool { return v < threshold }, true
	case models.OpLessEqual:
		return func(v float64) bool { return v <= threshold }, true
	case models.OpGreater:
		return func(v float64) bool { return v > threshold }, true
	case models.OpGreaterEqual:
		return func(v float64) bool { return v >= threshold }, true
	}
	return nil, false
}

// Selector holds the compiled rules of one catalog
type Selector struct {
	entries []models.FilterCatalogEntry
	rules   []rule
	def     int
	events  observer.Subject
}

// New validates the catalog and compiles its rules, ordered by priority
// then catalog position
func New(c catalog.Catalog, events observer.Subject) (*Selector, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if events == nil {
		events = observer.Nop{}
	}
	s := &Selector{entries: append([]models.FilterCatalogEntry(nil), c...), events: events}
	for i, e := range s.entries {
		if e.Name == catalog.EntryDefault {
			s.def = i
		}
		for _, r := range e.DecisionRules {
			compiled := rule{priority: r.Priority, entry: i, description: r.Description}
			for _, cond := range r.Conditions {
				metric, ok := metrics[cond.Metric]
				if !ok {
					return nil, apperrors.NewValidationError("unknown rule metric", nil).WithDetails(cond.Metric)
				}
				holds, ok := compare(cond.Op, cond.Value)
				if !ok {
					return nil, apperrors.NewValidationError("unknown rule operator", nil).WithDetails(cond.Op)
				}
				compiled.conditions = append(compiled.conditions, condition{metric: metric, holds: holds})
			}
			s.rules = append(s.rules, compiled)
		}
	}
	sort.SliceStable(s.rules, func(i, j int) bool { return s.rules[i].priority < s.rules[j].priority })

	logger.WithFields(logrus.Fields{
		"entries": len(s.entries),
		"rules":   len(s.rules),
	}).Debug("Compiled selector rules")
	return s, nil
}

// Entries returns the catalog in its persisted order
func (s *Selector) Entries() []models.FilterCatalogEntry {
	return append([]models.FilterCatalogEntry(nil), s.entries...)
}

// Select returns the entry of the first matching rule. When no rule
// matches it returns the default entry and emits a CatalogMiss warning.
func (s *Selector) Select(ctx context.Context, m models.QualityMetrics) Selection {
	for _, r := range s.rules {
		if r.matches(m) {
			return Selection{Entry: s.entries[r.entry], Rule: r.description}
		}
	}
	miss := apperrors.NewCatalogMissError("no decision rule matched, using the default entry").
		WithDetails(fmt.Sprintf("blur=%.2f noise=%.2f contrast=%.2f", m.BlurScore, m.NoiseScore, m.Contrast))
	ev := observer.NewWarning(observer.CatalogMiss, miss)
	ev.Stage = "select"
	s.events.NotifyObservers(ctx, ev)
	return Selection{Entry: s.entries[s.def], Fallback: true}
}
