package validation

import (
	"fmt"
	"math"
	"strings"

	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// Severity levels for validation issues
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue represents a single validation finding
type Issue struct {
	Field       string  `json:"field"`
	Message     string  `json:"message"`
	Severity    string  `json:"severity"`
	ActualValue float64 `json:"actual_value,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
}

// BoundsValidator collects range and ordering issues for numeric configuration.
// It is not safe for concurrent use.
type BoundsValidator struct {
	issues []Issue
}

// NewBoundsValidator creates an empty validator
func NewBoundsValidator() *BoundsValidator {
	return &BoundsValidator{}
}

// Finite rejects NaN and infinite values
func (v *BoundsValidator) Finite(field string, value float64) bool {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		v.add(Issue{
			Field:    field,
			Message:  fmt.Sprintf("%s must be a finite number", field),
			Severity: SeverityError,
		})
		return false
	}
	return true
}

// Range checks min <= value <= max
func (v *BoundsValidator) Range(field string, value, min, max float64) {
	if !v.Finite(field, value) {
		return
	}
	if value < min {
		v.add(Issue{
			Field:       field,
			Message:     fmt.Sprintf("%s must be >= %g", field, min),
			Severity:    SeverityError,
			ActualValue: value,
			Threshold:   min,
		})
	} else if value > max {
		v.add(Issue{
			Field:       field,
			Message:     fmt.Sprintf("%s must be <= %g", field, max),
			Severity:    SeverityError,
			ActualValue: value,
			Threshold:   max,
		})
	}
}

// AtLeast checks value >= min
func (v *BoundsValidator) AtLeast(field string, value, min float64) {
	v.Range(field, value, min, math.MaxFloat64)
}

// Ordered checks that lo <= hi for a pair of bounds
func (v *BoundsValidator) Ordered(field string, lo, hi float64) {
	if !v.Finite(field+".min", lo) || !v.Finite(field+".max", hi) {
		return
	}
	if lo > hi {
		v.add(Issue{
			Field:       field,
			Message:     fmt.Sprintf("%s: min %g is greater than max %g", field, lo, hi),
			Severity:    SeverityError,
			ActualValue: lo,
			Threshold:   hi,
		})
	}
}

// Check records an error issue when ok is false
func (v *BoundsValidator) Check(ok bool, field, message string) {
	if !ok {
		v.add(Issue{Field: field, Message: message, Severity: SeverityError})
	}
}

// Warn records a warning issue when ok is false
func (v *BoundsValidator) Warn(ok bool, field, message string) {
	if !ok {
		v.add(Issue{Field: field, Message: message, Severity: SeverityWarning})
	}
}

// Issues returns the collected issues in insertion order
func (v *BoundsValidator) Issues() []Issue {
	return v.issues
}

// HasCriticalIssues checks if there are any error severity issues
func (v *BoundsValidator) HasCriticalIssues() bool {
	return HasCriticalIssues(v.issues)
}

// Summary joins all error messages into a single line
func (v *BoundsValidator) Summary() string {
	return strings.Join(ConvertIssuesToMessages(v.issues, SeverityError), "; ")
}

func (v *BoundsValidator) add(issue Issue) {
	v.issues = append(v.issues, issue)
}

// ValidateQualityMetrics checks that externally supplied metrics lie in their documented domains
func ValidateQualityMetrics(m models.QualityMetrics) []Issue {
	v := NewBoundsValidator()
	v.AtLeast(models.MetricBlurScore, m.BlurScore, 0)
	v.AtLeast(models.MetricNoiseScore, m.NoiseScore, 0)
	v.AtLeast(models.MetricContrast, m.Contrast, 0)
	v.Range(models.MetricBrightness, m.Brightness, 0, 255)
	v.Range(models.MetricFFTHighFreqPct, m.FFTHighFreqPct, 0, 1)
	v.Range("fft_low_freq_pct", m.FFTLowFreqPct, 0, 1)
	v.AtLeast(models.MetricFFTFreqRatio, m.FFTFreqRatio, 0)
	v.AtLeast("fft_peak_frequency", m.FFTPeakFrequency, 0)
	v.AtLeast("fft_spectral_entropy", m.FFTSpectralEntropy, 0)
	return v.Issues()
}

// ValidateDecisionRules checks metric names, operators and thresholds of rules
func ValidateDecisionRules(rules []models.DecisionRule) []Issue {
	v := NewBoundsValidator()
	for i, r := range rules {
		field := fmt.Sprintf("rules[%d]", i)
		v.Check(len(r.Conditions) > 0, field, field+" has no conditions")
		for j, c := range r.Conditions {
			cf := fmt.Sprintf("%s.conditions[%d]", field, j)
			_, known := models.QualityMetrics{}.Value(c.Metric)
			v.Check(known, cf, fmt.Sprintf("%s: unknown metric %q", cf, c.Metric))
			switch c.Op {
			case models.OpLess, models.OpLessEqual, models.OpGreater, models.OpGreaterEqual:
			default:
				v.Check(false, cf, fmt.Sprintf("%s: unknown operator %q", cf, c.Op))
			}
			v.Finite(cf+".value", c.Value)
		}
	}
	return v.Issues()
}

// ConvertIssuesToMessages returns the messages of issues with the given severity.
// An empty severity selects all issues.
func ConvertIssuesToMessages(issues []Issue, severity string) []string {
	var messages []string
	for _, issue := range issues {
		if severity == "" || issue.Severity == severity {
			messages = append(messages, issue.Message)
		}
	}
	return messages
}

// HasCriticalIssues checks if there are any error severity issues
func HasCriticalIssues(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}
