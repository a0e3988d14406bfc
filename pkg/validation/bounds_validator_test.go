package validation

import (
	"math"
	"strings"
	"testing"

	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

func TestBoundsValidator_Range(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		min, max float64
		wantErr  bool
	}{
		{"inside", 5, 0, 10, false},
		{"at min", 0, 0, 10, false},
		{"at max", 10, 0, 10, false},
		{"below", -1, 0, 10, true},
		{"above", 11, 0, 10, true},
		{"nan", math.NaN(), 0, 10, true},
		{"inf", math.Inf(1), 0, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewBoundsValidator()
			v.Range("value", tt.value, tt.min, tt.max)
			if v.HasCriticalIssues() != tt.wantErr {
				t.Errorf("HasCriticalIssues() = %v, want %v (issues %v)", v.HasCriticalIssues(), tt.wantErr, v.Issues())
			}
		})
	}
}

func TestBoundsValidator_Ordered(t *testing.T) {
	v := NewBoundsValidator()
	v.Ordered("spectrum.blur_sigma", 0, 2.5)
	if v.HasCriticalIssues() {
		t.Fatalf("Expected ordered bounds to pass, got %v", v.Issues())
	}

	v.Ordered("pipeline.gamma", 2, 0.5)
	issues := v.Issues()
	if len(issues) != 1 {
		t.Fatalf("Expected 1 issue, got %d", len(issues))
	}
	if issues[0].Field != "pipeline.gamma" {
		t.Errorf("Expected field pipeline.gamma, got %s", issues[0].Field)
	}
	if !strings.Contains(v.Summary(), "greater than max") {
		t.Errorf("Unexpected summary %q", v.Summary())
	}
}

func TestBoundsValidator_WarningsAreNotCritical(t *testing.T) {
	v := NewBoundsValidator()
	v.Warn(false, "optimizer.population", "population is odd, last parent pairs with itself")

	if v.HasCriticalIssues() {
		t.Error("Warnings must not be critical")
	}
	if got := ConvertIssuesToMessages(v.Issues(), ""); len(got) != 1 {
		t.Errorf("Expected 1 message, got %d", len(got))
	}
	if got := ConvertIssuesToMessages(v.Issues(), SeverityError); len(got) != 0 {
		t.Errorf("Expected no error messages, got %v", got)
	}
}

func TestValidateQualityMetrics(t *testing.T) {
	good := models.QualityMetrics{
		BlurScore:      300,
		NoiseScore:     2,
		Contrast:       60,
		Brightness:     200,
		FFTHighFreqPct: 0.3,
		FFTLowFreqPct:  0.7,
		FFTFreqRatio:   0.43,
	}
	if issues := ValidateQualityMetrics(good); len(issues) != 0 {
		t.Errorf("Expected no issues for valid metrics, got %v", issues)
	}

	bad := good
	bad.Brightness = 300
	bad.NoiseScore = -1
	issues := ValidateQualityMetrics(bad)
	if len(issues) != 2 {
		t.Fatalf("Expected 2 issues, got %v", issues)
	}
	if !HasCriticalIssues(issues) {
		t.Error("Expected critical issues")
	}
}

func TestValidateDecisionRules(t *testing.T) {
	tests := []struct {
		name       string
		rule       models.DecisionRule
		wantIssues int
	}{
		{
			name: "valid",
			rule: models.DecisionRule{Conditions: []models.Condition{
				{Metric: models.MetricBlurScore, Op: ">=", Value: 300},
				{Metric: models.MetricNoiseScore, Op: "<=", Value: 3},
			}},
		},
		{"no conditions", models.DecisionRule{}, 1},
		{
			name:       "unknown metric",
			rule:       models.DecisionRule{Conditions: []models.Condition{{Metric: "sharpness", Op: "<", Value: 1}}},
			wantIssues: 1,
		},
		{
			name:       "unknown operator and nan",
			rule:       models.DecisionRule{Conditions: []models.Condition{{Metric: models.MetricContrast, Op: "==", Value: math.NaN()}}},
			wantIssues: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := ValidateDecisionRules([]models.DecisionRule{tt.rule})
			if len(issues) != tt.wantIssues {
				t.Errorf("Expected %d issues, got %v", tt.wantIssues, issues)
			}
		})
	}
}
