package analyzer

import (
	"image"

	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// QualityAnalyzer computes classical quality metrics for a document page
type QualityAnalyzer interface {
	Analyze(img image.Image) (models.QualityMetrics, error)
	AnalyzeBytes(data []byte) (models.QualityMetrics, error)
}

// MetricsCalculator handles spatial domain metrics
type MetricsCalculator interface {
	CalculateLaplacianVariance(gray *image.Gray) float64
	CalculateNoise(gray *image.Gray) float64
	CalculateContrastBrightness(gray *image.Gray) (contrast, brightness float64)
}

// SpectrumCalculator handles frequency domain metrics
type SpectrumCalculator interface {
	CalculateSpectrum(gray *image.Gray) SpectrumFeatures
}

// SpectrumFeatures are the FFT derived metrics of one image
type SpectrumFeatures struct {
	HighFreqPct     float64
	LowFreqPct      float64
	FreqRatio       float64
	PeakFrequency   float64
	SpectralEntropy float64
}
