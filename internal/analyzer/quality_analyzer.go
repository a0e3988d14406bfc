// Package analyzer computes classical image quality metrics: Laplacian
// blur score, residual noise, contrast, brightness and FFT spectral features.
package analyzer

import (
	"fmt"
	"image"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/raster"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
)

// minSide is the smallest width and height Analyze accepts
const minSide = 3

// qualityAnalyzer implements QualityAnalyzer and orchestrates the calculators.
// It holds no per-image state and is safe for concurrent use.
type qualityAnalyzer struct {
	metricsCalculator  MetricsCalculator
	spectrumCalculator SpectrumCalculator
}

// NewQualityAnalyzer creates an analyzer with default options
func NewQualityAnalyzer() QualityAnalyzer {
	return NewQualityAnalyzerWithOptions(DefaultOptions())
}

// NewQualityAnalyzerWithOptions creates an analyzer with custom options
func NewQualityAnalyzerWithOptions(opts Options) QualityAnalyzer {
	return &qualityAnalyzer{
		metricsCalculator:  NewMetricsCalculator(opts),
		spectrumCalculator: NewSpectrumCalculator(opts),
	}
}

// AnalyzeBytes decodes data and analyzes it
func (qa *qualityAnalyzer) AnalyzeBytes(data []byte) (models.QualityMetrics, error) {
	img, err := raster.Decode(data)
	if err != nil {
		return models.QualityMetrics{}, err
	}
	return qa.Analyze(img)
}

// Analyze computes QualityMetrics for img
func (qa *qualityAnalyzer) Analyze(img image.Image) (models.QualityMetrics, error) {
	if img == nil {
		return models.QualityMetrics{}, apperrors.NewInvalidImageInputError("image is nil", nil)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return models.QualityMetrics{}, apperrors.NewInvalidImageInputError("image has no pixels", nil).
			WithDetails(bounds.String())
	}
	// the Laplacian and noise kernels need a 3x3 neighbourhood
	if bounds.Dx() < minSide || bounds.Dy() < minSide {
		return models.QualityMetrics{}, apperrors.NewInvalidImageInputError(
			fmt.Sprintf("image must be at least %dx%d pixels", minSide, minSide), nil).
			WithDetails(bounds.String())
	}

	gray := raster.ToGray(img)

	contrast, brightness := qa.metricsCalculator.CalculateContrastBrightness(gray)
	spectrum := qa.spectrumCalculator.CalculateSpectrum(gray)

	return models.QualityMetrics{
		BlurScore:          qa.metricsCalculator.CalculateLaplacianVariance(gray),
		NoiseScore:         qa.metricsCalculator.CalculateNoise(gray),
		Contrast:           contrast,
		Brightness:         brightness,
		FFTHighFreqPct:     spectrum.HighFreqPct,
		FFTLowFreqPct:      spectrum.LowFreqPct,
		FFTFreqRatio:       spectrum.FreqRatio,
		FFTPeakFrequency:   spectrum.PeakFrequency,
		FFTSpectralEntropy: spectrum.SpectralEntropy,
	}, nil
}
