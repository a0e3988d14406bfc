package models

// QualityMetrics holds the classical quality features of one grayscale page.
// Values are computed fresh per image and never mutated afterwards.
type QualityMetrics struct {
	// Spatial domain
	BlurScore  float64 `json:"blur_score"`
	NoiseScore float64 `json:"noise_score"`
	Contrast   float64 `json:"contrast"`
	Brightness float64 `json:"brightness"`

	// Frequency domain
	FFTHighFreqPct     float64 `json:"fft_high_freq_pct"`
	FFTLowFreqPct      float64 `json:"fft_low_freq_pct"`
	FFTFreqRatio       float64 `json:"fft_freq_ratio"`
	FFTPeakFrequency   float64 `json:"fft_peak_frequency"`
	FFTSpectralEntropy float64 `json:"fft_spectral_entropy"`
}

// Metric names accepted by decision rules
const (
	MetricBlurScore      = "blur_score"
	MetricNoiseScore     = "noise_score"
	MetricContrast       = "contrast"
	MetricBrightness     = "brightness"
	MetricFFTHighFreqPct = "fft_high_freq_pct"
	MetricFFTFreqRatio   = "fft_freq_ratio"
)

// Value returns the metric with the given name.
func (m QualityMetrics) Value(name string) (float64, bool) {
	switch name {
	case MetricBlurScore:
		return m.BlurScore, true
	case MetricNoiseScore:
		return m.NoiseScore, true
	case MetricContrast:
		return m.Contrast, true
	case MetricBrightness:
		return m.Brightness, true
	case MetricFFTHighFreqPct:
		return m.FFTHighFreqPct, true
	case MetricFFTFreqRatio:
		return m.FFTFreqRatio, true
	}
	return 0, false
}
