package analyzer

// Options configures quality metric computation
type Options struct {
	// LowFreqRadius is the radius of the low-frequency disk in cycles per
	// pixel, measured from DC. Nyquist is 0.5.
	LowFreqRadius float64

	// RatioCap replaces an infinite high/low energy ratio
	RatioCap float64

	// NoiseBlurSigma is the gaussian sigma of the heavy blur subtracted
	// before the noise estimate
	NoiseBlurSigma float64

	// EntropyBins is the number of magnitude histogram bins
	EntropyBins int

	// MaxSpectrumSide bounds the image side fed to the FFT
	MaxSpectrumSide int

	// Parallel enables strip-parallel spatial metrics
	Parallel   bool
	MaxWorkers int
}

// DefaultOptions returns the default analysis options
func DefaultOptions() Options {
	return Options{
		LowFreqRadius:   0.1,
		RatioCap:        1e6,
		NoiseBlurSigma:  3.0,
		EntropyBins:     64,
		MaxSpectrumSide: 512,
		Parallel:        true,
		MaxWorkers:      0, // Use default CPU count
	}
}

// FastOptions trades spectral resolution for speed on very large pages
func FastOptions() Options {
	opts := DefaultOptions()
	opts.MaxSpectrumSide = 256
	opts.EntropyBins = 32
	return opts
}

// WithLowFreqRadius overrides the low-frequency disk radius
func (opts Options) WithLowFreqRadius(radius float64) Options {
	opts.LowFreqRadius = radius
	return opts
}

// WithoutParallelism computes spatial metrics on a single goroutine
func (opts Options) WithoutParallelism() Options {
	opts.Parallel = false
	return opts
}

func (opts Options) normalized() Options {
	def := DefaultOptions()
	if opts.LowFreqRadius <= 0 || opts.LowFreqRadius >= 0.5 {
		opts.LowFreqRadius = def.LowFreqRadius
	}
	if opts.RatioCap <= 0 {
		opts.RatioCap = def.RatioCap
	}
	if opts.NoiseBlurSigma <= 0 {
		opts.NoiseBlurSigma = def.NoiseBlurSigma
	}
	if opts.EntropyBins < 2 {
		opts.EntropyBins = def.EntropyBins
	}
	if opts.MaxSpectrumSide <= 0 {
		opts.MaxSpectrumSide = def.MaxSpectrumSide
	}
	return opts
}
