package analyzer

import (
	"image"
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/anime-shed/ocr-enhance-tuner/internal/raster"
)

type spectrumCalculator struct {
	opts Options
}

// NewSpectrumCalculator creates an FFT based feature calculator
func NewSpectrumCalculator(opts Options) SpectrumCalculator {
	return &spectrumCalculator{opts: opts.normalized()}
}

// CalculateSpectrum computes the 2-D magnitude spectrum of gray and derives
// the energy split around a low-frequency disk, the peak radial frequency
// and the spectral entropy
func (sc *spectrumCalculator) CalculateSpectrum(gray *image.Gray) SpectrumFeatures {
	g := raster.Downscale(gray, sc.opts.MaxSpectrumSide)
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w == 0 || h == 0 {
		return SpectrumFeatures{}
	}

	coeffs := fft2(g)

	rowFFT := fourier.NewCmplxFFT(w)
	colFFT := fourier.NewCmplxFFT(h)

	var lowEnergy, highEnergy, peakMag, peakFreq float64
	magnitudes := make([]float64, 0, w*h)
	for y := 0; y < h; y++ {
		fy := colFFT.Freq(y)
		for x := 0; x < w; x++ {
			fx := rowFFT.Freq(x)
			mag := cmplx.Abs(coeffs[y*w+x])
			energy := mag * mag
			radius := math.Hypot(fx, fy)

			if radius <= sc.opts.LowFreqRadius {
				lowEnergy += energy
			} else {
				highEnergy += energy
			}

			if x == 0 && y == 0 {
				continue
			}
			magnitudes = append(magnitudes, mag)
			if mag > peakMag {
				peakMag = mag
				peakFreq = radius
			}
		}
	}

	features := SpectrumFeatures{PeakFrequency: peakFreq}
	total := lowEnergy + highEnergy
	if total > 0 {
		features.LowFreqPct = lowEnergy / total
		features.HighFreqPct = 1 - features.LowFreqPct
	} else {
		features.LowFreqPct = 1
	}
	switch {
	case lowEnergy > 0:
		features.FreqRatio = math.Min(highEnergy/lowEnergy, sc.opts.RatioCap)
	case highEnergy > 0:
		features.FreqRatio = sc.opts.RatioCap
	}
	features.SpectralEntropy = histogramEntropy(magnitudes, sc.opts.EntropyBins)
	return features
}

// fft2 runs a row-column complex FFT over the image intensities
func fft2(g *image.Gray) []complex128 {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	data := make([]complex128, w*h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, p := range row {
			data[y*w+x] = complex(float64(p), 0)
		}
	}

	rowFFT := fourier.NewCmplxFFT(w)
	for y := 0; y < h; y++ {
		row := data[y*w : (y+1)*w]
		rowFFT.Coefficients(row, row)
	}

	colFFT := fourier.NewCmplxFFT(h)
	col := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = data[y*w+x]
		}
		colFFT.Coefficients(col, col)
		for y := 0; y < h; y++ {
			data[y*w+x] = col[y]
		}
	}
	return data
}

// histogramEntropy bins log-magnitudes and returns the Shannon entropy in bits
func histogramEntropy(magnitudes []float64, bins int) float64 {
	if len(magnitudes) == 0 {
		return 0
	}
	logs := make([]float64, len(magnitudes))
	for i, m := range magnitudes {
		logs[i] = math.Log1p(m)
	}
	sort.Float64s(logs)

	lo, hi := logs[0], logs[len(logs)-1]
	if hi-lo < 1e-12 {
		return 0
	}
	dividers := floats.Span(make([]float64, bins+1), lo, hi+1e-9*(hi-lo)+1e-12)
	counts := stat.Histogram(nil, dividers, logs, nil)
	floats.Scale(1/float64(len(logs)), counts)
	return stat.Entropy(counts) / math.Ln2
}
