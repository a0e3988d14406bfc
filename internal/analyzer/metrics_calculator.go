package analyzer

import (
	"image"
	"math"
	"runtime"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/anime-shed/ocr-enhance-tuner/internal/raster"
)

// madScale makes the median absolute deviation a consistent estimator of
// a gaussian standard deviation
const madScale = 1.4826

// metricsCalculator implements MetricsCalculator with Gonum statistics
type metricsCalculator struct {
	opts Options
}

// NewMetricsCalculator creates a new metrics calculator
func NewMetricsCalculator(opts Options) MetricsCalculator {
	return &metricsCalculator{opts: opts.normalized()}
}

// CalculateLaplacianVariance computes the variance of the 4-neighbour Laplacian
func (mc *metricsCalculator) CalculateLaplacianVariance(gray *image.Gray) float64 {
	width, height := gray.Rect.Dx(), gray.Rect.Dy()
	if width < 3 || height < 3 {
		return 0
	}

	innerW := width - 2
	data := make([]float64, innerW*(height-2))

	// Laplacian kernel: [0, 1, 0; 1, -4, 1; 0, 1, 0]
	mc.forRowStrips(1, height-1, func(startY, endY int) {
		for y := startY; y < endY; y++ {
			up := gray.Pix[(y-1)*gray.Stride:]
			row := gray.Pix[y*gray.Stride:]
			down := gray.Pix[(y+1)*gray.Stride:]
			out := data[(y-1)*innerW:]
			for x := 1; x < width-1; x++ {
				center := float64(row[x])
				out[x-1] = -4*center + float64(up[x]) + float64(down[x]) + float64(row[x-1]) + float64(row[x+1])
			}
		}
	})

	return stat.Variance(data, nil)
}

// CalculateNoise estimates noise as the scaled MAD of the residual left
// after subtracting a heavily blurred copy
func (mc *metricsCalculator) CalculateNoise(gray *image.Gray) float64 {
	width, height := gray.Rect.Dx(), gray.Rect.Dy()
	if width == 0 || height == 0 {
		return 0
	}

	blurred := raster.GaussianBlur(gray, mc.opts.NoiseBlurSigma)
	residual := make([]float64, width*height)
	mc.forRowStrips(0, height, func(startY, endY int) {
		for y := startY; y < endY; y++ {
			src := gray.Pix[y*gray.Stride:]
			bl := blurred.Pix[y*blurred.Stride:]
			out := residual[y*width:]
			for x := 0; x < width; x++ {
				out[x] = float64(src[x]) - float64(bl[x])
			}
		}
	})

	med := median(residual)
	for i, v := range residual {
		residual[i] = math.Abs(v - med)
	}
	return madScale * median(residual)
}

// CalculateContrastBrightness returns the standard deviation and mean intensity
func (mc *metricsCalculator) CalculateContrastBrightness(gray *image.Gray) (float64, float64) {
	values := raster.Floats(gray)
	if len(values) == 0 {
		return 0, 0
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	return std, mean
}

// forRowStrips splits [startY, endY) into horizontal strips and runs fn on each
func (mc *metricsCalculator) forRowStrips(startY, endY int, fn func(startY, endY int)) {
	rows := endY - startY
	numWorkers := mc.opts.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if !mc.opts.Parallel || rows < 64 {
		numWorkers = 1
	}
	if rows < numWorkers {
		numWorkers = max(rows, 1)
	}
	if numWorkers == 1 {
		fn(startY, endY)
		return
	}

	rowsPerWorker := (rows + numWorkers - 1) / numWorkers // ceil division
	var wg sync.WaitGroup
	for s := startY; s < endY; s += rowsPerWorker {
		e := min(s+rowsPerWorker, endY)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(s, e)
	}
	wg.Wait()
}

// median sorts a copy of x and returns its empirical median
func median(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	sorted := make([]float64, len(x))
	copy(sorted, x)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
