// Package cvlike implements an OpenCV-style enhancement pipeline natively:
// non-local means denoising, CLAHE and unsharp masking.
package cvlike

import (
	"image"
	"math"
	"runtime"
	"sync"

	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/internal/raster"
)

// Parameter names
const (
	ParamCLAHEClip     = "clahe_clip"
	ParamCLAHETile     = "clahe_tile"
	ParamDenoiseH      = "denoise_h"
	ParamDenoiseWindow = "denoise_window"
	ParamUnsharpAmount = "unsharp_amount"
)

// unsharpSigma is the blur radius of the unsharp mask
const unsharpSigma = 1.0

var schema = pipeline.Schema{
	{Name: ParamCLAHEClip, Min: 1, Max: 6, Type: pipeline.ParamFloat, Neutral: 1},
	{Name: ParamCLAHETile, Min: 2, Max: 16, Type: pipeline.ParamInt, Neutral: 8},
	{Name: ParamDenoiseH, Min: 0, Max: 20, Type: pipeline.ParamFloat, Neutral: 0},
	{Name: ParamDenoiseWindow, Min: 3, Max: 9, Type: pipeline.ParamInt, Neutral: 3},
	{Name: ParamUnsharpAmount, Min: 0, Max: 2, Type: pipeline.ParamFloat, Neutral: 0},
}

type cvPipeline struct {
	workers int
}

// New returns the OpenCV-style pipeline
func New() pipeline.Pipeline {
	return &cvPipeline{workers: runtime.NumCPU()}
}

func (*cvPipeline) Kind() pipeline.Kind { return pipeline.KindOpenCV }

func (*cvPipeline) Schema() pipeline.Schema {
	out := make(pipeline.Schema, len(schema))
	copy(out, schema)
	return out
}

// Apply denoises, equalizes and sharpens, in that order
func (p *cvPipeline) Apply(data []byte, params map[string]float64) ([]byte, error) {
	gray, err := raster.DecodeGray(data)
	if err != nil {
		return nil, err
	}

	if h := params[ParamDenoiseH]; h > 0 {
		window := int(math.Round(params[ParamDenoiseWindow]))
		gray = p.nlMeans(gray, h, window)
	}
	if clip := params[ParamCLAHEClip]; clip > 1 {
		tiles := int(math.Round(params[ParamCLAHETile]))
		gray = CLAHE(gray, clip, tiles)
	}
	if amount := params[ParamUnsharpAmount]; amount > 0 {
		gray = Unsharp(gray, amount, unsharpSigma)
	}
	return raster.EncodePNG(gray)
}

// Unsharp adds amount times the difference between g and its blur
func Unsharp(g *image.Gray, amount, sigma float64) *image.Gray {
	blurred := raster.GaussianBlur(g, sigma)
	out := image.NewGray(g.Rect)
	for i, p := range g.Pix {
		v := float64(p)
		out.Pix[i] = raster.Clamp8(v + amount*(v-float64(blurred.Pix[i])))
	}
	return out
}

// forRowStrips splits rows across the available CPUs
func (p *cvPipeline) forRowStrips(height int, fn func(startY, endY int)) {
	numWorkers := min(max(p.workers, 1), height)
	if numWorkers <= 1 {
		fn(0, height)
		return
	}
	rowsPerWorker := (height + numWorkers - 1) / numWorkers // ceil division
	var wg sync.WaitGroup
	for s := 0; s < height; s += rowsPerWorker {
		e := min(s+rowsPerWorker, height)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(s, e)
	}
	wg.Wait()
}
