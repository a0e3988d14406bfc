// Package pil implements the PIL-style enhancement pipeline: global
// contrast, brightness, gamma, unsharp sharpening and upscaling.
package pil

import (
	"github.com/disintegration/imaging"

	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/internal/raster"
)

// Parameter names
const (
	ParamContrast     = "contrast"
	ParamBrightness   = "brightness"
	ParamSharpenSigma = "sharpen_sigma"
	ParamGamma        = "gamma"
	ParamUpscale      = "upscale"
)

var schema = pipeline.Schema{
	{Name: ParamBrightness, Min: -30, Max: 30, Type: pipeline.ParamFloat, Neutral: 0},
	{Name: ParamContrast, Min: -40, Max: 80, Type: pipeline.ParamFloat, Neutral: 0},
	{Name: ParamGamma, Min: 0.5, Max: 2.0, Type: pipeline.ParamFloat, Neutral: 1},
	{Name: ParamSharpenSigma, Min: 0, Max: 3, Type: pipeline.ParamFloat, Neutral: 0},
	{Name: ParamUpscale, Min: 1, Max: 2, Type: pipeline.ParamFloat, Neutral: 1},
}

type pilPipeline struct{}

// New returns the PIL-style pipeline
func New() pipeline.Pipeline {
	return pilPipeline{}
}

func (pilPipeline) Kind() pipeline.Kind { return pipeline.KindPIL }

func (pilPipeline) Schema() pipeline.Schema {
	out := make(pipeline.Schema, len(schema))
	copy(out, schema)
	return out
}

// Apply upscales first so that the point operations and the sharpening
// kernel work at output resolution
func (pilPipeline) Apply(data []byte, params map[string]float64) ([]byte, error) {
	src, err := raster.Decode(data)
	if err != nil {
		return nil, err
	}
	img := raster.ToGray(src)

	if up := params[ParamUpscale]; up > 1 {
		img = raster.ToGray(raster.Scale(img, up))
	}
	if c := params[ParamContrast]; c != 0 {
		img = raster.ToGray(imaging.AdjustContrast(img, c))
	}
	if b := params[ParamBrightness]; b != 0 {
		img = raster.ToGray(imaging.AdjustBrightness(img, b))
	}
	if g, ok := params[ParamGamma]; ok && g > 0 && g != 1 {
		img = raster.ToGray(imaging.AdjustGamma(img, g))
	}
	if s := params[ParamSharpenSigma]; s > 0 {
		img = raster.ToGray(imaging.Sharpen(img, s))
	}
	return raster.EncodePNG(img)
}
