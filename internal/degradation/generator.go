// Package degradation synthesizes a controlled degradation spectrum of a
// pristine document page for repeatable evaluation.
package degradation

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
	"github.com/anime-shed/ocr-enhance-tuner/internal/raster"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/validation"
)

// Range is a linear interpolation interval from intensity 0 to intensity 1
type Range struct {
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
}

// At interpolates the range at t
func (r Range) At(t float64) float64 {
	return r.Start + (r.End-r.Start)*t
}

// Config describes the spectrum to generate
type Config struct {
	Levels         int   `json:"levels" yaml:"levels"`
	BlurSigma      Range `json:"blur_sigma" yaml:"blur_sigma"`
	NoiseStd       Range `json:"noise_std" yaml:"noise_std"`
	ContrastFactor Range `json:"contrast_factor" yaml:"contrast_factor"`
	JPEGQuality    Range `json:"jpeg_quality" yaml:"jpeg_quality"`

	// Ceiling scales how far along the ranges the last level goes.
	// 1 means the last level uses every range's End value.
	Ceiling float64 `json:"ceiling" yaml:"ceiling"`
}

// DefaultConfig returns an eleven level spectrum, D00 to D100 in tenths,
// from pristine to barely readable
func DefaultConfig() Config {
	return Config{
		Levels:         11,
		BlurSigma:      Range{Start: 0, End: 2.5},
		NoiseStd:       Range{Start: 0, End: 25},
		ContrastFactor: Range{Start: 1.0, End: 0.45},
		JPEGQuality:    Range{Start: 95, End: 20},
		Ceiling:        1.0,
	}
}

// Validate checks level count and parameter ranges
func (c Config) Validate() error {
	v := validation.NewBoundsValidator()
	v.Range("spectrum.levels", float64(c.Levels), 2, 101)
	v.Range("spectrum.ceiling", c.Ceiling, 1e-9, 1)
	for _, f := range []struct {
		name     string
		r        Range
		min, max float64
	}{
		{"spectrum.blur_sigma", c.BlurSigma, 0, 50},
		{"spectrum.noise_std", c.NoiseStd, 0, 255},
		{"spectrum.contrast_factor", c.ContrastFactor, 1e-6, 4},
		{"spectrum.jpeg_quality", c.JPEGQuality, 1, 100},
	} {
		v.Range(f.name+".start", f.r.Start, f.min, f.max)
		v.Range(f.name+".end", f.r.End, f.min, f.max)
	}
	if v.HasCriticalIssues() {
		return apperrors.NewInvalidParameterBoundsError("invalid degradation spectrum", nil).WithDetails(v.Summary())
	}
	return nil
}

// Label names the level at intensity t, e.g. D00, D50, D100
func Label(t float64) string {
	return fmt.Sprintf("D%02d", int(math.Round(100*t)))
}

// Plan returns the document independent levels described by c, ordered by intensity
func Plan(c Config) []models.DegradationLevel {
	levels := make([]models.DegradationLevel, c.Levels)
	for i := range levels {
		t := float64(i) / float64(c.Levels-1)
		s := t * c.Ceiling
		levels[i] = models.DegradationLevel{
			Label:     Label(t),
			Intensity: t,
			Params: models.DegradationParams{
				BlurSigma:      c.BlurSigma.At(s),
				NoiseStd:       c.NoiseStd.At(s),
				ContrastFactor: c.ContrastFactor.At(s),
				JPEGQuality:    int(math.Round(c.JPEGQuality.At(s))),
			},
		}
	}
	return levels
}

// Result is one degraded copy of a document
type Result struct {
	Level models.DegradationLevel
	Image []byte // PNG
}

// Generator produces degradation spectra
type Generator interface {
	Plan() []models.DegradationLevel
	Generate(ctx context.Context, documentID string, pristine image.Image) ([]Result, error)
}

type generator struct {
	plan []models.DegradationLevel
	seed int64
}

// NewGenerator validates cfg and creates a generator whose noise is derived
// from seed, the document id and the level index
func NewGenerator(cfg Config, seed int64) (Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &generator{plan: Plan(cfg), seed: seed}, nil
}

func (g *generator) Plan() []models.DegradationLevel {
	out := make([]models.DegradationLevel, len(g.plan))
	copy(out, g.plan)
	return out
}

// Generate degrades pristine once per level. Levels are independent
// copies of the pristine page, never compounded from the previous level.
func (g *generator) Generate(ctx context.Context, documentID string, pristine image.Image) ([]Result, error) {
	if pristine == nil || pristine.Bounds().Empty() {
		return nil, apperrors.NewInvalidImageInputError("pristine image is empty", nil).WithDetails(documentID)
	}
	gray := raster.ToGray(pristine)

	results := make([]Result, 0, len(g.plan))
	for i, level := range g.plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		degraded, err := g.degrade(gray, level.Params, g.source(documentID, i))
		if err != nil {
			return nil, fmt.Errorf("degrade %s/%s: %w", documentID, level.Label, err)
		}
		data, err := raster.EncodePNG(degraded)
		if err != nil {
			return nil, err
		}
		level.DocumentID = documentID
		results = append(results, Result{Level: level, Image: data})

		logger.WithFields(logrus.Fields{
			"document_id": documentID,
			"level":       level.Label,
			"intensity":   level.Intensity,
		}).Debug("Generated degradation level")
	}
	return results, nil
}

// source seeds the noise of one (document, level) pair
func (g *generator) source(documentID string, level int) rand.Source {
	h := fnv.New64a()
	_, _ = h.Write([]byte(documentID))
	_, _ = fmt.Fprintf(h, "#%d", level)
	return rand.NewPCG(uint64(g.seed), h.Sum64())
}

// degrade applies blur, additive gaussian noise, contrast scaling about the
// mean and a lossy JPEG round trip, in that order
func (g *generator) degrade(src *image.Gray, p models.DegradationParams, noiseSrc rand.Source) (*image.Gray, error) {
	img := raster.GaussianBlur(src, p.BlurSigma)

	w, h := img.Rect.Dx(), img.Rect.Dy()
	values := raster.Floats(img)

	if p.NoiseStd > 0 {
		noise := distuv.Normal{Mu: 0, Sigma: p.NoiseStd, Src: noiseSrc}
		for i := range values {
			values[i] += noise.Rand()
		}
		// Quantize before the contrast step like a real sensor would
		for i, v := range values {
			values[i] = float64(raster.Clamp8(v))
		}
	}

	if p.ContrastFactor != 1 {
		var mean float64
		for _, v := range values {
			mean += v
		}
		mean /= float64(len(values))
		for i, v := range values {
			values[i] = mean + (v-mean)*p.ContrastFactor
		}
	}

	out := raster.FromFloats(values, w, h)
	if p.JPEGQuality >= 100 {
		return out, nil
	}

	var buf bytes.Buffer
	quality := max(1, p.JPEGQuality)
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, apperrors.NewInternalError("jpeg encode failed", err)
	}
	decoded, err := imaging.Decode(&buf)
	if err != nil {
		return nil, apperrors.NewInternalError("jpeg decode failed", err)
	}
	return raster.ToGray(decoded), nil
}
