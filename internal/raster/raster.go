// Package raster holds the grayscale image helpers shared by the analyzer,
// the degradation generator and the filter pipelines.
package raster

import (
	"bytes"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
)

// Decode reads PNG, JPEG, GIF, TIFF or BMP bytes
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, apperrors.NewInvalidImageInputError("image data is empty", nil)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewInvalidImageInputError("failed to decode image", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, apperrors.NewInvalidImageInputError("image has no pixels", nil)
	}
	return img, nil
}

// DecodeGray decodes bytes straight into an 8-bit grayscale image
func DecodeGray(data []byte) (*image.Gray, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return ToGray(img), nil
}

// ToGray converts img to an origin-anchored *image.Gray
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)
	return gray
}

// EncodePNG encodes img losslessly
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, apperrors.NewInternalError("failed to encode png", err)
	}
	return buf.Bytes(), nil
}

// Floats returns the pixel intensities of g in row-major order
func Floats(g *image.Gray) []float64 {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	out := make([]float64, 0, w*h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for _, p := range row {
			out = append(out, float64(p))
		}
	}
	return out
}

// FromFloats builds a grayscale image from row-major intensities, rounding
// and clamping each value into [0,255]
func FromFloats(data []float64, w, h int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range data {
		g.Pix[i] = Clamp8(v)
	}
	return g
}

// Clamp8 rounds v to the nearest byte value
func Clamp8(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}

// Downscale shrinks g so that its longest side is at most maxSide.
// Images already within the limit are returned unchanged.
func Downscale(g *image.Gray, maxSide int) *image.Gray {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return g
	}
	scale := float64(maxSide) / float64(max(w, h))
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))
	dst := image.NewGray(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), g, g.Bounds(), draw.Src, nil)
	return dst
}

// Scale resizes img by factor using Catmull-Rom resampling
func Scale(img image.Image, factor float64) image.Image {
	bounds := img.Bounds()
	nw := max(1, int(math.Round(float64(bounds.Dx())*factor)))
	nh := max(1, int(math.Round(float64(bounds.Dy())*factor)))
	dst := image.NewGray(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst
}

// GaussianBlur blurs g with imaging's separable gaussian kernel
func GaussianBlur(g *image.Gray, sigma float64) *image.Gray {
	if sigma <= 0 {
		return g
	}
	return ToGray(imaging.Blur(g, sigma))
}
