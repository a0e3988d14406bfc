package cvlike

import (
	"image"
	"image/color"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/stat"

	"github.com/anime-shed/ocr-enhance-tuner/internal/pipeline"
	"github.com/anime-shed/ocr-enhance-tuner/internal/raster"
)

func lowContrastPage() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			v := uint8(140)
			if (x/4)%2 == 0 && (y/6)%2 == 0 {
				v = 110
			}
			g.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return g
}

func TestSchemaIsValid(t *testing.T) {
	p := New()
	if p.Kind() != pipeline.KindOpenCV {
		t.Errorf("Expected kind opencv, got %s", p.Kind())
	}
	if err := p.Schema().Validate(p.Kind()); err != nil {
		t.Errorf("Expected valid schema, got %v", err)
	}
}

func TestApply_NeutralPreservesPixels(t *testing.T) {
	p := New()
	src := lowContrastPage()
	in, _ := raster.EncodePNG(src)

	out, err := p.Apply(in, p.Schema().Neutral())
	if err != nil {
		t.Fatal(err)
	}
	g, _ := raster.DecodeGray(out)
	for i := range src.Pix {
		if src.Pix[i] != g.Pix[i] {
			t.Fatalf("Pixel %d changed from %d to %d", i, src.Pix[i], g.Pix[i])
		}
	}
}

func TestCLAHE_RaisesContrast(t *testing.T) {
	src := lowContrastPage()
	out := CLAHE(src, 4, 4)

	before := stat.PopStdDev(raster.Floats(src), nil)
	after := stat.PopStdDev(raster.Floats(out), nil)
	if after <= before {
		t.Errorf("Expected CLAHE to raise contrast: before=%f after=%f", before, after)
	}
	if out.Rect != src.Rect {
		t.Errorf("Expected same bounds, got %v", out.Rect)
	}
}

func TestCLAHE_MoreTilesThanPixels(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 3, 2))
	out := CLAHE(src, 3, 16)
	if out.Rect.Dx() != 3 || out.Rect.Dy() != 2 {
		t.Errorf("Unexpected bounds %v", out.Rect)
	}
}

func TestNLMeans_ReducesNoise(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	noisy := image.NewGray(image.Rect(0, 0, 32, 32))
	for i := range noisy.Pix {
		noisy.Pix[i] = raster.Clamp8(128 + rng.NormFloat64()*15)
	}

	p := New().(*cvPipeline)
	out := p.nlMeans(noisy, 20, 7)

	before := stat.PopStdDev(raster.Floats(noisy), nil)
	after := stat.PopStdDev(raster.Floats(out), nil)
	if after >= before {
		t.Errorf("Expected denoising to reduce spread: before=%f after=%f", before, after)
	}
}

func TestUnsharp_ZeroAmountIsIdentity(t *testing.T) {
	src := lowContrastPage()
	out := Unsharp(src, 0, 1)
	for i := range src.Pix {
		if src.Pix[i] != out.Pix[i] {
			t.Fatalf("Pixel %d changed", i)
		}
	}
}

func TestNeighbours(t *testing.T) {
	tests := []struct {
		pos, tile, count int
		a, b             int
		frac             float64
	}{
		{0, 10, 3, 0, 0, 0},
		{15, 10, 3, 1, 2, 0.05},
		{29, 10, 3, 2, 2, 0},
	}
	for _, tt := range tests {
		a, b, f := neighbours(tt.pos, tt.tile, tt.count)
		if a != tt.a || b != tt.b || (f-tt.frac) > 1e-9 || (tt.frac-f) > 1e-9 {
			t.Errorf("neighbours(%d) = %d,%d,%f want %d,%d,%f", tt.pos, a, b, f, tt.a, tt.b, tt.frac)
		}
	}
}
