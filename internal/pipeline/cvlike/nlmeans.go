package cvlike

import (
	"image"
	"math"
)

// nlMeans denoises g with non-local means over 3x3 patches inside a
// window x window search area. h controls filter strength.
func (p *cvPipeline) nlMeans(g *image.Gray, h float64, window int) *image.Gray {
	w, ht := g.Rect.Dx(), g.Rect.Dy()
	if w == 0 || ht == 0 || h <= 0 {
		return g
	}
	if window < 3 {
		window = 3
	}
	if window%2 == 0 {
		window++
	}
	radius := window / 2
	h2 := h * h

	at := func(x, y int) float64 {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), ht-1)
		return float64(g.Pix[y*g.Stride+x])
	}

	out := image.NewGray(image.Rect(0, 0, w, ht))
	p.forRowStrips(ht, func(startY, endY int) {
		for y := startY; y < endY; y++ {
			for x := 0; x < w; x++ {
				var sum, weights float64
				for qy := y - radius; qy <= y+radius; qy++ {
					for qx := x - radius; qx <= x+radius; qx++ {
						var d2 float64
						for ky := -1; ky <= 1; ky++ {
							for kx := -1; kx <= 1; kx++ {
								d := at(x+kx, y+ky) - at(qx+kx, qy+ky)
								d2 += d * d
							}
						}
						weight := math.Exp(-(d2 / 9) / h2)
						sum += weight * at(qx, qy)
						weights += weight
					}
				}
				out.Pix[y*out.Stride+x] = uint8(math.Round(sum / weights))
			}
		}
	})
	return out
}
