package cvlike

import (
	"image"
	"math"
)

// CLAHE performs contrast limited adaptive histogram equalization on a
// tiles x tiles grid. clip is the per-bin limit as a multiple of the mean
// bin height; values <= 1 flatten every histogram and leave g unchanged.
func CLAHE(g *image.Gray, clip float64, tiles int) *image.Gray {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w == 0 || h == 0 {
		return g
	}
	tiles = max(1, min(tiles, min(w, h)))
	tileW := (w + tiles - 1) / tiles
	tileH := (h + tiles - 1) / tiles
	nx := (w + tileW - 1) / tileW
	ny := (h + tileH - 1) / tileH

	luts := make([][256]uint8, nx*ny)
	for ty := 0; ty < ny; ty++ {
		for tx := 0; tx < nx; tx++ {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := min(x0+tileW, w), min(y0+tileH, h)
			luts[ty*nx+tx] = tileLUT(g, x0, y0, x1, y1, clip)
		}
	}

	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		ya, yb, fy := neighbours(y, tileH, ny)
		for x := 0; x < w; x++ {
			xa, xb, fx := neighbours(x, tileW, nx)
			v := g.Pix[y*g.Stride+x]
			top := (1-fx)*float64(luts[ya*nx+xa][v]) + fx*float64(luts[ya*nx+xb][v])
			bottom := (1-fx)*float64(luts[yb*nx+xa][v]) + fx*float64(luts[yb*nx+xb][v])
			out.Pix[y*out.Stride+x] = uint8(math.Round((1-fy)*top + fy*bottom))
		}
	}
	return out
}

// neighbours returns the two tile indices whose centres bracket pos along
// one axis and the interpolation weight of the second
func neighbours(pos, tileSize, count int) (int, int, float64) {
	f := (float64(pos)+0.5)/float64(tileSize) - 0.5
	i := int(math.Floor(f))
	frac := f - float64(i)
	if i < 0 {
		return 0, 0, 0
	}
	if i >= count-1 {
		return count - 1, count - 1, 0
	}
	return i, i + 1, frac
}

// tileLUT builds the clipped equalization mapping of one tile
func tileLUT(g *image.Gray, x0, y0, x1, y1 int, clip float64) [256]uint8 {
	var hist [256]float64
	for y := y0; y < y1; y++ {
		row := g.Pix[y*g.Stride:]
		for x := x0; x < x1; x++ {
			hist[row[x]]++
		}
	}
	n := float64((x1 - x0) * (y1 - y0))

	limit := math.Max(1, clip*n/256)
	var excess float64
	for i, c := range hist {
		if c > limit {
			excess += c - limit
			hist[i] = limit
		}
	}
	bonus := excess / 256
	var lut [256]uint8
	var cdf float64
	for i := range hist {
		cdf += hist[i] + bonus
		lut[i] = uint8(math.Round(math.Min(255, cdf*255/n)))
	}
	return lut
}
