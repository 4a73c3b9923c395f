package pipeline

import (
	"errors"
	"image"
	"math/bits"

	"github.com/dunamismax/pixelscrub/internal/domain"
)

// Rand supplies the per-pixel swap draws. *rand.Rand from math/rand/v2
// satisfies it.
type Rand interface {
	IntN(n int) int
}

var ErrNoPixels = errors.New("source pixels are required")

// Transform scrubs src with cfg and returns the result encoded as PNG. src is
// never modified; every call starts again from the same source grid.
func Transform(src *image.NRGBA, cfg domain.Configuration, rng Rand) ([]byte, error) {
	if src == nil {
		return nil, ErrNoPixels
	}
	return EncodePNG(Scrub(src, cfg, rng))
}

// Scrub applies the diagonal swap and channel quantization to every pixel.
// rng may be nil when cfg.PixelSwapStrength is zero.
func Scrub(src *image.NRGBA, cfg domain.Configuration, rng Rand) *image.NRGBA {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	q := clampQuantization(cfg.ColorQuantization)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := swapSource(x, y, w, h, cfg.PixelSwapStrength, rng)
			si := src.PixOffset(bounds.Min.X+sx, bounds.Min.Y+sy)
			di := dst.PixOffset(x, y)
			for c := 0; c < 4; c++ {
				dst.Pix[di+c] = Quantize(src.Pix[si+c], q)
			}
		}
	}
	return dst
}

// swapSource picks where output pixel (x,y) is read from. The neighbour
// shares the pixel's 2x2 block diagonally; pixels whose neighbour falls
// outside the grid never swap and consume no draw.
func swapSource(x, y, w, h, strength int, rng Rand) (int, int) {
	nx, ny := x^1, y^1
	if strength > 0 && nx < w && ny < h && strength > rng.IntN(10) {
		return nx, ny
	}
	return x, y
}

// Quantize rounds v to the nearest multiple of 2^q. Values whose rounding
// would pass 255 saturate instead.
func Quantize(v uint8, q int) uint8 {
	q = clampQuantization(q)
	if bits.LeadingZeros8(^v) > 8-q {
		return 255
	}
	return ((v >> q) + ((v >> (q - 1)) & 1)) << q
}

func clampQuantization(q int) int {
	if q < domain.MinColorQuantization {
		return domain.MinColorQuantization
	}
	if q > domain.MaxColorQuantization {
		return domain.MaxColorQuantization
	}
	return q
}
