package pipeline

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"testing"

	"github.com/dunamismax/pixelscrub/internal/domain"
)

func TestQuantizeStaysInRange(t *testing.T) {
	for q := domain.MinColorQuantization; q <= domain.MaxColorQuantization; q++ {
		for v := 0; v <= 255; v++ {
			got := int(Quantize(uint8(v), q))
			if got != 255 && got%(1<<q) != 0 {
				t.Fatalf("q=%d v=%d: %d is not on the 2^q lattice", q, v, got)
			}
			if diff := got - v; diff > 1<<(q-1) || diff < -(1<<(q-1)) {
				t.Fatalf("q=%d v=%d: %d is not the nearest bucket", q, v, got)
			}
		}
	}
}

func TestQuantizeKnownValues(t *testing.T) {
	cases := []struct {
		v    uint8
		q    int
		want uint8
	}{
		{v: 255, q: 1, want: 255},
		{v: 254, q: 1, want: 254},
		{v: 253, q: 1, want: 254},
		{v: 100, q: 5, want: 96},
		{v: 120, q: 5, want: 128},
		{v: 240, q: 5, want: 255},
		{v: 0, q: 7, want: 0},
		{v: 64, q: 7, want: 128},
		{v: 63, q: 7, want: 0},
	}
	for _, tc := range cases {
		if got := Quantize(tc.v, tc.q); got != tc.want {
			t.Fatalf("Quantize(%d, %d) = %d, want %d", tc.v, tc.q, got, tc.want)
		}
	}
}

func TestQuantizeClampsLevel(t *testing.T) {
	for _, q := range []int{-3, 0} {
		if got, want := Quantize(201, q), Quantize(201, 1); got != want {
			t.Fatalf("q=%d: expected clamp to 1 (%d), got %d", q, want, got)
		}
	}
	if got, want := Quantize(201, 9), Quantize(201, 7); got != want {
		t.Fatalf("expected clamp to 7 (%d), got %d", want, got)
	}
}

func TestQuantizeIsIdempotent(t *testing.T) {
	for q := domain.MinColorQuantization; q <= domain.MaxColorQuantization; q++ {
		for v := 0; v <= 255; v++ {
			once := Quantize(uint8(v), q)
			if twice := Quantize(once, q); twice != once {
				t.Fatalf("q=%d v=%d: %d then %d", q, v, once, twice)
			}
		}
	}
}

func TestTransformWhiteImageUnchanged(t *testing.T) {
	src := uniformImage(2, 2, color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	data, err := Transform(src, domain.Configuration{ColorQuantization: 1, PixelSwapStrength: 0}, nil)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	out := decodePNG(t, data)
	if !bytes.Equal(out.Pix, src.Pix) {
		t.Fatalf("expected white image, got %v", out.Pix)
	}
}

func TestTransformZeroStrengthIsDeterministic(t *testing.T) {
	src := gradientImage(33, 17)
	for q := domain.MinColorQuantization; q <= domain.MaxColorQuantization; q++ {
		cfg := domain.Configuration{ColorQuantization: q, PixelSwapStrength: 0}
		first, err := Transform(src, cfg, rand.New(rand.NewPCG(1, 2)))
		if err != nil {
			t.Fatalf("transform q=%d: %v", q, err)
		}
		second, err := Transform(src, cfg, rand.New(rand.NewPCG(99, 7)))
		if err != nil {
			t.Fatalf("transform q=%d: %v", q, err)
		}
		if !bytes.Equal(first, second) {
			t.Fatalf("q=%d: expected identical output", q)
		}
	}
}

func TestScrubTwiceReproducesQuantizedImage(t *testing.T) {
	cfg := domain.Configuration{ColorQuantization: 4, PixelSwapStrength: 0}
	once := Scrub(gradientImage(20, 12), cfg, nil)
	twice := Scrub(once, cfg, nil)
	if !bytes.Equal(once.Pix, twice.Pix) {
		t.Fatal("expected quantization to be stable under repetition")
	}
}

func TestScrubSingleSeededRunIsReproducible(t *testing.T) {
	src := gradientImage(16, 16)
	cfg := domain.Configuration{ColorQuantization: 3, PixelSwapStrength: 6}

	a := Scrub(src, cfg, rand.New(rand.NewPCG(42, 42)))
	b := Scrub(src, cfg, rand.New(rand.NewPCG(42, 42)))
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Fatal("expected the same seed to produce the same pixels")
	}
}

func TestScrubSwapsOnlyWithDiagonalNeighbour(t *testing.T) {
	const w, h = 5, 3
	src := indexImage(w, h)
	cfg := domain.Configuration{ColorQuantization: 1, PixelSwapStrength: 10}

	out := Scrub(src, cfg, rand.New(rand.NewPCG(3, 4)))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			got := out.NRGBAAt(x, y)
			nx, ny := x^1, y^1
			want := src.NRGBAAt(x, y)
			if nx < w && ny < h {
				want = src.NRGBAAt(nx, ny)
			}
			want = quantizeColor(want, cfg.ColorQuantization)
			if got != want {
				t.Fatalf("pixel (%d,%d): got %v want %v", x, y, got, want)
			}
		}
	}
}

func TestSwapSourceThresholdMatchesStrength(t *testing.T) {
	for strength := 0; strength <= domain.MaxPixelSwapStrength; strength++ {
		rng := &scriptedRand{}
		swaps := 0
		for draw := 0; draw < 10; draw++ {
			rng.next = draw
			if sx, sy := swapSource(0, 0, 2, 2, strength, rng); sx == 1 && sy == 1 {
				swaps++
			}
		}
		if swaps != strength {
			t.Fatalf("strength %d: expected %d swaps over draws 0..9, got %d", strength, strength, swaps)
		}
		if strength > 0 && rng.calls != 10 {
			t.Fatalf("strength %d: expected 10 draws, got %d", strength, rng.calls)
		}
	}
}

func TestScrubSinglePixelIgnoresSwapStrength(t *testing.T) {
	src := uniformImage(1, 1, color.NRGBA{R: 77, G: 130, B: 9, A: 200})
	for strength := domain.MinPixelSwapStrength; strength <= domain.MaxPixelSwapStrength; strength++ {
		out := Scrub(src, domain.Configuration{ColorQuantization: 2, PixelSwapStrength: strength}, countingRand{t: t})
		want := quantizeColor(src.NRGBAAt(0, 0), 2)
		if got := out.NRGBAAt(0, 0); got != want {
			t.Fatalf("strength=%d: got %v want %v", strength, got, want)
		}
	}
}

func TestScrubLeavesSourceUntouched(t *testing.T) {
	src := gradientImage(8, 8)
	before := append([]byte(nil), src.Pix...)
	Scrub(src, domain.Configuration{ColorQuantization: 6, PixelSwapStrength: 10}, rand.New(rand.NewPCG(5, 5)))
	if !bytes.Equal(before, src.Pix) {
		t.Fatal("expected source pixels to be unchanged")
	}
}

func TestTransformRejectsNilSource(t *testing.T) {
	if _, err := Transform(nil, domain.DefaultConfiguration(), nil); err != ErrNoPixels {
		t.Fatalf("expected ErrNoPixels, got %v", err)
	}
}

func BenchmarkTransform(b *testing.B) {
	src := gradientImage(1920, 1080)
	cfg := domain.DefaultConfiguration()
	rng := rand.New(rand.NewPCG(1, 1))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Transform(src, cfg, rng); err != nil {
			b.Fatalf("transform: %v", err)
		}
	}
}

// countingRand fails the test if a draw is taken.
type countingRand struct {
	t *testing.T
}

func (r countingRand) IntN(int) int {
	r.t.Fatal("unexpected swap draw for a pixel without an in-bounds neighbour")
	return 0
}

// scriptedRand returns next from every draw and checks the bound.
type scriptedRand struct {
	next  int
	calls int
}

func (r *scriptedRand) IntN(n int) int {
	r.calls++
	if n != 10 {
		panic("swap draws are taken from [0,10)")
	}
	return r.next
}

func quantizeColor(c color.NRGBA, q int) color.NRGBA {
	return color.NRGBA{R: Quantize(c.R, q), G: Quantize(c.G, q), B: Quantize(c.B, q), A: Quantize(c.A, q)}
}

func uniformImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x * 255) / max(1, w-1)),
				G: uint8((y * 255) / max(1, h-1)),
				B: 140,
				A: 255,
			})
		}
	}
	return img
}

// indexImage gives every pixel a distinct colour so swaps are observable.
func indexImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 50), G: uint8(y * 80), B: uint8(x*10 + y), A: 255})
		}
	}
	return img
}

func decodePNG(t *testing.T, data []byte) *image.NRGBA {
	t.Helper()

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	return toNRGBA(img)
}
