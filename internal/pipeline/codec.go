package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"

	"github.com/dunamismax/pixelscrub/internal/domain"
)

// Decoder turns raw bytes of a declared media type into straight-alpha RGBA
// pixels. Failures wrap domain.ErrDecode.
type Decoder interface {
	Decode(data []byte, mediaType domain.MediaType) (*image.NRGBA, error)
}

func NewDecoder() (Decoder, error) {
	return newDecoder()
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func toNRGBA(src image.Image) *image.NRGBA {
	if n, ok := src.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func decodeError(mediaType domain.MediaType, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrDecode, mediaType, err)
}
