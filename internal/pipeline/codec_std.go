package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/dunamismax/pixelscrub/internal/domain"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

type stdlibDecoder struct{}

func (stdlibDecoder) Decode(data []byte, mediaType domain.MediaType) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, decodeError(mediaType, errors.New("empty payload"))
	}

	var decode func(io.Reader) (image.Image, error)
	switch mediaType {
	case domain.MediaTypePNG:
		decode = png.Decode
	case domain.MediaTypeJPEG:
		decode = jpeg.Decode
	case domain.MediaTypeGIF:
		decode = gif.Decode
	case domain.MediaTypeWEBP:
		decode = webp.Decode
	case domain.MediaTypeBMP:
		decode = bmp.Decode
	case domain.MediaTypeTIFF:
		decode = tiff.Decode
	default:
		return nil, fmt.Errorf("%w: unsupported format %s", domain.ErrDecode, mediaType)
	}

	img, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, decodeError(mediaType, err)
	}
	if b := img.Bounds(); b.Empty() {
		return nil, decodeError(mediaType, errors.New("image has no pixels"))
	}
	return toNRGBA(img), nil
}
