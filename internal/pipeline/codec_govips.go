//go:build govips && cgo

package pipeline

import (
	"bytes"
	"errors"
	"image"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/pixelscrub/internal/domain"
)

var vipsImageTypes = map[domain.MediaType]vips.ImageType{
	domain.MediaTypePNG:  vips.ImageTypePNG,
	domain.MediaTypeJPEG: vips.ImageTypeJPEG,
	domain.MediaTypeGIF:  vips.ImageTypeGIF,
	domain.MediaTypeWEBP: vips.ImageTypeWEBP,
	domain.MediaTypeTIFF: vips.ImageTypeTIFF,
}

// govipsDecoder lets libvips parse the declared formats it knows and hands
// the pixels back through a lossless PNG. Other formats go to the stdlib.
type govipsDecoder struct {
	fallback stdlibDecoder
}

func (d govipsDecoder) Decode(data []byte, mediaType domain.MediaType) (*image.NRGBA, error) {
	want, ok := vipsImageTypes[mediaType]
	if !ok {
		return d.fallback.Decode(data, mediaType)
	}
	if got := vips.DetermineImageType(data); got != want {
		return nil, decodeError(mediaType, errors.New("payload does not match declared type"))
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, decodeError(mediaType, err)
	}
	defer img.Close()

	lossless, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, decodeError(mediaType, err)
	}
	decoded, err := png.Decode(bytes.NewReader(lossless))
	if err != nil {
		return nil, decodeError(mediaType, err)
	}
	return toNRGBA(decoded), nil
}
