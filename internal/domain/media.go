package domain

import (
	"fmt"
	"mime"
	"strings"
)

// MediaType is one of the raster formats the ingestion pipeline can decode.
type MediaType string

const (
	MediaTypePNG  MediaType = "image/png"
	MediaTypeJPEG MediaType = "image/jpeg"
	MediaTypeGIF  MediaType = "image/gif"
	MediaTypeWEBP MediaType = "image/webp"
	MediaTypeBMP  MediaType = "image/bmp"
	MediaTypeTIFF MediaType = "image/tiff"
)

// RenderedMediaType is the media type of every engine output.
const RenderedMediaType = MediaTypePNG

var mediaAliases = map[string]MediaType{
	"image/png":      MediaTypePNG,
	"image/apng":     MediaTypePNG,
	"image/jpeg":     MediaTypeJPEG,
	"image/jpg":      MediaTypeJPEG,
	"image/pjpeg":    MediaTypeJPEG,
	"image/gif":      MediaTypeGIF,
	"image/webp":     MediaTypeWEBP,
	"image/bmp":      MediaTypeBMP,
	"image/x-bmp":    MediaTypeBMP,
	"image/x-ms-bmp": MediaTypeBMP,
	"image/tiff":     MediaTypeTIFF,
	"image/tif":      MediaTypeTIFF,
}

// ParseMediaType maps a declared type such as "image/jpeg; charset=binary"
// onto the closed set. Anything outside image/* is ErrNotAnImage; an image/*
// subtype without a decoder is ErrDecode.
func ParseMediaType(declared string) (MediaType, error) {
	base, _, err := mime.ParseMediaType(strings.TrimSpace(declared))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrNotAnImage, declared)
	}
	if !strings.HasPrefix(base, "image/") {
		return "", fmt.Errorf("%w: %s", ErrNotAnImage, base)
	}
	mt, ok := mediaAliases[base]
	if !ok {
		return "", fmt.Errorf("%w: unsupported format %s", ErrDecode, base)
	}
	return mt, nil
}

func (m MediaType) String() string {
	return string(m)
}
