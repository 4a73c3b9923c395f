package domain

import "image"

// ImageRecord pairs a decoded upload with its current rendering. Only
// RenderedBytes changes after the record is created.
type ImageRecord struct {
	Name          string
	MediaType     string
	SourcePixels  *image.NRGBA
	SourceBytes   []byte
	RenderedBytes []byte
}

func (r *ImageRecord) Width() int {
	if r.SourcePixels == nil {
		return 0
	}
	return r.SourcePixels.Rect.Dx()
}

func (r *ImageRecord) Height() int {
	if r.SourcePixels == nil {
		return 0
	}
	return r.SourcePixels.Rect.Dy()
}
