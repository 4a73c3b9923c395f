// Package ingest turns uploaded bytes into decoded, rendered image records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/dunamismax/pixelscrub/internal/domain"
	"github.com/dunamismax/pixelscrub/internal/pipeline"
)

// Reader retrieves the raw bytes of a selected file.
type Reader func(ctx context.Context) ([]byte, error)

// Bytes wraps data that is already in memory.
func Bytes(data []byte) Reader {
	return func(context.Context) ([]byte, error) {
		return data, nil
	}
}

type File struct {
	Name      string
	MediaType string
	Read      Reader
}

// Error reports a failed ingestion. It unwraps to domain.ErrNotAnImage or
// domain.ErrDecode.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Decoded is a validated upload whose pixels are ready for the engine.
type Decoded struct {
	Name      string
	MediaType string
	Raw       []byte
	Pixels    *image.NRGBA
}

// Result is what Start delivers once a file settles.
type Result struct {
	Decoded Decoded
	Err     error
}

type Pipeline struct {
	decoder pipeline.Decoder
}

func New(decoder pipeline.Decoder) *Pipeline {
	return &Pipeline{decoder: decoder}
}

// Decode checks the declared media type against the supported set and
// decodes raw with the matching codec.
func (p *Pipeline) Decode(name, mediaType string, raw []byte) (Decoded, error) {
	mt, err := domain.ParseMediaType(mediaType)
	if err != nil {
		return Decoded{}, &Error{Name: name, Err: err}
	}
	pixels, err := p.decoder.Decode(raw, mt)
	if err != nil {
		return Decoded{}, &Error{Name: name, Err: err}
	}
	return Decoded{
		Name:      name,
		MediaType: mediaType,
		Raw:       raw,
		Pixels:    pixels,
	}, nil
}

// Render runs the engine once over d and builds the record.
func Render(d Decoded, cfg domain.Configuration, rng pipeline.Rand) (domain.ImageRecord, error) {
	rendered, err := pipeline.Transform(d.Pixels, cfg, rng)
	if err != nil {
		return domain.ImageRecord{}, &Error{Name: d.Name, Err: fmt.Errorf("%w: %v", domain.ErrDecode, err)}
	}
	return domain.ImageRecord{
		Name:          d.Name,
		MediaType:     d.MediaType,
		SourcePixels:  d.Pixels,
		SourceBytes:   d.Raw,
		RenderedBytes: rendered,
	}, nil
}

// IngestBytes decodes raw and renders it. A cancelled ctx stops it before
// either step.
func (p *Pipeline) IngestBytes(ctx context.Context, name, mediaType string, raw []byte, cfg domain.Configuration, rng pipeline.Rand) (domain.ImageRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.ImageRecord{}, &Error{Name: name, Err: err}
	}
	decoded, err := p.Decode(name, mediaType, raw)
	if err != nil {
		return domain.ImageRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.ImageRecord{}, &Error{Name: name, Err: err}
	}
	return Render(decoded, cfg, rng)
}

func (p *Pipeline) Ingest(ctx context.Context, f File, cfg domain.Configuration, rng pipeline.Rand) (domain.ImageRecord, error) {
	decoded, err := p.read(ctx, f)
	if err != nil {
		return domain.ImageRecord{}, err
	}
	return Render(decoded, cfg, rng)
}

// Start reads and decodes f on its own goroutine and hands the outcome to
// deliver. Rendering is left to the caller so it can use the configuration
// that is current when the result arrives.
func (p *Pipeline) Start(ctx context.Context, f File, deliver func(Result)) {
	go func() {
		decoded, err := p.read(ctx, f)
		deliver(Result{Decoded: decoded, Err: err})
	}()
}

func (p *Pipeline) read(ctx context.Context, f File) (Decoded, error) {
	// Reject by declared type before pulling any bytes.
	if _, err := domain.ParseMediaType(f.MediaType); errors.Is(err, domain.ErrNotAnImage) {
		return Decoded{}, &Error{Name: f.Name, Err: err}
	}
	if f.Read == nil {
		return Decoded{}, &Error{Name: f.Name, Err: fmt.Errorf("%w: no byte source", domain.ErrDecode)}
	}

	raw, err := f.Read(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decoded{}, &Error{Name: f.Name, Err: ctxErr}
		}
		return Decoded{}, &Error{Name: f.Name, Err: fmt.Errorf("%w: read: %v", domain.ErrDecode, err)}
	}
	if err := ctx.Err(); err != nil {
		return Decoded{}, &Error{Name: f.Name, Err: err}
	}
	return p.Decode(f.Name, f.MediaType, raw)
}
