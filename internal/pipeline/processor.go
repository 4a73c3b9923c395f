package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/pixelscrub/internal/domain"
)

const (
	SourceTypeLocalFile = "local_file"
	OutputFormat        = "png"
)

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

type Request struct {
	JobID      string
	SourceType string
	Name       string
	MediaType  string
	ObjectKey  string
	Config     domain.Configuration
	Seed       uint64 // zero picks a random seed
}

type Output struct {
	Format      string `json:"format"`
	Path        string `json:"path"`
	Bytes       int    `json:"bytes"`
	SourceBytes int    `json:"source_bytes"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

type Result struct {
	Output Output
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, data []byte, width, height int) (Output, error)
}

// Ingester validates, decodes and renders one upload.
type Ingester interface {
	IngestBytes(ctx context.Context, name, mediaType string, data []byte, cfg domain.Configuration, rng Rand) (domain.ImageRecord, error)
}

// Processor runs one batch request through fetch, ingest and emit.
type Processor struct {
	fetcher  Fetcher
	ingester Ingester
	emitter  Emitter
}

func NewProcessor(fetcher Fetcher, ingester Ingester, emitter Emitter) *Processor {
	return &Processor{
		fetcher:  fetcher,
		ingester: ingester,
		emitter:  emitter,
	}
}

func NewLocalProcessor(ingester Ingester, outputDir string) *Processor {
	return NewProcessor(LocalFileFetcher{}, ingester, LocalFileEmitter{OutputDir: outputDir})
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	record, err := p.ingester.IngestBytes(ctx, req.Name, req.MediaType, sourceBytes, req.Config, NewRand(req.Seed))
	if err != nil {
		return Result{}, fmt.Errorf("ingest stage job=%s: %w", req.JobID, err)
	}

	written, err := p.emitter.Emit(ctx, req, record.RenderedBytes, record.Width(), record.Height())
	if err != nil {
		return Result{}, fmt.Errorf("emit stage job=%s: %w", req.JobID, err)
	}
	written.SourceBytes = len(sourceBytes)

	return Result{Output: written}, nil
}

// NewRand returns a PCG generator. A zero seed is replaced by the clock so
// unseeded runs differ from each other.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, data []byte, width, height int) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if err := os.MkdirAll(e.OutputDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(e.OutputDir, ScrubbedFileName(req.Name))
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return Output{
		Format: OutputFormat,
		Path:   fullPath,
		Bytes:  len(data),
		Width:  width,
		Height: height,
	}, nil
}

// ScrubbedFileName derives the output name: "holiday photo.jpg" becomes
// "holiday_photo.scrubbed.png".
func ScrubbedFileName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return sanitizePathToken(base) + ".scrubbed." + OutputFormat
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" || in == "." {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
