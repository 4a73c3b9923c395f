package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

const SourceTypeObjectStore = "object_store"

type objectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

type objectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage objectReader
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	if strings.TrimSpace(req.ObjectKey) == "" {
		return nil, errors.New("object key is required")
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      objectWriter
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, data []byte, width, height int) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	objectKey := OutputObjectKey(e.OutputPrefix, req.JobID)
	if err := e.Storage.WriteObject(ctx, objectKey, data, "image/png"); err != nil {
		return Output{}, err
	}

	return Output{
		Format: OutputFormat,
		Path:   objectKey,
		Bytes:  len(data),
		Width:  width,
		Height: height,
	}, nil
}

// OutputObjectKey is where the rendering of a batch job is stored.
func OutputObjectKey(prefix, jobID string) string {
	return path.Join(defaultOutputPrefix(prefix), sanitizePathToken(jobID), "scrubbed."+OutputFormat)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}
