// Package storage keeps batch sources, batch outputs and exported renderings
// in a single S3-compatible bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultMaxObjectBytes = 64 << 20

var ErrObjectTooLarge = errors.New("object exceeds size limit")

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool

	// MaxObjectBytes caps ReadObject; zero means 64 MiB.
	MaxObjectBytes int64
}

type Client struct {
	minio    *minio.Client
	bucket   string
	maxBytes int64
}

func NewClient(cfg Config) (*Client, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client for %s: %w", cfg.Endpoint, err)
	}

	maxBytes := cfg.MaxObjectBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxObjectBytes
	}
	return &Client{minio: mc, bucket: bucket, maxBytes: maxBytes}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket on first start. Losing a creation race to
// another replica counts as success.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}

	err = c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	switch minio.ToErrorResponse(err).Code {
	case "":
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", c.bucket, err)
		}
		return nil
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return nil
	default:
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
}

// PresignedPutURL lets a client upload a batch source without passing the
// bytes through the API.
func (c *Client) PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedPutObject(ctx, c.bucket, objectKey, expiry)
	if err != nil {
		return "", fmt.Errorf("presign upload %s: %w", objectKey, err)
	}
	return u.String(), nil
}

func (c *Client) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", objectKey, err)
}

// ReadObject loads a batch source. Objects over the size limit are refused
// from their metadata before any bytes are downloaded, and the read itself is
// capped in case the object grows in between.
func (c *Client) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	info, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", objectKey, err)
	}
	if info.Size > c.maxBytes {
		return nil, c.tooLarge(objectKey)
	}

	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", objectKey, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", objectKey, err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, c.tooLarge(objectKey)
	}
	return data, nil
}

// WriteObject stores a rendering. The key's base name becomes the download
// file name.
func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{
		ContentType:        contentType,
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", baseName(objectKey)),
	}
	if _, err := c.minio.PutObject(ctx, c.bucket, objectKey, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return fmt.Errorf("put %s: %w", objectKey, err)
	}
	return nil
}

func (c *Client) tooLarge(objectKey string) error {
	return fmt.Errorf("%w: %s is larger than %d bytes", ErrObjectTooLarge, objectKey, c.maxBytes)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

func baseName(objectKey string) string {
	if i := strings.LastIndexByte(objectKey, '/'); i >= 0 {
		return objectKey[i+1:]
	}
	return objectKey
}
