// Package storage keeps message attachments on the local filesystem or in
// an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

const (
	DriverLocal = "local"
	DriverS3    = "s3"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

// Object describes a stored blob.
type Object struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobStore stores attachment blobs by key.
type BlobStore interface {
	// Put stores r under key. size is the content length, or -1 if unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Open returns the blob and its metadata. The caller closes the reader.
	// Missing keys return an error wrapping ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, key string) error
	// URL returns a link clients can fetch the blob from. Empty means the
	// blob is only reachable through Open.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)
	Ping(ctx context.Context) error
}

// Config selects and configures the blob store.
type Config struct {
	Driver string      `mapstructure:"driver"`
	Local  LocalConfig `mapstructure:"local"`
	S3     S3Config    `mapstructure:"s3"`
}

// New creates the blob store selected by cfg.Driver.
func New(ctx context.Context, cfg Config) (BlobStore, error) {
	switch cfg.Driver {
	case "", DriverLocal:
		return NewLocalStorage(cfg.Local)
	case DriverS3:
		return NewS3Storage(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// cleanKey normalizes a slash separated key and rejects keys that are
// absolute or climb out of the store's root.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}
