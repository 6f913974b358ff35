package attachment

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/Dry1ceD7/AAEConnect/pkg/storage"
	"github.com/disintegration/imaging"
)

const (
	DefaultThumbnailSize    = 320
	DefaultThumbnailQuality = 80

	thumbnailSuffix = ".thumb.jpg"
)

// ThumbnailConfig controls the preview generated for image uploads. A zero
// size disables previews.
type ThumbnailConfig struct {
	Size    int `mapstructure:"size"`
	Quality int `mapstructure:"quality"`
}

// Option configures a Service.
type Option func(*Service)

// WithThumbnails enables previews for image uploads.
func WithThumbnails(cfg ThumbnailConfig) Option {
	return func(s *Service) {
		if cfg.Size <= 0 {
			return
		}
		if cfg.Quality <= 0 || cfg.Quality > 100 {
			cfg.Quality = DefaultThumbnailQuality
		}
		s.thumbs = &thumbnailer{blobs: s.blobs, size: cfg.Size, quality: cfg.Quality}
	}
}

// ThumbnailKey is where the preview of key is stored.
func ThumbnailKey(key string) string {
	return key + thumbnailSuffix
}

type thumbnailer struct {
	blobs   storage.BlobStore
	size    int
	quality int
}

// supports reports whether contentType is a format the decoder understands.
func (t *thumbnailer) supports(contentType string) bool {
	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/jpg", "image/png", "image/gif", "image/bmp", "image/tiff":
		return true
	}
	return false
}

// generate reads the stored original back, scales it to fit within a
// size x size box and stores the JPEG result next to it.
func (t *thumbnailer) generate(ctx context.Context, key string) (string, error) {
	rc, _, err := t.blobs.Open(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read original: %w", err)
	}
	defer rc.Close()

	img, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	if b.Dx() > t.size || b.Dy() > t.size {
		img = imaging.Fit(img, t.size, t.size, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(t.quality)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	thumbKey := ThumbnailKey(key)
	if err := t.blobs.Put(ctx, thumbKey, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/jpeg"); err != nil {
		return "", fmt.Errorf("store thumbnail: %w", err)
	}

	l := log.Ctx(ctx)
	l.Debug().Str("key", thumbKey).Int("bytes", buf.Len()).Msg("thumbnail stored")
	return thumbKey, nil
}
