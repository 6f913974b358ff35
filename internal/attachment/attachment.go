// Package attachment stores the files referenced by file, image and voice
// messages.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/Dry1ceD7/AAEConnect/internal/idgen"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/Dry1ceD7/AAEConnect/pkg/storage"
)

const DefaultMaxSize = 25 << 20

var (
	ErrTooLarge = errors.New("attachment too large")
	ErrEmpty    = errors.New("attachment is empty")
)

type Config struct {
	storage.Config `mapstructure:",squash"`

	Enabled bool          `mapstructure:"enabled"`
	MaxSize int64         `mapstructure:"max_size"`
	URLTTL  time.Duration `mapstructure:"url_ttl"`

	Thumbnail ThumbnailConfig `mapstructure:"thumbnail"`
}

// Attachment is the result of an upload. Clients put DownloadURL (or Key)
// into the content of a file, image or voice message.
type Attachment struct {
	ID          string             `json:"id"`
	Key         string             `json:"key"`
	Filename    string             `json:"filename"`
	ContentType string             `json:"content_type"`
	Size        int64              `json:"size"`
	Kind        domain.MessageKind `json:"message_type"`
	DownloadURL string             `json:"download_url"`
	UploadedBy  string             `json:"uploaded_by"`
	CreatedAt   time.Time          `json:"created_at"`

	// ThumbnailURL is set for images when previews are enabled.
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

type Service struct {
	blobs   storage.BlobStore
	ids     idgen.Generator
	maxSize int64
	urlTTL  time.Duration
	// routePrefix is where the download handler is mounted; used when the
	// blob store has no direct URL.
	routePrefix string
	thumbs      *thumbnailer
}

func NewService(blobs storage.BlobStore, ids idgen.Generator, maxSize int64, urlTTL time.Duration, routePrefix string, opts ...Option) *Service {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	s := &Service{
		blobs:       blobs,
		ids:         ids,
		maxSize:     maxSize,
		urlTTL:      urlTTL,
		routePrefix: strings.TrimSuffix(routePrefix, "/"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) MaxSize() int64 {
	return s.maxSize
}

// Upload stores r for userID. size must be the exact content length.
func (s *Service) Upload(ctx context.Context, userID, filename, contentType string, r io.Reader, size int64) (*Attachment, error) {
	if size == 0 {
		return nil, ErrEmpty
	}
	if size > s.maxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, size, s.maxSize)
	}

	id, err := s.ids.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate attachment id: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := Key(userID, id, filename)
	if err := s.blobs.Put(ctx, key, io.LimitReader(r, s.maxSize), size, contentType); err != nil {
		return nil, fmt.Errorf("failed to store attachment: %w", err)
	}

	url, err := s.URL(ctx, key)
	if err != nil {
		return nil, err
	}

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldUserID, userID).Str("key", key).Int64("size", size).Msg("attachment stored")

	a := &Attachment{
		ID:          id,
		Key:         key,
		Filename:    path.Base(filename),
		ContentType: contentType,
		Size:        size,
		Kind:        KindFor(contentType),
		DownloadURL: url,
		UploadedBy:  userID,
		CreatedAt:   time.Now().UTC(),
	}

	// A missing preview never fails the upload.
	if s.thumbs != nil && s.thumbs.supports(contentType) {
		thumbKey, err := s.thumbs.generate(ctx, key)
		if err != nil {
			l.Warn().Err(err).Str("key", key).Msg("failed to generate thumbnail")
		} else if a.ThumbnailURL, err = s.URL(ctx, thumbKey); err != nil {
			l.Warn().Err(err).Str("key", thumbKey).Msg("failed to resolve thumbnail url")
		}
	}
	return a, nil
}

// Open returns the blob stored under key.
func (s *Service) Open(ctx context.Context, key string) (io.ReadCloser, *storage.Object, error) {
	return s.blobs.Open(ctx, key)
}

// URL returns the link clients use to fetch key.
func (s *Service) URL(ctx context.Context, key string) (string, error) {
	url, err := s.blobs.URL(ctx, key, s.urlTTL)
	if err != nil {
		return "", err
	}
	if url == "" {
		url = s.routePrefix + "/" + key
	}
	return url, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.blobs.Ping(ctx)
}

// Key builds the storage key for an upload. The original extension is kept
// so that content types can be recovered from the key.
func Key(userID, id, filename string) string {
	ext := strings.ToLower(path.Ext(path.Base(filename)))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	return fmt.Sprintf("attachments/%s/%s%s", sanitize(userID), id, ext)
}

// KindFor maps a content type to the message kind it is sent as.
func KindFor(contentType string) domain.MessageKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return domain.KindImage
	case strings.HasPrefix(contentType, "audio/"):
		return domain.KindVoice
	default:
		return domain.KindFile
	}
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}
