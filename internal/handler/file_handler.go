package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/Dry1ceD7/AAEConnect/internal/attachment"
	"github.com/Dry1ceD7/AAEConnect/internal/audit"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/Dry1ceD7/AAEConnect/pkg/middleware"
	"github.com/Dry1ceD7/AAEConnect/pkg/response"
	"github.com/Dry1ceD7/AAEConnect/pkg/storage"
	"github.com/gin-gonic/gin"
)

// FileRoutePrefix is where uploaded files are served from.
const FileRoutePrefix = "/files"

// Attachments stores and serves uploaded files.
type Attachments interface {
	Upload(ctx context.Context, userID, filename, contentType string, r io.Reader, size int64) (*attachment.Attachment, error)
	Open(ctx context.Context, key string) (io.ReadCloser, *storage.Object, error)
	MaxSize() int64
}

type FileHandler struct {
	files Attachments
}

func NewFileHandler(files Attachments) *FileHandler {
	return &FileHandler{files: files}
}

func (h *FileHandler) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc) {
	files := r.Group(FileRoutePrefix, auth)
	{
		files.POST("/upload", h.Upload)
		files.GET("/attachments/*key", h.Download)
	}
}

// Upload accepts a multipart form with a single "file" field.
func (h *FileHandler) Upload(c *gin.Context) {
	// Leave room for the multipart framing around the file itself.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.files.MaxSize()+1<<20)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.TooLarge(c, "file exceeds the upload limit")
			return
		}
		response.BadRequest(c, "no file provided")
		return
	}

	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "unreadable file")
		return
	}
	defer f.Close()

	contentType := fh.Header.Get("Content-Type")
	a, err := h.files.Upload(c.Request.Context(), middleware.GetUserID(c), fh.Filename, contentType, f, fh.Size)
	if err != nil {
		switch {
		case errors.Is(err, attachment.ErrTooLarge):
			response.TooLarge(c, err.Error())
		case errors.Is(err, attachment.ErrEmpty):
			response.BadRequest(c, err.Error())
		default:
			l := log.Ctx(c.Request.Context())
			l.Error().Err(err).Str("filename", fh.Filename).Msg("failed to upload file")
			response.InternalError(c, "failed to upload file")
		}
		return
	}

	audit.Record(c.Request.Context(), audit.Event{Action: audit.ActionFileUpload, UserID: a.UploadedBy, Target: a.Key}, "file uploaded")
	response.Created(c, a)
}

func (h *FileHandler) Download(c *gin.Context) {
	key := "attachments/" + strings.TrimPrefix(c.Param("key"), "/")

	rc, obj, err := h.files.Open(c.Request.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidKey):
			response.NotFound(c, "file not found")
		default:
			l := log.Ctx(c.Request.Context())
			l.Error().Err(err).Str("key", key).Msg("failed to open file")
			response.InternalError(c, "failed to retrieve file")
		}
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, obj.Size, obj.ContentType, rc, nil)
}
