package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/Dry1ceD7/AAEConnect/internal/search"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/Dry1ceD7/AAEConnect/pkg/response"
	"github.com/gin-gonic/gin"
)

// MessageSearcher runs full-text queries over a room's messages.
type MessageSearcher interface {
	Search(ctx context.Context, roomID, query string, limit, offset int) (*search.Result, error)
}

type SearchHandler struct {
	searcher MessageSearcher
}

func NewSearchHandler(s MessageSearcher) *SearchHandler {
	return &SearchHandler{searcher: s}
}

func (h *SearchHandler) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc) {
	r.GET("/messages/:room_id/search", auth, h.Search)
}

// Search answers GET /messages/:room_id/search?q=...&limit=...&offset=...
func (h *SearchHandler) Search(c *gin.Context) {
	roomID := c.Param("room_id")
	query := c.Query("q")
	if query == "" {
		response.BadRequest(c, "q is required")
		return
	}

	limit := search.DefaultLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, search.MaxLimit)
	}
	offset := 0
	if s := c.Query("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			response.BadRequest(c, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	res, err := h.searcher.Search(c.Request.Context(), roomID, query, limit, offset)
	if err != nil {
		if errors.Is(err, search.ErrEmptyQuery) {
			response.BadRequest(c, err.Error())
			return
		}
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("message search failed")
		response.ServiceUnavailable(c, "search is unavailable")
		return
	}

	response.Success(c, res)
}
