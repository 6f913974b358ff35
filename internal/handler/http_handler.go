package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/broadcast"
	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/Dry1ceD7/AAEConnect/internal/history"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/Dry1ceD7/AAEConnect/pkg/middleware"
	"github.com/Dry1ceD7/AAEConnect/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HistoryReader serves stored messages.
type HistoryReader interface {
	History(ctx context.Context, roomID string, limit, offset int) ([]domain.ChatMessage, error)
	Get(ctx context.Context, messageID string) (*domain.ChatMessage, error)
}

// Sender submits a message through the broadcast engine.
type Sender interface {
	Send(ctx context.Context, req broadcast.SendRequest) (*broadcast.Receipt, error)
}

// SessionCounter reports the number of online users on this node.
type SessionCounter interface {
	Count() int
}

// Check is one dependency probed by /health and /ready. A failing
// critical check makes the node not ready.
type Check struct {
	Name     string
	Critical bool
	Ping     func(ctx context.Context) error
}

type HTTPHandler struct {
	history  HistoryReader
	sender   Sender
	sessions SessionCounter
	checks   []Check
	version  string
	started  time.Time
}

func NewHTTPHandler(h HistoryReader, s Sender, sessions SessionCounter, version string, checks ...Check) *HTTPHandler {
	return &HTTPHandler{
		history:  h,
		sender:   s,
		sessions: sessions,
		checks:   checks,
		version:  version,
		started:  time.Now(),
	}
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine, auth gin.HandlerFunc) {
	api := r.Group("", auth)
	{
		api.GET("/messages/:room_id", h.GetMessages)
		api.POST("/messages", h.SendMessage)
		api.GET("/message/:message_id", h.GetMessage)
	}

	r.GET("/health", h.HealthCheck)
	r.GET("/ready", h.ReadinessCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (h *HTTPHandler) GetMessages(c *gin.Context) {
	roomID := c.Param("room_id")
	if roomID == "" {
		response.BadRequest(c, "room_id is required")
		return
	}

	limit := history.DefaultLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > history.MaxLimit {
			limit = history.MaxLimit
		}
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		parsed, err := strconv.Atoi(offsetStr)
		if err != nil || parsed < 0 {
			response.BadRequest(c, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	msgs, err := h.history.History(c.Request.Context(), roomID, limit, offset)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to get chat history")
		response.InternalError(c, "failed to get chat history")
		return
	}

	response.Success(c, msgs)
}

// SendMessageRequest is the body of POST /messages.
type SendMessageRequest struct {
	RoomID      string             `json:"room_id" binding:"required"`
	Content     string             `json:"content"`
	MessageType domain.MessageKind `json:"message_type"`
	ReplyTo     *string            `json:"reply_to"`
}

func (h *HTTPHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	receipt, err := h.sender.Send(c.Request.Context(), broadcast.SendRequest{
		RoomID:      req.RoomID,
		UserID:      middleware.GetUserID(c),
		Username:    middleware.GetUsername(c),
		Content:     req.Content,
		MessageType: req.MessageType,
		ReplyTo:     req.ReplyTo,
	})
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Warn().Err(err).Str(log.FieldRoomID, req.RoomID).Msg("send message failed")

		code := domain.ErrorCode(err)
		switch {
		case errors.Is(err, domain.ErrValidation):
			response.Error(c, http.StatusBadRequest, code, err.Error())
		case errors.Is(err, domain.ErrPersistence):
			response.Error(c, http.StatusInternalServerError, code, "message could not be stored")
		case errors.Is(err, domain.ErrLookup):
			response.Error(c, http.StatusBadGateway, code, "message stored but room members could not be resolved")
		default:
			response.InternalError(c, "failed to send message")
		}
		return
	}

	response.Created(c, receipt.Message)
}

func (h *HTTPHandler) GetMessage(c *gin.Context) {
	messageID := c.Param("message_id")

	msg, err := h.history.Get(c.Request.Context(), messageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.NotFound(c, "message not found")
			return
		}
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldMessageID, messageID).Msg("failed to get message")
		response.InternalError(c, "failed to get message")
		return
	}

	response.Success(c, msg)
}

type ServiceHealth struct {
	Status         string    `json:"status"`
	ResponseTimeMS *int64    `json:"response_time_ms,omitempty"`
	Error          string    `json:"error,omitempty"`
	LastCheck      time.Time `json:"last_check"`
}

type HealthStatus struct {
	Status         string                   `json:"status"`
	Version        string                   `json:"version"`
	UptimeSeconds  int64                    `json:"uptime_seconds"`
	OnlineSessions int                      `json:"online_sessions"`
	Services       map[string]ServiceHealth `json:"services"`
}

// HealthCheck always answers 200; a failing dependency only degrades the
// reported status.
func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	status, _ := h.probe(c.Request.Context())
	response.Success(c, status)
}

// ReadinessCheck answers 503 while a critical dependency is unreachable.
func (h *HTTPHandler) ReadinessCheck(c *gin.Context) {
	status, ready := h.probe(c.Request.Context())
	if !ready {
		response.ServiceUnavailable(c, "not ready")
		return
	}
	response.Success(c, status)
}

func (h *HTTPHandler) probe(ctx context.Context) (HealthStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out := HealthStatus{
		Status:        "healthy",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Services:      make(map[string]ServiceHealth, len(h.checks)),
	}
	if h.sessions != nil {
		out.OnlineSessions = h.sessions.Count()
	}

	ready := true
	for _, chk := range h.checks {
		start := time.Now()
		err := chk.Ping(ctx)
		sh := ServiceHealth{LastCheck: time.Now().UTC()}
		if err != nil {
			sh.Status = "unhealthy"
			sh.Error = err.Error()
			out.Status = "degraded"
			if chk.Critical {
				ready = false
			}
		} else {
			ms := time.Since(start).Milliseconds()
			sh.Status = "healthy"
			sh.ResponseTimeMS = &ms
		}
		out.Services[chk.Name] = sh
	}
	return out, ready
}
