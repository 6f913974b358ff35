package handler

import (
	"context"
	"net/http"
	"sync"

	"github.com/Dry1ceD7/AAEConnect/internal/audit"
	"github.com/Dry1ceD7/AAEConnect/internal/session"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/Dry1ceD7/AAEConnect/pkg/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSHandler upgrades authenticated requests and runs one session per
// connection until the server context is cancelled.
type WSHandler struct {
	ctx      context.Context
	registry session.Registrar
	engine   session.Engine
	cfg      session.Config
	upgrader websocket.Upgrader
	sessions sync.WaitGroup
}

// NewWSHandler creates a websocket handler. Sessions are bound to ctx:
// cancelling it closes every connection with a going-away frame.
func NewWSHandler(ctx context.Context, reg session.Registrar, engine session.Engine, cfg session.Config, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		ctx:      ctx,
		registry: reg,
		engine:   engine,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func (h *WSHandler) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc) {
	r.GET("/ws", auth, h.HandleWebSocket)
}

func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	userID := middleware.GetUserID(c)
	username := middleware.GetUsername(c)

	l := log.Ctx(c.Request.Context())
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("websocket upgrade failed")
		return
	}

	sess := session.New(uuid.NewString(), userID, username, conn, h.registry, h.engine, h.cfg)
	ctx := log.WithLogger(h.ctx, l)

	h.sessions.Add(1)
	go func() {
		defer h.sessions.Done()
		sess.Run(ctx)
	}()
}

// Wait blocks until every session started by this handler has closed.
func (h *WSHandler) Wait() {
	h.sessions.Wait()
}

// AuditAuthFailure records a rejected authentication attempt.
func AuditAuthFailure(c *gin.Context, err error) {
	audit.Record(c.Request.Context(), audit.Event{Action: audit.ActionAuthFailed, Target: c.Request.URL.Path}, err.Error())
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
