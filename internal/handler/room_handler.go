package handler

import (
	"context"

	"github.com/Dry1ceD7/AAEConnect/internal/audit"
	"github.com/Dry1ceD7/AAEConnect/internal/idgen"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/Dry1ceD7/AAEConnect/pkg/middleware"
	"github.com/Dry1ceD7/AAEConnect/pkg/response"
	"github.com/gin-gonic/gin"
)

// RoomManager maintains rooms and their members.
type RoomManager interface {
	CreateRoom(ctx context.Context, id, name string) error
	AddMember(ctx context.Context, roomID, userID, role string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
}

// RoomHandler lets authenticated users create, join and leave rooms.
type RoomHandler struct {
	rooms RoomManager
	ids   idgen.Generator
}

func NewRoomHandler(rooms RoomManager, ids idgen.Generator) *RoomHandler {
	return &RoomHandler{rooms: rooms, ids: ids}
}

func (h *RoomHandler) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc) {
	rooms := r.Group("/rooms", auth)
	{
		rooms.POST("", h.CreateRoom)
		rooms.POST("/:room_id/join", h.Join)
		rooms.POST("/:room_id/leave", h.Leave)
	}
}

type CreateRoomRequest struct {
	ID   string `json:"id"`
	Name string `json:"name" binding:"required"`
}

type RoomResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// CreateRoom creates a room owned by the caller.
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	if req.ID == "" {
		id, err := h.ids.Generate()
		if err != nil {
			response.InternalError(c, "failed to generate room id")
			return
		}
		req.ID = id
	}

	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)
	if err := h.rooms.CreateRoom(ctx, req.ID, req.Name); err != nil {
		h.fail(c, err, req.ID, "failed to create room")
		return
	}
	if err := h.rooms.AddMember(ctx, req.ID, userID, "owner"); err != nil {
		h.fail(c, err, req.ID, "failed to add room owner")
		return
	}

	audit.Record(ctx, audit.Event{Action: audit.ActionRoomCreate, UserID: userID, RoomID: req.ID}, "room created")
	response.Created(c, RoomResponse{ID: req.ID, Name: req.Name, UserID: userID, Role: "owner"})
}

func (h *RoomHandler) Join(c *gin.Context) {
	roomID := c.Param("room_id")
	userID := middleware.GetUserID(c)
	if err := h.rooms.AddMember(c.Request.Context(), roomID, userID, ""); err != nil {
		h.fail(c, err, roomID, "failed to join room")
		return
	}
	audit.Record(c.Request.Context(), audit.Event{Action: audit.ActionRoomJoin, UserID: userID, RoomID: roomID}, "joined room")
	response.Success(c, RoomResponse{ID: roomID, UserID: userID, Role: "member"})
}

func (h *RoomHandler) Leave(c *gin.Context) {
	roomID := c.Param("room_id")
	userID := middleware.GetUserID(c)
	if err := h.rooms.RemoveMember(c.Request.Context(), roomID, userID); err != nil {
		h.fail(c, err, roomID, "failed to leave room")
		return
	}
	audit.Record(c.Request.Context(), audit.Event{Action: audit.ActionRoomLeave, UserID: userID, RoomID: roomID}, "left room")
	response.Success(c, RoomResponse{ID: roomID, UserID: userID})
}

func (h *RoomHandler) fail(c *gin.Context, err error, roomID, msg string) {
	l := log.Ctx(c.Request.Context())
	l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg(msg)
	response.InternalError(c, msg)
}
