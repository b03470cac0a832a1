package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-gateway/internal/dispatch"
	"chat-gateway/internal/models"
	"chat-gateway/internal/repositories"
	"chat-gateway/internal/telemetry"
)

type messageSender interface {
	Send(ctx context.Context, senderID, roomID, content string) (models.Message, error)
}

// RoomHandler manages room-related endpoints.
type RoomHandler struct {
	roomRepo    repositories.RoomRepository
	messageRepo repositories.MessageRepository
	dispatcher  messageSender
	audit       *telemetry.AuditEmitter
}

// NewRoomHandler constructs a RoomHandler.
func NewRoomHandler(roomRepo repositories.RoomRepository, messageRepo repositories.MessageRepository, dispatcher messageSender, audit *telemetry.AuditEmitter) *RoomHandler {
	return &RoomHandler{
		roomRepo:    roomRepo,
		messageRepo: messageRepo,
		dispatcher:  dispatcher,
		audit:       audit,
	}
}

// CreateRoom handles POST /rooms. The caller becomes the room's Owner.
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	userID := c.GetString("userID")

	var req struct {
		Name        string  `json:"name" binding:"required,max=100"`
		Description *string `json:"description" binding:"omitempty,max=500"`
		IsPrivate   bool    `json:"is_private"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload", "")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.roomRepo.CreateRoom(c.Request.Context(), userID, req.Name, req.Description, req.IsPrivate)
	if err != nil {
		h.emitAudit(c, "ERROR", "internal error", "")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create room"})
		return
	}

	h.emitAudit(c, "INFO", "Room created", room.ID)
	c.JSON(http.StatusCreated, room)
}

// ListRooms returns rooms the caller belongs to.
func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.roomRepo.ListRoomsForUser(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load rooms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetRoom returns one room. Private rooms are visible to members only.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, ok := h.loadRoom(c)
	if !ok {
		return
	}
	if room.IsPrivate && !h.requireMember(c, room.ID) {
		return
	}
	c.JSON(http.StatusOK, room)
}

// JoinRoom records durable membership with the Member role.
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	room, ok := h.loadRoom(c)
	if !ok {
		return
	}
	if room.IsPrivate {
		h.emitAudit(c, "ERROR", "not allowed", room.ID)
		c.JSON(http.StatusForbidden, gin.H{"error": "room is private"})
		return
	}

	member, err := h.roomRepo.AddMember(c.Request.Context(), room.ID, c.GetString("userID"), models.RoleMember)
	if err != nil {
		if errors.Is(err, repositories.ErrAlreadyMember) {
			c.JSON(http.StatusConflict, gin.H{"error": "already a member"})
			return
		}
		h.emitAudit(c, "ERROR", "internal error", room.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not join room"})
		return
	}

	h.emitAudit(c, "INFO", "Room joined", room.ID)
	c.JSON(http.StatusCreated, member)
}

// GetRoomMessages returns one page of history, newest page first and
// oldest first within the page.
func (h *RoomHandler) GetRoomMessages(c *gin.Context) {
	roomID := c.Param("room_id")
	page, pageSize, err := parsePaging(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.requireMember(c, roomID) {
		return
	}

	msgs, err := h.messageRepo.ListRoomMessages(c.Request.Context(), roomID, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "page": page, "page_size": pageSize})
}

// PostRoomMessage sends a message through the dispatcher, which persists
// and broadcasts it.
func (h *RoomHandler) PostRoomMessage(c *gin.Context) {
	roomID := c.Param("room_id")

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload", roomID)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.dispatcher.Send(c.Request.Context(), c.GetString("userID"), roomID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrInvalidContent):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, dispatch.ErrNotAMember):
			h.emitAudit(c, "ERROR", "not allowed", roomID)
			c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
		default:
			h.emitAudit(c, "ERROR", "internal error", roomID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		}
		return
	}

	h.emitAudit(c, "INFO", "Room message sent", roomID)
	c.JSON(http.StatusCreated, msg)
}

func (h *RoomHandler) loadRoom(c *gin.Context) (models.Room, bool) {
	room, err := h.roomRepo.GetRoom(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		if errors.Is(err, repositories.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return models.Room{}, false
		}
		h.emitAudit(c, "ERROR", "internal error", "")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load room"})
		return models.Room{}, false
	}
	return room, true
}

func (h *RoomHandler) requireMember(c *gin.Context, roomID string) bool {
	member, err := h.roomRepo.IsMember(c.Request.Context(), roomID, c.GetString("userID"))
	if err != nil {
		h.emitAudit(c, "ERROR", "internal error", roomID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership check failed"})
		return false
	}
	if !member {
		h.emitAudit(c, "ERROR", "not allowed", roomID)
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
		return false
	}
	return true
}

var errInvalidPaging = errors.New("page and page_size must be positive integers")

func parsePaging(c *gin.Context) (int, int, error) {
	page, pageSize := 1, repositories.DefaultPageSize
	if raw := c.Query("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return 0, 0, errInvalidPaging
		}
		page = v
	}
	if raw := c.Query("page_size"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return 0, 0, errInvalidPaging
		}
		pageSize = v
	}
	page, pageSize = repositories.NormalizePage(page, pageSize)
	return page, pageSize, nil
}

func (h *RoomHandler) emitAudit(c *gin.Context, level, text, roomID string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c), roomID)
}
