package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"chat-sync/internal/middleware"
	"chat-sync/internal/models"
)

// RoomService is the message log behind the room endpoints.
type RoomService interface {
	Append(ctx context.Context, req models.AppendRequest) (models.Ack, bool, error)
	Deltas(ctx context.Context, roomID string, after models.Cursor, limit int) (models.Batch, error)
	History(ctx context.Context, roomID string, before models.Position, limit int) (models.Page, error)
	React(ctx context.Context, roomID, messageID, kind string, delta int) (models.Message, error)
}

// RoomHandler manages room message endpoints.
type RoomHandler struct {
	rooms RoomService
}

// NewRoomHandler builds a RoomHandler.
func NewRoomHandler(rooms RoomService) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

// AppendMessage stores a message. The first append answers 201, a replay of
// the same idempotency key answers 200 with the original ack.
func (h *RoomHandler) AppendMessage(c *gin.Context) {
	ctx, span := otel.Tracer("chat-sync/handlers").Start(c.Request.Context(), "room.append")
	defer span.End()

	var req models.AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.RoomID = c.Param("room_id")
	req.AuthorID = c.GetString(middleware.UserIDKey)
	if req.AuthorUsername == "" {
		req.AuthorUsername = c.GetString(middleware.UsernameKey)
	}
	span.SetAttributes(attribute.String("room.id", req.RoomID), attribute.String("message.idempotency_key", req.IdempotencyKey))

	ack, created, err := h.rooms.Append(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}
	span.SetAttributes(attribute.Int64("message.seq", ack.Seq), attribute.Bool("message.created", created))
	if created {
		c.JSON(http.StatusCreated, ack)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// GetDeltas returns snapshots changed after ?after.
func (h *RoomHandler) GetDeltas(c *gin.Context) {
	after, ok := parseInt64Query(c, "after")
	if !ok {
		return
	}
	limit, ok := parseInt64Query(c, "limit")
	if !ok {
		return
	}

	batch, err := h.rooms.Deltas(c.Request.Context(), c.Param("room_id"), models.Cursor(after), int(limit))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// GetHistory returns a page ordered before (?before_ts, ?before_id).
func (h *RoomHandler) GetHistory(c *gin.Context) {
	var before models.Position
	if raw := c.Query("before_ts"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			badRequest(c, "invalid before_ts")
			return
		}
		before = models.Position{CreatedAt: ts, ID: c.Query("before_id")}
	}
	limit, ok := parseInt64Query(c, "limit")
	if !ok {
		return
	}

	page, err := h.rooms.History(c.Request.Context(), c.Param("room_id"), before, int(limit))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// React changes one reaction counter.
func (h *RoomHandler) React(c *gin.Context) {
	var req models.ReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.rooms.React(c.Request.Context(), c.Param("room_id"), c.Param("message_id"), req.Kind, req.Delta)
	if err != nil {
		writeError(c, err)
		return
	}
	msg.Status = models.StatusConfirmed
	c.JSON(http.StatusOK, msg)
}

func parseInt64Query(c *gin.Context, key string) (int64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		badRequest(c, "invalid "+key)
		return 0, false
	}
	return n, true
}
