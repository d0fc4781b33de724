package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"chat-sync/internal/middleware"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/roomlog"
)

const wsKind = "room"

// RoomStreamer replays a room's log and registers live subscribers.
type RoomStreamer interface {
	Subscribe(ctx context.Context, roomID string, cursor models.Cursor, sub roomlog.Subscriber) error
	Unsubscribe(roomID string, sub roomlog.Subscriber)
}

// RoomWebSocketHandler streams room deltas over websocket connections.
type RoomWebSocketHandler struct {
	rooms  RoomStreamer
	secret string
	logger *slog.Logger
}

// NewRoomWebSocketHandler constructs a RoomWebSocketHandler.
func NewRoomWebSocketHandler(rooms RoomStreamer, secret string, logger *slog.Logger) *RoomWebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomWebSocketHandler{rooms: rooms, secret: secret, logger: logger.With("component", "ws")}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection, replays the backlog after ?cursor and then
// streams live batches.
func (h *RoomWebSocketHandler) Handle(c *gin.Context) {
	roomID := c.Param("room_id")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	var cursor models.Cursor
	if raw := c.Query("cursor"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		cursor = models.Cursor(n)
	}

	ctx, span := otel.Tracer("chat-sync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	span.SetAttributes(attribute.String("room.id", roomID), attribute.Int64("room.cursor", int64(cursor)))
	c.Request = c.Request.WithContext(ctx)

	token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	identity, err := middleware.ParseToken(h.secret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromRequest(c.Request)
	headers := observability.BuildHeaders(requestID, traceID)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      identity.UserID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, roomID, info)
	go client.writeLoop()

	if err := h.rooms.Subscribe(ctx, roomID, cursor, client); err != nil {
		h.logger.Warn("subscribe failed", "room_id", roomID, "conn_id", info.ConnID, "error", err)
		client.Close(err.Error())
		h.publish(ctx, "ws_error", info, roomID, err.Error(), headers)
		<-client.flushed
		_ = conn.Close()
		return
	}

	observability.IncWSActive(wsKind)
	h.publish(ctx, "ws_connect", info, roomID, "", headers)

	go func() {
		readErr := client.readLoop()
		client.Close(readErr.Error())
	}()

	go func() {
		reason := client.Reason()
		h.rooms.Unsubscribe(roomID, client)
		observability.DecWSActive(wsKind)
		if reason == closeSlowConsumer {
			h.publish(ctx, "ws_error", info, roomID, reason, headers)
		}
		h.publish(ctx, "ws_disconnect", info, roomID, reason, headers)
		<-client.flushed
		_ = conn.Close()
	}()
}

func (h *RoomWebSocketHandler) publish(ctx context.Context, event string, info ConnInfo, roomID, reason string, headers map[string]string) {
	observability.IncWSEvent(wsKind, event)
	envelope := observability.WSEvent(event, roomID, info.ConnID, info.UserID, info.DeviceID, info.IP, reason, time.Since(info.ConnectedAt))
	if err := observability.PublishEvent(ctx, observability.WSRoutingKey, envelope, headers); err != nil {
		h.logger.Debug("publish ws event failed", "event", event, "error", err)
	}
}
