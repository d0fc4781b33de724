package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/telemetry"
)

// SubscriberCounter reports live stream subscribers per room.
type SubscriberCounter interface {
	Count(roomID string) int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, subscribers SubscriberCounter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/rooms/:room_id/subscribers", func(c *gin.Context) {
		if subscribers == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream hub not configured"})
			return
		}
		roomID := c.Param("room_id")
		c.JSON(http.StatusOK, gin.H{"room_id": roomID, "subscribers": subscribers.Count(roomID)})
	})
}
