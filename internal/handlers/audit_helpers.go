package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-sync/internal/middleware"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

// RequestID stamps every request with an id, echoing it in the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Request-ID", requestIDFromContext(c))
		c.Next()
	}
}

func userIDFromContext(c *gin.Context) *string {
	if userID := c.GetString(middleware.UserIDKey); userID != "" {
		return &userID
	}
	if header := c.GetHeader("X-User-ID"); header != "" {
		return &header
	}
	return nil
}
