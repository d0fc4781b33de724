package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/middleware"
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

// PresenceService stores presence leases.
type PresenceService interface {
	Set(ctx context.Context, update models.PresenceUpdate) (models.Presence, error)
	Get(ctx context.Context, userID string) (models.Presence, error)
}

// StaleEpochResponse is returned with 409 when a presence write lost to a
// newer session.
type StaleEpochResponse struct {
	Error    string          `json:"error"`
	Presence models.Presence `json:"presence"`
}

// PresenceHandler manages presence endpoints.
type PresenceHandler struct {
	presence PresenceService
}

// NewPresenceHandler builds a PresenceHandler.
func NewPresenceHandler(presence PresenceService) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// SetPresence writes the caller's own presence.
func (h *PresenceHandler) SetPresence(c *gin.Context) {
	userID := c.Param("user_id")
	if userID != c.GetString(middleware.UserIDKey) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: CodeForbidden, Message: "presence can only be set by its owner"})
		return
	}

	var update models.PresenceUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		badRequest(c, err.Error())
		return
	}
	update.UserID = userID

	stored, err := h.presence.Set(c.Request.Context(), update)
	if errors.Is(err, syncerr.ErrStaleEpoch) {
		c.JSON(http.StatusConflict, StaleEpochResponse{Error: CodeStaleEpoch, Presence: stored})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// GetPresence returns the effective presence of a user.
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	p, err := h.presence.Get(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
