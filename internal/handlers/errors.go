package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/roomlog"
	"chat-sync/internal/syncerr"
)

// Error codes returned in the "error" field of failed responses.
const (
	CodeValidation = "validation"
	CodeForbidden  = "forbidden"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeStaleEpoch = "stale_epoch"
	CodeInternal   = "internal"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(c *gin.Context, err error) {
	var verr *syncerr.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: CodeValidation, Message: verr.Error()})
	case syncerr.IsConflict(err):
		c.JSON(http.StatusConflict, ErrorResponse{Error: CodeConflict, Message: err.Error()})
	case errors.Is(err, roomlog.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: CodeNotFound, Message: err.Error()})
	case syncerr.IsAuth(err):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	default:
		slog.Default().Error("request failed", "path", c.FullPath(), "request_id", requestIDFromContext(c), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: CodeInternal})
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: CodeValidation, Message: message})
}
