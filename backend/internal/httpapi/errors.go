package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"notesync/backend/internal/logging"
	"notesync/backend/internal/note"
)

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, note.ErrNotFound):
		return http.StatusNotFound, "Note not found"
	case errors.Is(err, note.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, note.ErrAuthRequired):
		return http.StatusUnauthorized, "Authentication required"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeError renders err as JSON or plain text depending on the caller.
func writeError(c *gin.Context, log logging.Logger, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "err", err)
	}
	if wantsJSON(c) {
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.String(status, msg)
}
