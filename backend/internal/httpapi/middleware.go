package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"notesync/backend/internal/authservice"
	"notesync/backend/internal/note"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (authservice.Identity, error)
}

// AuthMiddleware attaches the caller identity as userId/username. The token
// comes from the session cookie, an Authorization bearer header, or
// ?token= for WebSocket clients that cannot set headers. Page requests
// without a valid session are redirected to the login page.
func AuthMiddleware(auth Authenticator, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFrom(c, cookieName)
		id, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, note.ErrAuthRequired) &&
				!errors.Is(err, authservice.ErrInvalidToken) &&
				!errors.Is(err, authservice.ErrSessionExpired) {
				// the session store itself failed
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"code":  "AUTH_UNAVAILABLE",
					"error": "authentication unavailable",
				})
				return
			}
			if wantsJSON(c) || isWebSocket(c) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":  "UNAUTHENTICATED",
					"error": "Authentication required",
				})
				return
			}
			c.Redirect(http.StatusFound, "/auth/login")
			c.Abort()
			return
		}
		c.Set("userId", id.UserID)
		c.Set("username", id.Username)
		c.Set("token", token)
		c.Next()
	}
}

func tokenFrom(c *gin.Context, cookieName string) string {
	if v, err := c.Cookie(cookieName); err == nil && v != "" {
		return v
	}
	if t := extractBearer(c.GetHeader("Authorization")); t != "" {
		return t
	}
	return strings.TrimSpace(c.Query("token"))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func isWebSocket(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

// wantsJSON decides between a JSON body and a rendered page.
func wantsJSON(c *gin.Context) bool {
	if c.GetHeader("X-Requested-With") == "XMLHttpRequest" {
		return true
	}
	if strings.HasPrefix(c.ContentType(), gin.MIMEJSON) {
		return true
	}
	accept := c.GetHeader("Accept")
	if accept == "" {
		return false
	}
	return c.NegotiateFormat(gin.MIMEJSON, gin.MIMEHTML) == gin.MIMEJSON
}

func userID(c *gin.Context) uint64 {
	return c.GetUint64("userId")
}
