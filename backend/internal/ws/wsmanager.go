// Package ws is the broadcast relay: a WebSocket endpoint that re-delivers
// note events from one device to the other devices of the same user.
// Nothing is persisted and delivery is best effort.
package ws

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Manager struct {
	h        *Hub
	upgrader websocket.Upgrader
}

// NewManager accepts browser origins starting with any of allowed, or the
// local development origins when allowed is empty. Requests without an
// Origin header (non-browser clients) are accepted.
func NewManager(h *Hub, allowed []string) *Manager {
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	return &Manager{
		h: h,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == "null" {
				return true
			}
			for _, p := range allowed {
				if p == "*" || strings.HasPrefix(origin, p) {
					return true
				}
			}
			return false
		}},
	}
}

// WebSocketConnect upgrades an authenticated request. The auth middleware
// has already put userId and username on the context.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")
	device := c.Query("device")
	if device == "" {
		device = c.Request.UserAgent()
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.h.log.Warn(c.Request.Context(), "websocket upgrade failed", "origin", c.Request.Header.Get("Origin"), "err", err)
		return
	}

	ctx := c.Request.Context()
	wsConn := newConn(uuid.NewString(), conn, m.h, userID, username, device)
	m.h.Join(wsConn)
	go wsConn.writeLoop()

	wsConn.reply(mustMessage(TypeWelcome, WelcomePayload{ConnID: wsConn.id, UserID: userID, Username: username}))
	m.h.refreshPresence(ctx, wsConn)
	m.h.log.Debug(ctx, "relay connected", "conn", wsConn.id, "user_id", userID)

	wsConn.readLoop(ctx)

	m.h.Leave(wsConn)
	// the peer is gone; cleanup must not inherit a cancelled request context
	m.h.dropPresence(context.WithoutCancel(ctx), wsConn)
	m.h.log.Debug(ctx, "relay disconnected", "conn", wsConn.id, "user_id", userID)
}
