package ws

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"notesync/backend/internal/note"
)

const (
	sendQueueSize = 32
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	// a full note plus envelope
	maxFrameSize = note.MaxContentLen + 64*1024
)

type Conn struct {
	id       string
	ws       *websocket.Conn
	hub      *Hub
	userID   uint64
	username string
	device   string
	send     chan Message
	// closed is guarded by hub.mu
	closed bool
}

func newConn(id string, ws *websocket.Conn, hub *Hub, userID uint64, username, device string) *Conn {
	return &Conn{
		id:       id,
		ws:       ws,
		hub:      hub,
		userID:   userID,
		username: username,
		device:   device,
		send:     make(chan Message, sendQueueSize),
	}
}

// enqueue drops the frame when the peer is too slow to drain its queue.
// Callers hold hub.mu so the channel cannot be closed underneath.
func (c *Conn) enqueue(msg Message) {
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// reply queues a frame for this connection only.
func (c *Conn) reply(msg Message) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	c.enqueue(msg)
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug(ctx, "relay read failed", "conn", c.id, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case TypeHeartbeat:
		c.hub.refreshPresence(ctx, c)

	case TypeNoteCreated, TypeNoteUpdated:
		var n note.Note
		if err := json.Unmarshal(msg.Payload, &n); err != nil || n.ID == "" {
			c.reply(errorMessage("payload must be a note"))
			return
		}
		if n.OwnerID != c.userID {
			c.reply(errorMessage("note does not belong to this session"))
			return
		}
		c.hub.Broadcast(ctx, c.userID, msg, c)

	case TypeNoteDeleted:
		var id string
		if err := json.Unmarshal(msg.Payload, &id); err != nil || strings.TrimSpace(id) == "" {
			c.reply(errorMessage("payload must be a note id"))
			return
		}
		c.hub.Broadcast(ctx, c.userID, msg, c)

	default:
		c.reply(mustMessage(TypeIgnored, ErrorPayload{Message: "unknown message type"}))
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
