package ws

import (
	"context"
	"sync"
	"time"

	"notesync/backend/internal/cache"
	"notesync/backend/internal/logging"
)

// Fanout carries relayed frames to other server instances.
type Fanout interface {
	Publish(ctx context.Context, ownerID uint64, msg Message) error
}

// Hub groups live connections into rooms keyed by owner. A frame relayed
// by one connection reaches every other device of the same user and never
// crosses identities.
type Hub struct {
	presence    cache.Presence
	presenceTTL time.Duration
	fanout      Fanout
	log         logging.Logger

	mu    sync.RWMutex
	rooms map[uint64]map[*Conn]struct{}
}

func NewHub(p cache.Presence, presenceTTL time.Duration, log logging.Logger) *Hub {
	return &Hub{
		presence:    p,
		presenceTTL: presenceTTL,
		log:         log,
		rooms:       make(map[uint64]map[*Conn]struct{}),
	}
}

// SetFanout enables cross-instance delivery. Call before serving.
func (h *Hub) SetFanout(f Fanout) { h.fanout = f }

func (h *Hub) Join(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[c.userID] == nil {
		// several tabs or devices per user, so the room holds connections
		h.rooms[c.userID] = make(map[*Conn]struct{})
	}
	h.rooms[c.userID][c] = struct{}{}
}

// Leave removes c and closes its send queue. Safe to call twice.
func (h *Hub) Leave(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, c.userID)
		}
	}
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Count reports local connections for ownerID.
func (h *Hub) Count(ownerID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[ownerID])
}

// Broadcast delivers msg to the owner's connections except origin, locally
// and through the fanout. Delivery is best effort.
func (h *Hub) Broadcast(ctx context.Context, ownerID uint64, msg Message, origin *Conn) {
	h.deliver(ownerID, msg, origin)
	if h.fanout == nil {
		return
	}
	if err := h.fanout.Publish(ctx, ownerID, msg); err != nil {
		h.log.Warn(ctx, "relay fanout publish failed", "owner", ownerID, "type", msg.Type, "err", err)
	}
}

// DeliverLocal is the fanout receive path: every local connection of the
// owner gets the frame.
func (h *Hub) DeliverLocal(ownerID uint64, msg Message) {
	h.deliver(ownerID, msg, nil)
}

func (h *Hub) deliver(ownerID uint64, msg Message, origin *Conn) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[ownerID] {
		if c == origin {
			continue
		}
		c.enqueue(msg)
	}
}

// refreshPresence records c as alive and tells the owner's devices how
// many are connected. Presence errors are logged only.
func (h *Hub) refreshPresence(ctx context.Context, c *Conn) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := h.presence.Touch(ctx, c.userID, c.id, c.device, h.presenceTTL); err != nil {
		h.log.Warn(ctx, "presence touch failed", "conn", c.id, "err", err)
		return
	}
	h.announcePresence(ctx, c.userID)
}

func (h *Hub) dropPresence(ctx context.Context, c *Conn) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := h.presence.Remove(ctx, c.userID, c.id); err != nil {
		h.log.Warn(ctx, "presence remove failed", "conn", c.id, "err", err)
		return
	}
	h.announcePresence(ctx, c.userID)
}

func (h *Hub) announcePresence(ctx context.Context, ownerID uint64) {
	devices, err := h.presence.Alive(ctx, ownerID)
	if err != nil {
		h.log.Warn(ctx, "presence lookup failed", "owner", ownerID, "err", err)
		return
	}
	if devices == nil {
		devices = []cache.Device{}
	}
	msg := mustMessage(TypePresence, PresencePayload{Count: len(devices), Devices: devices})
	h.Broadcast(ctx, ownerID, msg, nil)
}
