package ws

import (
	"encoding/json"

	"notesync/backend/internal/cache"
)

// Relayed between devices of the same user.
const (
	TypeNoteCreated = "note-created"
	TypeNoteUpdated = "note-updated"
	TypeNoteDeleted = "note-deleted"
)

// Connection housekeeping.
const (
	TypeHeartbeat = "heartbeat"
	TypeWelcome   = "welcome"
	TypePresence  = "presence"
	TypeError     = "error"
	TypeIgnored   = "ignored"
)

// Message is the single frame shape in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type WelcomePayload struct {
	ConnID   string `json:"connId"`
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

type PresencePayload struct {
	Count   int            `json:"count"`
	Devices []cache.Device `json:"devices"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewMessage marshals payload into a frame. A nil payload leaves it empty.
func NewMessage(typ string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: typ}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Payload: b}, nil
}

func mustMessage(typ string, payload any) Message {
	m, err := NewMessage(typ, payload)
	if err != nil {
		return Message{Type: TypeError}
	}
	return m
}

func errorMessage(text string) Message {
	return mustMessage(TypeError, ErrorPayload{Message: text})
}
