// Package events publishes note change events to Kafka for downstream
// consumers. Publishing is best effort and never blocks a request for long.
package events

import (
	"context"
	"time"
)

const (
	NoteCreated = "NOTE_CREATED"
	NoteUpdated = "NOTE_UPDATED"
	NoteDeleted = "NOTE_DELETED"
)

type NoteEvent struct {
	EventType  string    `json:"eventType"`
	NoteID     string    `json:"noteId"`
	OwnerID    uint64    `json:"ownerId"`
	Title      string    `json:"title,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, evt NoteEvent) error
}

// Nop drops every event; used when kafka is disabled.
type Nop struct{}

func (Nop) Publish(context.Context, NoteEvent) error { return nil }
