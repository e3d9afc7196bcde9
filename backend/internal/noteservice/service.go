// Package noteservice is the server side of the note store gateway: it
// validates input, calls the store scoped to the caller and announces
// successful writes on the change stream.
package noteservice

import (
	"context"
	"fmt"
	"time"

	"notesync/backend/internal/events"
	"notesync/backend/internal/logging"
	"notesync/backend/internal/note"
	"notesync/backend/internal/store"
)

const publishTimeout = 50 * time.Millisecond

type Service struct {
	store     store.NoteStore
	publisher events.Publisher
	log       logging.Logger
	now       func() time.Time
}

func New(s store.NoteStore, p events.Publisher, log logging.Logger) *Service {
	if p == nil {
		p = events.Nop{}
	}
	return &Service{store: s, publisher: p, log: log, now: time.Now}
}

func (s *Service) List(ctx context.Context, ownerID uint64, page, limit int) (note.Page, error) {
	if page < 1 || limit < 1 {
		return note.Page{}, fmt.Errorf("%w: page and limit must be positive", note.ErrValidation)
	}
	notes, more, err := s.store.List(ctx, ownerID, page, limit)
	if err != nil {
		return note.Page{}, err
	}
	if notes == nil {
		notes = []note.Note{}
	}
	return note.Page{Notes: notes, HasMore: more}, nil
}

func (s *Service) Get(ctx context.Context, ownerID uint64, noteID string) (note.Note, error) {
	return s.store.Get(ctx, ownerID, noteID)
}

func (s *Service) Create(ctx context.Context, ownerID uint64, title, content string) (note.Note, error) {
	if err := note.Validate(title, content); err != nil {
		return note.Note{}, err
	}
	n, err := s.store.Create(ctx, ownerID, title, content)
	if err != nil {
		return note.Note{}, err
	}
	s.publish(ctx, events.NoteCreated, n)
	return n, nil
}

func (s *Service) Update(ctx context.Context, ownerID uint64, noteID, title, content string) (note.Note, error) {
	if err := note.Validate(title, content); err != nil {
		return note.Note{}, err
	}
	n, err := s.store.Update(ctx, ownerID, noteID, title, content)
	if err != nil {
		return note.Note{}, err
	}
	s.publish(ctx, events.NoteUpdated, n)
	return n, nil
}

func (s *Service) Delete(ctx context.Context, ownerID uint64, noteID string) error {
	if err := s.store.Delete(ctx, ownerID, noteID); err != nil {
		return err
	}
	s.publish(ctx, events.NoteDeleted, note.Note{ID: noteID, OwnerID: ownerID})
	return nil
}

func (s *Service) publish(ctx context.Context, typ string, n note.Note) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	evt := events.NoteEvent{
		EventType:  typ,
		NoteID:     n.ID,
		OwnerID:    n.OwnerID,
		Title:      n.Title,
		UpdatedAt:  n.UpdatedAt,
		OccurredAt: s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.log.Warn(ctx, "note event not published", "event", typ, "note_id", n.ID, "err", err)
	}
}
