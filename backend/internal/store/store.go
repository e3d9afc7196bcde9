// Package store persists notes. Every operation is scoped to the owning
// identity; a note owned by someone else behaves exactly like a missing one.
package store

import (
	"context"
	"time"

	"notesync/backend/internal/note"
)

type NoteStore interface {
	// List returns one page (1-based) of the owner's notes ordered by
	// updatedAt descending, and whether more pages follow. Pagination is
	// skip/limit: concurrent writes can shift page boundaries.
	List(ctx context.Context, ownerID uint64, page, pageSize int) ([]note.Note, bool, error)
	Get(ctx context.Context, ownerID uint64, noteID string) (note.Note, error)
	// Create assigns id and timestamps; a blank title becomes "Untitled".
	Create(ctx context.Context, ownerID uint64, title, content string) (note.Note, error)
	Update(ctx context.Context, ownerID uint64, noteID, title, content string) (note.Note, error)
	Delete(ctx context.Context, ownerID uint64, noteID string) error
}

// stamp returns the next updatedAt for a note last stamped at prev. Values
// are truncated to what SQL datetime columns keep and never repeat for the
// same note.
func stamp(now time.Time, prev time.Time) time.Time {
	t := now.UTC().Truncate(time.Microsecond)
	if !prev.IsZero() && !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}

func offset(page, pageSize int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * pageSize
}
