package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"notesync/backend/internal/note"
)

// MemoryNoteStore keeps notes in process memory. Used for the "memory"
// database driver and in tests.
type MemoryNoteStore struct {
	mu    sync.RWMutex
	notes map[string]note.Note
	now   func() time.Time
}

var _ NoteStore = (*MemoryNoteStore)(nil)

func NewMemoryNoteStore() *MemoryNoteStore {
	return &MemoryNoteStore{notes: make(map[string]note.Note), now: time.Now}
}

// WithClock replaces the time source; tests use it to force timestamp ties.
func (s *MemoryNoteStore) WithClock(now func() time.Time) *MemoryNoteStore {
	s.now = now
	return s
}

func (s *MemoryNoteStore) List(ctx context.Context, ownerID uint64, page, pageSize int) ([]note.Note, bool, error) {
	s.mu.RLock()
	owned := make([]note.Note, 0)
	for _, n := range s.notes {
		if n.OwnerID == ownerID {
			owned = append(owned, n)
		}
	}
	s.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		if !owned[i].UpdatedAt.Equal(owned[j].UpdatedAt) {
			return owned[i].UpdatedAt.After(owned[j].UpdatedAt)
		}
		return owned[i].ID > owned[j].ID
	})

	from := offset(page, pageSize)
	if from >= len(owned) {
		return []note.Note{}, false, nil
	}
	to := from + pageSize
	hasMore := to < len(owned)
	if to > len(owned) {
		to = len(owned)
	}
	out := make([]note.Note, to-from)
	copy(out, owned[from:to])
	return out, hasMore, nil
}

func (s *MemoryNoteStore) Get(ctx context.Context, ownerID uint64, noteID string) (note.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notes[noteID]
	if !ok || n.OwnerID != ownerID {
		return note.Note{}, note.ErrNotFound
	}
	return n, nil
}

func (s *MemoryNoteStore) Create(ctx context.Context, ownerID uint64, title, content string) (note.Note, error) {
	ts := stamp(s.now(), time.Time{})
	n := note.Note{
		ID:        uuid.NewString(),
		Title:     note.NormalizeTitle(title),
		Content:   content,
		OwnerID:   ownerID,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	s.mu.Lock()
	s.notes[n.ID] = n
	s.mu.Unlock()
	return n, nil
}

func (s *MemoryNoteStore) Update(ctx context.Context, ownerID uint64, noteID, title, content string) (note.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[noteID]
	if !ok || n.OwnerID != ownerID {
		return note.Note{}, note.ErrNotFound
	}
	n.Title = note.NormalizeTitle(title)
	n.Content = content
	n.UpdatedAt = stamp(s.now(), n.UpdatedAt)
	s.notes[noteID] = n
	return n, nil
}

func (s *MemoryNoteStore) Delete(ctx context.Context, ownerID uint64, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[noteID]
	if !ok || n.OwnerID != ownerID {
		return note.ErrNotFound
	}
	delete(s.notes, noteID)
	return nil
}
