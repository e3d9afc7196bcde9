package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"notesync/backend/internal/note"
)

type noteRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	OwnerID   uint64    `gorm:"not null;index:idx_notes_owner_updated,priority:1"`
	Title     string    `gorm:"size:255;not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index:idx_notes_owner_updated,priority:2"`
}

func (noteRecord) TableName() string { return "notes" }

func (r noteRecord) toNote() note.Note {
	return note.Note{
		ID:        r.ID,
		Title:     r.Title,
		Content:   r.Content,
		OwnerID:   r.OwnerID,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// GormNoteStore is the SQL-backed NoteStore (mysql, postgres or sqlite).
type GormNoteStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ NoteStore = (*GormNoteStore)(nil)

func NewGormNoteStore(db *gorm.DB) *GormNoteStore {
	return &GormNoteStore{db: db, now: time.Now}
}

func (s *GormNoteStore) List(ctx context.Context, ownerID uint64, page, pageSize int) ([]note.Note, bool, error) {
	var recs []noteRecord
	// one extra row tells us whether another page exists
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Order("id DESC").
		Offset(offset(page, pageSize)).
		Limit(pageSize + 1).
		Find(&recs).Error
	if err != nil {
		return nil, false, fmt.Errorf("list notes: %w", err)
	}
	hasMore := len(recs) > pageSize
	if hasMore {
		recs = recs[:pageSize]
	}
	out := make([]note.Note, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toNote())
	}
	return out, hasMore, nil
}

func (s *GormNoteStore) find(ctx context.Context, ownerID uint64, noteID string) (noteRecord, error) {
	var rec noteRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", noteID, ownerID).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return noteRecord{}, note.ErrNotFound
		}
		return noteRecord{}, fmt.Errorf("get note: %w", err)
	}
	return rec, nil
}

func (s *GormNoteStore) Get(ctx context.Context, ownerID uint64, noteID string) (note.Note, error) {
	rec, err := s.find(ctx, ownerID, noteID)
	if err != nil {
		return note.Note{}, err
	}
	return rec.toNote(), nil
}

func (s *GormNoteStore) Create(ctx context.Context, ownerID uint64, title, content string) (note.Note, error) {
	ts := stamp(s.now(), time.Time{})
	rec := noteRecord{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     note.NormalizeTitle(title),
		Content:   content,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return note.Note{}, fmt.Errorf("create note: %w", err)
	}
	return rec.toNote(), nil
}

func (s *GormNoteStore) Update(ctx context.Context, ownerID uint64, noteID, title, content string) (note.Note, error) {
	rec, err := s.find(ctx, ownerID, noteID)
	if err != nil {
		return note.Note{}, err
	}
	rec.Title = note.NormalizeTitle(title)
	rec.Content = content
	rec.UpdatedAt = stamp(s.now(), rec.UpdatedAt)

	res := s.db.WithContext(ctx).
		Model(&noteRecord{}).
		Where("id = ? AND owner_id = ?", noteID, ownerID).
		Updates(map[string]any{
			"title":      rec.Title,
			"content":    rec.Content,
			"updated_at": rec.UpdatedAt,
		})
	if res.Error != nil {
		return note.Note{}, fmt.Errorf("update note: %w", res.Error)
	}
	// deleted between the read and the write
	if res.RowsAffected == 0 {
		return note.Note{}, note.ErrNotFound
	}
	return rec.toNote(), nil
}

func (s *GormNoteStore) Delete(ctx context.Context, ownerID uint64, noteID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", noteID, ownerID).
		Delete(&noteRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete note: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return note.ErrNotFound
	}
	return nil
}
