// Package note holds the Note entity shared by the server store, the HTTP
// API and the client sync engine.
package note

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultTitle = "Untitled"

	MaxTitleLen   = 255
	MaxContentLen = 1 << 20
)

// Note is the durable record. ID, OwnerID and CreatedAt never change after
// creation; UpdatedAt never moves backwards.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	OwnerID   uint64    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary is the lightweight list entry kept by clients. Preview holds the
// full content; truncation happens at render time.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Preview   string    `json:"contentPreview"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (n Note) Summary() Summary {
	return Summary{ID: n.ID, Title: n.Title, Preview: n.Content, UpdatedAt: n.UpdatedAt}
}

// Page is one skip/limit slice of an owner's notes, newest first.
type Page struct {
	Notes   []Note `json:"notes"`
	HasMore bool   `json:"hasMore"`
}

// NormalizeTitle applies the "Untitled" default to blank titles.
func NormalizeTitle(title string) string {
	if strings.TrimSpace(title) == "" {
		return DefaultTitle
	}
	return title
}

// Validate checks a title/content pair before it reaches a store.
func Validate(title, content string) error {
	if n := utf8.RuneCountInString(title); n > MaxTitleLen {
		return fmt.Errorf("%w: title is %d characters, max %d", ErrValidation, n, MaxTitleLen)
	}
	if !utf8.ValidString(title) || !utf8.ValidString(content) {
		return fmt.Errorf("%w: text must be valid UTF-8", ErrValidation)
	}
	if len(content) > MaxContentLen {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrValidation, MaxContentLen)
	}
	return nil
}
