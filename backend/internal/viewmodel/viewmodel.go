// Package viewmodel projects sync engine state into what a screen shows.
// It reads snapshots only and never talks to the network.
package viewmodel

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"notesync/backend/internal/syncengine"
)

const (
	PreviewLimit    = 50
	RefreshInterval = 10 * time.Second

	ellipsis = "..."
)

type Row struct {
	ID       string
	Title    string
	Preview  string
	Age      string
	Selected bool
}

type Editor struct {
	Open    bool
	NoteID  string
	Title   string
	Content string
	Status  string
}

type View struct {
	Rows    []Row
	Editor  Editor
	HasMore bool
	Loading bool
	Alert   string
	Devices int
}

// Render is pure: the same snapshot and clock always give the same view.
func Render(s syncengine.Snapshot, now time.Time) View {
	v := View{
		Rows:    make([]Row, 0, len(s.Notes)),
		HasMore: s.HasMore,
		Loading: s.Loading,
		Alert:   s.Alert,
		Devices: s.Devices,
		Editor: Editor{
			Open:    s.Phase != syncengine.Idle,
			NoteID:  s.NoteID,
			Title:   s.Title,
			Content: s.Content,
			Status:  status(s),
		},
	}
	for _, n := range s.Notes {
		v.Rows = append(v.Rows, Row{
			ID:       n.ID,
			Title:    n.Title,
			Preview:  Truncate(n.Preview, PreviewLimit),
			Age:      Age(n.UpdatedAt, now),
			Selected: s.Phase != syncengine.Idle && n.ID == s.NoteID,
		})
	}
	return v
}

func status(s syncengine.Snapshot) string {
	switch s.Phase {
	case syncengine.Idle:
		return ""
	case syncengine.Dirty:
		return "unsaved changes"
	case syncengine.Saving:
		return "saving..."
	}
	if s.NoteID == "" {
		return "new note"
	}
	return "saved"
}

// Truncate cuts s to limit characters and marks the cut with an ellipsis.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	i, n := 0, 0
	for i = range s {
		if n == limit {
			break
		}
		n++
	}
	return s[:i] + ellipsis
}

// Age is the "time since update" label, e.g. "3 minutes ago".
func Age(updated, now time.Time) string {
	if updated.IsZero() {
		return ""
	}
	if now.Sub(updated) < time.Second && updated.Sub(now) < time.Second {
		return "just now"
	}
	return humanize.RelTime(updated, now, "ago", "from now")
}

// Refresh redraws on every tick of interval until ctx ends, so age labels
// move even when nothing changes. Data changes are drawn by the caller.
func Refresh(ctx context.Context, interval time.Duration, snapshot func(context.Context) (syncengine.Snapshot, error), draw func(View)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s, err := snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			draw(Render(s, now))
		}
	}
}
