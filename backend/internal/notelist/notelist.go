// Package notelist is the client-side Visible Note List: note summaries
// kept newest first, grown one skip/limit page at a time.
//
// A note bumped to the top by an update does not change which page the
// next load fetches, so the same note can appear twice after a load. Those
// duplicates are kept; every later mutation applies to all copies.
package notelist

import (
	"sort"

	"notesync/backend/internal/note"
)

// List is not safe for concurrent use. The sync engine is its only writer.
type List struct {
	items   []note.Summary
	page    int
	hasMore bool
}

func New() *List {
	return &List{items: []note.Summary{}}
}

// Items returns a copy in display order.
func (l *List) Items() []note.Summary {
	out := make([]note.Summary, len(l.items))
	copy(out, l.items)
	return out
}

func (l *List) Len() int { return len(l.items) }

// Page is the last page loaded, 0 before the first load.
func (l *List) Page() int { return l.page }

func (l *List) HasMore() bool { return l.hasMore }

func (l *List) Get(id string) (note.Summary, bool) {
	for _, s := range l.items {
		if s.ID == id {
			return s, true
		}
	}
	return note.Summary{}, false
}

// Reset replaces the list with a freshly fetched first page.
func (l *List) Reset(p note.Page) {
	l.items = l.items[:0]
	l.page = 0
	l.Append(p)
}

// Append adds the next page. Nothing is de-duplicated.
func (l *List) Append(p note.Page) {
	for _, n := range p.Notes {
		l.items = append(l.items, n.Summary())
	}
	l.page++
	l.hasMore = p.HasMore
	l.sort()
}

// Upsert applies a confirmed or relayed note. Copies already at a newer
// updatedAt are left alone; re-applying the same note changes nothing.
// It reports whether the list changed.
func (l *List) Upsert(s note.Summary) bool {
	found, changed := false, false
	for i := range l.items {
		if l.items[i].ID != s.ID {
			continue
		}
		found = true
		if l.items[i].UpdatedAt.After(s.UpdatedAt) || same(l.items[i], s) {
			continue
		}
		l.items[i] = s
		changed = true
	}
	if !found {
		l.items = append(l.items, s)
		changed = true
	}
	if changed {
		l.sort()
	}
	return changed
}

// Remove drops every copy of id and returns what it dropped so a failed
// delete can put it back.
func (l *List) Remove(id string) []note.Summary {
	var removed []note.Summary
	kept := l.items[:0]
	for _, s := range l.items {
		if s.ID == id {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	l.items = kept
	return removed
}

// Restore re-inserts summaries returned by Remove.
func (l *List) Restore(removed []note.Summary) {
	if len(removed) == 0 {
		return
	}
	l.items = append(l.items, removed...)
	l.sort()
}

func same(a, b note.Summary) bool {
	return a.ID == b.ID && a.Title == b.Title && a.Preview == b.Preview && a.UpdatedAt.Equal(b.UpdatedAt)
}

func (l *List) sort() {
	sort.SliceStable(l.items, func(i, j int) bool {
		a, b := l.items[i], l.items[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
}
