package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"

	"notesync/backend/internal/note"
	"notesync/backend/internal/ws"
)

type event any

type (
	evLoad     struct{}
	evLoadMore struct{}
	evNew      struct{ reply chan<- bool }
	evOpen     struct {
		id    string
		reply chan<- bool
	}
	evEdit struct {
		title   *string
		content *string
	}
	evSave   struct{}
	evDelete struct {
		id    string
		reply chan<- bool
	}
	evDismiss  struct{}
	evSnapshot struct{ reply chan<- Snapshot }
	evPeer     struct{ msg ws.Message }
	evTimer    struct{ seq uint64 }

	evLoaded struct {
		seq   uint64
		reset bool
		page  note.Page
		err   error
	}
	evFetched struct {
		session uint64
		id      string
		note    note.Note
		err     error
	}
	evSaved struct {
		session uint64
		id      string // empty for a create
		title   string
		note    note.Note
		err     error
	}
	evDeleted struct {
		id      string
		removed []note.Summary
		err     error
	}
)

func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case evLoad:
		e.load(true)
	case evLoadMore:
		if e.loading || (e.list.Page() > 0 && !e.list.HasMore()) {
			e.log.Debug(e.runCtx, "load more skipped", "loading", e.loading, "page", e.list.Page())
			return
		}
		e.load(e.list.Page() == 0)
	case evLoaded:
		e.loaded(ev)
	case evNew:
		ok := e.guard("Discard unsaved changes and start a new note?")
		if ok {
			e.resetEditor(Clean)
		}
		ev.reply <- ok
	case evOpen:
		ev.reply <- e.open(ev.id)
	case evFetched:
		e.fetched(ev)
	case evEdit:
		e.edit(ev)
	case evSave:
		switch {
		case e.phase == Dirty && e.fetching:
			e.saveHeld = true
		case e.phase == Dirty:
			e.startSave()
		}
	case evTimer:
		if ev.seq != e.timerSeq || e.phase != Dirty {
			e.log.Debug(e.runCtx, "stale autosave timer dropped", "seq", ev.seq)
			return
		}
		e.startSave()
	case evSaved:
		e.saved(ev)
	case evDelete:
		ev.reply <- e.delete(ev.id)
	case evDeleted:
		e.deleted(ev)
	case evDismiss:
		e.alert = ""
	case evPeer:
		e.peer(ev.msg)
	case evSnapshot:
		ev.reply <- e.snapshot()
	}
}

func (e *Engine) load(reset bool) {
	if reset {
		e.loadSeq++
	}
	seq, page := e.loadSeq, e.list.Page()+1
	if reset {
		page = 1
	}
	e.loading = true
	ctx, size := e.runCtx, e.pageSize
	go func() {
		p, err := e.gw.List(ctx, page, size)
		e.post(evLoaded{seq: seq, reset: reset, page: p, err: err})
	}()
}

func (e *Engine) loaded(ev evLoaded) {
	if ev.seq != e.loadSeq {
		e.log.Debug(e.runCtx, "stale page dropped", "seq", ev.seq)
		return
	}
	e.loading = false
	if ev.err != nil {
		e.log.Warn(e.runCtx, "list notes failed", "err", ev.err)
		e.setAlert(fmt.Sprintf("Could not load notes: %v", ev.err))
		return
	}
	page := e.live(ev.page)
	if ev.reset {
		e.list.Reset(page)
	} else {
		e.list.Append(page)
	}
}

// live drops tombstoned notes from a page fetched before their delete.
func (e *Engine) live(p note.Page) note.Page {
	out := note.Page{Notes: make([]note.Note, 0, len(p.Notes)), HasMore: p.HasMore}
	for _, n := range p.Notes {
		if !e.tombstoned(n.ID) {
			out.Notes = append(out.Notes, n)
		}
	}
	return out
}

func (e *Engine) open(id string) bool {
	if id == e.noteID && e.phase != Idle {
		return true
	}
	if !e.guard("Discard unsaved changes and open another note?") {
		return false
	}
	e.resetEditor(Clean)
	e.noteID = id
	e.fetching = true
	if s, ok := e.list.Get(id); ok {
		e.title, e.content, e.updatedAt = s.Title, s.Preview, s.UpdatedAt
	}
	session, ctx := e.session, e.runCtx
	go func() {
		n, err := e.gw.Get(ctx, id)
		e.post(evFetched{session: session, id: id, note: n, err: err})
	}()
	return true
}

func (e *Engine) fetched(ev evFetched) {
	if ev.session != e.session {
		e.log.Debug(e.runCtx, "stale fetch dropped", "note", ev.id)
		return
	}
	waiting := e.fetching
	e.fetching = false
	switch {
	case errors.Is(ev.err, note.ErrNotFound):
		e.list.Remove(ev.id)
		e.resetEditor(Idle)
		e.setAlert("Note not found")
	case ev.err != nil:
		// without the full content a save would write the placeholder
		e.log.Warn(e.runCtx, "get note failed", "note", ev.id, "err", ev.err)
		e.resetEditor(Idle)
		e.setAlert(fmt.Sprintf("Could not load note: %v", ev.err))
	case waiting:
		e.upsert(ev.note)
		e.merge(ev.note)
	default:
		// a peer copy already filled the editor
		e.upsert(ev.note)
		if e.phase == Clean && !ev.note.UpdatedAt.Before(e.updatedAt) {
			e.title, e.content, e.updatedAt = ev.note.Title, ev.note.Content, ev.note.UpdatedAt
		}
	}
}

// merge fills the fields not typed into since open with the fetched note,
// then lets held edits go to the store.
func (e *Engine) merge(n note.Note) {
	if !e.titleEdited {
		e.title = n.Title
	}
	if !e.contentEdited {
		e.content = n.Content
	}
	if n.UpdatedAt.After(e.updatedAt) {
		e.updatedAt = n.UpdatedAt
	}
	e.titleEdited, e.contentEdited = false, false
	if e.phase != Dirty {
		return
	}
	if e.saveHeld {
		e.saveHeld = false
		e.startSave()
		return
	}
	e.armTimer()
}

func (e *Engine) edit(ev evEdit) {
	if e.phase == Idle {
		e.resetEditor(Clean)
	}
	if ev.title != nil {
		e.title = *ev.title
	}
	if ev.content != nil {
		e.content = *ev.content
	}
	if e.fetching {
		e.titleEdited = e.titleEdited || ev.title != nil
		e.contentEdited = e.contentEdited || ev.content != nil
		e.phase = Dirty
		return
	}
	if e.phase == Saving {
		// the in-flight save finishes first
		e.pending = true
		return
	}
	e.phase = Dirty
	e.armTimer()
}

func (e *Engine) startSave() {
	e.stopTimer()
	e.phase = Saving
	e.pending = false
	session, id, title, content, ctx := e.session, e.noteID, e.title, e.content, e.runCtx
	go func() {
		var (
			n   note.Note
			err error
		)
		if id == "" {
			n, err = e.gw.Create(ctx, title, content)
		} else {
			n, err = e.gw.Update(ctx, id, title, content)
		}
		e.post(evSaved{session: session, id: id, title: title, note: n, err: err})
	}()
}

func (e *Engine) saved(ev evSaved) {
	if ev.err == nil {
		e.upsert(ev.note)
		typ := ws.TypeNoteUpdated
		if ev.id == "" {
			typ = ws.TypeNoteCreated
		}
		e.emit(typ, ev.note)
	}
	if ev.session != e.session || e.phase != Saving {
		if ev.err != nil && !errors.Is(ev.err, note.ErrNotFound) {
			e.log.Warn(e.runCtx, "save of closed note failed", "note", ev.id, "err", ev.err)
			e.setAlert(fmt.Sprintf("Could not save %q: %v", note.NormalizeTitle(ev.title), ev.err))
		}
		return
	}

	if ev.err != nil {
		if errors.Is(ev.err, note.ErrNotFound) && ev.id != "" {
			e.orphan("This note was deleted elsewhere. Your draft will be saved as a new note.")
			return
		}
		e.log.Warn(e.runCtx, "save failed", "note", ev.id, "err", ev.err)
		e.phase = Dirty
		e.pending = false
		e.setAlert(fmt.Sprintf("Save failed: %v", ev.err))
		return
	}

	e.noteID = ev.note.ID
	if e.pending {
		e.pending = false
		e.phase = Dirty
		if ev.note.UpdatedAt.After(e.updatedAt) {
			e.updatedAt = ev.note.UpdatedAt
		}
		e.armTimer()
		return
	}
	e.phase = Clean
	// a peer update that landed during the save may be newer
	if !ev.note.UpdatedAt.Before(e.updatedAt) {
		e.title, e.content, e.updatedAt = ev.note.Title, ev.note.Content, ev.note.UpdatedAt
	}
}

func (e *Engine) delete(id string) bool {
	title := id
	if s, ok := e.list.Get(id); ok {
		title = s.Title
	}
	if !e.confirm(fmt.Sprintf("Delete %q?", title)) {
		return false
	}
	removed := e.list.Remove(id)
	e.deleting[id]++
	if id == e.noteID && e.phase != Idle {
		e.resetEditor(Idle)
	}
	ctx := e.runCtx
	go func() {
		err := e.gw.Delete(ctx, id)
		e.post(evDeleted{id: id, removed: removed, err: err})
	}()
	return true
}

func (e *Engine) deleted(ev evDeleted) {
	if e.deleting[ev.id]--; e.deleting[ev.id] <= 0 {
		delete(e.deleting, ev.id)
	}
	if ev.err != nil && !errors.Is(ev.err, note.ErrNotFound) {
		e.log.Warn(e.runCtx, "delete failed", "note", ev.id, "err", ev.err)
		if !e.tombstoned(ev.id) {
			e.list.Restore(ev.removed)
		}
		e.setAlert(fmt.Sprintf("Delete failed: %v", ev.err))
		return
	}
	e.gone[ev.id] = struct{}{}
	// a save that finished during the delete may have re-added it
	e.list.Remove(ev.id)
	e.emit(ws.TypeNoteDeleted, ev.id)
	// reopened while the delete was in flight
	e.closeDeleted(ev.id, "This note was deleted. Your draft will be saved as a new note.")
}

func (e *Engine) peer(m ws.Message) {
	switch m.Type {
	case ws.TypeNoteCreated, ws.TypeNoteUpdated:
		var n note.Note
		if err := json.Unmarshal(m.Payload, &n); err != nil || n.ID == "" {
			e.log.Debug(e.runCtx, "malformed peer note dropped", "type", m.Type, "err", err)
			return
		}
		e.peerNote(n)
	case ws.TypeNoteDeleted:
		var id string
		if err := json.Unmarshal(m.Payload, &id); err != nil || id == "" {
			e.log.Debug(e.runCtx, "malformed peer delete dropped", "err", err)
			return
		}
		e.peerDelete(id)
	case ws.TypePresence:
		var p ws.PresencePayload
		if err := json.Unmarshal(m.Payload, &p); err == nil {
			e.devices = p.Count
		}
	case ws.TypeError:
		e.log.Warn(e.runCtx, "relay rejected a message", "payload", string(m.Payload))
	default:
		e.log.Debug(e.runCtx, "relay message ignored", "type", m.Type)
	}
}

// peerNote applies another device's saved note, last write wins.
func (e *Engine) peerNote(n note.Note) {
	if e.tombstoned(n.ID) {
		e.log.Debug(e.runCtx, "peer update of deleted note dropped", "note", n.ID)
		return
	}
	e.list.Upsert(n.Summary())
	if e.phase == Idle || n.ID != e.noteID {
		return
	}
	if !n.UpdatedAt.After(e.updatedAt) {
		e.log.Debug(e.runCtx, "stale peer update dropped", "note", n.ID)
		return
	}
	e.title, e.content, e.updatedAt = n.Title, n.Content, n.UpdatedAt
	e.pending = false
	e.fetching, e.titleEdited, e.contentEdited, e.saveHeld = false, false, false, false
	if e.phase == Saving {
		// our own save result decides the final phase
		return
	}
	e.stopTimer()
	e.phase = Clean
}

func (e *Engine) peerDelete(id string) {
	e.gone[id] = struct{}{}
	e.list.Remove(id)
	e.closeDeleted(id, "This note was deleted on another device. Your draft will be saved as a new note.")
}

// closeDeleted closes the editor if it shows id. A draft that has not
// been confirmed by the store is kept as a new note.
func (e *Engine) closeDeleted(id, msg string) {
	if e.phase == Idle || id != e.noteID {
		return
	}
	if e.phase == Dirty || e.phase == Saving {
		e.orphan(msg)
		return
	}
	e.resetEditor(Idle)
}
