package syncengine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"notesync/backend/internal/note"
	"notesync/backend/internal/store"
	"notesync/backend/internal/ws"
)

var errOutage = fmt.Errorf("%w: store unreachable", note.ErrTransport)

func TestEngine_EmptyNoteSavesAsUntitled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	gw := newGateway(st)
	rec := &recorder{}
	e, clk := startEngine(t, gw, rec)

	require.NoError(t, e.Edit(ctx, "", ""))
	assert.Equal(t, Dirty, snap(t, e).Phase)
	require.Equal(t, 1, clk.Fire())

	s := waitFor(t, e, phaseIs(Clean))
	assert.NotEmpty(t, s.NoteID)
	assert.Equal(t, note.DefaultTitle, s.Title)
	assert.Equal(t, "", s.Content)
	assert.Equal(t, []string{s.NoteID}, ids(s))

	stored, err := st.Get(ctx, 1, s.NoteID)
	require.NoError(t, err)
	assert.Equal(t, note.DefaultTitle, stored.Title)
	assert.Equal(t, "", stored.Content)
	assert.Equal(t, []string{ws.TypeNoteCreated}, rec.types())
}

func TestEngine_AutosaveIsDebounced(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	gw := newGateway(st)
	e, clk := startEngine(t, gw, nil)

	ok, err := e.New(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.EditContent(ctx, "h"))
	require.NoError(t, e.EditContent(ctx, "he"))
	snap(t, e)
	assert.Equal(t, 1, clk.Active(), "second keystroke must replace the first timer")

	require.Equal(t, 1, clk.Fire())
	s := waitFor(t, e, phaseIs(Clean))
	creates, updates, _ := gw.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 0, updates)
	assert.Equal(t, "he", s.Content)

	assert.Equal(t, 0, clk.Fire())
	snap(t, e)
	creates, updates, _ = gw.counts()
	assert.Equal(t, 1, creates+updates)
}

func TestEngine_ManualSaveSkipsTimer(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(store.NewMemoryNoteStore())
	e, clk := startEngine(t, gw, nil)

	require.NoError(t, e.Edit(ctx, "t", "c"))
	require.NoError(t, e.Save(ctx))
	waitFor(t, e, phaseIs(Clean))
	assert.Equal(t, 0, clk.Active())

	// nothing to save
	require.NoError(t, e.Save(ctx))
	assert.Equal(t, Clean, snap(t, e).Phase)
	creates, updates, _ := gw.counts()
	assert.Equal(t, 1, creates+updates)
}

func TestEngine_EditsDuringSaveWaitForIt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	gw := newGateway(st)
	e, clk := startEngine(t, gw, nil)

	release := gw.hold()
	require.NoError(t, e.Edit(ctx, "draft", "a"))
	snap(t, e)
	clk.Fire()
	waitFor(t, e, phaseIs(Saving))

	require.NoError(t, e.EditContent(ctx, "ab"))
	s := snap(t, e)
	assert.Equal(t, Saving, s.Phase)
	assert.True(t, s.Unsaved)
	assert.Equal(t, 0, clk.Active(), "no second save while one is in flight")

	release()
	s = waitFor(t, e, phaseIs(Dirty))
	assert.Equal(t, "ab", s.Content, "local edit survives the save result")
	require.NotEmpty(t, s.NoteID)
	assert.Equal(t, 1, clk.Active())

	clk.Fire()
	s = waitFor(t, e, phaseIs(Clean))
	creates, updates, _ := gw.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, updates)

	stored, err := st.Get(ctx, 1, s.NoteID)
	require.NoError(t, err)
	assert.Equal(t, "ab", stored.Content)
}

func TestEngine_FailedSaveKeepsDraft(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	gw := newGateway(st)
	e, clk := startEngine(t, gw, nil)

	gw.setFail(errOutage)
	require.NoError(t, e.Edit(ctx, "plan", "do not lose me"))
	snap(t, e)
	clk.Fire()

	s := waitFor(t, e, func(s Snapshot) bool { return s.Alert != "" })
	assert.Equal(t, Dirty, s.Phase)
	assert.Equal(t, "plan", s.Title)
	assert.Equal(t, "do not lose me", s.Content)
	assert.Equal(t, 0, clk.Active(), "failures are not retried automatically")

	// the draft stays editable
	require.NoError(t, e.EditContent(ctx, "do not lose me!"))
	assert.Equal(t, 1, clk.Active())

	gw.setFail(nil)
	require.NoError(t, e.Save(ctx))
	s = waitFor(t, e, phaseIs(Clean))
	assert.Equal(t, "do not lose me!", s.Content)
	assert.NotEmpty(t, s.Alert, "alert stays until dismissed")

	require.NoError(t, e.Dismiss(ctx))
	assert.Empty(t, snap(t, e).Alert)

	stored, err := st.Get(ctx, 1, s.NoteID)
	require.NoError(t, err)
	assert.Equal(t, "do not lose me!", stored.Content)
}

func TestEngine_PeerUpdateReachesOpenEditor(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "shared", "v1")

	second, _ := startEngine(t, newGateway(st), nil)
	bus := &recorder{peers: []*Engine{second}}
	first, clk1 := startEngine(t, newGateway(st), bus)

	for _, e := range []*Engine{first, second} {
		require.NoError(t, e.Load(ctx))
		waitFor(t, e, func(s Snapshot) bool { return len(s.Notes) == 1 })
		ok, err := e.Open(ctx, x.ID)
		require.NoError(t, err)
		require.True(t, ok)
		waitFor(t, e, func(s Snapshot) bool { return s.Phase == Clean && s.Content == "v1" && !s.Opening })
	}

	require.NoError(t, first.EditContent(ctx, "v2 from first"))
	snap(t, first)
	clk1.Fire()
	waitFor(t, first, phaseIs(Clean))

	s := waitFor(t, second, func(s Snapshot) bool { return s.Content == "v2 from first" })
	assert.Equal(t, Clean, s.Phase)
	assert.Equal(t, x.ID, s.NoteID)
	require.Len(t, s.Notes, 1)
	assert.Equal(t, "v2 from first", s.Notes[0].Preview)
}

func noteMessage(t *testing.T, typ string, n note.Note) ws.Message {
	t.Helper()
	m, err := ws.NewMessage(typ, n)
	require.NoError(t, err)
	return m
}

func TestEngine_PeerUpdateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "t", "v1")
	e, _ := startEngine(t, newGateway(st), nil)

	_, err := e.Open(ctx, x.ID)
	require.NoError(t, err)
	waitFor(t, e, func(s Snapshot) bool { return s.Content == "v1" && !s.Opening })

	upd := x
	upd.Content = "v2"
	upd.UpdatedAt = x.UpdatedAt.Add(time.Second)
	m := noteMessage(t, ws.TypeNoteUpdated, upd)

	require.NoError(t, e.Receive(ctx, m))
	once := snap(t, e)
	require.NoError(t, e.Receive(ctx, m))
	twice := snap(t, e)

	assert.Equal(t, "v2", once.Content)
	assert.Equal(t, once, twice)
}

func TestEngine_StalePeerUpdateIgnored(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "t", "current")
	e, _ := startEngine(t, newGateway(st), nil)

	_, err := e.Open(ctx, x.ID)
	require.NoError(t, err)
	waitFor(t, e, func(s Snapshot) bool { return s.Content == "current" && !s.Opening })

	old := x
	old.Content = "older"
	old.UpdatedAt = x.UpdatedAt.Add(-time.Minute)
	require.NoError(t, e.Receive(ctx, noteMessage(t, ws.TypeNoteUpdated, old)))
	assert.Equal(t, "current", snap(t, e).Content)
}

func TestEngine_PeerUpdateOverwritesDirtyDraft(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "t", "v1")
	e, clk := startEngine(t, newGateway(st), nil)

	_, err := e.Open(ctx, x.ID)
	require.NoError(t, err)
	waitFor(t, e, func(s Snapshot) bool { return s.Content == "v1" && !s.Opening })
	require.NoError(t, e.EditContent(ctx, "local"))

	upd := x
	upd.Content = "remote"
	upd.UpdatedAt = x.UpdatedAt.Add(time.Second)
	require.NoError(t, e.Receive(ctx, noteMessage(t, ws.TypeNoteUpdated, upd)))

	s := snap(t, e)
	assert.Equal(t, Clean, s.Phase)
	assert.Equal(t, "remote", s.Content)
	assert.Equal(t, 0, clk.Active())
}

func TestEngine_PeerCreateJoinsList(t *testing.T) {
	ctx := context.Background()
	e, _ := startEngine(t, newGateway(store.NewMemoryNoteStore()), nil)

	n := note.Note{ID: "remote-1", Title: "hi", OwnerID: 1, UpdatedAt: time.Now().UTC()}
	require.NoError(t, e.Receive(ctx, noteMessage(t, ws.TypeNoteCreated, n)))
	require.NoError(t, e.Receive(ctx, noteMessage(t, ws.TypeNoteCreated, n)))
	assert.Equal(t, []string{"remote-1"}, ids(snap(t, e)))

	// malformed frames are dropped
	require.NoError(t, e.Receive(ctx, ws.Message{Type: ws.TypeNoteUpdated, Payload: []byte(`{"title":"no id"}`)}))
	require.NoError(t, e.Receive(ctx, ws.Message{Type: ws.TypeNoteDeleted, Payload: []byte(`42`)}))
	assert.Equal(t, []string{"remote-1"}, ids(snap(t, e)))
}

func TestEngine_DeleteOpenNote(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "doomed", "")
	keep := seed(t, st, "keep", "")
	rec := &recorder{}
	e, _ := startEngine(t, newGateway(st), rec)

	require.NoError(t, e.Load(ctx))
	waitFor(t, e, func(s Snapshot) bool { return len(s.Notes) == 2 })
	_, err := e.Open(ctx, x.ID)
	require.NoError(t, err)
	waitFor(t, e, func(s Snapshot) bool { return s.Phase == Clean && !s.Opening })

	ok, err := e.Delete(ctx, x.ID)
	require.NoError(t, err)
	require.True(t, ok)

	s := snap(t, e)
	assert.Equal(t, Idle, s.Phase)
	assert.Empty(t, s.NoteID)
	assert.Empty(t, s.Title)
	assert.Equal(t, []string{keep.ID}, ids(s))

	require.Eventually(t, func() bool {
		_, err := st.Get(ctx, 1, x.ID)
		return errors.Is(err, note.ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		types := rec.types()
		return len(types) == 1 && types[0] == ws.TypeNoteDeleted
	}, 2*time.Second, 5*time.Millisecond)
	waitFor(t, e, func(s Snapshot) bool { return s.Deleting == 0 })
}

func TestEngine_FailedDeleteRestoresList(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "survivor", "")
	gw := newGateway(st)
	rec := &recorder{}
	e, _ := startEngine(t, gw, rec)

	require.NoError(t, e.Load(ctx))
	waitFor(t, e, func(s Snapshot) bool { return len(s.Notes) == 1 })

	gw.setFail(errOutage)
	ok, err := e.Delete(ctx, x.ID)
	require.NoError(t, err)
	require.True(t, ok)

	s := waitFor(t, e, func(s Snapshot) bool { return s.Alert != "" })
	assert.Equal(t, []string{x.ID}, ids(s))
	assert.Zero(t, s.Deleting)
	assert.Empty(t, rec.types())
}

func TestEngine_DeleteNeedsConfirmation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "t", "")
	gw := newGateway(st)
	e, _ := startEngine(t, gw, nil, WithConfirmer(no))

	require.NoError(t, e.Load(ctx))
	waitFor(t, e, func(s Snapshot) bool { return len(s.Notes) == 1 })

	ok, err := e.Delete(ctx, x.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, snap(t, e).Notes, 1)
	_, _, deletes := gw.counts()
	assert.Equal(t, 0, deletes)
}

func TestEngine_UnsavedChangesGuard(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	other := seed(t, st, "other", "o")
	answer := false
	e, _ := startEngine(t, newGateway(st), nil, WithConfirmer(func(string) bool { return answer }))

	require.NoError(t, e.Edit(ctx, "draft", "unsaved"))

	ok, err := e.Open(ctx, other.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = e.New(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	s := snap(t, e)
	assert.Equal(t, Dirty, s.Phase)
	assert.Equal(t, "unsaved", s.Content)

	answer = true
	ok, err = e.Open(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	s = waitFor(t, e, func(s Snapshot) bool { return s.Content == "o" && !s.Opening })
	assert.Equal(t, Clean, s.Phase)
	assert.Equal(t, other.ID, s.NoteID)
}

func TestEngine_PeerDeleteClosesCleanEditor(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "t", "c")
	e, _ := startEngine(t, newGateway(st), nil)

	_, err := e.Open(ctx, x.ID)
	require.NoError(t, err)
	waitFor(t, e, func(s Snapshot) bool { return s.Content == "c" && !s.Opening })

	m, err := ws.NewMessage(ws.TypeNoteDeleted, x.ID)
	require.NoError(t, err)
	require.NoError(t, e.Receive(ctx, m))
	s := snap(t, e)
	assert.Equal(t, Idle, s.Phase)
	assert.Empty(t, s.Notes)
	assert.Empty(t, s.Alert)
}

func TestEngine_PeerDeleteKeepsDirtyDraftAsNewNote(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "t", "c")
	gw := newGateway(st)
	e, clk := startEngine(t, gw, nil)

	_, err := e.Open(ctx, x.ID)
	require.NoError(t, err)
	waitFor(t, e, func(s Snapshot) bool { return s.Content == "c" && !s.Opening })
	require.NoError(t, e.EditContent(ctx, "precious"))

	require.NoError(t, st.Delete(ctx, 1, x.ID))
	m, err := ws.NewMessage(ws.TypeNoteDeleted, x.ID)
	require.NoError(t, err)
	require.NoError(t, e.Receive(ctx, m))

	s := snap(t, e)
	assert.Equal(t, Dirty, s.Phase)
	assert.Empty(t, s.NoteID)
	assert.Equal(t, "precious", s.Content)
	assert.NotEmpty(t, s.Alert)
	assert.Equal(t, 1, clk.Active())

	clk.Fire()
	s = waitFor(t, e, phaseIs(Clean))
	assert.NotEqual(t, x.ID, s.NoteID)
	creates, _, _ := gw.counts()
	assert.Equal(t, 1, creates)
}

func TestEngine_UpdateOfVanishedNoteBecomesCreate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "t", "c")
	gw := newGateway(st)
	e, clk := startEngine(t, gw, nil)

	_, err := e.Open(ctx, x.ID)
	require.NoError(t, err)
	waitFor(t, e, func(s Snapshot) bool { return s.Content == "c" && !s.Opening })

	require.NoError(t, st.Delete(ctx, 1, x.ID))
	require.NoError(t, e.EditContent(ctx, "edited"))
	snap(t, e)
	clk.Fire()

	s := waitFor(t, e, func(s Snapshot) bool { return s.Alert != "" })
	assert.Equal(t, Dirty, s.Phase)
	assert.Empty(t, s.NoteID)
	assert.Equal(t, "edited", s.Content)

	clk.Fire()
	s = waitFor(t, e, phaseIs(Clean))
	got, err := st.Get(ctx, 1, s.NoteID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)
}

func TestEngine_StaleSaveResultDoesNotTouchEditor(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	a := seed(t, st, "a", "a0")
	b := seed(t, st, "b", "b0")
	gw := newGateway(st)
	e, clk := startEngine(t, gw, nil)

	_, err := e.Open(ctx, a.ID)
	require.NoError(t, err)
	waitFor(t, e, func(s Snapshot) bool { return s.Content == "a0" && !s.Opening })
	require.NoError(t, e.EditContent(ctx, "a1"))
	snap(t, e)

	release := gw.hold()
	clk.Fire()
	waitFor(t, e, phaseIs(Saving))

	// nothing unsaved beyond the request in flight, so no prompt
	ok, err := e.Open(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	release()

	s := waitFor(t, e, func(s Snapshot) bool {
		sa, found := findSummary(s, a.ID)
		return found && sa.Preview == "a1" && s.Content == "b0"
	})
	assert.Equal(t, b.ID, s.NoteID)
	assert.Equal(t, "b0", s.Content)
	assert.Equal(t, Clean, s.Phase)
}

func findSummary(s Snapshot, id string) (note.Summary, bool) {
	for _, n := range s.Notes {
		if n.ID == id {
			return n, true
		}
	}
	return note.Summary{}, false
}

func TestEngine_OpenMissingNote(t *testing.T) {
	ctx := context.Background()
	e, _ := startEngine(t, newGateway(store.NewMemoryNoteStore()), nil)

	ok, err := e.Open(ctx, "ghost")
	require.NoError(t, err)
	require.True(t, ok)
	s := waitFor(t, e, phaseIs(Idle))
	assert.Equal(t, "Note not found", s.Alert)
}

func TestEngine_LoadMoreAppendsPages(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	for i := 0; i < 5; i++ {
		seed(t, st, fmt.Sprintf("n%d", i), "")
	}
	e, _ := startEngine(t, newGateway(st), nil)

	require.NoError(t, e.Load(ctx))
	s := waitFor(t, e, func(s Snapshot) bool { return s.Page == 1 && !s.Loading })
	assert.Len(t, s.Notes, 2)
	assert.True(t, s.HasMore)

	require.NoError(t, e.LoadMore(ctx))
	s = waitFor(t, e, func(s Snapshot) bool { return s.Page == 2 && !s.Loading })
	assert.Len(t, s.Notes, 4)

	require.NoError(t, e.LoadMore(ctx))
	s = waitFor(t, e, func(s Snapshot) bool { return s.Page == 3 && !s.Loading })
	assert.Len(t, s.Notes, 5)
	assert.False(t, s.HasMore)

	require.NoError(t, e.LoadMore(ctx))
	s = snap(t, e)
	assert.Equal(t, 3, s.Page)
	assert.False(t, s.Loading)
}

func TestEngine_PresenceCount(t *testing.T) {
	ctx := context.Background()
	e, _ := startEngine(t, newGateway(store.NewMemoryNoteStore()), nil)

	m, err := ws.NewMessage(ws.TypePresence, ws.PresencePayload{Count: 3})
	require.NoError(t, err)
	require.NoError(t, e.Receive(ctx, m))
	assert.Equal(t, 3, snap(t, e).Devices)
}

func TestEngine_OnChangeSeesEveryMessage(t *testing.T) {
	ctx := context.Background()
	changes := make(chan Snapshot, 16)
	e, _ := startEngine(t, newGateway(store.NewMemoryNoteStore()), nil,
		WithOnChange(func(s Snapshot) { changes <- s }))

	require.NoError(t, e.Edit(ctx, "t", "c"))
	select {
	case s := <-changes:
		assert.Equal(t, Dirty, s.Phase)
	case <-time.After(2 * time.Second):
		t.Fatal("no change callback")
	}
}

func TestEngine_StoppedEngineRejectsActions(t *testing.T) {
	e := New(newGateway(store.NewMemoryNoteStore()), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(ctx))

	_, err := e.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestEngine_SavedNoteMatchesLastEdit(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		st := store.NewMemoryNoteStore()
		clk := &fakeClock{}
		e := New(newGateway(st), nil, WithClock(clk), WithConfirmer(yes))
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			_ = e.Run(runCtx)
			close(done)
		}()
		defer func() {
			cancel()
			<-done
		}()

		title, content := "", ""
		edits := rapid.IntRange(1, 20).Draw(rt, "edits")
		for i := 0; i < edits; i++ {
			switch rapid.IntRange(0, 2).Draw(rt, "field") {
			case 0:
				title = rapid.StringN(0, 8, -1).Draw(rt, "title")
				_ = e.EditTitle(ctx, title)
			case 1:
				content = rapid.StringN(0, 16, -1).Draw(rt, "content")
				_ = e.EditContent(ctx, content)
			case 2:
				title = rapid.StringN(0, 8, -1).Draw(rt, "title")
				content = rapid.StringN(0, 16, -1).Draw(rt, "content")
				_ = e.Edit(ctx, title, content)
			}
		}
		if _, err := e.Snapshot(ctx); err != nil {
			rt.Fatal(err)
		}
		clk.Fire()

		deadline := time.Now().Add(2 * time.Second)
		var s Snapshot
		for {
			s, _ = e.Snapshot(ctx)
			if s.Phase == Clean {
				break
			}
			if time.Now().After(deadline) {
				rt.Fatalf("save never finished: %+v", s)
			}
			time.Sleep(time.Millisecond)
		}
		stored, err := st.Get(ctx, 1, s.NoteID)
		if err != nil {
			rt.Fatal(err)
		}
		if stored.Title != note.NormalizeTitle(title) || stored.Content != content {
			rt.Fatalf("stored (%q, %q), last edit (%q, %q)", stored.Title, stored.Content, title, content)
		}
	})
}

func TestEngine_DeleteDuringSaveStaysDeleted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "doomed", "c")
	gw := newGateway(st)
	rec := &recorder{}
	e, clk := startEngine(t, gw, rec)

	require.NoError(t, e.Load(ctx))
	waitFor(t, e, func(s Snapshot) bool { return len(s.Notes) == 1 })
	_, err := e.Open(ctx, x.ID)
	require.NoError(t, err)
	waitFor(t, e, func(s Snapshot) bool { return s.Phase == Clean && !s.Opening })

	releaseUpdate := gw.holdOp("update")
	releaseDelete := gw.holdOp("delete")
	require.NoError(t, e.EditContent(ctx, "c2"))
	snap(t, e)
	clk.Fire()
	waitFor(t, e, phaseIs(Saving))

	ok, err := e.Delete(ctx, x.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, ids(snap(t, e)))

	// the update lands first and its result comes back mid-delete
	releaseUpdate()
	require.Eventually(t, func() bool {
		types := rec.types()
		return len(types) == 1 && types[0] == ws.TypeNoteUpdated
	}, 2*time.Second, 5*time.Millisecond)
	s := snap(t, e)
	assert.Empty(t, ids(s))
	assert.Equal(t, 1, s.Deleting)

	releaseDelete()
	s = waitFor(t, e, func(s Snapshot) bool { return s.Deleting == 0 })
	assert.Empty(t, ids(s))
	assert.Equal(t, Idle, s.Phase)
	_, err = st.Get(ctx, 1, x.ID)
	assert.ErrorIs(t, err, note.ErrNotFound)
}

func TestEngine_PeerUpdateOfDeletedNoteIgnored(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "doomed", "c")
	keep := seed(t, st, "keep", "k")
	gw := newGateway(st)
	e, _ := startEngine(t, gw, &recorder{})

	require.NoError(t, e.Load(ctx))
	waitFor(t, e, func(s Snapshot) bool { return len(s.Notes) == 2 })

	release := gw.holdOp("delete")
	ok, err := e.Delete(ctx, x.ID)
	require.NoError(t, err)
	require.True(t, ok)

	late := x
	late.Content = "edited elsewhere"
	late.UpdatedAt = x.UpdatedAt.Add(time.Second)
	m, err := ws.NewMessage(ws.TypeNoteUpdated, late)
	require.NoError(t, err)

	require.NoError(t, e.Receive(ctx, m))
	assert.Equal(t, []string{keep.ID}, ids(snap(t, e)), "update while the delete is in flight")

	release()
	waitFor(t, e, func(s Snapshot) bool { return s.Deleting == 0 })

	late.UpdatedAt = late.UpdatedAt.Add(time.Second)
	m, err = ws.NewMessage(ws.TypeNoteUpdated, late)
	require.NoError(t, err)
	require.NoError(t, e.Receive(ctx, m))
	assert.Equal(t, []string{keep.ID}, ids(snap(t, e)), "update after the delete finished")
}

func TestEngine_PeerDeleteBlocksLateUpdate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "shared", "c")
	e, _ := startEngine(t, newGateway(st), nil)

	require.NoError(t, e.Load(ctx))
	waitFor(t, e, func(s Snapshot) bool { return len(s.Notes) == 1 })

	del, err := ws.NewMessage(ws.TypeNoteDeleted, x.ID)
	require.NoError(t, err)
	upd := x
	upd.UpdatedAt = x.UpdatedAt.Add(time.Second)
	late, err := ws.NewMessage(ws.TypeNoteUpdated, upd)
	require.NoError(t, err)

	require.NoError(t, e.Receive(ctx, del))
	require.NoError(t, e.Receive(ctx, late))
	assert.Empty(t, ids(snap(t, e)))
}

func TestEngine_EditWhileOpeningKeepsStoredContent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "old title", "body that must survive")
	gw := newGateway(st)
	e, clk := startEngine(t, gw, nil)

	release := gw.holdOp("get")
	_, err := e.Open(ctx, x.ID)
	require.NoError(t, err)
	require.NoError(t, e.EditTitle(ctx, "renamed"))
	require.NoError(t, e.Save(ctx))

	s := snap(t, e)
	assert.True(t, s.Opening)
	assert.Equal(t, Dirty, s.Phase)
	assert.Equal(t, 0, clk.Active())
	_, updates, _ := gw.counts()
	assert.Zero(t, updates, "nothing is written before the note arrives")

	release()
	s = waitFor(t, e, func(s Snapshot) bool { return s.Phase == Clean && !s.Opening })
	assert.Equal(t, "renamed", s.Title)
	assert.Equal(t, "body that must survive", s.Content)

	stored, err := st.Get(ctx, 1, x.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", stored.Title)
	assert.Equal(t, "body that must survive", stored.Content)
}

func TestEngine_EditWhileOpeningArmsAutosaveAfterFetch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryNoteStore()
	x := seed(t, st, "title", "original body")
	gw := newGateway(st)
	e, clk := startEngine(t, gw, nil)

	require.NoError(t, e.Load(ctx))
	waitFor(t, e, func(s Snapshot) bool { return len(s.Notes) == 1 })

	release := gw.holdOp("get")
	_, err := e.Open(ctx, x.ID)
	require.NoError(t, err)
	require.NoError(t, e.EditContent(ctx, "typed while loading"))
	assert.Equal(t, 0, clk.Active())

	release()
	s := waitFor(t, e, func(s Snapshot) bool { return !s.Opening })
	assert.Equal(t, Dirty, s.Phase)
	assert.Equal(t, "title", s.Title)
	assert.Equal(t, "typed while loading", s.Content)
	assert.Equal(t, 1, clk.Active())

	clk.Fire()
	waitFor(t, e, phaseIs(Clean))
	stored, err := st.Get(ctx, 1, x.ID)
	require.NoError(t, err)
	assert.Equal(t, "typed while loading", stored.Content)
}
