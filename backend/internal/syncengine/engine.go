// Package syncengine is the client sync engine. One Engine owns one
// editing session's state: the visible note list, the open note's draft,
// autosave scheduling and reconciliation with store results and peer
// events.
//
// All state lives in the goroutine running Run. Public methods post a
// message to its queue; store and relay calls run in their own goroutines
// and post their results back, so every transition happens in queue order.
package syncengine

import (
	"context"
	"errors"
	"time"

	"notesync/backend/internal/logging"
	"notesync/backend/internal/note"
	"notesync/backend/internal/notelist"
	"notesync/backend/internal/ws"
)

const (
	DefaultAutosaveDelay = time.Second
	DefaultPageSize      = 20

	inboxSize = 64
)

var ErrStopped = errors.New("sync engine stopped")

// Gateway is the note store as seen by one signed-in client.
type Gateway interface {
	List(ctx context.Context, page, pageSize int) (note.Page, error)
	Get(ctx context.Context, noteID string) (note.Note, error)
	Create(ctx context.Context, title, content string) (note.Note, error)
	Update(ctx context.Context, noteID, title, content string) (note.Note, error)
	Delete(ctx context.Context, noteID string) error
}

// Relay sends an event to the user's other devices. Failures are logged
// and otherwise ignored.
type Relay interface {
	Emit(ctx context.Context, typ string, payload any) error
}

// Confirmer asks the user before a destructive action and reports whether
// to go ahead.
type Confirmer func(prompt string) bool

// Timer is a pending autosave; Stop cancels it.
type Timer interface {
	Stop() bool
}

// Clock schedules autosaves. Tests swap in a clock they fire by hand.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Phase is where the open note stands relative to the store: nothing
// open (Idle), in sync (Clean), edited (Dirty) or being written (Saving).
type Phase int

const (
	Idle Phase = iota
	Clean
	Dirty
	Saving
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Saving:
		return "saving"
	default:
		return "unknown"
	}
}

// Snapshot is a read-only copy of the engine state.
type Snapshot struct {
	Phase     Phase
	NoteID    string // empty for a note that has never been saved
	Title     string
	Content   string
	UpdatedAt time.Time
	// Unsaved is true while local edits have not reached the store.
	Unsaved bool
	Notes   []note.Summary
	Page    int
	HasMore bool
	Loading bool
	// Opening is true until the open note's full content has arrived.
	Opening bool
	// Deleting counts deletes still waiting for the server.
	Deleting int
	Alert    string
	Devices  int
}

// Engine owns one page session: the visible note list and the draft of
// the open note. Create it with New and drive it with Run.
type Engine struct {
	gw       Gateway
	relay    Relay
	confirm  Confirmer
	clock    Clock
	delay    time.Duration
	pageSize int
	log      logging.Logger
	onChange func(Snapshot)

	inbox   chan event
	stopped chan struct{}
	runCtx  context.Context

	// owned by the Run goroutine
	list      *notelist.List
	phase     Phase
	session   uint64
	noteID    string
	title     string
	content   string
	updatedAt time.Time
	pending   bool
	timer     Timer
	timerSeq  uint64
	loadSeq   uint64
	loading   bool
	alert     string
	devices   int

	// fetching holds saves until the opened note's content arrives; the
	// edited flags mark fields typed meanwhile, which the fetch must keep.
	fetching      bool
	titleEdited   bool
	contentEdited bool
	saveHeld      bool

	// deleting counts in-flight deletes per id; gone holds ids deleted for
	// good. Late results for either never re-enter the list.
	deleting map[string]int
	gone     map[string]struct{}
}

type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithConfirmer sets the destructive-action guard. Without one every
// guarded action is declined.
func WithConfirmer(c Confirmer) Option {
	return func(e *Engine) { e.confirm = c }
}

func WithAutosaveDelay(d time.Duration) Option {
	return func(e *Engine) { e.delay = d }
}

func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithOnChange registers a callback run on the engine goroutine after
// every handled message. It must not call back into the engine.
func WithOnChange(f func(Snapshot)) Option {
	return func(e *Engine) { e.onChange = f }
}

// New builds an engine; relay may be nil for a client without live sync.
func New(gw Gateway, relay Relay, opts ...Option) *Engine {
	e := &Engine{
		gw:       gw,
		relay:    relay,
		confirm:  func(string) bool { return false },
		clock:    realClock{},
		delay:    DefaultAutosaveDelay,
		pageSize: DefaultPageSize,
		log:      logging.Discard(),
		inbox:    make(chan event, inboxSize),
		stopped:  make(chan struct{}),
		list:     notelist.New(),
		deleting: make(map[string]int),
		gone:     make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run processes messages until ctx ends. It must be called exactly once.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	defer close(e.stopped)
	defer e.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.inbox:
			e.handle(ev)
			if e.onChange != nil {
				e.onChange(e.snapshot())
			}
		}
	}
}

// post enqueues from a worker goroutine; it gives up once Run has exited.
func (e *Engine) post(ev event) {
	select {
	case e.inbox <- ev:
	case <-e.stopped:
	}
}

func (e *Engine) send(ctx context.Context, ev event) error {
	select {
	case e.inbox <- ev:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ask sends ev and waits for its handler to answer on reply.
func ask[T any](ctx context.Context, e *Engine, ev event, reply <-chan T) (T, error) {
	var zero T
	if err := e.send(ctx, ev); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-e.stopped:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Load replaces the list with the first page.
func (e *Engine) Load(ctx context.Context) error {
	return e.send(ctx, evLoad{})
}

// LoadMore appends the next page. It is a no-op while a load is in flight
// or when the last page said there is nothing more.
func (e *Engine) LoadMore(ctx context.Context) error {
	return e.send(ctx, evLoadMore{})
}

// New opens an empty editor for a note that does not exist yet. It
// reports false when the user declined to drop unsaved edits.
func (e *Engine) New(ctx context.Context) (bool, error) {
	reply := make(chan bool, 1)
	return ask(ctx, e, evNew{reply: reply}, reply)
}

// Open switches the editor to noteID, guarded like New.
func (e *Engine) Open(ctx context.Context, noteID string) (bool, error) {
	reply := make(chan bool, 1)
	return ask(ctx, e, evOpen{id: noteID, reply: reply}, reply)
}

// Edit replaces both draft fields, as one keystroke.
func (e *Engine) Edit(ctx context.Context, title, content string) error {
	return e.send(ctx, evEdit{title: &title, content: &content})
}

func (e *Engine) EditTitle(ctx context.Context, title string) error {
	return e.send(ctx, evEdit{title: &title})
}

func (e *Engine) EditContent(ctx context.Context, content string) error {
	return e.send(ctx, evEdit{content: &content})
}

// Save saves unsaved edits now instead of waiting for the autosave timer.
func (e *Engine) Save(ctx context.Context) error {
	return e.send(ctx, evSave{})
}

// Delete removes a note after confirmation. It reports false when the user
// declined.
func (e *Engine) Delete(ctx context.Context, noteID string) (bool, error) {
	reply := make(chan bool, 1)
	return ask(ctx, e, evDelete{id: noteID, reply: reply}, reply)
}

// Receive queues an event delivered by the relay.
func (e *Engine) Receive(ctx context.Context, m ws.Message) error {
	return e.send(ctx, evPeer{msg: m})
}

// Dismiss clears the current alert.
func (e *Engine) Dismiss(ctx context.Context) error {
	return e.send(ctx, evDismiss{})
}

// Snapshot returns the state after every message queued before it.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	return ask(ctx, e, evSnapshot{reply: reply}, reply)
}

func (e *Engine) snapshot() Snapshot {
	return Snapshot{
		Phase:     e.phase,
		NoteID:    e.noteID,
		Title:     e.title,
		Content:   e.content,
		UpdatedAt: e.updatedAt,
		Unsaved:   e.phase == Dirty || e.phase == Saving,
		Notes:     e.list.Items(),
		Page:      e.list.Page(),
		HasMore:   e.list.HasMore(),
		Loading:   e.loading,
		Opening:   e.fetching,
		Deleting:  e.inFlightDeletes(),
		Alert:     e.alert,
		Devices:   e.devices,
	}
}

func (e *Engine) inFlightDeletes() int {
	n := 0
	for _, c := range e.deleting {
		n += c
	}
	return n
}

// tombstoned reports ids that are being or have been deleted here or on a
// peer. Note ids are never reused.
func (e *Engine) tombstoned(id string) bool {
	if _, ok := e.gone[id]; ok {
		return true
	}
	return e.deleting[id] > 0
}

// upsert adds or refreshes a summary unless the note is tombstoned.
func (e *Engine) upsert(n note.Note) {
	if e.tombstoned(n.ID) {
		e.log.Debug(e.runCtx, "summary of deleted note dropped", "note", n.ID)
		return
	}
	e.list.Upsert(n.Summary())
}

// hasUnsaved reports edits that no request in flight is carrying.
func (e *Engine) hasUnsaved() bool {
	return e.phase == Dirty || (e.phase == Saving && e.pending)
}

func (e *Engine) guard(prompt string) bool {
	if !e.hasUnsaved() {
		return true
	}
	return e.confirm(prompt)
}

func (e *Engine) armTimer() {
	e.stopTimer()
	e.timerSeq++
	seq := e.timerSeq
	e.timer = e.clock.AfterFunc(e.delay, func() { e.post(evTimer{seq: seq}) })
}

func (e *Engine) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) setAlert(msg string) {
	e.alert = msg
}

func (e *Engine) emit(typ string, payload any) {
	if e.relay == nil {
		return
	}
	if err := e.relay.Emit(e.runCtx, typ, payload); err != nil {
		e.log.Warn(e.runCtx, "broadcast dropped", "type", typ, "err", err)
	}
}

func (e *Engine) resetEditor(phase Phase) {
	e.stopTimer()
	e.session++
	e.phase = phase
	e.noteID = ""
	e.title, e.content = "", ""
	e.updatedAt = time.Time{}
	e.pending = false
	e.fetching, e.titleEdited, e.contentEdited, e.saveHeld = false, false, false, false
}

// orphan keeps the draft of a note that no longer exists in the store;
// the next save creates it as a new note.
func (e *Engine) orphan(msg string) {
	title, content := e.title, e.content
	e.resetEditor(Dirty)
	e.title, e.content = title, content
	e.setAlert(msg)
	e.armTimer()
}
