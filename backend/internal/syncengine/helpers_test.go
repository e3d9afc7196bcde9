package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notesync/backend/internal/note"
	"notesync/backend/internal/store"
	"notesync/backend/internal/ws"
)

// fakeClock never fires on its own; Fire runs every armed timer as if the
// autosave delay had elapsed.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *fakeClock) Fire() int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

// memGateway serves one owner's notes from a shared memory store and can
// fail or stall writes on demand.
type memGateway struct {
	store *store.MemoryNoteStore
	owner uint64

	mu      sync.Mutex
	creates int
	updates int
	deletes int
	fail    error
	gate    chan struct{}
	gates   map[string]chan struct{}
}

func newGateway(s *store.MemoryNoteStore) *memGateway {
	return &memGateway{store: s, owner: 1}
}

func (g *memGateway) write() error {
	g.mu.Lock()
	fail, gate := g.fail, g.gate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return fail
}

func (g *memGateway) setFail(err error) {
	g.mu.Lock()
	g.fail = err
	g.mu.Unlock()
}

// hold makes writes block until the returned func is called.
func (g *memGateway) hold() func() {
	gate := make(chan struct{})
	g.mu.Lock()
	g.gate = gate
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.gate = nil
		g.mu.Unlock()
		close(gate)
	}
}

// holdOp blocks one kind of call ("get", "update", "delete") until the
// returned func is called, so tests can pick the order calls land in.
func (g *memGateway) holdOp(op string) func() {
	gate := make(chan struct{})
	g.mu.Lock()
	if g.gates == nil {
		g.gates = make(map[string]chan struct{})
	}
	g.gates[op] = gate
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.gates, op)
		g.mu.Unlock()
		close(gate)
	}
}

func (g *memGateway) wait(op string) {
	g.mu.Lock()
	gate := g.gates[op]
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (g *memGateway) counts() (creates, updates, deletes int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates, g.updates, g.deletes
}

func (g *memGateway) List(ctx context.Context, page, pageSize int) (note.Page, error) {
	notes, more, err := g.store.List(ctx, g.owner, page, pageSize)
	return note.Page{Notes: notes, HasMore: more}, err
}

func (g *memGateway) Get(ctx context.Context, noteID string) (note.Note, error) {
	g.wait("get")
	return g.store.Get(ctx, g.owner, noteID)
}

func (g *memGateway) Create(ctx context.Context, title, content string) (note.Note, error) {
	g.mu.Lock()
	g.creates++
	g.mu.Unlock()
	if err := g.write(); err != nil {
		return note.Note{}, err
	}
	return g.store.Create(ctx, g.owner, title, content)
}

func (g *memGateway) Update(ctx context.Context, noteID, title, content string) (note.Note, error) {
	g.mu.Lock()
	g.updates++
	g.mu.Unlock()
	if err := g.write(); err != nil {
		return note.Note{}, err
	}
	g.wait("update")
	return g.store.Update(ctx, g.owner, noteID, title, content)
}

func (g *memGateway) Delete(ctx context.Context, noteID string) error {
	g.mu.Lock()
	g.deletes++
	g.mu.Unlock()
	if err := g.write(); err != nil {
		return err
	}
	g.wait("delete")
	return g.store.Delete(ctx, g.owner, noteID)
}

// recorder is a Relay that keeps what was emitted and optionally forwards
// it to peer engines.
type recorder struct {
	mu    sync.Mutex
	sent  []ws.Message
	peers []*Engine
}

func (r *recorder) Emit(ctx context.Context, typ string, payload any) error {
	m, err := ws.NewMessage(typ, payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, m)
	peers := append([]*Engine(nil), r.peers...)
	r.mu.Unlock()
	for _, p := range peers {
		go func(p *Engine) { _ = p.Receive(context.Background(), m) }(p)
	}
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, m := range r.sent {
		out = append(out, m.Type)
	}
	return out
}

func yes(string) bool { return true }
func no(string) bool  { return false }

func startEngine(t *testing.T, gw Gateway, relay Relay, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	clk := &fakeClock{}
	all := append([]Option{WithClock(clk), WithConfirmer(yes), WithPageSize(2)}, opts...)
	e := New(gw, relay, all...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e, clk
}

func snap(t *testing.T, e *Engine) Snapshot {
	t.Helper()
	s, err := e.Snapshot(context.Background())
	require.NoError(t, err)
	return s
}

func waitFor(t *testing.T, e *Engine, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := e.Snapshot(context.Background())
		return err == nil && cond(s)
	}, 2*time.Second, 5*time.Millisecond)
	return snap(t, e)
}

func phaseIs(p Phase) func(Snapshot) bool {
	return func(s Snapshot) bool { return s.Phase == p }
}

func ids(s Snapshot) []string {
	out := make([]string, 0, len(s.Notes))
	for _, n := range s.Notes {
		out = append(out, n.ID)
	}
	return out
}

func seed(t *testing.T, s *store.MemoryNoteStore, title, content string) note.Note {
	t.Helper()
	n, err := s.Create(context.Background(), 1, title, content)
	require.NoError(t, err)
	return n
}
