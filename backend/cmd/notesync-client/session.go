package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"notesync/backend/internal/client/api"
	"notesync/backend/internal/client/relay"
	"notesync/backend/internal/logging"
	"notesync/backend/internal/note"
	"notesync/backend/internal/syncengine"
	"notesync/backend/internal/ws"
)

const tokenEnv = "NOTESYNC_TOKEN"

type options struct {
	server    string
	tokenFile string
	device    string
	verbose   bool
	autosave  time.Duration
	in        io.Reader
	out       io.Writer
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".notesync-token"
	}
	return filepath.Join(dir, "notesync", "token")
}

func (o *options) logger() logging.Logger {
	if !o.verbose {
		return logging.Discard()
	}
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelDebug)
	return logging.New(os.Stderr, "text", lv)
}

// token prefers the environment over the token file.
func (o *options) token() (string, error) {
	if t := strings.TrimSpace(os.Getenv(tokenEnv)); t != "" {
		return t, nil
	}
	b, err := os.ReadFile(o.tokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: run \"notesync-client login\" first", note.ErrAuthRequired)
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func (o *options) saveToken(token string) error {
	if err := os.MkdirAll(filepath.Dir(o.tokenFile), 0o700); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	if err := os.WriteFile(o.tokenFile, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (o *options) removeToken() error {
	err := os.Remove(o.tokenFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}

func (o *options) anonymousClient() (*api.Client, error) {
	return api.New(o.server)
}

func (o *options) client() (*api.Client, error) {
	tok, err := o.token()
	if err != nil {
		return nil, err
	}
	return api.New(o.server, api.WithToken(tok))
}

// readPassword reads without echo on a terminal, or one line otherwise.
func (o *options) readPassword(prompt string) (string, error) {
	fmt.Fprint(o.out, prompt)
	if f, ok := o.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(o.out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(o.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// confirmer asks on the terminal, or always agrees when yes is set.
func (o *options) confirmer(yes bool) syncengine.Confirmer {
	if yes {
		return func(string) bool { return true }
	}
	reader := bufio.NewReader(o.in)
	return func(prompt string) bool {
		fmt.Fprintf(o.out, "%s [y/N] ", prompt)
		line, _ := reader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

// session is one running sync engine plus its relay connection.
type session struct {
	engine *syncengine.Engine
	relay  *relay.Client
	log    logging.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// startSession runs the engine and, when live is set, the relay. Relay
// events go straight into the engine queue.
func (o *options) startSession(ctx context.Context, live bool, extra ...syncengine.Option) (*session, error) {
	c, err := o.client()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	log := o.logger()
	s := &session{log: log, cancel: cancel, done: make(chan struct{})}

	var rl syncengine.Relay
	if live {
		s.relay = relay.New(c.RelayURL(o.device), relay.WithLogger(log))
		rl = s.relay
	}
	opts := append([]syncengine.Option{
		syncengine.WithLogger(log),
		syncengine.WithAutosaveDelay(o.autosave),
	}, extra...)
	s.engine = syncengine.New(c, rl, opts...)
	go func() { _ = s.engine.Run(ctx) }()

	if s.relay == nil {
		close(s.done)
		return s, nil
	}
	go func() {
		defer close(s.done)
		err := s.relay.Run(ctx, func(m ws.Message) {
			_ = s.engine.Receive(ctx, m)
		})
		if err != nil {
			log.Warn(ctx, "relay stopped", "err", err)
		}
	}()
	return s, nil
}

// close stops the engine and waits briefly for the relay to flush.
func (s *session) close() {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
	}
}

// waitConnected gives the relay a moment to come up. Sync still works
// without it; peers then only see changes on their next refresh.
func (s *session) waitConnected(ctx context.Context, d time.Duration) {
	if s.relay == nil {
		return
	}
	deadline := time.Now().Add(d)
	for !s.relay.Connected() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// waitFor polls the engine until cond holds.
func (s *session) waitFor(ctx context.Context, timeout time.Duration, cond func(syncengine.Snapshot) bool) (syncengine.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		snap, err := s.engine.Snapshot(ctx)
		if err != nil {
			return snap, err
		}
		if cond(snap) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, fmt.Errorf("timed out waiting for the server: %w", ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}
