// Package relay is the client end of the broadcast relay. It keeps one
// WebSocket open to the server, reconnecting with backoff, and hands every
// inbound event to a callback.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"notesync/backend/internal/logging"
	"notesync/backend/internal/note"
	"notesync/backend/internal/ws"
)

const (
	sendQueueSize = 32
	writeWait     = 5 * time.Second
)

type Client struct {
	url        string
	dialer     *websocket.Dialer
	heartbeat  time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
	log        logging.Logger

	mu  sync.Mutex
	out chan ws.Message
}

type Option func(*Client)

func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

func WithBackoff(base, limit time.Duration) Option {
	return func(c *Client) { c.minBackoff, c.maxBackoff = base, limit }
}

func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		dialer:     websocket.DefaultDialer,
		heartbeat:  20 * time.Second,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 15 * time.Second,
		log:        logging.Discard(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connected reports whether Emit currently has somewhere to write.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

// Emit queues one event on the live connection. It never blocks; with no
// connection or a full queue it returns note.ErrTransport and the event is
// gone.
func (c *Client) Emit(ctx context.Context, typ string, payload any) error {
	msg, err := ws.NewMessage(typ, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return fmt.Errorf("%w: relay not connected", note.ErrTransport)
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return fmt.Errorf("%w: relay send queue full", note.ErrTransport)
	}
}

// Run connects and serves until ctx ends. A rejected handshake (401/403)
// stops it with note.ErrAuthRequired; every other failure is retried.
func (c *Client) Run(ctx context.Context, deliver func(ws.Message)) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.log.Info(ctx, "relay connected", "url", redact(c.url))
		err = c.serve(ctx, conn, deliver)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn(ctx, "relay disconnected", "err", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	b := retry.NewExponential(c.minBackoff)
	b = retry.WithCappedDuration(c.maxBackoff, b)
	b = retry.WithJitterPercent(10, b)

	var conn *websocket.Conn
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		wc, resp, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return fmt.Errorf("%w: relay handshake rejected with %d", note.ErrAuthRequired, resp.StatusCode)
			}
			c.log.Debug(ctx, "relay dial failed", "err", err)
			return retry.RetryableError(err)
		}
		conn = wc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) setOut(out chan ws.Message) {
	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
}

// serve runs one connection: a writer goroutine owns every write, this
// goroutine owns every read.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, deliver func(ws.Message)) error {
	out := make(chan ws.Message, sendQueueSize)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	c.setOut(out)

	go func() {
		defer close(writerDone)
		c.writeLoop(ctx, conn, out, done)
	}()
	defer func() {
		c.setOut(nil)
		close(done)
		<-writerDone
		_ = conn.Close()
	}()

	for {
		var m ws.Message
		if err := conn.ReadJSON(&m); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return nil
			}
			return err
		}
		deliver(m)
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan ws.Message, done <-chan struct{}) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	hb, _ := ws.NewMessage(ws.TypeHeartbeat, nil)

	write := func(m ws.Message) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(m); err != nil {
			c.log.Debug(ctx, "relay write failed", "type", m.Type, "err", err)
			// unblocks the reader
			_ = conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.flush(out, write)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case m := <-out:
			if !write(m) {
				return
			}
		case <-ticker.C:
			if !write(hb) {
				return
			}
		}
	}
}

// flush writes whatever Emit queued before shutdown.
func (c *Client) flush(out <-chan ws.Message, write func(ws.Message) bool) {
	for {
		select {
		case m := <-out:
			if !write(m) {
				return
			}
		default:
			return
		}
	}
}

// redact strips the query so tokens stay out of logs.
func redact(raw string) string {
	base, _, _ := strings.Cut(raw, "?")
	return base
}
