// Package api is the HTTP side of the client: it talks to the notes
// server on behalf of one signed-in identity.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"notesync/backend/internal/note"
)

const defaultTimeout = 10 * time.Second

// Client is safe for concurrent use once the token is set.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	c := &Client{base: u, http: &http.Client{Timeout: defaultTimeout}}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) Token() string { return c.token }

// RelayURL is the WebSocket endpoint for this client's identity. Browsers
// send the cookie; here the token travels as a query parameter.
func (c *Client) RelayURL(device string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("token", c.token)
	if device != "" {
		q.Set("device", device)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type Account struct {
	ID       uint64 `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type Session struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
	User        Account   `json:"user"`
}

// Login signs in and keeps the returned token for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var s Session
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &s); err != nil {
		return Session{}, err
	}
	c.token = s.AccessToken
	return s, nil
}

func (c *Client) Register(ctx context.Context, username, email, password string) (Session, error) {
	var s Session
	body := map[string]string{"username": username, "email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/register", body, &s); err != nil {
		return Session{}, err
	}
	c.token = s.AccessToken
	return s, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/auth/logout", nil, nil); err != nil {
		return err
	}
	c.token = ""
	return nil
}

func (c *Client) List(ctx context.Context, page, pageSize int) (note.Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(pageSize))
	var p note.Page
	if err := c.do(ctx, http.MethodGet, "/notes?"+q.Encode(), nil, &p); err != nil {
		return note.Page{}, err
	}
	if p.Notes == nil {
		p.Notes = []note.Note{}
	}
	return p, nil
}

func (c *Client) Get(ctx context.Context, noteID string) (note.Note, error) {
	var n note.Note
	err := c.do(ctx, http.MethodGet, "/notes/"+url.PathEscape(noteID), nil, &n)
	return n, err
}

type noteBody struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (c *Client) Create(ctx context.Context, title, content string) (note.Note, error) {
	var n note.Note
	err := c.do(ctx, http.MethodPost, "/notes", noteBody{title, content}, &n)
	return n, err
}

func (c *Client) Update(ctx context.Context, noteID, title, content string) (note.Note, error) {
	var n note.Note
	err := c.do(ctx, http.MethodPut, "/notes/"+url.PathEscape(noteID), noteBody{title, content}, &n)
	return n, err
}

func (c *Client) Delete(ctx context.Context, noteID string) error {
	return c.do(ctx, http.MethodDelete, "/notes/"+url.PathEscape(noteID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %v", note.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", note.ErrTransport, path, err)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

// statusError maps a non-2xx response onto the note error taxonomy.
func statusError(resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
	msg := eb.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return note.ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusConflict:
		return fmt.Errorf("%w: %s", note.ErrValidation, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", note.ErrAuthRequired, msg)
	default:
		return fmt.Errorf("%w: server returned %d: %s", note.ErrTransport, resp.StatusCode, msg)
	}
}
