// Package realtime implements the client's supervised realtime connection:
// a single websocket to the GlobalTrade backend carrying JSON-framed events
// for chat, typing indicators, notifications, and voice signaling.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// Event is a named event received from (or sent to) the backend.
type Event struct {
	Name string
	Data json.RawMessage
}

// frame is the wire representation of an event.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is a live realtime connection. Events are delivered on Events() in
// the order the transport received them; the channel closes when the
// connection is lost.
type Conn interface {
	Send(event string, data any) error
	Events() <-chan Event
	Close() error
}

// Dialer establishes realtime connections. The supervisor owns exactly one
// at a time.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

const (
	dialMaxTries    = 4
	defaultDialWait = 30 * time.Second
)

// WebsocketDialer dials the backend over websocket with the credential
// attached as connection-time auth (bearer header plus token query param).
// Transient dial failures are retried with exponential backoff inside a
// single attempt; an auth rejection fails immediately.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// NewWebsocketDialer returns a dialer with default timeouts.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{HandshakeTimeout: 10 * time.Second}
}

// Dial connects and returns a Conn with its read loop running.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDialWait)
	defer cancel()

	wsDialer := &websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	target := rawURL
	if token != "" {
		// The token is an opaque string; it must survive query encoding.
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("realtime: parse url: %w", err)
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	op := func() (*websocket.Conn, error) {
		ws, resp, err := wsDialer.DialContext(ctx, target, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, backoff.Permanent(fmt.Errorf("realtime: auth rejected: %w", err))
			}
			return nil, fmt.Errorf("realtime: dial: %w", err)
		}
		return ws, nil
	}

	ws, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(dialMaxTries),
	)
	if err != nil {
		return nil, err
	}

	c := &wsConn{
		ws:     ws,
		events: make(chan Event, 64),
	}
	// The backend also expects the credential as the first frame.
	if err := c.Send("auth", map[string]string{"token": token}); err != nil {
		_ = c.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// wsConn wraps a gorilla websocket connection. Writes are serialized with a
// mutex; a single goroutine reads frames and preserves arrival order.
type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	events    chan Event
	closeOnce sync.Once
}

func (c *wsConn) Send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("realtime: encode %s: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(frame{Event: event, Data: payload}); err != nil {
		return fmt.Errorf("realtime: send %s: %w", event, err)
	}
	return nil
}

func (c *wsConn) Events() <-chan Event {
	return c.events
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			slog.Debug("realtime read loop ended", "err", err)
			_ = c.Close()
			return
		}
		c.events <- Event{Name: f.Event, Data: f.Data}
	}
}
