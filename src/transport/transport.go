// Package transport adapts a raw WebSocket connection into the small
// capability the gateway protocol engine needs: connect, read frames,
// write frames, close, and report state. It is the only package in this
// module that imports gorilla/websocket directly.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a transport connection.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "closed"
	}
}

// CloseError wraps a WebSocket close code so callers outside this package
// can inspect it without importing gorilla/websocket directly.
type CloseError struct {
	Code int
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport: connection closed, code %d", e.Code)
}

// FrameHandler consumes one raw WebSocket message. It returns consumed=false
// when payload was only a partial compressed fragment; the handler is
// responsible for buffering that fragment itself and folding it into the
// next call — the transport never re-delivers or accumulates payload.
type FrameHandler func(messageType int, payload []byte) (consumed bool, err error)

// Transport is the capability the gateway protocol engine depends on. The
// concrete implementation, Conn, wraps gorilla/websocket; tests exercise
// the protocol engine against a fake that never imports gorilla/websocket
// at all.
type Transport interface {
	Connect(ctx context.Context) error
	ReadLoop(ctx context.Context, handle FrameHandler) error
	Write(payload []byte) error
	Close(code int) error
	State() State
}

// Conn is the gorilla/websocket-backed Transport implementation used in
// production. It is safe for concurrent Write/Close/State calls from
// multiple goroutines; ReadLoop must only ever run from a single goroutine
// at a time.
type Conn struct {
	dialer *websocket.Dialer
	url    string

	mu    sync.Mutex
	ws    *websocket.Conn
	state atomic.Int32
}

// New builds a Conn targeting the gateway URL, selecting the compressed or
// uncompressed encoding path.
func New(gateway string, compressed bool) *Conn {
	q := url.Values{}
	q.Set("v", "8")
	q.Set("encoding", "json")
	if compressed {
		q.Set("compress", "zlib-stream")
	}

	return &Conn{
		dialer: websocket.DefaultDialer,
		url:    gateway + "/?" + q.Encode(),
	}
}

func (c *Conn) Connect(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))

	ws, _, err := c.dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		c.state.Store(int32(StateClosed))
		return fmt.Errorf("transport: could not dial gateway: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	c.state.Store(int32(StateConnected))
	return nil
}

// ReadLoop blocks reading frames until the connection closes or ctx is
// cancelled, delivering each frame to handle. It never itself retries; the
// caller (the shard supervisor) owns reconnection.
func (c *Conn) ReadLoop(ctx context.Context, handle FrameHandler) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return fmt.Errorf("transport: read loop called before connect")
	}

	go func() {
		<-ctx.Done()
		_ = c.Close(websocket.CloseNormalClosure)
	}()

	for {
		messageType, payload, err := ws.ReadMessage()
		if err != nil {
			c.state.Store(int32(StateClosed))
			if ce, ok := err.(*websocket.CloseError); ok {
				return fmt.Errorf("transport: read failed: %w", &CloseError{Code: ce.Code})
			}
			return fmt.Errorf("transport: read failed: %w", err)
		}

		// handle owns fragment reassembly itself (the compressed decoder
		// keeps its own pending buffer); each WebSocket message is handed
		// over exactly once, never re-accumulated here.
		if _, err := handle(messageType, payload); err != nil {
			return fmt.Errorf("transport: frame handler failed: %w", err)
		}
	}
}

func (c *Conn) Write(payload []byte) error {
	// mu is held for the whole write: gorilla/websocket allows only one
	// concurrent writer per connection.
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.ws

	if ws == nil {
		return fmt.Errorf("transport: write called on closed connection")
	}

	if err := ws.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("transport: could not set write deadline: %w", err)
	}

	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("transport: write failed: %w", err)
	}

	return nil
}

func (c *Conn) Close(code int) error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws == nil {
		return nil
	}

	c.state.Store(int32(StateClosed))

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	if err := ws.Close(); err != nil {
		return fmt.Errorf("transport: close failed: %w", err)
	}

	return nil
}

func (c *Conn) State() State {
	return State(c.state.Load())
}
