// Package conn wraps one provider websocket with an explicit lifecycle:
// Connecting, Open, Closed. Sends issued while connecting are queued and
// flushed in order exactly once when the socket opens; sends after close are
// discarded.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send once the connection is closed.
var ErrClosed = errors.New("conn: closed")

// State is the lifecycle state of a connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Socket is the subset of *websocket.Conn the wrapper needs.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens the underlying socket.
type DialFunc func(ctx context.Context) (Socket, error)

// OpenFunc runs once after the socket opens and before queued sends are
// flushed; it can write a handshake message through Socket.
type OpenFunc func(s Socket) error

// Options configure a connection.
type Options struct {
	Name   string
	Dial   DialFunc
	OnOpen OpenFunc
	Logger *slog.Logger
	// InboundBuffer sizes the inbound message channel.
	InboundBuffer int
}

// Conn is a provider connection.
type Conn struct {
	name   string
	dial   DialFunc
	onOpen OpenFunc
	log    *slog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	state   State
	sock    Socket
	pending [][]byte
	err     error
	started bool

	in        chan []byte
	opened    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	openOnce  sync.Once
}

// New creates a connection in the Connecting state.
func New(opts Options) *Conn {
	buf := opts.InboundBuffer
	if buf <= 0 {
		buf = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		name:   opts.Name,
		dial:   opts.Dial,
		onOpen: opts.OnOpen,
		log:    logger,
		state:  StateConnecting,
		in:     make(chan []byte, buf),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Attach wraps an already open socket, such as an accepted server connection.
func Attach(name string, sock Socket, logger *slog.Logger) *Conn {
	c := New(Options{Name: name, Logger: logger})
	c.started = true
	if err := c.open(sock); err != nil {
		c.fail(err)
		return c
	}
	go c.readLoop(sock)
	return c
}

// Start dials in the background. It returns immediately; sends made before
// the dial completes are queued.
func (c *Conn) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		if c.dial == nil {
			c.fail(fmt.Errorf("%s: no dialer", c.name))
			return
		}
		sock, err := c.dial(ctx)
		if err != nil {
			c.fail(err)
			return
		}
		if err := c.open(sock); err != nil {
			c.fail(err)
			return
		}
		c.readLoop(sock)
	}()
}

func (c *Conn) open(sock Socket) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = sock.Close()
		return ErrClosed
	}
	c.sock = sock
	c.mu.Unlock()

	if c.onOpen != nil {
		if err := c.onOpen(sock); err != nil {
			return fmt.Errorf("%s: open handshake: %w", c.name, err)
		}
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	queued := c.pending
	c.pending = nil
	c.state = StateOpen
	c.mu.Unlock()

	c.openOnce.Do(func() { close(c.opened) })
	c.log.Debug("conn_open", "conn", c.name, "flushed", len(queued))
	for _, msg := range queued {
		if err := sock.WriteMessage(websocket.TextMessage, msg); err != nil {
			return fmt.Errorf("%s: flush queued: %w", c.name, err)
		}
	}
	return nil
}

// Send marshals v as JSON and writes it, or queues it while connecting.
// Raw []byte values are sent as-is.
func (c *Conn) Send(v any) error {
	var data []byte
	switch msg := v.(type) {
	case []byte:
		data = msg
	case json.RawMessage:
		data = msg
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", c.name, err)
		}
		data = b
	}
	return c.SendRaw(data)
}

// SendRaw writes a pre-encoded text message.
func (c *Conn) SendRaw(data []byte) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnecting:
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	sock, state := c.sock, c.state
	c.mu.Unlock()
	if state == StateClosed || sock == nil {
		return ErrClosed
	}
	if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
		go c.fail(fmt.Errorf("%s: write: %w", c.name, err))
		return err
	}
	return nil
}

func (c *Conn) readLoop(sock Socket) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if c.State() == StateClosed {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closeWith(nil)
				return
			}
			c.fail(fmt.Errorf("%s: read: %w", c.name, err))
			return
		}
		select {
		case c.in <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) fail(err error) {
	if c.State() == StateClosed {
		return
	}
	c.log.Warn("conn_failed", "conn", c.name, "error", err)
	c.closeWith(err)
}

// Close moves the connection to Closed and discards queued sends. Repeated
// calls are no-ops.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Conn) closeWith(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.pending = nil
		c.err = cause
		sock := c.sock
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		close(c.done)
	})
}

// Messages delivers inbound text frames.
func (c *Conn) Messages() <-chan []byte { return c.in }

// Opened is closed once the socket is open.
func (c *Conn) Opened() <-chan struct{} { return c.opened }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection closed; nil for a requested or normal close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of queued sends.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Name returns the connection name used in logs.
func (c *Conn) Name() string { return c.name }

// WebsocketDialer returns a DialFunc for url with headers, in the shape used
// by every provider leg.
func WebsocketDialer(url string, header http.Header) DialFunc {
	return func(ctx context.Context) (Socket, error) {
		dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
		ws, resp, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil {
				return nil, &DialError{StatusCode: resp.StatusCode, Err: err}
			}
			return nil, err
		}
		return ws, nil
	}
}

// DialError carries the HTTP status of a failed websocket handshake.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("websocket handshake status %d: %v", e.StatusCode, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }
