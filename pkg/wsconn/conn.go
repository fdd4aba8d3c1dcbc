// Package wsconn provides the WebSocket transport shared by push
// adapters: dial, read/write pumps, and capped-exponential reconnect.
// Protocol framing (handshakes, subscriptions, keep-alives) belongs to
// the adapter layering on top via the handler callbacks.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goalfuse/goalfuse/pkg/feed"
)

// State represents the connection state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handlers contains callbacks for connection events. OnOpen fires on
// every successful (re)connection and is where adapters re-handshake
// and re-subscribe. OnFrame receives raw frames.
type Handlers struct {
	OnOpen  func()
	OnClose func(err error)
	OnFrame func(msgType int, data []byte)
	OnError func(err error)
}

// Config holds transport configuration.
type Config struct {
	URL     string
	Headers map[string]string

	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// DefaultConfig returns a config with the reconnect policy every
// adapter uses: 1s base doubling to a 30s cap.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectMinDelay: 1 * time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       90 * time.Second,
	}
}

// Conn is a reconnecting WebSocket connection.
type Conn struct {
	config   Config
	handlers Handlers

	conn   *websocket.Conn
	connMu sync.RWMutex
	state  int32 // atomic State

	writeCh   chan writeRequest
	closeCh   chan struct{}
	closeOnce sync.Once

	attempts int32 // atomic reconnect attempt counter
	lastErr  error
	errMu    sync.RWMutex
}

type writeRequest struct {
	msgType int
	data    []byte
	result  chan error
}

// New creates a connection. Call Start to begin dialing.
func New(config Config, handlers Handlers) *Conn {
	return &Conn{
		config:   config,
		handlers: handlers,
		writeCh:  make(chan writeRequest, 64),
		closeCh:  make(chan struct{}),
	}
}

// Start dials the endpoint and keeps the connection alive until Close.
// The initial dial happens synchronously; reconnection after a drop is
// handled in the background.
func (c *Conn) Start(ctx context.Context) error {
	if c.getState() == StateClosed {
		return errors.New("connection is closed")
	}
	return c.dial(ctx)
}

// Close shuts the connection down permanently.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closeCh)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
	})
	return nil
}

// Drop force-closes the underlying socket without closing the Conn,
// triggering the reconnect path. Used when the upstream session is
// unrecoverable in place (e.g. an authentication timeout).
func (c *Conn) Drop() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn != nil {
		conn.Close()
	}
}

// SendText queues a text frame for writing.
func (c *Conn) SendText(data []byte) error {
	if c.getState() != StateConnected {
		return errors.New("not connected")
	}
	result := make(chan error, 1)
	select {
	case c.writeCh <- writeRequest{msgType: websocket.TextMessage, data: data, result: result}:
		return <-result
	case <-c.closeCh:
		return errors.New("connection closed")
	}
}

// State returns the current connection state.
func (c *Conn) State() State { return c.getState() }

// ReconnectAttempts returns attempts since the last successful open.
func (c *Conn) ReconnectAttempts() int { return int(atomic.LoadInt32(&c.attempts)) }

// LastError returns the last transport error.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.lastErr
}

func (c *Conn) getState() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Conn) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

func (c *Conn) setLastError(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

func (c *Conn) dial(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: c.config.DialTimeout}
	headers := make(map[string][]string, len(c.config.Headers))
	for k, v := range c.config.Headers {
		headers[k] = []string{v}
	}

	conn, _, err := dialer.DialContext(ctx, c.config.URL, headers)
	if err != nil {
		c.setState(StateReconnecting)
		c.setLastError(err)
		go c.reconnect()
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.setState(StateConnected)
	atomic.StoreInt32(&c.attempts, 0)

	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen()
	}

	go c.readLoop(conn)
	go c.writeLoop(conn)
	return nil
}

func (c *Conn) readLoop(conn *websocket.Conn) {
	var readErr error
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		if c.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if c.handlers.OnFrame != nil {
			c.handlers.OnFrame(msgType, data)
		}
	}

	conn.Close()
	if c.getState() == StateClosed {
		return
	}

	c.setLastError(readErr)
	c.setState(StateReconnecting)
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(readErr)
	}
	go c.reconnect()
}

func (c *Conn) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.closeCh:
			return
		case req := <-c.writeCh:
			if c.config.WriteTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			}
			err := conn.WriteMessage(req.msgType, req.data)
			req.result <- err
			if err != nil {
				c.setLastError(err)
				if c.handlers.OnError != nil {
					c.handlers.OnError(err)
				}
				// A write failure leaves no writer on this socket.
				// Close it so the read loop fails too and drives a
				// reconnect that restarts both pumps.
				conn.Close()
				return
			}
		}
	}
}

func (c *Conn) reconnect() {
	backoff := feed.Backoff{Base: c.config.ReconnectMinDelay, Cap: c.config.ReconnectMaxDelay}
	for {
		if c.getState() == StateClosed {
			return
		}

		attempt := atomic.AddInt32(&c.attempts, 1)
		delay := backoff.Next()

		select {
		case <-c.closeCh:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
		dialer := websocket.Dialer{HandshakeTimeout: c.config.DialTimeout}
		headers := make(map[string][]string, len(c.config.Headers))
		for k, v := range c.config.Headers {
			headers[k] = []string{v}
		}
		conn, _, err := dialer.DialContext(ctx, c.config.URL, headers)
		cancel()

		if err != nil {
			c.setLastError(err)
			if c.handlers.OnError != nil {
				c.handlers.OnError(fmt.Errorf("reconnect attempt %d: %w", attempt, err))
			}
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.setState(StateConnected)
		atomic.StoreInt32(&c.attempts, 0)

		if c.handlers.OnOpen != nil {
			c.handlers.OnOpen()
		}

		go c.readLoop(conn)
		go c.writeLoop(conn)
		return
	}
}
