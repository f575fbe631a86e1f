package ws

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
)

const (
	// Handled by the transport, never dispatched.
	EventPing = "ping"
	EventPong = "pong"
)

const defaultSendBuffer = 256

var (
	ErrClientClosed  = errors.New("client closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Message is the wire frame.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is the transport of one WebSocket connection.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

var _ realtime.Transport = (*Client)(nil)

func NewClient(conn *websocket.Conn, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// Send queues a frame. When the queue is full the client is closed and
// ErrSendQueueFull returned.
func (c *Client) Send(event string, payload json.RawMessage) error {
	data, err := json.Marshal(Message{Event: event, Data: payload})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		// Buffer full, close the client
		c.closeLocked()
		return ErrSendQueueFull
	}
}

// Close stops the write pump, which then closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}
