package realtime

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/remote-agent-terminal/gateway/internal/model"
)

// Transport is the native side of a connection. Send must not block.
type Transport interface {
	Send(event string, payload json.RawMessage) error
	Close() error
}

// Connection is one live transport session.
type Connection struct {
	id        string
	user      *model.User
	transport Transport

	mu    sync.RWMutex
	data  map[string]any
	rooms map[string]struct{}
}

// NewConnection wraps a transport. user is nil for anonymous connections.
func NewConnection(id string, user *model.User, transport Transport) *Connection {
	return &Connection{
		id:        id,
		user:      user,
		transport: transport,
		data:      make(map[string]any),
		rooms:     make(map[string]struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

// User returns the authenticated identity, or nil.
func (c *Connection) User() *model.User { return c.user }

func (c *Connection) IsAnonymous() bool { return c.user == nil }

// Send writes an already encoded payload to the transport.
func (c *Connection) Send(event string, payload json.RawMessage) error {
	return c.transport.Send(event, payload)
}

// Close closes the underlying transport.
func (c *Connection) Close() error {
	return c.transport.Close()
}

// Set stores a value in the connection's data bag.
func (c *Connection) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// Get returns a value from the data bag.
func (c *Connection) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// GetString returns a string value from the data bag, or "".
func (c *Connection) GetString(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

func (c *Connection) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Data returns a copy of the data bag.
func (c *Connection) Data() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Rooms returns the rooms this connection joined through this process, sorted.
func (c *Connection) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (c *Connection) inRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// addRoom reports whether the room was newly added.
func (c *Connection) addRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

func (c *Connection) removeRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}
