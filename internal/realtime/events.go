package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler handles one inbound event for a connection.
type Handler func(ctx context.Context, conn *Connection, data json.RawMessage) error

// DisconnectHandler runs once when a connection goes away.
type DisconnectHandler func(conn *Connection)

// EventRegistry is the handler surface modules are given.
type EventRegistry interface {
	On(connID, event string, h Handler)
	Off(connID, event string)
	OnDisconnect(connID string, h DisconnectHandler)
}

type handlerTable struct {
	conn       *Connection
	handlers   map[string]Handler
	disconnect []DisconnectHandler
}

// Events is the per-connection handler table. A connection has at most one
// handler per event name; On replaces any previous one.
type Events struct {
	mu    sync.RWMutex
	conns map[string]*handlerTable
}

func NewEvents() *Events {
	return &Events{conns: make(map[string]*handlerTable)}
}

// Register creates an empty handler table for the connection.
func (e *Events) Register(conn *Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[conn.ID()] = &handlerTable{conn: conn, handlers: make(map[string]Handler)}
}

// Unregister drops every handler of the connection.
func (e *Events) Unregister(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, connID)
}

func (e *Events) On(connID, event string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.conns[connID]
	if !ok {
		log.Warn().Str("module", "realtime.events").Str("conn", connID).Str("event", event).
			Msg("handler for unknown connection ignored")
		return
	}
	t.handlers[event] = h
}

// Off removes a handler. Removing an absent handler is a no-op.
func (e *Events) Off(connID, event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.conns[connID]; ok {
		delete(t.handlers, event)
	}
}

func (e *Events) OnDisconnect(connID string, h DisconnectHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.conns[connID]; ok {
		t.disconnect = append(t.disconnect, h)
	}
}

// Has reports whether the connection has a handler for event.
func (e *Events) Has(connID, event string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.conns[connID]
	if !ok {
		return false
	}
	_, ok = t.handlers[event]
	return ok
}

// Dispatch runs the connection's handler for event. Handler errors and
// panics are logged and never escape. It reports whether a handler ran.
func (e *Events) Dispatch(ctx context.Context, connID, event string, data json.RawMessage) bool {
	e.mu.RLock()
	t, ok := e.conns[connID]
	var h Handler
	if ok {
		h = t.handlers[event]
	}
	e.mu.RUnlock()
	if h == nil {
		return false
	}

	if err := safeCall(func() error { return h(ctx, t.conn, data) }); err != nil {
		log.Error().Err(err).Str("module", "realtime.events").Str("conn", connID).Str("event", event).
			Msg("event handler failed")
	}
	return true
}

// RunDisconnect runs the connection's disconnect handlers in registration
// order. Each handler is isolated from the others' panics.
func (e *Events) RunDisconnect(connID string) {
	e.mu.RLock()
	t, ok := e.conns[connID]
	var hooks []DisconnectHandler
	if ok {
		hooks = append(hooks, t.disconnect...)
	}
	e.mu.RUnlock()

	for _, h := range hooks {
		h := h
		if err := safeCall(func() error { h(t.conn); return nil }); err != nil {
			log.Error().Err(err).Str("module", "realtime.events").Str("conn", connID).
				Msg("disconnect handler failed")
		}
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
