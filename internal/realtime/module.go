package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/remote-agent-terminal/gateway/internal/model"
)

// Module is a pluggable feature unit driven by the gateway.
//
// OnInit runs once, sequentially with sibling modules, before any connection
// is accepted. OnConnection runs once per accepted connection and must
// register that connection's handlers synchronously. OnShutdown runs once,
// concurrently with sibling modules.
type Module interface {
	Name() string
	OnInit(ctx context.Context) error
	OnConnection(conn *Connection)
	OnShutdown(ctx context.Context) error
}

// Deps are the primitives handed to modules.
type Deps struct {
	Rooms   RoomManager
	Events  EventRegistry
	Emitter Emitter
}

// Base is embedded by modules for no-op lifecycle hooks and shared helpers.
type Base struct {
	Rooms   RoomManager
	Events  EventRegistry
	Emitter Emitter

	// OnPresence, when set, is called after every presence broadcast made
	// through this Base.
	OnPresence func(room string, users []model.PresenceUser)
}

func NewBase(d Deps) Base {
	return Base{Rooms: d.Rooms, Events: d.Events, Emitter: d.Emitter}
}

func (b *Base) OnInit(ctx context.Context) error { return nil }

func (b *Base) OnShutdown(ctx context.Context) error { return nil }

// On registers a handler for one of conn's events.
func (b *Base) On(conn *Connection, event string, h Handler) {
	b.Events.On(conn.ID(), event, h)
}

// OnDisconnect registers a disconnect hook for conn.
func (b *Base) OnDisconnect(conn *Connection, h DisconnectHandler) {
	b.Events.OnDisconnect(conn.ID(), h)
}

// BroadcastPresence emits the room's current presence list to the room.
func (b *Base) BroadcastPresence(room, updateEvent string, extract PresenceExtractor) []model.PresenceUser {
	users := b.Rooms.CollectPresence(room, extract)
	b.Emitter.EmitToRoom(room, updateEvent, users)
	if b.OnPresence != nil {
		b.OnPresence(room, users)
	}
	return users
}

// PresenceSubscription ties a connection's room membership to a resource id
// carried in the payload of Event.
type PresenceSubscription[T any] struct {
	Event string
	// RoomOf names the room to join. An empty result joins nothing.
	RoomOf func(payload T) string
	// PreviousOf names a room to leave first. Optional.
	PreviousOf func(payload T) string
	// SetContext records the association on the connection. Optional.
	SetContext  func(conn *Connection, payload T)
	UpdateEvent string
	Extractor   PresenceExtractor
}

// WirePresenceSubscription registers sub.Event on conn. On each event the
// previous room, if any, is left and its presence re-broadcast; then the
// context is stored, the new room joined and its presence broadcast.
func WirePresenceSubscription[T any](b *Base, conn *Connection, sub PresenceSubscription[T]) {
	b.On(conn, sub.Event, func(ctx context.Context, c *Connection, data json.RawMessage) error {
		var payload T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("invalid %s payload: %w", sub.Event, err)
			}
		}

		if sub.PreviousOf != nil {
			if prev := sub.PreviousOf(payload); prev != "" {
				b.Rooms.Leave(c.ID(), prev)
				b.BroadcastPresence(prev, sub.UpdateEvent, sub.Extractor)
			}
		}

		room := sub.RoomOf(payload)
		if room == "" {
			return nil
		}
		if sub.SetContext != nil {
			sub.SetContext(c, payload)
		}
		b.Rooms.Join(c.ID(), room)
		b.BroadcastPresence(room, sub.UpdateEvent, sub.Extractor)
		return nil
	})
}

// WirePresenceOnDisconnect re-broadcasts presence for the connection's last
// known room when it disconnects. Nothing is emitted when roomOf yields "".
func (b *Base) WirePresenceOnDisconnect(conn *Connection, roomOf func(*Connection) string, updateEvent string, extract PresenceExtractor) {
	b.OnDisconnect(conn, func(c *Connection) {
		if room := roomOf(c); room != "" {
			b.BroadcastPresence(room, updateEvent, extract)
		}
	})
}
