package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Emitter is the outbound surface modules are given.
type Emitter interface {
	EmitToRoom(room, event string, payload any)
	EmitToConnection(connID, event string, payload any)
	EmitToRoomExcept(room, exceptConnID, event string, payload any)
	Broadcast(event string, payload any)
}

// Broadcaster publishes every emission through the backplane and delivers
// envelopes received from it to the connections owned by this node.
type Broadcaster struct {
	rooms     *Rooms
	backplane Backplane
	timeout   time.Duration

	mu      sync.RWMutex
	started bool
	conns   map[string]*Connection
}

func NewBroadcaster(rooms *Rooms, bp Backplane) *Broadcaster {
	return &Broadcaster{
		rooms:     rooms,
		backplane: bp,
		timeout:   defaultBackplaneTimeout,
		conns:     make(map[string]*Connection),
	}
}

// Start subscribes to the backplane. Emissions before Start are dropped.
func (b *Broadcaster) Start() error {
	if err := b.backplane.Subscribe(b.deliver); err != nil {
		return err
	}
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	return nil
}

// Stop makes further emissions no-ops.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
}

func (b *Broadcaster) Register(conn *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn.ID()] = conn
}

func (b *Broadcaster) Unregister(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, connID)
}

func (b *Broadcaster) EmitToRoom(room, event string, payload any) {
	b.publish(Envelope{Kind: KindRoom, Room: room, Event: event}, payload)
}

func (b *Broadcaster) EmitToConnection(connID, event string, payload any) {
	b.publish(Envelope{Kind: KindConnection, ConnID: connID, Event: event}, payload)
}

func (b *Broadcaster) EmitToRoomExcept(room, exceptConnID, event string, payload any) {
	b.publish(Envelope{Kind: KindRoom, Room: room, Except: exceptConnID, Event: event}, payload)
}

func (b *Broadcaster) Broadcast(event string, payload any) {
	b.publish(Envelope{Kind: KindBroadcast, Event: event}, payload)
}

func (b *Broadcaster) publish(env Envelope, payload any) {
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if !started {
		log.Warn().Str("module", "realtime.emitter").Str("event", env.Event).
			Msg("emit before start dropped")
		return
	}

	data, err := encodePayload(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "realtime.emitter").Str("event", env.Event).
			Msg("failed to encode payload")
		return
	}
	env.Payload = data
	env.Origin = b.backplane.NodeID()

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.backplane.Publish(ctx, env); err != nil {
		log.Error().Err(err).Str("module", "realtime.emitter").Str("event", env.Event).
			Msg("failed to publish")
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// deliver fans an envelope out to local connections.
func (b *Broadcaster) deliver(env Envelope) {
	var targets []*Connection
	switch env.Kind {
	case KindRoom:
		for _, c := range b.rooms.LocalConnections(env.Room) {
			if c.ID() != env.Except {
				targets = append(targets, c)
			}
		}
	case KindConnection:
		b.mu.RLock()
		if c, ok := b.conns[env.ConnID]; ok {
			targets = append(targets, c)
		}
		b.mu.RUnlock()
	case KindBroadcast:
		b.mu.RLock()
		for _, c := range b.conns {
			targets = append(targets, c)
		}
		b.mu.RUnlock()
	default:
		log.Warn().Str("module", "realtime.emitter").Str("kind", string(env.Kind)).Msg("unknown envelope kind")
		return
	}

	for _, c := range targets {
		if err := c.Send(env.Event, env.Payload); err != nil {
			log.Debug().Err(err).Str("module", "realtime.emitter").Str("conn", c.ID()).Str("event", env.Event).
				Msg("send failed")
		}
	}
}
