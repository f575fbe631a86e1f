package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/rs/zerolog/log"
)

// PresenceExtractor maps a room member to its presence entry.
type PresenceExtractor func(m Member) model.PresenceUser

// DefaultPresence derives presence from the member's identity, treating
// unauthenticated members as anonymous entries keyed by connection id.
func DefaultPresence(m Member) model.PresenceUser {
	return model.PresenceOf(m.User, m.ConnID)
}

// RoomManager is the room surface modules are given.
type RoomManager interface {
	Join(connID, room string)
	Leave(connID, room string)
	ConnectionsInRoom(room string) []string
	IsInRoom(connID, room string) bool
	CollectPresence(room string, extract PresenceExtractor) []model.PresenceUser
}

const defaultBackplaneTimeout = 5 * time.Second

// Rooms tracks room membership for the connections owned by this node and
// mirrors every change into the backplane, which stays authoritative for
// membership queries.
type Rooms struct {
	backplane Backplane
	timeout   time.Duration

	mu    sync.RWMutex
	conns map[string]*Connection
	local map[string]map[string]*Connection // room -> connID -> conn
}

// NewRooms creates a room manager backed by bp.
func NewRooms(bp Backplane) *Rooms {
	return &Rooms{
		backplane: bp,
		timeout:   defaultBackplaneTimeout,
		conns:     make(map[string]*Connection),
		local:     make(map[string]map[string]*Connection),
	}
}

// Register makes a connection known to the room manager.
func (r *Rooms) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
}

// Unregister leaves every room the connection joined and forgets it.
// It returns the rooms that were left.
func (r *Rooms) Unregister(connID string) []string {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rooms := conn.Rooms()
	for _, room := range rooms {
		r.Leave(connID, room)
	}

	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
	return rooms
}

// Join adds a connection to a room. Joining twice is a no-op.
func (r *Rooms) Join(connID, room string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		log.Warn().Str("module", "realtime.rooms").Str("conn", connID).Str("room", room).
			Msg("join for unknown connection ignored")
		return
	}
	if !conn.addRoom(room) {
		r.mu.Unlock()
		return
	}
	members, ok := r.local[room]
	if !ok {
		members = make(map[string]*Connection)
		r.local[room] = members
	}
	members[connID] = conn
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	member := Member{
		ConnID: connID,
		Node:   r.backplane.NodeID(),
		User:   conn.User(),
		Data:   conn.Data(),
	}
	if err := r.backplane.AddMember(ctx, room, member); err != nil {
		log.Error().Err(err).Str("module", "realtime.rooms").Str("room", room).
			Msg("failed to record room membership")
	}
}

// Leave removes a connection from a room. Leaving a room the connection is
// not in is a no-op.
func (r *Rooms) Leave(connID, room string) {
	r.mu.Lock()
	members, ok := r.local[room]
	if !ok {
		r.mu.Unlock()
		return
	}
	conn, ok := members[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	conn.removeRoom(room)
	delete(members, connID)
	if len(members) == 0 {
		delete(r.local, room)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.backplane.RemoveMember(ctx, room, connID); err != nil {
		log.Error().Err(err).Str("module", "realtime.rooms").Str("room", room).
			Msg("failed to remove room membership")
	}
}

// Members returns the room's members across every node.
func (r *Rooms) Members(room string) []Member {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	members, err := r.backplane.Members(ctx, room)
	if err != nil {
		log.Error().Err(err).Str("module", "realtime.rooms").Str("room", room).
			Msg("failed to list room members, using local view")
		return r.localMembers(room)
	}
	return members
}

func (r *Rooms) localMembers(room string) []Member {
	conns := r.LocalConnections(room)
	out := make([]Member, 0, len(conns))
	for _, c := range conns {
		out = append(out, Member{ConnID: c.ID(), Node: r.backplane.NodeID(), User: c.User(), Data: c.Data()})
	}
	return out
}

// ConnectionsInRoom returns the ids of every connection in the room on any node.
func (r *Rooms) ConnectionsInRoom(room string) []string {
	members := r.Members(room)
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ConnID)
	}
	return ids
}

// IsInRoom answers from local state for local connections and from the
// backplane otherwise.
func (r *Rooms) IsInRoom(connID, room string) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if ok {
		return conn.inRoom(room)
	}
	for _, m := range r.Members(room) {
		if m.ConnID == connID {
			return true
		}
	}
	return false
}

// CollectPresence returns the room's presence list, deduplicated by user id.
// Anonymous members are keyed by their connection id.
func (r *Rooms) CollectPresence(room string, extract PresenceExtractor) []model.PresenceUser {
	if extract == nil {
		extract = DefaultPresence
	}
	members := r.Members(room)
	seen := make(map[string]struct{}, len(members))
	users := make([]model.PresenceUser, 0, len(members))
	for _, m := range members {
		p := extract(m)
		key := p.ID
		if key == "" {
			key = m.ConnID
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		users = append(users, p)
	}
	return users
}

// LocalConnections returns the connections in room owned by this node.
func (r *Rooms) LocalConnections(room string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.local[room]
	out := make([]*Connection, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Connection returns a registered local connection.
func (r *Rooms) Connection(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// All returns every registered local connection.
func (r *Rooms) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
