// Package presence tracks which users are online in a team.
//
// A connection subscribes to one team at a time. The subscriber receives the
// full list of the team's users; the rest of the team is told about the new
// user only when it was not already present through another connection.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
	"github.com/rs/zerolog/log"
)

const (
	EventSubscribe = "subscribe_to_team"
	EventLeave     = "leave_team"
	EventList      = "user:list"
	EventOnline    = "user:online"
	EventOffline   = "user:offline"
)

// teamKey holds the team a connection is subscribed to.
const teamKey = "team.id"

type subscribePayload struct {
	TeamID         string `json:"teamId"`
	PreviousTeamID string `json:"previousTeamId"`
}

// UserList is sent to a subscriber with everyone present in the team.
type UserList struct {
	TeamID string               `json:"teamId"`
	Users  []model.PresenceUser `json:"users"`
}

// UserChange announces a user arriving in or leaving a team.
type UserChange struct {
	TeamID string             `json:"teamId"`
	User   model.PresenceUser `json:"user"`
}

// RoomOf returns the room of a team.
func RoomOf(teamID string) string {
	if teamID == "" {
		return ""
	}
	return "team:" + teamID
}

// TeamOf returns the team conn is subscribed to.
func TeamOf(conn *realtime.Connection) string {
	return conn.GetString(teamKey)
}

type Module struct {
	realtime.Base

	// mu orders the presence check against the join or leave that follows
	// it, so two connections of one user cannot both announce themselves.
	mu sync.Mutex
	// local maps team and user ID to the user's subscribed connections on
	// this node. Guarded by mu.
	local map[string]map[string]map[string]struct{}
}

func NewModule(deps realtime.Deps) *Module {
	return &Module{
		Base:  realtime.NewBase(deps),
		local: make(map[string]map[string]map[string]struct{}),
	}
}

func (m *Module) Name() string { return "presence" }

func (m *Module) OnConnection(conn *realtime.Connection) {
	m.On(conn, EventSubscribe, m.handleSubscribe)
	m.On(conn, EventLeave, m.handleLeave)
	// Rooms are already left when disconnect hooks run.
	m.OnDisconnect(conn, func(c *realtime.Connection) {
		if team := TeamOf(c); team != "" {
			m.mu.Lock()
			m.announceOffline(c, team)
			m.mu.Unlock()
		}
	})
}

func (m *Module) handleSubscribe(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var p subscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", EventSubscribe, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := p.PreviousTeamID
	if prev == "" {
		prev = TeamOf(conn)
	}
	if prev != "" && prev != p.TeamID {
		m.leave(conn, prev)
	}
	if p.TeamID == "" {
		return nil
	}

	room := RoomOf(p.TeamID)
	self := model.PresenceOf(conn.User(), conn.ID())
	wasPresent := m.track(p.TeamID, self.ID, conn.ID()) ||
		containsUser(m.Rooms.CollectPresence(room, nil), self.ID)

	m.Rooms.Join(conn.ID(), room)
	conn.Set(teamKey, p.TeamID)

	users := m.Rooms.CollectPresence(room, nil)
	m.Emitter.EmitToConnection(conn.ID(), EventList, UserList{TeamID: p.TeamID, Users: users})
	if !wasPresent {
		m.Emitter.EmitToRoomExcept(room, conn.ID(), EventOnline, UserChange{TeamID: p.TeamID, User: self})
	}

	log.Debug().Str("module", "presence").Str("conn", conn.ID()).Str("team", p.TeamID).Int("users", len(users)).Msg("subscribed to team")
	return nil
}

func (m *Module) handleLeave(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var p subscribePayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", EventLeave, err)
		}
	}
	team := p.TeamID
	if team == "" {
		team = TeamOf(conn)
	}
	if team == "" {
		return nil
	}
	m.mu.Lock()
	m.leave(conn, team)
	m.mu.Unlock()
	return nil
}

// leave is called with m.mu held.
func (m *Module) leave(conn *realtime.Connection, team string) {
	room := RoomOf(team)
	if TeamOf(conn) == team {
		conn.Delete(teamKey)
	}
	if !m.Rooms.IsInRoom(conn.ID(), room) {
		return
	}
	m.Rooms.Leave(conn.ID(), room)
	m.announceOffline(conn, team)
}

// announceOffline tells the team conn's user went offline unless another of
// the user's connections is still present. Called with m.mu held.
func (m *Module) announceOffline(conn *realtime.Connection, team string) {
	room := RoomOf(team)
	self := model.PresenceOf(conn.User(), conn.ID())
	if m.untrack(team, self.ID, conn.ID()) || containsUser(m.Rooms.CollectPresence(room, nil), self.ID) {
		return
	}
	m.Emitter.EmitToRoom(room, EventOffline, UserChange{TeamID: team, User: self})
}

// track records conn as subscribed and reports whether another connection
// of the user already was.
func (m *Module) track(team, user, conn string) bool {
	users, ok := m.local[team]
	if !ok {
		users = make(map[string]map[string]struct{})
		m.local[team] = users
	}
	conns, ok := users[user]
	if !ok {
		conns = make(map[string]struct{})
		users[user] = conns
	}
	_, same := conns[conn]
	present := len(conns) > 0 && !(same && len(conns) == 1)
	conns[conn] = struct{}{}
	return present
}

// untrack forgets conn and reports whether another connection of the user
// is still subscribed on this node.
func (m *Module) untrack(team, user, conn string) bool {
	users := m.local[team]
	conns := users[user]
	delete(conns, conn)
	if len(conns) > 0 {
		return true
	}
	delete(users, user)
	if len(users) == 0 {
		delete(m.local, team)
	}
	return false
}

func containsUser(users []model.PresenceUser, id string) bool {
	for _, u := range users {
		if u.ID == id {
			return true
		}
	}
	return false
}
