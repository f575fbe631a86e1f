// Package cursor shares canvas and raster presence and live cursor
// positions.
package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
)

const (
	EventSubscribe   = "subscribe_to_canvas"
	EventUnsubscribe = "unsubscribe_from_canvas"
	EventObserve     = "observe_canvas_presence"
	EventUsers       = "canvas_users_update"
	EventMove        = "cursor:move"

	EventRasterSubscribe   = "subscribe_to_raster"
	EventRasterUnsubscribe = "unsubscribe_from_raster"
	EventRasterObserve     = "observe_raster_presence"
	EventRasterUsers       = "raster_users_update"
)

// view is one kind of trajectory view whose viewers share presence. Cursor
// moves are relayed on the canvas view only.
type view struct {
	subscribe      string
	unsubscribe    string
	observe        string
	users          string
	key            string
	observingKey   string
	roomPrefix     string
	observerPrefix string
	// raster views are addressed by rasterId, falling back to the
	// trajectory.
	raster bool
}

var (
	canvasView = view{
		subscribe:      EventSubscribe,
		unsubscribe:    EventUnsubscribe,
		observe:        EventObserve,
		users:          EventUsers,
		key:            "canvas.id",
		observingKey:   "canvas.observing",
		roomPrefix:     "canvas:",
		observerPrefix: "canvas-observer:",
	}
	rasterView = view{
		subscribe:      EventRasterSubscribe,
		unsubscribe:    EventRasterUnsubscribe,
		observe:        EventRasterObserve,
		users:          EventRasterUsers,
		key:            "raster.id",
		observingKey:   "raster.observing",
		roomPrefix:     "raster:",
		observerPrefix: "raster-observer:",
		raster:         true,
	}
	views = []view{canvasView, rasterView}
)

func (v view) roomOf(id string) string {
	if id == "" {
		return ""
	}
	return v.roomPrefix + id
}

func (v view) observerRoomOf(id string) string {
	if id == "" {
		return ""
	}
	return v.observerPrefix + id
}

func (v view) observerEvent(id string) string {
	return v.users + ":" + id
}

func (v view) idOf(p subscribePayload) string {
	if v.raster && p.RasterID != "" {
		return p.RasterID
	}
	return p.TrajectoryID
}

func (v view) previousOf(p subscribePayload) string {
	if v.raster && p.PreviousRasterID != "" {
		return p.PreviousRasterID
	}
	return p.PreviousTrajectoryID
}

type subscribePayload struct {
	TrajectoryID         string `json:"trajectoryId"`
	PreviousTrajectoryID string `json:"previousTrajectoryId"`
	RasterID             string `json:"rasterId,omitempty"`
	PreviousRasterID     string `json:"previousRasterId,omitempty"`
}

type movePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Position is relayed to the other viewers of a canvas.
type Position struct {
	TrajectoryID string             `json:"trajectoryId"`
	User         model.PresenceUser `json:"user"`
	X            float64            `json:"x"`
	Y            float64            `json:"y"`
}

// RoomOf returns the room of a canvas's viewers.
func RoomOf(id string) string { return canvasView.roomOf(id) }

// ObserverRoomOf returns the room of connections watching a canvas's
// presence without viewing it.
func ObserverRoomOf(id string) string { return canvasView.observerRoomOf(id) }

// ObserverEvent is the event observers of id receive presence on.
func ObserverEvent(id string) string { return canvasView.observerEvent(id) }

// RasterRoomOf returns the room of a raster view's viewers.
func RasterRoomOf(id string) string { return rasterView.roomOf(id) }

func RasterObserverRoomOf(id string) string { return rasterView.observerRoomOf(id) }

func RasterObserverEvent(id string) string { return rasterView.observerEvent(id) }

type Module struct {
	realtime.Base
}

func NewModule(deps realtime.Deps) *Module {
	m := &Module{Base: realtime.NewBase(deps)}
	m.OnPresence = m.mirrorToObservers
	return m
}

func (m *Module) Name() string { return "cursor" }

func (m *Module) OnConnection(conn *realtime.Connection) {
	for _, v := range views {
		m.wireView(conn, v)
	}
	m.On(conn, EventMove, m.handleMove)
}

func (m *Module) wireView(conn *realtime.Connection, v view) {
	realtime.WirePresenceSubscription(&m.Base, conn, realtime.PresenceSubscription[subscribePayload]{
		Event:      v.subscribe,
		RoomOf:     func(p subscribePayload) string { return v.roomOf(v.idOf(p)) },
		PreviousOf: func(p subscribePayload) string { return v.roomOf(v.previousOf(p)) },
		SetContext: func(c *realtime.Connection, p subscribePayload) {
			c.Set(v.key, v.idOf(p))
		},
		UpdateEvent: v.users,
	})
	m.On(conn, v.unsubscribe, func(ctx context.Context, c *realtime.Connection, data json.RawMessage) error {
		return m.unsubscribe(c, v, data)
	})
	m.On(conn, v.observe, func(ctx context.Context, c *realtime.Connection, data json.RawMessage) error {
		return m.observe(c, v, data)
	})

	m.WirePresenceOnDisconnect(conn, func(c *realtime.Connection) string {
		return v.roomOf(c.GetString(v.key))
	}, v.users, nil)
}

// mirrorToObservers forwards every view presence broadcast to the view's
// observer room.
func (m *Module) mirrorToObservers(room string, users []model.PresenceUser) {
	for _, v := range views {
		id, ok := strings.CutPrefix(room, v.roomPrefix)
		if !ok {
			continue
		}
		if id != "" {
			m.Emitter.EmitToRoom(v.observerRoomOf(id), v.observerEvent(id), users)
		}
		return
	}
}

func (m *Module) unsubscribe(conn *realtime.Connection, v view, data json.RawMessage) error {
	var p subscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", v.unsubscribe, err)
	}
	id := v.idOf(p)
	if id == "" {
		return nil
	}

	room := v.roomOf(id)
	m.Rooms.Leave(conn.ID(), room)
	if conn.GetString(v.key) == id {
		conn.Delete(v.key)
	}
	m.BroadcastPresence(room, v.users, nil)
	return nil
}

// observe joins the observer room and sends the current presence of the
// view to the observer only.
func (m *Module) observe(conn *realtime.Connection, v view, data json.RawMessage) error {
	var p subscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", v.observe, err)
	}
	if p.TrajectoryID == "" {
		return nil
	}

	m.Rooms.Join(conn.ID(), v.observerRoomOf(p.TrajectoryID))
	conn.Set(v.observingKey, p.TrajectoryID)

	users := m.Rooms.CollectPresence(v.roomOf(p.TrajectoryID), nil)
	m.Emitter.EmitToConnection(conn.ID(), v.observerEvent(p.TrajectoryID), users)
	return nil
}

// handleMove relays a cursor position to the other viewers of the
// connection's canvas. Moves from connections not viewing a canvas are
// dropped.
func (m *Module) handleMove(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	canvas := conn.GetString(canvasView.key)
	if canvas == "" {
		return nil
	}
	var p movePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", EventMove, err)
	}

	m.Emitter.EmitToRoomExcept(RoomOf(canvas), conn.ID(), EventMove, Position{
		TrajectoryID: canvas,
		User:         model.PresenceOf(conn.User(), conn.ID()),
		X:            p.X,
		Y:            p.Y,
	})
	return nil
}
