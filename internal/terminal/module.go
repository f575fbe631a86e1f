package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
	"github.com/rs/zerolog/log"
)

// watchingKey holds the target whose viewer presence a connection joined.
const watchingKey = "terminal.watching"

type attachPayload struct {
	ContainerID string `json:"containerId"`
}

type subscribePayload struct {
	ContainerID         string `json:"containerId"`
	PreviousContainerID string `json:"previousContainerId"`
}

// ModuleOptions configures access to terminals.
type ModuleOptions struct {
	// RequireAuth refuses attach from anonymous connections. Input is only
	// accepted from attached viewers.
	RequireAuth bool
}

// Module exposes the multiplexer over connection events.
type Module struct {
	realtime.Base
	mux  *Multiplexer
	opts ModuleOptions
}

func NewModule(deps realtime.Deps, mux *Multiplexer, opts ModuleOptions) *Module {
	return &Module{Base: realtime.NewBase(deps), mux: mux, opts: opts}
}

func (m *Module) Name() string { return "terminal" }

func (m *Module) Multiplexer() *Multiplexer { return m.mux }

func (m *Module) OnConnection(conn *realtime.Connection) {
	m.On(conn, EventAttach, m.handleAttach)
	m.On(conn, EventDetach, m.handleDetach)

	realtime.WirePresenceSubscription(&m.Base, conn, realtime.PresenceSubscription[subscribePayload]{
		Event:      EventSubscribe,
		RoomOf:     func(p subscribePayload) string { return ViewersRoomOf(p.ContainerID) },
		PreviousOf: func(p subscribePayload) string { return ViewersRoomOf(p.PreviousContainerID) },
		SetContext: func(c *realtime.Connection, p subscribePayload) {
			c.Set(watchingKey, p.ContainerID)
		},
		UpdateEvent: EventViewers,
	})
	m.On(conn, EventLeave, m.handleLeave)

	m.WirePresenceOnDisconnect(conn, func(c *realtime.Connection) string {
		return ViewersRoomOf(c.GetString(watchingKey))
	}, EventViewers, nil)
	m.OnDisconnect(conn, func(c *realtime.Connection) {
		if target := AttachedTarget(c); target != "" {
			m.mux.Detach(c, target)
		}
	})
}

func (m *Module) OnShutdown(ctx context.Context) error {
	return m.mux.Close(ctx)
}

func (m *Module) handleAttach(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	if m.opts.RequireAuth && conn.IsAnonymous() {
		m.Emitter.EmitToConnection(conn.ID(), EventError, "not authenticated")
		return nil
	}

	var p attachPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ContainerID == "" {
		m.Emitter.EmitToConnection(conn.ID(), EventError, "containerId is required")
		return nil
	}

	if prev := AttachedTarget(conn); prev != "" && prev != p.ContainerID {
		m.mux.Detach(conn, prev)
	}

	if err := m.mux.Attach(ctx, conn, p.ContainerID); err != nil {
		m.Emitter.EmitToConnection(conn.ID(), EventError, attachErrorMessage(p.ContainerID, err))
		return fmt.Errorf("attach %s: %w", p.ContainerID, err)
	}
	return nil
}

func attachErrorMessage(target string, err error) string {
	switch {
	case errors.Is(err, model.ErrTargetNotFound):
		return fmt.Sprintf("container %s not found", target)
	case errors.Is(err, model.ErrTargetOwned):
		return fmt.Sprintf("terminal for %s is served by another gateway node", target)
	case errors.Is(err, model.ErrSessionEnded):
		return fmt.Sprintf("terminal session for %s ended", target)
	default:
		return fmt.Sprintf("failed to attach to %s: %v", target, err)
	}
}

func (m *Module) handleDetach(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	target := AttachedTarget(conn)
	if len(data) > 0 {
		var p attachPayload
		if err := json.Unmarshal(data, &p); err == nil && p.ContainerID != "" {
			target = p.ContainerID
		}
	}
	if target == "" {
		return nil
	}
	m.mux.Detach(conn, target)
	return nil
}

// handleLeave is the "stop watching" message: it leaves viewer presence
// and detaches from the terminal.
func (m *Module) handleLeave(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var p attachPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", EventLeave, err)
		}
	}
	target := p.ContainerID
	if target == "" {
		target = conn.GetString(watchingKey)
	}
	if target == "" {
		target = AttachedTarget(conn)
	}
	if target == "" {
		return nil
	}

	if room := ViewersRoomOf(target); m.Rooms.IsInRoom(conn.ID(), room) {
		m.Rooms.Leave(conn.ID(), room)
		m.BroadcastPresence(room, EventViewers, nil)
	}
	if conn.GetString(watchingKey) == target {
		conn.Delete(watchingKey)
	}
	if m.mux.Detach(conn, target) {
		log.Debug().Str("module", "terminal").Str("conn", conn.ID()).Str("target", target).Msg("viewer left")
	}
	return nil
}
