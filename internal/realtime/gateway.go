package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// State is the gateway lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateRunning
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Authenticator resolves an optional bearer credential to a user. A nil
// user with a nil error means the connection proceeds anonymously.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*model.User, error)
}

// Gateway owns connection registration and drives the module lifecycle.
type Gateway struct {
	backplane Backplane
	auth      Authenticator
	rooms     *Rooms
	events    *Events
	emitter   *Broadcaster

	mu      sync.Mutex
	state   State
	modules []Module
	conns   map[string]*Connection
}

// NewGateway creates a gateway over bp. auth may be nil, in which case every
// connection is anonymous.
func NewGateway(bp Backplane, auth Authenticator) *Gateway {
	rooms := NewRooms(bp)
	return &Gateway{
		backplane: bp,
		auth:      auth,
		rooms:     rooms,
		events:    NewEvents(),
		emitter:   NewBroadcaster(rooms, bp),
		conns:     make(map[string]*Connection),
	}
}

// Deps returns the primitives to construct modules with.
func (g *Gateway) Deps() Deps {
	return Deps{Rooms: g.rooms, Events: g.events, Emitter: g.emitter}
}

func (g *Gateway) Rooms() *Rooms { return g.rooms }

// NodeID names this gateway process on the backplane.
func (g *Gateway) NodeID() string { return g.backplane.NodeID() }

func (g *Gateway) Emitter() *Broadcaster { return g.emitter }

func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ConnectionCount returns the number of connections owned by this node.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Modules returns the registered module names in registration order.
func (g *Gateway) Modules() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.modules))
	for _, m := range g.modules {
		names = append(names, m.Name())
	}
	return names
}

// Register adds a module. Modules can only be added before Start.
func (g *Gateway) Register(m Module) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateUninitialized {
		return fmt.Errorf("register %s in state %s: %w", m.Name(), g.state, model.ErrGatewayState)
	}
	g.modules = append(g.modules, m)
	return nil
}

// Start runs every module's OnInit in registration order. The first failure
// aborts startup: the gateway moves to CLOSED and releases the backplane.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.state != StateUninitialized {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("start in state %s: %w", state, model.ErrGatewayState)
	}
	g.state = StateInitializing
	modules := append([]Module(nil), g.modules...)
	g.mu.Unlock()

	if err := g.emitter.Start(); err != nil {
		g.abort()
		return fmt.Errorf("failed to subscribe to backplane: %w", err)
	}

	for _, m := range modules {
		log.Info().Str("module", "realtime.gateway").Str("name", m.Name()).Msg("initializing module")
		if err := m.OnInit(ctx); err != nil {
			g.abort()
			return fmt.Errorf("module %s failed to initialize: %w", m.Name(), err)
		}
	}

	g.mu.Lock()
	g.state = StateRunning
	g.mu.Unlock()
	log.Info().Str("module", "realtime.gateway").Int("modules", len(modules)).Msg("gateway running")
	return nil
}

func (g *Gateway) abort() {
	g.emitter.Stop()
	if err := g.backplane.Close(); err != nil {
		log.Error().Err(err).Str("module", "realtime.gateway").Msg("failed to close backplane")
	}
	g.mu.Lock()
	g.state = StateClosed
	g.mu.Unlock()
}

// Authenticate resolves a credential. Whether failures degrade to anonymous
// is the authenticator's decision.
func (g *Gateway) Authenticate(ctx context.Context, credential string) (*model.User, error) {
	if g.auth == nil {
		return nil, nil
	}
	return g.auth.Authenticate(ctx, credential)
}

// Accept wraps a transport into a connection, registers it with the
// primitives and runs every module's OnConnection in registration order.
func (g *Gateway) Accept(id string, transport Transport, user *model.User) (*Connection, error) {
	g.mu.Lock()
	if g.state != StateRunning {
		state := g.state
		g.mu.Unlock()
		return nil, fmt.Errorf("accept in state %s: %w", state, model.ErrGatewayState)
	}
	conn := NewConnection(id, user, transport)
	g.conns[id] = conn
	modules := append([]Module(nil), g.modules...)
	g.mu.Unlock()

	g.rooms.Register(conn)
	g.events.Register(conn)
	g.emitter.Register(conn)

	for _, m := range modules {
		if err := safeCall(func() error { m.OnConnection(conn); return nil }); err != nil {
			log.Error().Err(err).Str("module", "realtime.gateway").Str("name", m.Name()).Str("conn", id).
				Msg("module connection hook failed")
		}
	}

	ev := log.Debug().Str("module", "realtime.gateway").Str("conn", id)
	if user != nil {
		ev = ev.Str("user", user.ID)
	}
	ev.Msg("connection accepted")
	return conn, nil
}

// Dispatch delivers one inbound event to the connection's handler.
func (g *Gateway) Dispatch(ctx context.Context, connID, event string, data json.RawMessage) {
	if !g.events.Dispatch(ctx, connID, event, data) {
		log.Debug().Str("module", "realtime.gateway").Str("conn", connID).Str("event", event).
			Msg("no handler for event")
	}
}

// Disconnect tears a connection down: it leaves every room, is removed from
// the emitter, its disconnect hooks run and its handlers are dropped.
// Calling it twice is a no-op.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	_, ok := g.conns[connID]
	delete(g.conns, connID)
	g.mu.Unlock()
	if !ok {
		return
	}

	rooms := g.rooms.Unregister(connID)
	g.emitter.Unregister(connID)
	g.events.RunDisconnect(connID)
	g.events.Unregister(connID)

	log.Debug().Str("module", "realtime.gateway").Str("conn", connID).Strs("rooms", rooms).
		Msg("connection closed")
}

// Shutdown runs every module's OnShutdown concurrently. Failures and panics
// are logged and never stop sibling hooks. Afterwards every transport is
// closed and the backplane released.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	switch g.state {
	case StateClosed:
		g.mu.Unlock()
		return nil
	case StateRunning:
	default:
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("shutdown in state %s: %w", state, model.ErrGatewayState)
	}
	g.state = StateShuttingDown
	modules := append([]Module(nil), g.modules...)
	g.mu.Unlock()

	var wg conc.WaitGroup
	for _, m := range modules {
		m := m
		wg.Go(func() {
			if err := m.OnShutdown(ctx); err != nil {
				log.Error().Err(err).Str("module", "realtime.gateway").Str("name", m.Name()).
					Msg("module shutdown failed")
			}
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		log.Error().Str("module", "realtime.gateway").Str("panic", r.String()).
			Msg("module shutdown panicked")
	}

	g.mu.Lock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Str("module", "realtime.gateway").Str("conn", c.ID()).Msg("failed to close transport")
		}
		g.Disconnect(c.ID())
	}

	g.abort()
	log.Info().Str("module", "realtime.gateway").Msg("gateway closed")
	return nil
}
