package realtime_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/remote-agent-terminal/gateway/internal/backplane"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
	"github.com/remote-agent-terminal/gateway/internal/realtime/realtimetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingModule logs its lifecycle calls into a shared journal.
type recordingModule struct {
	name        string
	journal     *journal
	initErr     error
	shutdownErr error
	panicOn     string
	shutdownRan atomic.Bool
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (m *recordingModule) Name() string { return m.name }

func (m *recordingModule) OnInit(ctx context.Context) error {
	m.journal.add(m.name + ".init")
	return m.initErr
}

func (m *recordingModule) OnConnection(conn *realtime.Connection) {
	if m.panicOn == "connection" {
		panic("connection hook exploded")
	}
	m.journal.add(m.name + ".conn")
}

func (m *recordingModule) OnShutdown(ctx context.Context) error {
	m.shutdownRan.Store(true)
	if m.panicOn == "shutdown" {
		panic("shutdown hook exploded")
	}
	return m.shutdownErr
}

func TestGatewayLifecycleOrder(t *testing.T) {
	j := &journal{}
	a := &recordingModule{name: "a", journal: j}
	b := &recordingModule{name: "b", journal: j}

	gw := realtime.NewGateway(backplane.NewHub().Node("n1"), nil)
	assert.Equal(t, realtime.StateUninitialized, gw.State())
	require.NoError(t, gw.Register(a))
	require.NoError(t, gw.Register(b))

	_, err := gw.Accept("early", realtimetest.NewTransport(), nil)
	assert.ErrorIs(t, err, model.ErrGatewayState, "no connections before RUNNING")

	require.NoError(t, gw.Start(context.Background()))
	assert.Equal(t, realtime.StateRunning, gw.State())
	assert.Equal(t, []string{"a", "b"}, gw.Modules())

	assert.ErrorIs(t, gw.Register(&recordingModule{name: "late", journal: j}), model.ErrGatewayState)
	assert.ErrorIs(t, gw.Start(context.Background()), model.ErrGatewayState)

	realtimetest.Connect(t, gw, nil)
	assert.Equal(t, []string{"a.init", "b.init", "a.conn", "b.conn"}, j.list())
	assert.Equal(t, 1, gw.ConnectionCount())

	require.NoError(t, gw.Shutdown(context.Background()))
	assert.Equal(t, realtime.StateClosed, gw.State())
	assert.True(t, a.shutdownRan.Load())
	assert.True(t, b.shutdownRan.Load())
	require.NoError(t, gw.Shutdown(context.Background()), "shutdown twice is a no-op")
}

func TestGatewayInitFailureIsFatal(t *testing.T) {
	j := &journal{}
	hub := backplane.NewHub()
	node := hub.Node("n1")
	gw := realtime.NewGateway(node, nil)
	require.NoError(t, gw.Register(&recordingModule{name: "a", journal: j, initErr: errors.New("no db")}))
	require.NoError(t, gw.Register(&recordingModule{name: "b", journal: j}))

	err := gw.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module a failed to initialize")
	assert.Equal(t, realtime.StateClosed, gw.State())
	assert.Equal(t, []string{"a.init"}, j.list(), "later modules are not initialized")

	assert.ErrorIs(t, node.Publish(context.Background(), realtime.Envelope{}), backplane.ErrClosed,
		"backplane released")
}

func TestGatewayShutdownSurvivesFailingModules(t *testing.T) {
	j := &journal{}
	failing := &recordingModule{name: "failing", journal: j, shutdownErr: errors.New("flush failed")}
	panicking := &recordingModule{name: "panicking", journal: j, panicOn: "shutdown"}
	healthy := &recordingModule{name: "healthy", journal: j}

	gw := realtime.NewGateway(backplane.NewHub().Node("n1"), nil)
	for _, m := range []realtime.Module{failing, panicking, healthy} {
		require.NoError(t, gw.Register(m))
	}
	require.NoError(t, gw.Start(context.Background()))
	_, tr := realtimetest.Connect(t, gw, nil)

	require.NotPanics(t, func() {
		require.NoError(t, gw.Shutdown(context.Background()))
	})

	assert.True(t, failing.shutdownRan.Load())
	assert.True(t, panicking.shutdownRan.Load())
	assert.True(t, healthy.shutdownRan.Load())
	assert.True(t, tr.Closed(), "transports still close")
	assert.Zero(t, gw.ConnectionCount())
	assert.Equal(t, realtime.StateClosed, gw.State())
}

func TestGatewayConnectionHookPanicDoesNotDropConnection(t *testing.T) {
	j := &journal{}
	hub := backplane.NewHub()
	gw := realtimetest.StartGateway(t, hub, "n1", func(realtime.Deps) []realtime.Module {
		return []realtime.Module{
			&recordingModule{name: "bad", journal: j, panicOn: "connection"},
			&recordingModule{name: "good", journal: j},
		}
	})

	_, tr := realtimetest.Connect(t, gw, nil)
	assert.Contains(t, j.list(), "good.conn")
	assert.False(t, tr.Closed())
	assert.Equal(t, 1, gw.ConnectionCount())
}

func TestGatewayDisconnectOrder(t *testing.T) {
	gw := realtimetest.StartGateway(t, backplane.NewHub(), "n1", nil)
	conn, _ := realtimetest.Connect(t, gw, nil)
	gw.Rooms().Join(conn.ID(), "r")

	var sawRooms []string
	gw.Deps().Events.OnDisconnect(conn.ID(), func(c *realtime.Connection) {
		sawRooms = c.Rooms()
	})

	gw.Disconnect(conn.ID())
	gw.Disconnect(conn.ID())

	assert.Empty(t, sawRooms, "rooms are left before disconnect hooks run")
	assert.Zero(t, gw.ConnectionCount())
}

type staticAuth struct {
	user *model.User
	err  error
}

func (a staticAuth) Authenticate(ctx context.Context, credential string) (*model.User, error) {
	return a.user, a.err
}

func TestGatewayAuthenticate(t *testing.T) {
	gw := realtime.NewGateway(backplane.NewHub().Node("n1"), nil)
	u, err := gw.Authenticate(context.Background(), "anything")
	require.NoError(t, err)
	assert.Nil(t, u, "no authenticator means anonymous")

	gw = realtime.NewGateway(backplane.NewHub().Node("n1"), staticAuth{user: &model.User{ID: "u1"}})
	u, err = gw.Authenticate(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "SHUTTING_DOWN", realtime.StateShuttingDown.String())
	assert.Equal(t, "State(42)", realtime.State(42).String())
}
