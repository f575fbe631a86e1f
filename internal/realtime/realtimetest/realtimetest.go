// Package realtimetest provides a recording transport and gateway helpers
// for tests of code built on package realtime.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/remote-agent-terminal/gateway/internal/backplane"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// Frame is one message written to a Transport.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Transport records every frame sent to it.
type Transport struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
}

func NewTransport() *Transport { return &Transport{} }

func (t *Transport) Send(event string, payload json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.frames = append(t.frames, Frame{Event: event, Data: append(json.RawMessage(nil), payload...)})
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Frames returns every frame sent so far.
func (t *Transport) Frames() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.frames...)
}

// Events returns the frames sent for one event name.
func (t *Transport) Events(event string) []Frame {
	var out []Frame
	for _, f := range t.Frames() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// Last returns the most recent frame for event.
func (t *Transport) Last(event string) (Frame, bool) {
	frames := t.Events(event)
	if len(frames) == 0 {
		return Frame{}, false
	}
	return frames[len(frames)-1], true
}

// Reset drops recorded frames.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = nil
}

// Presence decodes a presence list frame.
func Presence(t testing.TB, f Frame) []model.PresenceUser {
	t.Helper()
	var users []model.PresenceUser
	if err := json.Unmarshal(f.Data, &users); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	return users
}

// StartGateway builds and starts a gateway on node of hub with the modules
// returned by build. It is shut down when the test ends.
func StartGateway(t testing.TB, hub *backplane.Hub, node string, build func(realtime.Deps) []realtime.Module) *realtime.Gateway {
	t.Helper()
	gw := realtime.NewGateway(hub.Node(node), nil)
	if build != nil {
		for _, m := range build(gw.Deps()) {
			if err := gw.Register(m); err != nil {
				t.Fatalf("register %s: %v", m.Name(), err)
			}
		}
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

// Connect accepts a new connection with a recording transport.
func Connect(t testing.TB, gw *realtime.Gateway, user *model.User) (*realtime.Connection, *Transport) {
	t.Helper()
	tr := NewTransport()
	conn, err := gw.Accept(uuid.NewString(), tr, user)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return conn, tr
}

// Send dispatches an event with a JSON-encoded payload on behalf of conn.
func Send(t testing.TB, gw *realtime.Gateway, conn *realtime.Connection, event string, payload any) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode %s: %v", event, err)
		}
		data = b
	}
	gw.Dispatch(context.Background(), conn.ID(), event, data)
}
