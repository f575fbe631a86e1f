package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
	"github.com/remote-agent-terminal/gateway/internal/realtime/realtimetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

func TestConcurrentAttachCreatesOneStream(t *testing.T) {
	const n = 12
	provider := &fakeProvider{gate: make(chan struct{})}
	gw, mux := newTestMux(t, provider, Options{})

	conns := make([]*realtime.Connection, n)
	for i := range conns {
		conns[i], _ = realtimetest.Connect(t, gw, nil)
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = mux.Attach(context.Background(), conns[i], "T1")
		}(i)
	}

	require.Eventually(t, func() bool { return mux.Viewers("T1") == n }, wait, tick)
	state, ok := mux.State("T1")
	require.True(t, ok)
	assert.Equal(t, StateConnecting, state)
	assert.Equal(t, 1, provider.createCount())

	close(provider.gate)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "viewer %d", i)
	}
	assert.Equal(t, 1, provider.createCount())
	assert.Equal(t, n, mux.Viewers("T1"))
	state, _ = mux.State("T1")
	assert.Equal(t, StateActive, state)
	assert.Len(t, gw.Rooms().ConnectionsInRoom(RoomOf("T1")), n)
}

// For any number of concurrent attachers, one stream is created and every
// attacher is counted.
func TestConcurrentAttachProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	properties.Property("one create call and N viewers", prop.ForAll(
		func(n int) bool {
			provider := &fakeProvider{gate: make(chan struct{})}
			gw, mux := newTestMux(t, provider, Options{})

			var wg sync.WaitGroup
			failed := make(chan error, n)
			for i := 0; i < n; i++ {
				conn, _ := realtimetest.Connect(t, gw, nil)
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := mux.Attach(context.Background(), conn, "T"); err != nil {
						failed <- err
					}
				}()
			}

			deadline := time.Now().Add(wait)
			for mux.Viewers("T") < n && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			close(provider.gate)
			wg.Wait()
			close(failed)

			return len(failed) == 0 && provider.createCount() == 1 && mux.Viewers("T") == n
		},
		gen.IntRange(1, 16),
	))

	properties.TestingRun(t)
}

func TestDetachThenGracePeriodRemovesSession(t *testing.T) {
	provider := &fakeProvider{}
	gw, mux := newTestMux(t, provider, Options{GracePeriod: 40 * time.Millisecond})
	conn, _ := realtimetest.Connect(t, gw, nil)

	require.NoError(t, mux.Attach(context.Background(), conn, "T1"))
	require.True(t, mux.Detach(conn, "T1"))

	state, ok := mux.State("T1")
	require.True(t, ok)
	assert.Equal(t, StateDraining, state)

	require.Eventually(t, func() bool {
		_, ok := mux.State("T1")
		return !ok
	}, wait, tick)
	assert.True(t, provider.stream(0).wasClosed(), "stream destroyed")
	assert.Empty(t, mux.History("T1"))

	// A later attach starts over with a fresh stream.
	require.NoError(t, mux.Attach(context.Background(), conn, "T1"))
	assert.Equal(t, 2, provider.createCount())
}

func TestReattachWithinGraceReusesStream(t *testing.T) {
	provider := &fakeProvider{}
	grace := 150 * time.Millisecond
	gw, mux := newTestMux(t, provider, Options{GracePeriod: grace})
	v1, _ := realtimetest.Connect(t, gw, nil)
	v2, _ := realtimetest.Connect(t, gw, nil)

	require.NoError(t, mux.Attach(context.Background(), v1, "T1"))
	mux.Detach(v1, "T1")
	require.NoError(t, mux.Attach(context.Background(), v2, "T1"))

	state, _ := mux.State("T1")
	assert.Equal(t, StateActive, state)
	assert.Equal(t, 1, provider.createCount())

	time.Sleep(2 * grace)
	state, ok := mux.State("T1")
	require.True(t, ok, "cancelled teardown must not fire")
	assert.Equal(t, StateActive, state)
	assert.False(t, provider.stream(0).wasClosed())
}

func TestDetachIsIdempotent(t *testing.T) {
	gw, mux := newTestMux(t, &fakeProvider{}, Options{GracePeriod: time.Hour})
	v1, _ := realtimetest.Connect(t, gw, nil)
	v2, _ := realtimetest.Connect(t, gw, nil)

	require.NoError(t, mux.Attach(context.Background(), v1, "T1"))
	require.NoError(t, mux.Attach(context.Background(), v2, "T1"))
	require.NoError(t, mux.Attach(context.Background(), v2, "T1"), "re-attach is a no-op")
	assert.Equal(t, 2, mux.Viewers("T1"))

	assert.True(t, mux.Detach(v1, "T1"))
	assert.False(t, mux.Detach(v1, "T1"))
	assert.False(t, mux.Detach(v1, "other"))
	assert.Equal(t, 1, mux.Viewers("T1"))

	state, _ := mux.State("T1")
	assert.Equal(t, StateActive, state)
}

func TestLateJoinerGetsHistoryReplay(t *testing.T) {
	provider := &fakeProvider{}
	gw, mux := newTestMux(t, provider, Options{})
	v1, t1 := realtimetest.Connect(t, gw, nil)
	v2, t2 := realtimetest.Connect(t, gw, nil)

	require.NoError(t, mux.Attach(context.Background(), v1, "T1"))
	st := provider.stream(0)
	for _, chunk := range []string{"$ ls\r\n", "a.txt ", "b.txt\r\n"} {
		st.emit(chunk)
	}
	require.Eventually(t, func() bool { return len(mux.History("T1")) == 19 }, wait, tick)

	assert.Equal(t, []string{"$ ls\r\n", "a.txt ", "b.txt\r\n"}, dataFrames(t, t1), "live chunks in arrival order")

	require.NoError(t, mux.Attach(context.Background(), v2, "T1"))
	assert.Equal(t, []string{"$ ls\r\na.txt b.txt\r\n"}, dataFrames(t, t2), "replay is the concatenated history")
	assert.Len(t, dataFrames(t, t1), 3, "replay goes to the new viewer only")

	st.emit("$ ")
	require.Eventually(t, func() bool { return len(dataFrames(t, t2)) == 2 }, wait, tick)
	assert.Equal(t, "$ ", dataFrames(t, t2)[1])
}

func TestHistoryStaysWithinCap(t *testing.T) {
	provider := &fakeProvider{}
	gw, mux := newTestMux(t, provider, Options{HistoryBytes: 8})
	v1, _ := realtimetest.Connect(t, gw, nil)
	require.NoError(t, mux.Attach(context.Background(), v1, "T1"))

	st := provider.stream(0)
	for _, chunk := range []string{"abc", "def", "ghi", "jk"} {
		st.emit(chunk)
	}
	require.Eventually(t, func() bool { return strings.HasSuffix(string(mux.History("T1")), "jk") }, wait, tick)

	history := mux.History("T1")
	assert.LessOrEqual(t, len(history), 8)
	assert.Equal(t, "defghijk", string(history), "whole chunks are evicted oldest first")

	v2, t2 := realtimetest.Connect(t, gw, nil)
	require.NoError(t, mux.Attach(context.Background(), v2, "T1"))
	assert.Equal(t, []string{"defghijk"}, dataFrames(t, t2))
}

func TestCreateFailureLeavesNoSession(t *testing.T) {
	provider := &fakeProvider{err: fmt.Errorf("lookup: %w", model.ErrTargetNotFound)}
	gw, mux := newTestMux(t, provider, Options{})
	conn, _ := realtimetest.Connect(t, gw, nil)

	err := mux.Attach(context.Background(), conn, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTargetNotFound)

	_, ok := mux.State("missing")
	assert.False(t, ok, "no residual record")
	assert.Empty(t, mux.Sessions())
	assert.False(t, gw.Rooms().IsInRoom(conn.ID(), RoomOf("missing")))

	provider.mu.Lock()
	provider.err = nil
	provider.mu.Unlock()
	require.NoError(t, mux.Attach(context.Background(), conn, "missing"))
	assert.Equal(t, 2, provider.createCount())
}

func TestCreateFailureReachesEveryWaiter(t *testing.T) {
	provider := &fakeProvider{gate: make(chan struct{}), err: errors.New("backend down")}
	gw, mux := newTestMux(t, provider, Options{})
	v1, _ := realtimetest.Connect(t, gw, nil)
	v2, _ := realtimetest.Connect(t, gw, nil)

	errs := make(chan error, 2)
	go func() { errs <- mux.Attach(context.Background(), v1, "T1") }()
	require.Eventually(t, func() bool { return mux.Viewers("T1") == 1 }, wait, tick)
	go func() { errs <- mux.Attach(context.Background(), v2, "T1") }()
	require.Eventually(t, func() bool { return mux.Viewers("T1") == 2 }, wait, tick)

	close(provider.gate)
	assert.Error(t, <-errs)
	assert.Error(t, <-errs)
	assert.Equal(t, 1, provider.createCount())
	_, ok := mux.State("T1")
	assert.False(t, ok)
}

func TestDetachDuringCreateTearsDownNewStream(t *testing.T) {
	provider := &fakeProvider{gate: make(chan struct{})}
	gw, mux := newTestMux(t, provider, Options{})
	conn, _ := realtimetest.Connect(t, gw, nil)

	done := make(chan error, 1)
	go func() { done <- mux.Attach(context.Background(), conn, "T1") }()
	require.Eventually(t, func() bool { return provider.createCount() == 1 }, wait, tick)

	assert.True(t, mux.Detach(conn, "T1"))
	close(provider.gate)

	assert.ErrorIs(t, <-done, model.ErrSessionEnded)
	_, ok := mux.State("T1")
	assert.False(t, ok)
	require.NotNil(t, provider.stream(0))
	assert.True(t, provider.stream(0).wasClosed())
}

func TestStreamEndForcesTermination(t *testing.T) {
	provider := &fakeProvider{}
	log := newFakeLog()
	gw, mux := newTestMux(t, provider, Options{Log: log})
	v1, t1 := realtimetest.Connect(t, gw, nil)
	v2, t2 := realtimetest.Connect(t, gw, nil)
	require.NoError(t, mux.Attach(context.Background(), v1, "T1"))
	require.NoError(t, mux.Attach(context.Background(), v2, "T1"))

	provider.stream(0).end(nil)

	require.Eventually(t, func() bool {
		_, ok := mux.State("T1")
		return !ok
	}, wait, tick)
	for _, tr := range []*realtimetest.Transport{t1, t2} {
		f, ok := tr.Last(EventEnd)
		require.True(t, ok)
		assert.JSONEq(t, `{"containerId":"T1"}`, string(f.Data))
	}

	events := gw.Deps().Events.(*realtime.Events)
	assert.False(t, events.Has(v1.ID(), EventInput), "viewer handlers removed")
	assert.False(t, events.Has(v2.ID(), EventResize))
	assert.False(t, gw.Rooms().IsInRoom(v1.ID(), RoomOf("T1")))
	assert.Empty(t, AttachedTarget(v1))
	assert.ErrorIs(t, mux.Write(v1, "T1", []byte("x")), model.ErrNotAttached)

	require.Eventually(t, func() bool {
		entries := log.snapshot()
		return len(entries) == 1 && entries[0].ended
	}, wait, tick)
	entry := log.snapshot()[0]
	assert.Equal(t, model.TerminalEndExited, entry.reason)
	assert.Equal(t, 2, entry.peak)
}

func TestStreamErrorBroadcastsNotice(t *testing.T) {
	provider := &fakeProvider{}
	gw, mux := newTestMux(t, provider, Options{})
	v1, t1 := realtimetest.Connect(t, gw, nil)
	require.NoError(t, mux.Attach(context.Background(), v1, "T1"))

	provider.stream(0).end(errors.New("container killed"))

	require.Eventually(t, func() bool {
		_, ok := t1.Last(EventError)
		return ok
	}, wait, tick)
	f, _ := t1.Last(EventError)
	assert.Contains(t, decodeString(t, f.Data), "container killed")
	_, ok := mux.State("T1")
	assert.False(t, ok)
}

func TestInputAndResizeReachSharedStream(t *testing.T) {
	provider := &fakeProvider{}
	rec := &fakeRecorder{}
	gw, mux := newTestMux(t, provider, Options{
		NewRecorder: func(string) (Recorder, error) { return rec, nil },
	})
	v1, _ := realtimetest.Connect(t, gw, nil)
	v2, _ := realtimetest.Connect(t, gw, nil)
	outsider, _ := realtimetest.Connect(t, gw, nil)
	require.NoError(t, mux.Attach(context.Background(), v1, "T1"))
	require.NoError(t, mux.Attach(context.Background(), v2, "T1"))

	realtimetest.Send(t, gw, v1, EventInput, "ls\n")
	realtimetest.Send(t, gw, v2, EventInput, map[string]string{"data": "pwd\n"})
	realtimetest.Send(t, gw, outsider, EventInput, "rm -rf /\n")
	realtimetest.Send(t, gw, v2, EventResize, map[string]int{"cols": 120, "rows": 40})
	realtimetest.Send(t, gw, v2, EventResize, map[string]int{"cols": 0, "rows": 40})

	st := provider.stream(0)
	assert.Equal(t, "ls\npwd\n", st.inputString())
	assert.Equal(t, [][2]uint16{{120, 40}}, st.resizes())

	st.emit("out")
	require.Eventually(t, func() bool {
		out, _, _ := rec.state()
		return out == "out"
	}, wait, tick)
	_, in, _ := rec.state()
	assert.Equal(t, "ls\npwd\n", in)

	require.NoError(t, mux.Close(context.Background()))
	_, _, closed := rec.state()
	assert.True(t, closed)
}

func TestCloseTearsDownSessions(t *testing.T) {
	provider := &fakeProvider{}
	log := newFakeLog()
	gw, mux := newTestMux(t, provider, Options{Log: log, Node: "n1"})
	v1, _ := realtimetest.Connect(t, gw, nil)
	require.NoError(t, mux.Attach(context.Background(), v1, "T1"))
	require.Len(t, mux.Sessions(), 1)
	assert.Equal(t, "ACTIVE", mux.Sessions()[0].State)

	require.NoError(t, mux.Close(context.Background()))
	assert.Empty(t, mux.Sessions())
	assert.True(t, provider.stream(0).wasClosed())
	assert.ErrorIs(t, mux.Attach(context.Background(), v1, "T2"), ErrClosed)

	entries := log.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, model.TerminalEndShutdown, entries[0].reason)
}

// Walks the full viewer lifecycle of one target: two overlapping viewers,
// a drain interrupted by a third viewer, and a final idle teardown.
func TestSharedSessionLifecycle(t *testing.T) {
	provider := &fakeProvider{}
	grace := 300 * time.Millisecond
	gw, mux := newTestMux(t, provider, Options{GracePeriod: grace})
	v1, _ := realtimetest.Connect(t, gw, nil)
	v2, t2 := realtimetest.Connect(t, gw, nil)
	v3, t3 := realtimetest.Connect(t, gw, nil)

	require.NoError(t, mux.Attach(context.Background(), v1, "T42"))
	state, _ := mux.State("T42")
	assert.Equal(t, StateActive, state)
	assert.Equal(t, 1, mux.Viewers("T42"))

	provider.stream(0).emit("boot ok\r\n")
	require.Eventually(t, func() bool { return len(mux.History("T42")) > 0 }, wait, tick)

	require.NoError(t, mux.Attach(context.Background(), v2, "T42"))
	assert.Equal(t, 2, mux.Viewers("T42"))
	assert.Equal(t, []string{"boot ok\r\n"}, dataFrames(t, t2))
	assert.Equal(t, 1, provider.createCount())

	mux.Detach(v1, "T42")
	state, _ = mux.State("T42")
	assert.Equal(t, StateActive, state)
	assert.Equal(t, 1, mux.Viewers("T42"))

	mux.Detach(v2, "T42")
	state, _ = mux.State("T42")
	assert.Equal(t, StateDraining, state)
	assert.Zero(t, mux.Viewers("T42"))

	time.Sleep(grace / 3)
	require.NoError(t, mux.Attach(context.Background(), v3, "T42"))
	state, _ = mux.State("T42")
	assert.Equal(t, StateActive, state)
	assert.Equal(t, 1, mux.Viewers("T42"))
	assert.Equal(t, []string{"boot ok\r\n"}, dataFrames(t, t3))

	mux.Detach(v3, "T42")
	require.Eventually(t, func() bool {
		_, ok := mux.State("T42")
		return !ok
	}, grace+wait, tick)
	assert.True(t, provider.stream(0).wasClosed())
	assert.Equal(t, 1, provider.createCount())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DRAINING", StateDraining.String())
	assert.Equal(t, "ABSENT", State(0).String())
}

func TestSplitMultibyteCharacterIsCarried(t *testing.T) {
	provider := &fakeProvider{}
	gw, mux := newTestMux(t, provider, Options{})
	v1, t1 := realtimetest.Connect(t, gw, nil)
	require.NoError(t, mux.Attach(context.Background(), v1, "T1"))

	st := provider.stream(0)
	st.emit("caf\xc3")
	st.emit("\xa9 \xe2\x82")
	st.emit("\xac!")
	require.Eventually(t, func() bool { return len(dataFrames(t, t1)) == 3 }, wait, tick)

	assert.Equal(t, []string{"caf", "é ", "€!"}, dataFrames(t, t1))
	assert.Equal(t, "café €!", string(mux.History("T1")))
}

func TestIncompleteCharacterIsFlushedAtEnd(t *testing.T) {
	provider := &fakeProvider{}
	gw, mux := newTestMux(t, provider, Options{})
	v1, t1 := realtimetest.Connect(t, gw, nil)
	require.NoError(t, mux.Attach(context.Background(), v1, "T1"))

	st := provider.stream(0)
	st.emit("ok\xe2\x82")
	require.Eventually(t, func() bool { return len(dataFrames(t, t1)) == 1 }, wait, tick)
	st.end(nil)

	require.Eventually(t, func() bool {
		_, ok := t1.Last(EventEnd)
		return ok
	}, wait, tick)
	var events []string
	for _, f := range t1.Frames() {
		if f.Event == EventData || f.Event == EventEnd {
			events = append(events, f.Event)
		}
	}
	assert.Equal(t, []string{EventData, EventData, EventEnd}, events, "the held-back bytes go out before the end notice")
}

func TestUTF8Boundary(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 3},
		{"é", 2},
		{"a\xc3", 1},
		{"a\xe2\x82", 1},
		{"a\xf0\x9f\x98", 1},
		{"a\xf0\x9f\x98\x80", 5},
		{"a\x80\x80\x80", 4},
		{"\xff", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, utf8Boundary([]byte(tt.in)), "%q", tt.in)
	}
}

type failingRecorder struct {
	fakeRecorder
	failInput bool
}

func (r *failingRecorder) Input(p []byte) error {
	if r.failInput {
		return errors.New("disk full")
	}
	return r.fakeRecorder.Input(p)
}

func (r *failingRecorder) Resize(cols, rows uint16) error {
	return errors.New("disk full")
}

func TestFailingRecorderIsDisabled(t *testing.T) {
	for _, tc := range []struct {
		name  string
		fail  func(gw *realtime.Gateway, conn *realtime.Connection)
		input bool
	}{
		{
			name:  "input",
			input: true,
			fail: func(gw *realtime.Gateway, conn *realtime.Connection) {
				realtimetest.Send(t, gw, conn, EventInput, "ls\n")
			},
		},
		{
			name: "resize",
			fail: func(gw *realtime.Gateway, conn *realtime.Connection) {
				realtimetest.Send(t, gw, conn, EventResize, map[string]int{"cols": 100, "rows": 30})
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			provider := &fakeProvider{}
			rec := &failingRecorder{failInput: tc.input}
			gw, mux := newTestMux(t, provider, Options{
				NewRecorder: func(string) (Recorder, error) { return rec, nil },
			})
			v1, t1 := realtimetest.Connect(t, gw, nil)
			require.NoError(t, mux.Attach(context.Background(), v1, "T1"))

			tc.fail(gw, v1)
			_, _, closed := rec.state()
			assert.True(t, closed, "a failing recorder is closed")

			provider.stream(0).emit("after")
			require.Eventually(t, func() bool { return len(dataFrames(t, t1)) == 1 }, wait, tick)
			out, _, _ := rec.state()
			assert.Empty(t, out, "nothing is recorded after a failure")
		})
	}
}
