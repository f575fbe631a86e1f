package terminal

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/remote-agent-terminal/gateway/internal/backplane"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
	"github.com/remote-agent-terminal/gateway/internal/realtime/realtimetest"
)

type fakeStream struct {
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	endErr  error
	input   bytes.Buffer
	sizes   [][2]uint16
	isClose bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{out: make(chan []byte, 64), closed: make(chan struct{}), endErr: io.EOF}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	select {
	case chunk, ok := <-s.out:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			return 0, s.endErr
		}
		return copy(p, chunk), nil
	case <-s.closed:
		return 0, io.ErrClosedPipe
	}
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.Write(p)
}

func (s *fakeStream) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, [2]uint16{cols, rows})
	return nil
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.isClose = true
		s.mu.Unlock()
		close(s.closed)
	})
	return nil
}

// emit makes the stream produce one output chunk.
func (s *fakeStream) emit(chunk string) { s.out <- []byte(chunk) }

// end makes the next read fail with err, io.EOF when nil.
func (s *fakeStream) end(err error) {
	s.mu.Lock()
	if err != nil {
		s.endErr = err
	}
	s.mu.Unlock()
	close(s.out)
}

func (s *fakeStream) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClose
}

func (s *fakeStream) inputString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

func (s *fakeStream) resizes() [][2]uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]uint16(nil), s.sizes...)
}

type fakeProvider struct {
	mu      sync.Mutex
	creates int
	gate    chan struct{}
	err     error
	streams []*fakeStream
}

func (p *fakeProvider) Create(ctx context.Context, target string) (Stream, error) {
	p.mu.Lock()
	p.creates++
	gate, err := p.gate, p.err
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	st := newFakeStream()
	p.mu.Lock()
	p.streams = append(p.streams, st)
	p.mu.Unlock()
	return st, nil
}

func (p *fakeProvider) createCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates
}

func (p *fakeProvider) stream(i int) *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.streams) {
		return nil
	}
	return p.streams[i]
}

type auditEntry struct {
	id     string
	target string
	ended  bool
	reason model.TerminalEndReason
	peak   int
}

type fakeLog struct {
	mu      sync.Mutex
	entries map[string]*auditEntry
}

func newFakeLog() *fakeLog { return &fakeLog{entries: make(map[string]*auditEntry)} }

func (l *fakeLog) Start(ctx context.Context, rec *model.TerminalSessionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[rec.ID] = &auditEntry{id: rec.ID, target: rec.TargetID}
	return nil
}

func (l *fakeLog) End(ctx context.Context, id string, endedAt time.Time, reason model.TerminalEndReason, peak int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		e.ended, e.reason, e.peak = true, reason, peak
	}
	return nil
}

func (l *fakeLog) snapshot() []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]auditEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	return out
}

type fakeRecorder struct {
	mu     sync.Mutex
	output bytes.Buffer
	input  bytes.Buffer
	closed bool
}

func (r *fakeRecorder) Output(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output.Write(p)
	return nil
}

func (r *fakeRecorder) Input(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input.Write(p)
	return nil
}

func (r *fakeRecorder) Resize(cols, rows uint16) error { return nil }

func (r *fakeRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRecorder) state() (string, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output.String(), r.input.String(), r.closed
}

func newTestMux(t testing.TB, provider StreamProvider, opts Options) (*realtime.Gateway, *Multiplexer) {
	t.Helper()
	gw := realtimetest.StartGateway(t, backplane.NewHub(), "n1", nil)
	mux := NewMultiplexer(provider, gw.Deps(), opts)
	t.Cleanup(func() { _ = mux.Close(context.Background()) })
	return gw, mux
}

// dataFrames concatenates every terminal data frame a transport received.
func dataFrames(t testing.TB, tr *realtimetest.Transport) []string {
	t.Helper()
	var out []string
	for _, f := range tr.Events(EventData) {
		out = append(out, decodeString(t, f.Data))
	}
	return out
}

func decodeString(t testing.TB, data []byte) string {
	t.Helper()
	s, err := decodeInput(data)
	if err != nil {
		t.Fatalf("decode string frame: %v", err)
	}
	return string(s)
}
