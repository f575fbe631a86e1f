package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/remote-agent-terminal/gateway/internal/buffer"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("terminal multiplexer closed")

// State is a session's lifecycle state. A target without a session is absent.
type State int

const (
	StateConnecting State = iota + 1
	StateActive
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "ABSENT"
	}
}

const (
	DefaultGracePeriod  = 5 * time.Second
	DefaultHistoryBytes = 64 * 1024

	// attachedKey holds the attached target in a connection's data bag.
	attachedKey = "terminal.target"

	readBufferSize = 32 * 1024
)

// Options configures a Multiplexer. Zero values select defaults.
type Options struct {
	GracePeriod  time.Duration
	HistoryBytes int
	Node         string
	// NewRecorder opens a transcript recorder for a new session. Optional.
	NewRecorder func(targetID string) (Recorder, error)
	// Log receives the audit trail. Optional.
	Log SessionLog
	// Lease makes a target's session exclusive to one node across the
	// cluster. Without it sessions are only exclusive within this process.
	Lease Lease
}

// SessionInfo is a snapshot of one session.
type SessionInfo struct {
	TargetID     string    `json:"targetId"`
	State        string    `json:"state"`
	Viewers      int       `json:"viewers"`
	PeakViewers  int       `json:"peakViewers"`
	HistoryBytes int       `json:"historyBytes"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
}

type session struct {
	target string
	id     string

	// Guarded by Multiplexer.mu.
	state    State
	viewers  map[string]*realtime.Connection
	peak     int
	timer    *time.Timer
	timerGen uint64
	stream   Stream

	// Closed once creation resolves; err is set before.
	ready chan struct{}
	err   error

	startedAt time.Time
	claimed   bool

	// out serializes output fan-out with viewer replay and teardown.
	out      sync.Mutex
	ended    bool
	history  *buffer.ChunkBuffer
	recorder Recorder
	// sinks are the viewers output is written to, keyed by connection id.
	sinks map[string]*realtime.Connection
}

// Multiplexer owns every terminal session of this process, keyed by target.
type Multiplexer struct {
	provider StreamProvider
	rooms    realtime.RoomManager
	events   realtime.EventRegistry
	opts     Options

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewMultiplexer(provider StreamProvider, deps realtime.Deps, opts Options) *Multiplexer {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.HistoryBytes <= 0 {
		opts.HistoryBytes = DefaultHistoryBytes
	}
	return &Multiplexer{
		provider: provider,
		rooms:    deps.Rooms,
		events:   deps.Events,
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

// Attach makes conn a viewer of target, creating the session on first use.
// Concurrent attaches for one target share a single create call.
func (m *Multiplexer) Attach(ctx context.Context, conn *realtime.Connection, target string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	s, ok := m.sessions[target]
	if !ok {
		s = &session{
			target:  target,
			state:   StateConnecting,
			viewers: map[string]*realtime.Connection{conn.ID(): conn},
			peak:    1,
			ready:   make(chan struct{}),
			history: buffer.NewChunkBuffer(m.opts.HistoryBytes),
			sinks:   make(map[string]*realtime.Connection),
		}
		m.sessions[target] = s
		m.mu.Unlock()
		return m.create(ctx, s, conn)
	}

	if _, dup := s.viewers[conn.ID()]; dup {
		m.mu.Unlock()
		return nil
	}
	s.viewers[conn.ID()] = conn
	if len(s.viewers) > s.peak {
		s.peak = len(s.viewers)
	}

	switch s.state {
	case StateConnecting:
		m.mu.Unlock()
		select {
		case <-s.ready:
		case <-ctx.Done():
			m.Detach(conn, target)
			return ctx.Err()
		}
		if s.err != nil {
			return s.err
		}
		m.mu.Lock()
		_, still := s.viewers[conn.ID()]
		live := s.state != StateTerminated
		m.mu.Unlock()
		if !still || !live {
			return model.ErrSessionEnded
		}
	case StateDraining:
		s.timerGen++
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.state = StateActive
		m.mu.Unlock()
		log.Debug().Str("module", "terminal").Str("target", target).Msg("teardown cancelled")
	default:
		m.mu.Unlock()
	}

	return m.wire(s, conn)
}

func (m *Multiplexer) create(ctx context.Context, s *session, conn *realtime.Connection) error {
	stream, err := m.open(ctx, s)

	m.mu.Lock()
	if err != nil {
		if m.sessions[s.target] == s {
			delete(m.sessions, s.target)
		}
		s.state = StateTerminated
		s.err = fmt.Errorf("failed to open terminal %s: %w", s.target, err)
		s.viewers = make(map[string]*realtime.Connection)
		close(s.ready)
		m.mu.Unlock()
		log.Warn().Err(err).Str("module", "terminal").Str("target", s.target).Msg("create stream failed")
		return s.err
	}

	s.stream = stream
	if len(s.viewers) == 0 || m.closed {
		// Every viewer left while the stream was being created.
		if m.sessions[s.target] == s {
			delete(m.sessions, s.target)
		}
		s.state = StateTerminated
		s.err = model.ErrSessionEnded
		close(s.ready)
		m.mu.Unlock()
		m.finish(s, model.TerminalEndIdle, 0)
		return model.ErrSessionEnded
	}
	s.state = StateActive
	s.startedAt = time.Now()
	s.id = uuid.NewString()
	_, requesterStayed := s.viewers[conn.ID()]
	close(s.ready)
	m.mu.Unlock()

	m.startAudit(s)
	log.Info().Str("module", "terminal").Str("target", s.target).Str("session", s.id).Msg("terminal session started")
	go m.pump(s)

	if !requesterStayed {
		return model.ErrSessionEnded
	}
	return m.wire(s, conn)
}

// open claims the target for this node when a lease is configured, then
// asks the provider for the stream.
func (m *Multiplexer) open(ctx context.Context, s *session) (Stream, error) {
	if m.opts.Lease != nil {
		granted, owner, err := m.opts.Lease.Claim(ctx, ClaimKey(s.target))
		if err != nil {
			return nil, fmt.Errorf("claim: %w", err)
		}
		if !granted {
			return nil, fmt.Errorf("node %s: %w", owner, model.ErrTargetOwned)
		}
		s.claimed = true
	}
	stream, err := m.provider.Create(ctx, s.target)
	if err != nil {
		m.release(s)
		return nil, err
	}
	return stream, nil
}

func (m *Multiplexer) release(s *session) {
	if !s.claimed {
		return
	}
	s.claimed = false
	if err := m.opts.Lease.Release(context.Background(), ClaimKey(s.target)); err != nil {
		log.Warn().Err(err).Str("module", "terminal").Str("target", s.target).Msg("failed to release terminal claim")
	}
}

func (m *Multiplexer) startAudit(s *session) {
	if m.opts.NewRecorder != nil {
		rec, err := m.opts.NewRecorder(s.target)
		if err != nil {
			log.Warn().Err(err).Str("module", "terminal").Str("target", s.target).Msg("recording disabled")
		} else {
			s.out.Lock()
			s.recorder = rec
			s.out.Unlock()
		}
	}
	if m.opts.Log != nil {
		rec := &model.TerminalSessionRecord{
			ID:        s.id,
			TargetID:  s.target,
			Node:      m.opts.Node,
			StartedAt: s.startedAt,
		}
		if err := m.opts.Log.Start(context.Background(), rec); err != nil {
			log.Warn().Err(err).Str("module", "terminal").Str("session", s.id).Msg("failed to record session start")
		}
	}
}

// wire joins conn to the viewers room, replays history to it alone and
// routes its input and resize events to the shared stream. Replay and the
// switch to live output happen under s.out, so no chunk is seen twice.
func (m *Multiplexer) wire(s *session, conn *realtime.Connection) error {
	s.out.Lock()
	defer s.out.Unlock()
	if s.ended {
		return model.ErrSessionEnded
	}

	conn.Set(attachedKey, s.target)
	m.rooms.Join(conn.ID(), RoomOf(s.target))
	if history := s.history.Bytes(); len(history) > 0 {
		if data, err := json.Marshal(string(history)); err == nil {
			send(conn, EventData, data)
		}
	}
	s.sinks[conn.ID()] = conn

	target := s.target
	m.events.On(conn.ID(), EventInput, func(ctx context.Context, c *realtime.Connection, data json.RawMessage) error {
		input, err := decodeInput(data)
		if err != nil {
			return err
		}
		return m.Write(c, target, input)
	})
	m.events.On(conn.ID(), EventResize, func(ctx context.Context, c *realtime.Connection, data json.RawMessage) error {
		var size struct {
			Cols uint16 `json:"cols"`
			Rows uint16 `json:"rows"`
		}
		if err := json.Unmarshal(data, &size); err != nil {
			return fmt.Errorf("invalid resize payload: %w", err)
		}
		if size.Cols == 0 || size.Rows == 0 {
			return nil
		}
		return m.Resize(c, target, size.Cols, size.Rows)
	})
	return nil
}

func (m *Multiplexer) unwire(s *session, conn *realtime.Connection) {
	s.out.Lock()
	delete(s.sinks, conn.ID())
	s.out.Unlock()

	m.events.Off(conn.ID(), EventInput)
	m.events.Off(conn.ID(), EventResize)
	m.rooms.Leave(conn.ID(), RoomOf(s.target))
	if conn.GetString(attachedKey) == s.target {
		conn.Delete(attachedKey)
	}
}

// broadcastLocked writes one frame to every wired viewer. Callers hold s.out.
func (s *session) broadcastLocked(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "terminal").Str("event", event).Msg("failed to encode frame")
		return
	}
	for _, c := range s.sinks {
		send(c, event, data)
	}
}

// recordLocked passes one event to the recorder. A failing recorder is
// closed and the rest of the session goes unrecorded. Callers hold s.out.
func (s *session) recordLocked(fn func(Recorder) error) {
	if s.recorder == nil {
		return
	}
	if err := fn(s.recorder); err != nil {
		log.Warn().Err(err).Str("module", "terminal").Str("target", s.target).Msg("recording failed, disabled")
		if cerr := s.recorder.Close(); cerr != nil {
			log.Debug().Err(cerr).Str("module", "terminal").Str("target", s.target).Msg("recorder close")
		}
		s.recorder = nil
	}
}

func send(c *realtime.Connection, event string, data json.RawMessage) {
	if err := c.Send(event, data); err != nil {
		log.Debug().Err(err).Str("module", "terminal").Str("conn", c.ID()).Str("event", event).Msg("send failed")
	}
}

// decodeInput accepts a bare string or {"data": string}.
func decodeInput(data json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return []byte(s), nil
	}
	var obj struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("invalid input payload: %w", err)
	}
	return []byte(obj.Data), nil
}

// Detach removes conn from target's viewers. Detaching a viewer that is not
// attached is a no-op. It reports whether conn was a viewer.
func (m *Multiplexer) Detach(conn *realtime.Connection, target string) bool {
	m.mu.Lock()
	s, ok := m.sessions[target]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if _, viewing := s.viewers[conn.ID()]; !viewing {
		m.mu.Unlock()
		return false
	}
	delete(s.viewers, conn.ID())
	if len(s.viewers) == 0 && s.state == StateActive {
		s.state = StateDraining
		s.timerGen++
		gen := s.timerGen
		s.timer = time.AfterFunc(m.opts.GracePeriod, func() { m.expire(s, gen) })
		log.Debug().Str("module", "terminal").Str("target", target).Dur("grace", m.opts.GracePeriod).
			Msg("last viewer left, draining")
	}
	m.mu.Unlock()

	m.unwire(s, conn)
	return true
}

// AttachedTarget returns the target conn is attached to, or "".
func AttachedTarget(conn *realtime.Connection) string {
	return conn.GetString(attachedKey)
}

func (m *Multiplexer) expire(s *session, gen uint64) {
	m.mu.Lock()
	if s.timerGen != gen || s.state != StateDraining || len(s.viewers) > 0 || m.sessions[s.target] != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.target)
	s.state = StateTerminated
	s.timer = nil
	peak := s.peak
	m.mu.Unlock()

	m.finish(s, model.TerminalEndIdle, peak)
}

// pump reads the stream until it fails. Frames carry text, so a multibyte
// UTF-8 sequence split by a read is held back until it is complete.
func (m *Multiplexer) pump(s *session) {
	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, err := s.stream.Read(buf)
		data := buf[:n]
		if len(carry) > 0 {
			data = append(carry, data...)
			carry = nil
		}
		cut := len(data)
		if err == nil {
			cut = utf8Boundary(data)
		}
		if cut < len(data) {
			carry = append([]byte(nil), data[cut:]...)
		}
		if cut > 0 {
			chunk := make([]byte, cut)
			copy(chunk, data[:cut])
			m.output(s, chunk)
		}
		if err != nil {
			m.streamEnded(s, err)
			return
		}
	}
}

func (m *Multiplexer) output(s *session, chunk []byte) {
	s.out.Lock()
	defer s.out.Unlock()
	if s.ended {
		return
	}
	s.history.Write(chunk)
	s.broadcastLocked(EventData, string(chunk))
	s.recordLocked(func(r Recorder) error { return r.Output(chunk) })
}

// utf8Boundary returns the length of the longest prefix of p that does not
// end inside an incomplete UTF-8 sequence.
func utf8Boundary(p []byte) int {
	for i := len(p) - 1; i >= 0 && i > len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}

// streamEnded forces a session to TERMINATED after end of stream or a
// stream failure, whatever its viewer count.
func (m *Multiplexer) streamEnded(s *session, streamErr error) {
	m.mu.Lock()
	if m.sessions[s.target] != s || s.state == StateTerminated {
		// Already torn down by us; the read error is the stream closing.
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.target)
	s.state = StateTerminated
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	viewers := make([]*realtime.Connection, 0, len(s.viewers))
	for _, c := range s.viewers {
		viewers = append(viewers, c)
	}
	s.viewers = make(map[string]*realtime.Connection)
	peak := s.peak
	m.mu.Unlock()

	reason := model.TerminalEndExited
	s.out.Lock()
	s.ended = true
	if errors.Is(streamErr, io.EOF) {
		s.broadcastLocked(EventEnd, map[string]string{"containerId": s.target})
	} else {
		reason = model.TerminalEndFailed
		s.broadcastLocked(EventError, fmt.Sprintf("terminal stream failed: %v", streamErr))
	}
	s.sinks = make(map[string]*realtime.Connection)
	s.out.Unlock()

	for _, c := range viewers {
		m.unwire(s, c)
	}

	log.Info().Err(streamErr).Str("module", "terminal").Str("target", s.target).Int("viewers", len(viewers)).
		Msg("terminal stream ended")
	m.finish(s, reason, peak)
}

// finish releases a session that is no longer in the session map.
func (m *Multiplexer) finish(s *session, reason model.TerminalEndReason, peak int) {
	s.out.Lock()
	s.ended = true
	s.history.Clear()
	rec := s.recorder
	s.recorder = nil
	s.out.Unlock()

	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			log.Debug().Err(err).Str("module", "terminal").Str("target", s.target).Msg("stream close")
		}
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			log.Warn().Err(err).Str("module", "terminal").Str("target", s.target).Msg("failed to close recording")
		}
	}
	m.release(s)
	if m.opts.Log != nil && s.id != "" {
		if err := m.opts.Log.End(context.Background(), s.id, time.Now(), reason, peak); err != nil {
			log.Warn().Err(err).Str("module", "terminal").Str("session", s.id).Msg("failed to record session end")
		}
	}
	if s.id != "" {
		log.Info().Str("module", "terminal").Str("target", s.target).Str("session", s.id).
			Str("reason", string(reason)).Msg("terminal session closed")
	}
}

func (m *Multiplexer) liveSession(conn *realtime.Connection, target string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[target]
	if !ok || s.stream == nil {
		return nil, model.ErrNotAttached
	}
	if _, viewing := s.viewers[conn.ID()]; !viewing {
		return nil, model.ErrNotAttached
	}
	return s, nil
}

// Write sends viewer input to the shared stream. Writes from different
// viewers are not ordered relative to each other.
func (m *Multiplexer) Write(conn *realtime.Connection, target string, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	s, err := m.liveSession(conn, target)
	if err != nil {
		return err
	}
	if _, err := s.stream.Write(p); err != nil {
		return fmt.Errorf("failed to write to terminal %s: %w", target, err)
	}
	s.out.Lock()
	s.recordLocked(func(r Recorder) error { return r.Input(p) })
	s.out.Unlock()
	return nil
}

// Resize resizes the shared stream on behalf of a viewer.
func (m *Multiplexer) Resize(conn *realtime.Connection, target string, cols, rows uint16) error {
	s, err := m.liveSession(conn, target)
	if err != nil {
		return err
	}
	if err := s.stream.Resize(cols, rows); err != nil {
		return fmt.Errorf("failed to resize terminal %s: %w", target, err)
	}
	s.out.Lock()
	s.recordLocked(func(r Recorder) error { return r.Resize(cols, rows) })
	s.out.Unlock()
	return nil
}

// State returns the session state for target, or false when absent.
func (m *Multiplexer) State(target string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[target]
	if !ok {
		return 0, false
	}
	return s.state, true
}

// Viewers returns the viewer count of target's session.
func (m *Multiplexer) Viewers(target string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[target]; ok {
		return len(s.viewers)
	}
	return 0
}

// History returns the bytes a viewer attaching now would be replayed.
func (m *Multiplexer) History(target string) []byte {
	m.mu.Lock()
	s, ok := m.sessions[target]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.out.Lock()
	defer s.out.Unlock()
	return s.history.Bytes()
}

// Sessions returns a snapshot of every session.
func (m *Multiplexer) Sessions() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
		infos = append(infos, SessionInfo{
			TargetID:    s.target,
			State:       s.state.String(),
			Viewers:     len(s.viewers),
			PeakViewers: s.peak,
			StartedAt:   s.startedAt,
		})
	}
	m.mu.Unlock()

	for i, s := range sessions {
		s.out.Lock()
		infos[i].HistoryBytes = s.history.Len()
		s.out.Unlock()
	}
	return infos
}

// Close tears down every session and refuses further attaches.
func (m *Multiplexer) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var closing []*session
	var peaks []int
	for target, s := range m.sessions {
		if s.state == StateConnecting {
			// create() sees m.closed and releases the stream itself.
			continue
		}
		delete(m.sessions, target)
		s.state = StateTerminated
		s.timerGen++
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		closing = append(closing, s)
		peaks = append(peaks, s.peak)
	}
	m.mu.Unlock()

	for i, s := range closing {
		m.finish(s, model.TerminalEndShutdown, peaks[i])
	}
	return nil
}
