// Package terminal shares one live execution stream per target among any
// number of viewers, with bounded history replay for late joiners and a
// grace period before an unwatched stream is torn down.
package terminal

import (
	"context"
	"io"
	"time"

	"github.com/remote-agent-terminal/gateway/internal/model"
)

// Stream is a live execution stream: output is read, input written.
type Stream interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}

// StreamProvider opens streams against execution targets. Create must
// return an error wrapping model.ErrTargetNotFound when the target has no
// record.
type StreamProvider interface {
	Create(ctx context.Context, targetID string) (Stream, error)
}

// Recorder captures a session transcript.
type Recorder interface {
	Output(data []byte) error
	Input(data []byte) error
	Resize(cols, rows uint16) error
	Close() error
}

// SessionLog keeps the audit trail of sessions.
type SessionLog interface {
	Start(ctx context.Context, rec *model.TerminalSessionRecord) error
	End(ctx context.Context, id string, endedAt time.Time, reason model.TerminalEndReason, peakViewers int) error
}

// Lease lets one gateway node at a time run a target's session. Claim is
// granted when the key is free or already held by the caller; otherwise it
// reports the node holding it.
type Lease interface {
	Claim(ctx context.Context, key string) (granted bool, owner string, err error)
	Release(ctx context.Context, key string) error
}

const (
	EventAttach = "container:terminal:attach"
	EventDetach = "container:terminal:detach"
	EventInput  = "container:terminal:input"
	EventResize = "container:terminal:resize"
	EventData   = "container:terminal:data"
	EventEnd    = "container:terminal:end"
	EventError  = "container:error"

	EventSubscribe = "subscribe_to_container"
	EventLeave     = "leave_container"
	EventViewers   = "container:viewers"
)

// ClaimKey names the lease key of a target's session.
func ClaimKey(targetID string) string {
	return "terminal." + targetID
}

// RoomOf names the room of a target's viewers. Output reaches them from the
// node that owns the target's session.
func RoomOf(targetID string) string {
	return "container:" + targetID
}

// ViewersRoomOf names the presence room of a target's watchers.
func ViewersRoomOf(targetID string) string {
	if targetID == "" {
		return ""
	}
	return "container-viewers:" + targetID
}
