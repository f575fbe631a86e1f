package realtime

import (
	"context"
	"encoding/json"

	"github.com/remote-agent-terminal/gateway/internal/model"
)

// Member is a room membership record as stored in the backplane.
type Member struct {
	ConnID string         `json:"connId"`
	Node   string         `json:"node"`
	User   *model.User    `json:"user,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// EnvelopeKind selects how an envelope is routed on delivery.
type EnvelopeKind string

const (
	KindRoom       EnvelopeKind = "room"
	KindConnection EnvelopeKind = "connection"
	KindBroadcast  EnvelopeKind = "broadcast"
)

// Envelope is one outbound message travelling between gateway nodes.
type Envelope struct {
	Kind    EnvelopeKind    `json:"kind"`
	Room    string          `json:"room,omitempty"`
	ConnID  string          `json:"connId,omitempty"`
	Except  string          `json:"except,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin"`
}

// Backplane is the distributed layer shared by every gateway node: a
// membership store plus a pub/sub channel. Every envelope published by any
// node is delivered to every subscribed node, including the publisher.
type Backplane interface {
	NodeID() string
	AddMember(ctx context.Context, room string, m Member) error
	RemoveMember(ctx context.Context, room, connID string) error
	Members(ctx context.Context, room string) ([]Member, error)
	Publish(ctx context.Context, env Envelope) error
	Subscribe(handler func(Envelope)) error
	Close() error
}
