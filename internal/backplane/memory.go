// Package backplane implements the distributed layer behind rooms and
// emission: an in-process hub for single-node deployments and tests, and a
// NATS implementation for multi-node deployments.
package backplane

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/remote-agent-terminal/gateway/internal/realtime"
)

// ErrClosed is returned by operations on a closed backplane node.
var ErrClosed = errors.New("backplane closed")

type memberEntry struct {
	member realtime.Member
	seq    uint64
}

// Hub is an in-process backplane shared by any number of nodes. Delivery
// is synchronous on the publishing goroutine.
type Hub struct {
	mu    sync.RWMutex
	seq   uint64
	rooms  map[string]map[string]memberEntry
	subs   map[string]func(realtime.Envelope)
	claims map[string]string // key -> owning node
}

func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]map[string]memberEntry),
		subs:   make(map[string]func(realtime.Envelope)),
		claims: make(map[string]string),
	}
}

// Node returns a backplane view for one gateway node.
func (h *Hub) Node(id string) *MemoryNode {
	return &MemoryNode{hub: h, id: id}
}

// MemoryNode is one node's handle on a Hub.
type MemoryNode struct {
	hub *Hub
	id  string

	mu     sync.Mutex
	closed bool
}

var _ realtime.Backplane = (*MemoryNode)(nil)

func (n *MemoryNode) NodeID() string { return n.id }

func (n *MemoryNode) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *MemoryNode) AddMember(ctx context.Context, room string, m realtime.Member) error {
	if n.isClosed() {
		return ErrClosed
	}
	h := n.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]memberEntry)
		h.rooms[room] = members
	}
	if existing, ok := members[m.ConnID]; ok {
		members[m.ConnID] = memberEntry{member: m, seq: existing.seq}
		return nil
	}
	h.seq++
	members[m.ConnID] = memberEntry{member: m, seq: h.seq}
	return nil
}

func (n *MemoryNode) RemoveMember(ctx context.Context, room, connID string) error {
	if n.isClosed() {
		return ErrClosed
	}
	h := n.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	return nil
}

// Members returns the room's members in join order.
func (n *MemoryNode) Members(ctx context.Context, room string) ([]realtime.Member, error) {
	if n.isClosed() {
		return nil, ErrClosed
	}
	h := n.hub
	h.mu.RLock()
	entries := make([]memberEntry, 0, len(h.rooms[room]))
	for _, e := range h.rooms[room] {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]realtime.Member, len(entries))
	for i, e := range entries {
		out[i] = e.member
	}
	return out, nil
}

func (n *MemoryNode) Publish(ctx context.Context, env realtime.Envelope) error {
	if n.isClosed() {
		return ErrClosed
	}
	h := n.hub
	h.mu.RLock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	handlers := make([]func(realtime.Envelope), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, h.subs[id])
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(env)
	}
	return nil
}

// Claim takes key for this node unless another node holds it.
func (n *MemoryNode) Claim(ctx context.Context, key string) (bool, string, error) {
	if n.isClosed() {
		return false, "", ErrClosed
	}
	h := n.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if owner, ok := h.claims[key]; ok && owner != n.id {
		return false, owner, nil
	}
	h.claims[key] = n.id
	return true, n.id, nil
}

// Release drops key if this node holds it.
func (n *MemoryNode) Release(ctx context.Context, key string) error {
	h := n.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.claims[key] == n.id {
		delete(h.claims, key)
	}
	return nil
}

func (n *MemoryNode) Subscribe(handler func(realtime.Envelope)) error {
	if n.isClosed() {
		return ErrClosed
	}
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	n.hub.subs[n.id] = handler
	return nil
}

// Close unsubscribes the node and drops every membership and claim it owns.
func (n *MemoryNode) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	h := n.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, n.id)
	for key, owner := range h.claims {
		if owner == n.id {
			delete(h.claims, key)
		}
	}
	for room, members := range h.rooms {
		for connID, e := range members {
			if e.member.Node == n.id {
				delete(members, connID)
			}
		}
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	return nil
}
