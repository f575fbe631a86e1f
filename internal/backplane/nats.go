package backplane

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
	"github.com/rs/zerolog/log"
)

// NATSConfig configures a NATS backplane node.
type NATSConfig struct {
	URL     string
	NodeID  string
	Subject string
	Bucket  string
	// TTL is the bucket's max age. Each node rewrites its own keys every
	// TTL/3, so only the keys of a node that stopped without Close expire.
	// Zero keeps keys until they are deleted.
	TTL time.Duration
}

type ownedKey struct {
	value []byte
	rev   uint64
	claim bool
}

// NATS is a backplane node that publishes envelopes on one subject and keeps
// room membership and terminal claims in a JetStream key-value bucket.
type NATS struct {
	nc      *nats.Conn
	kv      nats.KeyValue
	nodeID  string
	subject string
	done    chan struct{}

	// mu also serializes bucket writes, so a refresh never resurrects a key
	// that is being deleted.
	mu     sync.Mutex
	sub    *nats.Subscription
	owned  map[string]ownedKey // keys written by this node
	closed bool
}

var _ realtime.Backplane = (*NATS)(nil)

// DialNATS connects to NATS and ensures the membership bucket exists.
func DialNATS(cfg NATSConfig) (*NATS, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("gateway-"+cfg.NodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  cfg.Bucket,
			History: 1,
			TTL:     cfg.TTL,
			Storage: nats.MemoryStorage,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open kv bucket %s: %w", cfg.Bucket, err)
	}
	if st, err := kv.Status(); err == nil && st.TTL() != cfg.TTL {
		log.Warn().Str("module", "backplane.nats").Str("bucket", cfg.Bucket).Dur("bucket_ttl", st.TTL()).
			Dur("ttl", cfg.TTL).Msg("existing bucket has a different ttl")
	}

	log.Info().Str("module", "backplane.nats").Str("url", nc.ConnectedUrl()).Str("bucket", cfg.Bucket).
		Msg("connected to nats")

	n := &NATS{
		nc:      nc,
		kv:      kv,
		nodeID:  cfg.NodeID,
		subject: cfg.Subject,
		done:    make(chan struct{}),
		owned:   make(map[string]ownedKey),
	}
	if cfg.TTL > 0 {
		go n.refreshLoop(cfg.TTL / 3)
	}
	return n, nil
}

func (n *NATS) NodeID() string { return n.nodeID }

// roomPrefix encodes the room name so arbitrary names form valid keys.
func roomPrefix(room string) string {
	return "room." + base64.RawURLEncoding.EncodeToString([]byte(room))
}

func memberKey(room, connID string) string {
	return roomPrefix(room) + "." + connID
}

func claimKey(key string) string {
	return "claim." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (n *NATS) AddMember(ctx context.Context, room string, m realtime.Member) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	key := memberKey(room, m.ConnID)

	n.mu.Lock()
	defer n.mu.Unlock()
	rev, err := n.kv.Put(key, data)
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	n.owned[key] = ownedKey{value: data, rev: rev}
	return nil
}

func (n *NATS) RemoveMember(ctx context.Context, room, connID string) error {
	key := memberKey(room, connID)

	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.owned, key)
	if err := n.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Claim takes key for this node unless another node holds it.
func (n *NATS) Claim(ctx context.Context, key string) (bool, string, error) {
	k := claimKey(key)
	value := []byte(n.nodeID)

	n.mu.Lock()
	defer n.mu.Unlock()
	if held, ok := n.owned[k]; ok && held.claim {
		return true, n.nodeID, nil
	}

	// A claim released or expired between Create and Get is retried once.
	for attempt := 0; attempt < 2; attempt++ {
		rev, err := n.kv.Create(k, value)
		if err == nil {
			n.owned[k] = ownedKey{value: value, rev: rev, claim: true}
			return true, n.nodeID, nil
		}
		if !errors.Is(err, nats.ErrKeyExists) {
			return false, "", fmt.Errorf("failed to create %s: %w", k, err)
		}

		entry, err := n.kv.Get(k)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return false, "", fmt.Errorf("failed to get %s: %w", k, err)
		}
		owner := string(entry.Value())
		if owner != n.nodeID {
			return false, owner, nil
		}
		n.owned[k] = ownedKey{value: value, rev: entry.Revision(), claim: true}
		return true, n.nodeID, nil
	}
	return false, "", fmt.Errorf("claim %s: %w", key, nats.ErrKeyExists)
}

// Release drops key if this node still holds it.
func (n *NATS) Release(ctx context.Context, key string) error {
	k := claimKey(key)

	n.mu.Lock()
	defer n.mu.Unlock()
	held, ok := n.owned[k]
	if !ok || !held.claim {
		return nil
	}
	delete(n.owned, k)
	if err := n.kv.Delete(k, nats.LastRevision(held.rev)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete %s: %w", k, err)
	}
	return nil
}

func (n *NATS) refreshLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.refresh()
		}
	}
}

// refresh rewrites every key this node owns. A claim whose revision moved
// on was taken over by another node and is dropped.
func (n *NATS) refresh() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, o := range n.owned {
		var rev uint64
		var err error
		if o.claim {
			rev, err = n.kv.Update(k, o.value, o.rev)
		} else {
			rev, err = n.kv.Put(k, o.value)
		}
		if err != nil {
			ev := log.Warn().Err(err).Str("module", "backplane.nats").Str("key", k)
			if o.claim {
				delete(n.owned, k)
				ev.Msg("terminal claim lost")
			} else {
				ev.Msg("failed to refresh member")
			}
			continue
		}
		o.rev = rev
		n.owned[k] = o
	}
}

// Members reads the room's current members from the bucket.
func (n *NATS) Members(ctx context.Context, room string) ([]realtime.Member, error) {
	w, err := n.kv.Watch(roomPrefix(room)+".*", nats.IgnoreDeletes(), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to watch room %s: %w", room, err)
	}
	defer w.Stop()

	var members []realtime.Member
	for entry := range w.Updates() {
		// A nil entry marks the end of the initial values.
		if entry == nil {
			break
		}
		var m realtime.Member
		if err := json.Unmarshal(entry.Value(), &m); err != nil {
			log.Warn().Err(err).Str("module", "backplane.nats").Str("key", entry.Key()).
				Msg("skipping malformed member")
			continue
		}
		members = append(members, m)
	}
	return members, ctx.Err()
}

func (n *NATS) Publish(ctx context.Context, env realtime.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject, data)
}

func (n *NATS) Subscribe(handler func(realtime.Envelope)) error {
	sub, err := n.nc.Subscribe(n.subject, func(msg *nats.Msg) {
		var env realtime.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Warn().Err(err).Str("module", "backplane.nats").Msg("dropping malformed envelope")
			return
		}
		handler(env)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}
	n.mu.Lock()
	n.sub = sub
	n.mu.Unlock()
	return nil
}

// Close removes every key this node wrote, then drains the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.done)
	keys := make([]string, 0, len(n.owned))
	for k := range n.owned {
		keys = append(keys, k)
	}
	n.owned = make(map[string]ownedKey)
	sub := n.sub
	n.mu.Unlock()

	for _, k := range keys {
		if err := n.kv.Delete(k); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			log.Warn().Err(err).Str("module", "backplane.nats").Str("key", k).Msg("failed to delete member")
		}
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	return n.nc.Drain()
}

// IsConnected reports whether the NATS connection is up.
func (n *NATS) IsConnected() bool {
	return n.nc.IsConnected()
}
