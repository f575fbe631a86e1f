package backplane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/remote-agent-terminal/gateway/internal/backplane/backplanetest"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestNode(t *testing.T, url, node string, ttl time.Duration) *NATS {
	t.Helper()
	n, err := DialNATS(NATSConfig{
		URL:     url,
		NodeID:  node,
		Subject: "test.emit",
		Bucket:  "TEST_ROOMS",
		TTL:     ttl,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// crash stops a node the way a killed process would: no refresh, no
// cleanup of its keys.
func crash(n *NATS) {
	n.mu.Lock()
	n.closed = true
	close(n.done)
	n.mu.Unlock()
	n.nc.Close()
}

func connIDs(members []realtime.Member) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ConnID)
	}
	return ids
}

func TestNATSMembershipAcrossNodes(t *testing.T) {
	ctx := context.Background()
	url := backplanetest.RunNATS(t)
	a := dialTestNode(t, url, "a", time.Minute)
	b := dialTestNode(t, url, "b", time.Minute)

	require.NoError(t, a.AddMember(ctx, "team:1", realtime.Member{ConnID: "c1", Node: "a"}))
	require.NoError(t, b.AddMember(ctx, "team:1", realtime.Member{ConnID: "c2", Node: "b"}))
	require.NoError(t, a.AddMember(ctx, "team:2", realtime.Member{ConnID: "c3", Node: "a"}))

	members, err := b.Members(ctx, "team:1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, connIDs(members))

	require.NoError(t, a.RemoveMember(ctx, "team:1", "c1"))
	members, err = b.Members(ctx, "team:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, connIDs(members))

	require.NoError(t, a.RemoveMember(ctx, "team:1", "c1"), "removing twice is harmless")

	members, err = a.Members(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestNATSPublishReachesEveryNode(t *testing.T) {
	url := backplanetest.RunNATS(t)
	a := dialTestNode(t, url, "a", time.Minute)
	b := dialTestNode(t, url, "b", time.Minute)

	var mu sync.Mutex
	got := map[string][]string{}
	for _, n := range []*NATS{a, b} {
		node := n.NodeID()
		require.NoError(t, n.Subscribe(func(env realtime.Envelope) {
			mu.Lock()
			defer mu.Unlock()
			got[node] = append(got[node], env.Event)
		}))
	}
	require.NoError(t, a.nc.Flush())
	require.NoError(t, b.nc.Flush())

	require.NoError(t, a.Publish(context.Background(), realtime.Envelope{Kind: realtime.KindBroadcast, Event: "hello", Origin: "a"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["a"]) == 1 && len(got["b"]) == 1
	}, 2*time.Second, 5*time.Millisecond, "the publisher receives its own envelopes too")
}

func TestNATSCloseDropsOwnedKeys(t *testing.T) {
	ctx := context.Background()
	url := backplanetest.RunNATS(t)
	a := dialTestNode(t, url, "a", time.Minute)
	b := dialTestNode(t, url, "b", time.Minute)

	require.NoError(t, a.AddMember(ctx, "team:1", realtime.Member{ConnID: "c1", Node: "a"}))
	require.NoError(t, b.AddMember(ctx, "team:1", realtime.Member{ConnID: "c2", Node: "b"}))
	granted, _, err := a.Claim(ctx, "terminal.T")
	require.NoError(t, err)
	require.True(t, granted)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "closing twice is harmless")

	members, err := b.Members(ctx, "team:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, connIDs(members))

	granted, owner, err := b.Claim(ctx, "terminal.T")
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, "b", owner)
}

func TestNATSClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	url := backplanetest.RunNATS(t)
	a := dialTestNode(t, url, "a", time.Minute)
	b := dialTestNode(t, url, "b", time.Minute)

	granted, owner, err := a.Claim(ctx, "terminal.T")
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, "a", owner)

	granted, _, err = a.Claim(ctx, "terminal.T")
	require.NoError(t, err)
	assert.True(t, granted, "the holder may claim again")

	granted, owner, err = b.Claim(ctx, "terminal.T")
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, "a", owner)

	require.NoError(t, b.Release(ctx, "terminal.T"), "releasing a foreign claim is a no-op")
	granted, _, err = b.Claim(ctx, "terminal.T")
	require.NoError(t, err)
	assert.False(t, granted)

	require.NoError(t, a.Release(ctx, "terminal.T"))
	granted, owner, err = b.Claim(ctx, "terminal.T")
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, "b", owner)
}

func TestNATSCrashedNodeKeysExpire(t *testing.T) {
	ctx := context.Background()
	url := backplanetest.RunNATS(t)
	ttl := time.Second
	a := dialTestNode(t, url, "a", ttl)
	b := dialTestNode(t, url, "b", ttl)

	require.NoError(t, a.AddMember(ctx, "team:1", realtime.Member{ConnID: "c1", Node: "a"}))
	require.NoError(t, b.AddMember(ctx, "team:1", realtime.Member{ConnID: "c2", Node: "b"}))
	granted, _, err := a.Claim(ctx, "terminal.T")
	require.NoError(t, err)
	require.True(t, granted)

	crash(a)

	require.Eventually(t, func() bool {
		members, err := b.Members(ctx, "team:1")
		return err == nil && len(members) == 1 && members[0].ConnID == "c2"
	}, 5*ttl, 50*time.Millisecond, "the crashed node's member expires, the live one is refreshed")

	// Well past the ttl the live member is still there.
	time.Sleep(2 * ttl)
	members, err := b.Members(ctx, "team:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, connIDs(members))

	granted, owner, err := b.Claim(ctx, "terminal.T")
	require.NoError(t, err)
	assert.True(t, granted, "the crashed node's claim expired")
	assert.Equal(t, "b", owner)
}
