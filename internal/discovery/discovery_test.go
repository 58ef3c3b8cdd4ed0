package discovery

import (
	"context"
	"crypto/rand"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEgITx/librats/internal/dht"
	"github.com/DEgITx/librats/internal/mesh"
	"github.com/DEgITx/librats/internal/noise"
	"github.com/DEgITx/librats/pkg/types"
)

func randomNodeID(t *testing.T) types.NodeID {
	t.Helper()
	var id types.NodeID
	_, err := rand.Read(id[:])
	require.NoError(t, err)
	return id
}

func newTestNode(t *testing.T) (*dht.Node, types.Endpoint) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := conn.LocalAddr().(*net.UDPAddr)
	ep := types.Endpoint{IP: addr.IP, Port: uint16(addr.Port)}
	n := dht.New(randomNodeID(t), conn)
	t.Cleanup(func() { _ = n.Close() })
	return n, ep
}

func newTestEngine(t *testing.T) *mesh.Engine {
	t.Helper()
	key, err := noise.GenerateStaticKeypair()
	require.NoError(t, err)
	e := mesh.New(key)
	require.NoError(t, e.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func meshPort(t *testing.T, e *mesh.Engine) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(e.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)
	return uint16(port)
}

func TestShouldIgnoreOnlyMatchesOwnListenPort(t *testing.T) {
	self := uint16(9000)
	assert.True(t, shouldIgnore(types.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: self}, self))
	assert.True(t, shouldIgnore(types.Endpoint{IP: net.ParseIP("::1"), Port: self}, self))
	assert.False(t, shouldIgnore(types.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: self + 1}, self))
	assert.False(t, shouldIgnore(types.Endpoint{IP: net.ParseIP("203.0.113.5"), Port: self}, self))
}

func TestBlacklistExpiresAfterTTL(t *testing.T) {
	l := &Loop{
		config:    Config{BlacklistTTL: 10 * time.Millisecond},
		blacklist: make(map[string]time.Time),
	}
	l.blacklistAddr("203.0.113.5:9000")
	assert.True(t, l.isBlacklisted("203.0.113.5:9000"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, l.isBlacklisted("203.0.113.5:9000"))
}

// TestLoopAutoConnectsToDiscoveredPeer wires three DHT nodes together —
// A and B each bootstrapped only against a shared rendezvous node C, never
// against each other directly — with nothing but the discovery loop
// running. Once both sides announce and search the rendezvous hash, each
// learns the other's endpoint from C's stored peer list (a node's own
// announcement comes back too, but shouldIgnore drops it as a loopback
// endpoint on the node's own listen port) and the mesh engines end up connected
// without either ever calling mesh.Engine.Connect directly.
func TestLoopAutoConnectsToDiscoveredPeer(t *testing.T) {
	nodeA, _ := newTestNode(t)
	nodeB, _ := newTestNode(t)
	_, epC := newTestNode(t)
	meshA := newTestEngine(t)
	meshB := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, nodeA.Bootstrap(ctx, []types.Endpoint{epC}))
	require.NoError(t, nodeB.Bootstrap(ctx, []types.Endpoint{epC}))

	fastConfig := Config{
		AnnounceInterval:   200 * time.Millisecond,
		SearchInterval:     150 * time.Millisecond,
		ConnectConcurrency: 8,
		BlacklistTTL:       10 * time.Minute,
		ConnectTimeout:     2 * time.Second,
		QueryTimeout:       2 * time.Second,
	}

	loopA := New(nodeA, meshA, meshPort(t, meshA), fastConfig)
	loopB := New(nodeB, meshB, meshPort(t, meshB), fastConfig)
	loopA.Start()
	loopB.Start()
	t.Cleanup(loopA.Stop)
	t.Cleanup(loopB.Stop)

	deadline := time.After(4 * time.Second)
	for meshA.Registry().Size() == 0 && meshB.Registry().Size() == 0 {
		select {
		case <-deadline:
			t.Fatal("discovery loop never connected the two peers")
		case <-time.After(20 * time.Millisecond):
		}
	}
	assert.True(t, meshA.Registry().Size() > 0 || meshB.Registry().Size() > 0)
}
