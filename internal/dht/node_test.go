package dht

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEgITx/librats/pkg/types"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	n := New(randomNodeID(), conn)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func udpEndpoint(t *testing.T, conn net.PacketConn) types.Endpoint {
	t.Helper()
	addr := conn.LocalAddr().(*net.UDPAddr)
	return types.Endpoint{IP: addr.IP, Port: uint16(addr.Port)}
}

func connOf(n *Node) net.PacketConn {
	return n.transport.UnderlyingConn()
}

func TestNodeBootstrapLearnsPeer(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := a.Bootstrap(ctx, []types.Endpoint{udpEndpoint(t, connOf(b))})
	require.NoError(t, err)
	assert.Equal(t, 1, a.routing.Size())
}

func TestNodeFindNodeAcrossThreeNodes(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Bootstrap(ctx, []types.Endpoint{udpEndpoint(t, connOf(b))}))
	require.NoError(t, b.Bootstrap(ctx, []types.Endpoint{udpEndpoint(t, connOf(c))}))

	found, err := a.FindNode(ctx, c.ID())
	require.NoError(t, err)
	assert.NotEmpty(t, found)
}

func TestNodeAnnounceAndGetPeers(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Bootstrap(ctx, []types.Endpoint{udpEndpoint(t, connOf(b))}))

	var ih types.InfoHash
	ih[0] = 0x42

	require.NoError(t, a.AnnouncePeer(ctx, ih, 9999))

	peers := b.storage.Get(ih)
	require.Len(t, peers, 1)
	assert.Equal(t, uint16(9999), peers[0].Port)
}
