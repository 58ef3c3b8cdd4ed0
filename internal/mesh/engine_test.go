package mesh

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEgITx/librats/internal/noise"
	"github.com/DEgITx/librats/pkg/types"
)

type recordingCallbacks struct {
	mu          sync.Mutex
	connected   []types.PeerHash
	disconnects []types.PeerHash
	strings     map[types.PeerHash][]string
	binaries    map[types.PeerHash][][]byte

	connectCh chan types.PeerHash
	stringCh  chan string
	binaryCh  chan []byte
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{
		strings:   make(map[types.PeerHash][]string),
		binaries:  make(map[types.PeerHash][][]byte),
		connectCh: make(chan types.PeerHash, 8),
		stringCh:  make(chan string, 8),
		binaryCh:  make(chan []byte, 8),
	}
}

func (c *recordingCallbacks) OnConnect(peerHash types.PeerHash) {
	c.mu.Lock()
	c.connected = append(c.connected, peerHash)
	c.mu.Unlock()
	c.connectCh <- peerHash
}

func (c *recordingCallbacks) OnMessage(peerHash types.PeerHash, payload []byte) {
	c.mu.Lock()
	c.binaries[peerHash] = append(c.binaries[peerHash], payload)
	c.mu.Unlock()
	c.binaryCh <- payload
}

func (c *recordingCallbacks) OnString(peerHash types.PeerHash, text string) {
	c.mu.Lock()
	c.strings[peerHash] = append(c.strings[peerHash], text)
	c.mu.Unlock()
	c.stringCh <- text
}

func (c *recordingCallbacks) OnDisconnect(peerHash types.PeerHash, reason string) {
	c.mu.Lock()
	c.disconnects = append(c.disconnects, peerHash)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T) (*Engine, *recordingCallbacks) {
	t.Helper()
	key, err := noise.GenerateStaticKeypair()
	require.NoError(t, err)

	cb := newRecordingCallbacks()
	e := New(key)
	e.SetCallbacks(cb)
	require.NoError(t, e.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = e.Stop() })
	return e, cb
}

func addrPort(t *testing.T, addr string) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)
	return uint16(port)
}

func TestConnectHandshakeAndHelloExchange(t *testing.T) {
	a, cbA := newTestEngine(t)
	b, cbB := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	port := addrPort(t, b.Addr().String())
	remoteHash, err := a.Connect(ctx, "127.0.0.1", port)
	require.NoError(t, err)
	assert.Equal(t, b.PeerHash(), remoteHash)

	select {
	case got := <-cbB.connectCh:
		assert.Equal(t, a.PeerHash(), got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound OnConnect")
	}
	select {
	case got := <-cbA.connectCh:
		assert.Equal(t, b.PeerHash(), got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outbound OnConnect")
	}
}

func TestSendStringDeliversToPeer(t *testing.T) {
	a, _ := newTestEngine(t)
	b, cbB := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	port := addrPort(t, b.Addr().String())
	remoteHash, err := a.Connect(ctx, "127.0.0.1", port)
	require.NoError(t, err)
	<-cbB.connectCh

	require.NoError(t, a.SendString(remoteHash, "hello mesh"))

	select {
	case got := <-cbB.stringCh:
		assert.Equal(t, "hello mesh", got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for user_string delivery")
	}
}

func TestSendBinaryRoundTripsExactBytes(t *testing.T) {
	a, _ := newTestEngine(t)
	b, cbB := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	port := addrPort(t, b.Addr().String())
	remoteHash, err := a.Connect(ctx, "127.0.0.1", port)
	require.NoError(t, err)
	<-cbB.connectCh

	payload := make([]byte, 40000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, a.Send(remoteHash, payload))

	select {
	case got := <-cbB.binaryCh:
		assert.Equal(t, payload, got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for user_binary delivery")
	}
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	hub, _ := newTestEngine(t)
	leafA, cbA := newTestEngine(t)
	leafB, cbB := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := leafA.Connect(ctx, "127.0.0.1", addrPort(t, hub.Addr().String()))
	require.NoError(t, err)
	_, err = leafB.Connect(ctx, "127.0.0.1", addrPort(t, hub.Addr().String()))
	require.NoError(t, err)
	<-cbA.connectCh
	<-cbB.connectCh

	failures := hub.Broadcast([]byte("to everyone"))
	assert.Nil(t, failures)

	select {
	case got := <-cbA.binaryCh:
		assert.Equal(t, []byte("to everyone"), got)
	case <-time.After(3 * time.Second):
		t.Fatal("leafA did not receive broadcast")
	}
	select {
	case got := <-cbB.binaryCh:
		assert.Equal(t, []byte("to everyone"), got)
	case <-time.After(3 * time.Second):
		t.Fatal("leafB did not receive broadcast")
	}
}

func TestDisconnectFiresOnDisconnectOnBothSides(t *testing.T) {
	a, cbA := newTestEngine(t)
	b, cbB := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remoteHash, err := a.Connect(ctx, "127.0.0.1", addrPort(t, b.Addr().String()))
	require.NoError(t, err)
	<-cbB.connectCh
	<-cbA.connectCh

	sess, ok := a.Registry().Get(remoteHash)
	require.True(t, ok)
	require.NoError(t, sess.Conn.Close())

	deadline := time.After(3 * time.Second)
	for a.Registry().Size() != 0 || b.Registry().Size() != 0 {
		select {
		case <-deadline:
			t.Fatal("sessions were never cleaned up after close")
		case <-time.After(20 * time.Millisecond):
		}
	}
	assert.NotEmpty(t, cbA.disconnects)
	assert.NotEmpty(t, cbB.disconnects)
}
