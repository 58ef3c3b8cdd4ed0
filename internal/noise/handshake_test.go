package noise

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEgITx/librats/pkg/types"
)

func TestHandshakeAndSecureRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientKey, err := GenerateStaticKeypair()
	require.NoError(t, err)
	serverKey, err := GenerateStaticKeypair()
	require.NoError(t, err)

	type result struct {
		res *HandshakeResult
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		r, err := Handshake(clientConn, clientKey, true)
		clientCh <- result{r, err}
	}()
	go func() {
		r, err := Handshake(serverConn, serverKey, false)
		serverCh <- result{r, err}
	}()

	clientRes := <-clientCh
	serverRes := <-serverCh
	require.NoError(t, clientRes.err)
	require.NoError(t, serverRes.err)

	assert.Equal(t, serverKey.Public, clientRes.res.RemoteStaticKey)
	assert.Equal(t, clientKey.Public, serverRes.res.RemoteStaticKey)
	assert.Equal(t, clientRes.res.HandshakeHash, serverRes.res.HandshakeHash)

	msgCh := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := serverRes.res.Conn.Read(buf)
		require.NoError(t, err)
		msgCh <- buf[:n]
	}()

	_, err = clientRes.res.Conn.Write([]byte("hello over noise"))
	require.NoError(t, err)

	got := <-msgCh
	assert.Equal(t, "hello over noise", string(got))
}

func TestDerivePeerHashIsStableAndKeyDependent(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	a := DerivePeerHash(key)
	b := DerivePeerHash(key)
	assert.Equal(t, a, b)

	other := DerivePeerHash([]byte("different-key-bytes-0123456789ab"))
	assert.NotEqual(t, a, other)
}

func TestDerivePeerHashMatchesAcrossTwoIndependentHandshakes(t *testing.T) {
	// Two separate TCP connections between the same pair of static keys
	// must derive the same PeerHash on each side, even though each
	// connection's handshake hash differs (fresh ephemeral keys every
	// time) — this is what lets the registry detect a simultaneous
	// double-connect as a collision rather than two unrelated peers.
	clientKey, err := GenerateStaticKeypair()
	require.NoError(t, err)
	serverKey, err := GenerateStaticKeypair()
	require.NoError(t, err)

	run := func() (client, server types.PeerHash, hsHash []byte) {
		c, s := net.Pipe()
		defer c.Close()
		defer s.Close()
		type result struct {
			res *HandshakeResult
			err error
		}
		cc := make(chan result, 1)
		sc := make(chan result, 1)
		go func() { r, e := Handshake(c, clientKey, true); cc <- result{r, e} }()
		go func() { r, e := Handshake(s, serverKey, false); sc <- result{r, e} }()
		cr := <-cc
		sr := <-sc
		require.NoError(t, cr.err)
		require.NoError(t, sr.err)
		return DerivePeerHash(sr.res.RemoteStaticKey), DerivePeerHash(cr.res.RemoteStaticKey), cr.res.HandshakeHash
	}

	client1, server1, hash1 := run()
	client2, server2, hash2 := run()

	assert.Equal(t, client1, client2)
	assert.Equal(t, server1, server2)
	assert.NotEqual(t, hash1, hash2, "ephemeral keys should make each handshake transcript distinct")
}
