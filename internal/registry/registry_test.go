package registry

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEgITx/librats/internal/noise"
)

func hashOf(b byte) (out [20]byte) {
	out[len(out)-1] = b
	return out
}

// pipeConn returns a fresh handshaken SecureConn pair over an in-memory
// pipe. Registry only needs a real *noise.SecureConn to call Close/
// RemoteAddr on; running an actual handshake keeps this test honest
// without duplicating internal/noise's own coverage of the handshake
// itself.
func pipeConn(t *testing.T) (*noise.SecureConn, *noise.SecureConn) {
	t.Helper()
	a, b := net.Pipe()

	keyA, err := noise.GenerateStaticKeypair()
	require.NoError(t, err)
	keyB, err := noise.GenerateStaticKeypair()
	require.NoError(t, err)

	type result struct {
		res *noise.HandshakeResult
		err error
	}
	chA := make(chan result, 1)
	chB := make(chan result, 1)
	go func() {
		res, err := noise.Handshake(a, keyA, true)
		chA <- result{res, err}
	}()
	go func() {
		res, err := noise.Handshake(b, keyB, false)
		chB <- result{res, err}
	}()

	ra := <-chA
	rb := <-chB
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	return ra.res.Conn, rb.res.Conn
}

func TestRegisterAndGet(t *testing.T) {
	r := New(hashOf(5))
	connA, _ := pipeConn(t)
	defer connA.Close()

	sess, err := r.Register(hashOf(9), connA, Outbound)
	require.NoError(t, err)
	assert.True(t, sess.Alive())

	got, ok := r.Get(hashOf(9))
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, 1, r.Size())
}

func TestCollisionKeepsLowerHashInitiator(t *testing.T) {
	local := hashOf(5)
	remote := hashOf(9) // remote > local, so local_hash < remote_hash: keep the session WE initiated.
	r := New(local)

	connA, _ := pipeConn(t)
	connB, _ := pipeConn(t)
	defer connA.Close()
	defer connB.Close()

	inboundFirst, err := r.Register(remote, connA, Inbound)
	require.NoError(t, err)

	kept, err := r.Register(remote, connB, Outbound)
	require.NoError(t, err)

	assert.False(t, inboundFirst.Alive())
	assert.True(t, kept.Alive())
	assert.Equal(t, Outbound, kept.Direction)

	got, ok := r.Get(remote)
	require.True(t, ok)
	assert.Same(t, kept, got)
}

func TestCollisionKeepsHigherHashResponder(t *testing.T) {
	local := hashOf(9)
	remote := hashOf(5) // remote < local, so local_hash > remote_hash: keep the session THEY initiated (Inbound from our side).
	r := New(local)

	connA, _ := pipeConn(t)
	connB, _ := pipeConn(t)
	defer connA.Close()
	defer connB.Close()

	outboundFirst, err := r.Register(remote, connA, Outbound)
	require.NoError(t, err)

	kept, err := r.Register(remote, connB, Inbound)
	require.NoError(t, err)

	assert.False(t, outboundFirst.Alive())
	assert.Equal(t, Inbound, kept.Direction)
}

func TestRemoveDropsBothIndexes(t *testing.T) {
	r := New(hashOf(1))
	conn, _ := pipeConn(t)
	defer conn.Close()

	_, err := r.Register(hashOf(2), conn, Outbound)
	require.NoError(t, err)
	r.Remove(hashOf(2))

	_, ok := r.Get(hashOf(2))
	assert.False(t, ok)
	assert.Equal(t, 0, r.Size())
}

func TestEachIteratesLiveSessions(t *testing.T) {
	r := New(hashOf(1))
	connA, _ := pipeConn(t)
	connB, _ := pipeConn(t)
	defer connA.Close()
	defer connB.Close()

	_, err := r.Register(hashOf(2), connA, Outbound)
	require.NoError(t, err)
	_, err = r.Register(hashOf(3), connB, Outbound)
	require.NoError(t, err)

	count := 0
	r.Each(func(*Session) { count++ })
	assert.Equal(t, 2, count)
}
