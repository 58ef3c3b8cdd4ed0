package noise

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/flynn/noise"

	"github.com/DEgITx/librats/pkg/types"
)

// HandshakeResult carries everything the registry needs to bind identity
// once the Noise_XX exchange completes (spec.md §4.4/§4.5).
type HandshakeResult struct {
	Conn            *SecureConn
	RemoteStaticKey []byte
	HandshakeHash   []byte
}

// Handshake runs Noise_XX over conn, blocking until it completes or fails.
// isInitiator selects the client (dial) or server (accept) role.
func Handshake(conn net.Conn, local StaticKeypair, isInitiator bool) (*HandshakeResult, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   CipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     isInitiator,
		StaticKeypair: local.toNoise(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create handshake state: %v", ErrHandshakeFailed, err)
	}

	var sendCS, recvCS *noise.CipherState
	if isInitiator {
		sendCS, recvCS, err = clientHandshake(conn, hs)
	} else {
		sendCS, recvCS, err = serverHandshake(conn, hs)
	}
	if err != nil {
		return nil, err
	}

	remoteStatic := hs.PeerStatic()
	if len(remoteStatic) != 32 {
		return nil, fmt.Errorf("%w: remote static key length %d", ErrHandshakeFailed, len(remoteStatic))
	}

	return &HandshakeResult{
		Conn:            newSecureConn(conn, sendCS, recvCS),
		RemoteStaticKey: remoteStatic,
		HandshakeHash:   hs.ChannelBinding(),
	}, nil
}

// clientHandshake exchanges the three Noise_XX handshake messages as the
// initiator:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
func clientHandshake(conn net.Conn, hs *noise.HandshakeState) (send, recv *noise.CipherState, err error) {
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: write message 1: %v", ErrHandshakeFailed, err)
	}
	if err := writeFrame(conn, msg1); err != nil {
		return nil, nil, fmt.Errorf("%w: send message 1: %v", ErrHandshakeFailed, err)
	}

	msg2, err := readFrame(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: receive message 2: %v", ErrHandshakeFailed, err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg2); err != nil {
		return nil, nil, fmt.Errorf("%w: read message 2: %v", ErrHandshakeFailed, err)
	}

	msg3, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: write message 3: %v", ErrHandshakeFailed, err)
	}
	if err := writeFrame(conn, msg3); err != nil {
		return nil, nil, fmt.Errorf("%w: send message 3: %v", ErrHandshakeFailed, err)
	}
	return cs1, cs2, nil
}

// serverHandshake exchanges the three Noise_XX handshake messages as the
// responder.
func serverHandshake(conn net.Conn, hs *noise.HandshakeState) (send, recv *noise.CipherState, err error) {
	msg1, err := readFrame(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: receive message 1: %v", ErrHandshakeFailed, err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, fmt.Errorf("%w: read message 1: %v", ErrHandshakeFailed, err)
	}

	msg2, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: write message 2: %v", ErrHandshakeFailed, err)
	}
	if err := writeFrame(conn, msg2); err != nil {
		return nil, nil, fmt.Errorf("%w: send message 2: %v", ErrHandshakeFailed, err)
	}

	msg3, err := readFrame(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: receive message 3: %v", ErrHandshakeFailed, err)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read message 3: %v", ErrHandshakeFailed, err)
	}
	// for the responder, cs1 is the receive key and cs2 is the send key.
	return cs2, cs1, nil
}

func writeFrame(w io.Writer, data []byte) error {
	if len(data) > 0xFFFF {
		return ErrFrameTooLarge
	}
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(data)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(lenBuf)
	if length == 0 {
		return nil, nil
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// DerivePeerHash computes H(remote_static_key), the stable mesh identity
// spec.md §4.4/§4.5 binds a session to. It deliberately excludes the
// handshake hash: that value is ephemeral-key-dependent and differs on
// every connection, so folding it in would make two simultaneous
// connections between the same pair of nodes register under two
// different hashes and the registry's collision tie-break (spec.md
// §4.5) would never see them as the same peer. ChannelBinding's
// handshake hash is still available on HandshakeResult for callers that
// want a per-session transcript check; it is just not part of identity.
func DerivePeerHash(remoteStaticKey []byte) types.PeerHash {
	sum := sha1.Sum(remoteStaticKey)
	var out types.PeerHash
	copy(out[:], sum[:])
	return out
}
