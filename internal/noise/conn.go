package noise

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"
)

// SecureConn wraps a net.Conn with the two CipherStates a completed
// Noise_XX handshake produced. Each Write is one AEAD-sealed frame
// prefixed with its 2-byte length; each Read drains one frame at a time,
// buffering any leftover plaintext for the next call (spec.md §4.4),
// grounded on dep2p-go-dep2p/internal/core/security/noise/conn.go.
type SecureConn struct {
	net.Conn

	sendCS *noise.CipherState
	recvCS *noise.CipherState

	readMu  sync.Mutex
	writeMu sync.Mutex
	readBuf []byte
}

func newSecureConn(conn net.Conn, sendCS, recvCS *noise.CipherState) *SecureConn {
	return &SecureConn{Conn: conn, sendCS: sendCS, recvCS: recvCS}
}

func (c *SecureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}

	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(c.Conn, lenBuf); err != nil {
		return 0, err
	}
	msgLen := binary.BigEndian.Uint16(lenBuf)
	if msgLen == 0 {
		return 0, io.EOF
	}

	encMsg := make([]byte, msgLen)
	if _, err := io.ReadFull(c.Conn, encMsg); err != nil {
		return 0, err
	}

	// CipherState.Decrypt advances its internal nonce on every call, so a
	// replayed or reordered frame fails the AEAD tag check rather than
	// silently decrypting under a stale nonce.
	plaintext, err := c.recvCS.Decrypt(nil, nil, encMsg)
	if err != nil {
		return 0, fmt.Errorf("noise: decrypt: %w", err)
	}

	n := copy(p, plaintext)
	if n < len(plaintext) {
		c.readBuf = append([]byte(nil), plaintext[n:]...)
	}
	return n, nil
}

func (c *SecureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if len(p) > 0xFFFF-16 {
		// leave room for the AEAD tag within the u16 frame length.
		return 0, ErrFrameTooLarge
	}

	ciphertext, err := c.sendCS.Encrypt(nil, nil, p)
	if err != nil {
		return 0, fmt.Errorf("noise: encrypt: %w", err)
	}

	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(ciphertext)))
	if _, err := c.Conn.Write(lenBuf); err != nil {
		return 0, err
	}
	if _, err := c.Conn.Write(ciphertext); err != nil {
		return 0, err
	}
	return len(p), nil
}
