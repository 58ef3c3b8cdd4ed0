package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/DEgITx/librats/internal/noise"
)

// frameReadBufSize must be large enough to capture one full logical
// frame in a single SecureConn.Read call (MaxPlaintext bytes).
// SecureConn itself buffers any leftover plaintext across calls, but the
// mesh engine relies on "one Read == one frame" to tell a JSON header
// apart from the raw bytes that follow it (spec.md §4.6/§4.8).
const frameReadBufSize = MaxPlaintext

func writeFrame(conn *noise.SecureConn, f *Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("mesh: encode frame: %w", err)
	}
	_, err = conn.Write(b)
	return err
}

func readFrame(conn *noise.SecureConn) (*Frame, []byte, error) {
	buf := make([]byte, frameReadBufSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, nil, err
	}
	raw := buf[:n]
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, nil, fmt.Errorf("mesh: decode frame: %w", err)
	}
	return &f, raw, nil
}

func writeRaw(conn *noise.SecureConn, b []byte) error {
	_, err := conn.Write(b)
	return err
}

func readRaw(conn *noise.SecureConn) ([]byte, error) {
	buf := make([]byte, frameReadBufSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}
