package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/DEgITx/librats/internal/registry"
	"github.com/DEgITx/librats/pkg/types"
)

// runSession owns a handshake-complete session end to end: it announces
// the connect, runs the keepalive ticker, drains frames until the
// connection fails, then cleans up the registry entry and announces the
// disconnect (spec.md §4.6).
func (e *Engine) runSession(sess *registry.Session) {
	if e.callbacks != nil {
		e.callbacks.OnConnect(sess.PeerHash)
	}

	done := make(chan struct{})
	go e.keepaliveLoop(sess, done)

	reason := e.receiveLoop(sess)

	close(done)
	e.registry.Remove(sess.PeerHash)
	_ = sess.Conn.Close()
	if e.callbacks != nil {
		e.callbacks.OnDisconnect(sess.PeerHash, reason)
	}
}

func (e *Engine) receiveLoop(sess *registry.Session) string {
	for {
		frame, raw, err := readFrame(sess.Conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "closed by peer"
			}
			return err.Error()
		}
		sess.Touch()

		if err := e.dispatch(sess, frame, raw); err != nil {
			e.logger.Warn("dispatch error", "peer", sess.PeerHash, "type", frame.Type, "err", err)
		}
	}
}

func (e *Engine) dispatch(sess *registry.Session, frame *Frame, raw []byte) error {
	switch {
	case frame.Type == FramePing:
		return e.sendFrame(sess, &Frame{Type: FramePong, ID: frame.ID})
	case frame.Type == FramePong:
		return nil
	case frame.Type == FrameUserString:
		var p UserStringPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return fmt.Errorf("mesh: decode user_string: %w", err)
		}
		if e.callbacks != nil {
			e.callbacks.OnString(sess.PeerHash, p.Text)
		}
		return nil
	case frame.Type == FrameUserBinary:
		data, err := e.readBinaryBody(sess, frame)
		if err != nil {
			return err
		}
		if e.callbacks != nil {
			e.callbacks.OnMessage(sess.PeerHash, data)
		}
		return nil
	case frame.Type.IsFileFrame():
		return e.dispatchFileFrame(sess, frame)
	default:
		return fmt.Errorf("%w: %q", ErrUnexpectedFrame, frame.Type)
	}
}

// readBinaryBody consumes the raw frame that immediately follows a
// user_binary/file_chunk header, per the two-frame binary design
// documented on BinaryHeaderPayload.
func (e *Engine) readBinaryBody(sess *registry.Session, header *Frame) ([]byte, error) {
	var hp BinaryHeaderPayload
	if err := json.Unmarshal(header.Payload, &hp); err != nil {
		return nil, fmt.Errorf("mesh: decode binary header: %w", err)
	}
	data, err := readRaw(sess.Conn)
	if err != nil {
		return nil, fmt.Errorf("mesh: read binary body: %w", err)
	}
	if len(data) != hp.Length {
		return nil, fmt.Errorf("mesh: binary body length mismatch: header said %d, got %d", hp.Length, len(data))
	}
	return data, nil
}

func (e *Engine) dispatchFileFrame(sess *registry.Session, frame *Frame) error {
	if e.files == nil {
		return fmt.Errorf("mesh: no file dispatcher registered for %q", frame.Type)
	}
	if frame.Type != FrameFileChunk {
		return e.files.HandleFileFrame(sess.PeerHash, frame, nil)
	}
	raw, err := e.readBinaryBody(sess, frame)
	if err != nil {
		return err
	}
	return e.files.HandleFileFrame(sess.PeerHash, frame, raw)
}

func (e *Engine) keepaliveLoop(sess *registry.Session, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			idle := sess.IdleSince()
			if idle >= keepaliveDead {
				e.logger.Debug("keepalive timeout", "peer", sess.PeerHash, "idle", idle)
				_ = sess.Conn.Close()
				return
			}
			if idle >= keepaliveIdle {
				if err := e.sendFrame(sess, &Frame{Type: FramePing, ID: uuid.NewString()}); err != nil {
					return
				}
			}
		}
	}
}

func (e *Engine) sendFrame(sess *registry.Session, f *Frame) error {
	sess.SendLock.Lock()
	defer sess.SendLock.Unlock()
	return writeFrame(sess.Conn, f)
}

func (e *Engine) sendBinary(sess *registry.Session, t FrameType, data []byte) error {
	if len(data) > MaxPlaintext-256 {
		return ErrPayloadTooLarge
	}
	sess.SendLock.Lock()
	defer sess.SendLock.Unlock()
	header := &Frame{Type: t, ID: uuid.NewString(), Payload: marshalPayload(BinaryHeaderPayload{Length: len(data)})}
	if err := writeFrame(sess.Conn, header); err != nil {
		return err
	}
	return writeRaw(sess.Conn, data)
}

// Send delivers an application binary message to a connected peer
// (spec.md §5's send_binary operation).
func (e *Engine) Send(hash types.PeerHash, data []byte) error {
	sess, ok := e.registry.Get(hash)
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSession, hash)
	}
	return e.sendBinary(sess, FrameUserBinary, data)
}

// SendString delivers a UTF-8 text message (spec.md §5's send_string).
func (e *Engine) SendString(hash types.PeerHash, text string) error {
	sess, ok := e.registry.Get(hash)
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSession, hash)
	}
	f := &Frame{Type: FrameUserString, ID: uuid.NewString(), Payload: marshalPayload(UserStringPayload{Text: text})}
	return e.sendFrame(sess, f)
}

// Broadcast sends data to every connected peer, iterating the registry
// under its shared read lock (spec.md §4.6). It returns one error per
// peer that failed to receive the message.
func (e *Engine) Broadcast(data []byte) map[types.PeerHash]error {
	failures := make(map[types.PeerHash]error)
	e.registry.Each(func(s *registry.Session) {
		if err := e.sendBinary(s, FrameUserBinary, data); err != nil {
			failures[s.PeerHash] = err
		}
	})
	if len(failures) == 0 {
		return nil
	}
	return failures
}

// SendFileFrame delivers a JSON-only file-transfer control frame
// (file_offer/accept/reject/ack/done/ok/bad/dir_manifest) to peer,
// letting internal/transfer drive its state machine over the mesh
// engine without the engine depending on that package.
func (e *Engine) SendFileFrame(hash types.PeerHash, f *Frame) error {
	sess, ok := e.registry.Get(hash)
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSession, hash)
	}
	return e.sendFrame(sess, f)
}

// SendFileChunk delivers a file_chunk header plus its raw payload as the
// two-frame pair described on BinaryHeaderPayload.
func (e *Engine) SendFileChunk(hash types.PeerHash, header *Frame, data []byte) error {
	sess, ok := e.registry.Get(hash)
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSession, hash)
	}
	if len(data) > MaxPlaintext-256 {
		return ErrPayloadTooLarge
	}
	sess.SendLock.Lock()
	defer sess.SendLock.Unlock()
	if err := writeFrame(sess.Conn, header); err != nil {
		return err
	}
	return writeRaw(sess.Conn, data)
}
