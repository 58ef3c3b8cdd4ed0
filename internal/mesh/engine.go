// Package mesh is librats's TCP+Noise peer-to-peer engine (spec.md §4.6):
// an accept loop and outbound dialer that drive the Noise_XX handshake,
// a JSON application-frame dispatcher, and the keepalive/liveness timers
// that detect dead sessions. Grounded on
// dep2p-go-dep2p/internal/core/transport/tcp's dialer/listener shape.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/DEgITx/librats/internal/log"
	"github.com/DEgITx/librats/internal/noise"
	"github.com/DEgITx/librats/internal/registry"
	"github.com/DEgITx/librats/pkg/types"
)

// MaxPlaintext is the hard ceiling on a single Noise transport message
// (spec.md §4.4).
const MaxPlaintext = 65519

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 15 * time.Second
	keepaliveIdle    = 30 * time.Second
	keepaliveDead    = 60 * time.Second
	protocolVersion  = "1"
)

// Callbacks are the user-registered hooks spec.md §4.6 dispatches
// non-file frames to. Implementations must not block — the mesh engine
// invokes them synchronously on the owning session's receiver task.
type Callbacks interface {
	OnConnect(peerHash types.PeerHash)
	OnMessage(peerHash types.PeerHash, payload []byte)
	OnString(peerHash types.PeerHash, text string)
	OnDisconnect(peerHash types.PeerHash, reason string)
}

// FileDispatcher receives file-transfer frames (spec.md §4.8), handed off
// from the mesh engine so internal/transfer can own that state machine
// without the mesh engine depending on it.
type FileDispatcher interface {
	HandleFileFrame(peerHash types.PeerHash, frame *Frame, raw []byte) error
}

// Engine is one node's TCP+Noise mesh participant.
type Engine struct {
	id        types.NodeID
	peerHash  types.PeerHash
	staticKey noise.StaticKeypair

	registry *registry.Registry
	logger   *log.Logger

	callbacks Callbacks
	files     FileDispatcher

	listener net.Listener
	done     chan struct{}
}

// New constructs an Engine. Its PeerHash is derived from staticKey alone
// (noise.DerivePeerHash), so it stays stable across reconnects and across
// two simultaneous connections to the same peer — the property the
// registry's collision tie-break (spec.md §4.5) depends on.
func New(staticKey noise.StaticKeypair) *Engine {
	peerHash := noise.DerivePeerHash(staticKey.Public)
	return &Engine{
		peerHash:  peerHash,
		staticKey: staticKey,
		registry:  registry.New(peerHash),
		logger:    log.Named("mesh"),
		done:      make(chan struct{}),
	}
}

func (e *Engine) SetCallbacks(cb Callbacks)           { e.callbacks = cb }
func (e *Engine) SetFileDispatcher(fd FileDispatcher) { e.files = fd }
func (e *Engine) Registry() *registry.Registry        { return e.registry }
func (e *Engine) PeerHash() types.PeerHash            { return e.peerHash }

// Start binds listenAddr and begins accepting inbound connections.
func (e *Engine) Start(listenAddr string) error {
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("mesh: listen %s: %w", listenAddr, err)
	}
	e.listener = l
	go e.acceptLoop()
	return nil
}

// IsConnected reports whether a live session's remote socket matches
// host:port, used by the auto-discovery loop (spec.md §4.7) to skip
// endpoints already reachable through an existing session.
func (e *Engine) IsConnected(host string, port uint16) bool {
	return e.registry.HasSocket(net.JoinHostPort(host, fmt.Sprint(port)))
}

func (e *Engine) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

func (e *Engine) Stop() error {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	var err error
	if e.listener != nil {
		err = e.listener.Close()
	}
	e.registry.Each(func(s *registry.Session) {
		_ = s.Conn.Close()
	})
	return err
}

func (e *Engine) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.done:
				return
			default:
				e.logger.Warn("accept error", "err", err)
				return
			}
		}
		go e.handleInbound(conn)
	}
}

func (e *Engine) handleInbound(conn net.Conn) {
	e.registry.MarkPending(conn, registry.Inbound)
	defer e.registry.ClearPending(conn)

	sess, err := e.handshakeAndRegister(conn, registry.Inbound)
	if err != nil {
		e.logger.Debug("inbound handshake failed", "remote", conn.RemoteAddr(), "err", err)
		_ = conn.Close()
		return
	}
	e.runSession(sess)
}

// Connect dials host:port, resolving dual-stack with IPv6 preferred when
// both families are available, and drives the handshake as initiator
// (spec.md §4.6).
func (e *Engine) Connect(ctx context.Context, host string, port uint16) (types.PeerHash, error) {
	addr, err := resolvePreferIPv6(ctx, host, port)
	if err != nil {
		return types.PeerHash{}, fmt.Errorf("mesh: resolve %s: %w", host, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return types.PeerHash{}, fmt.Errorf("mesh: dial %s: %w", addr, err)
	}

	e.registry.MarkPending(conn, registry.Outbound)
	defer e.registry.ClearPending(conn)

	sess, err := e.handshakeAndRegister(conn, registry.Outbound)
	if err != nil {
		_ = conn.Close()
		return types.PeerHash{}, err
	}
	go e.runSession(sess)
	return sess.PeerHash, nil
}

func resolvePreferIPv6(ctx context.Context, host string, port uint16) (string, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	chosen := ips[0]
	for _, ip := range ips {
		if ip.To4() == nil {
			chosen = ip
			break
		}
	}
	return net.JoinHostPort(chosen.String(), fmt.Sprint(port)), nil
}

// handshakeAndRegister runs the Noise_XX exchange, exchanges the
// mandatory `hello` frame, verifies the declared PeerHash against the
// handshake-derived one, and registers the session (spec.md §4.5).
func (e *Engine) handshakeAndRegister(conn net.Conn, dir registry.Direction) (*registry.Session, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	res, err := noise.Handshake(conn, e.staticKey, dir == registry.Outbound)
	if err != nil {
		return nil, fmt.Errorf("mesh: handshake: %w", err)
	}
	derivedHash := noise.DerivePeerHash(res.RemoteStaticKey)

	if err := writeHello(res.Conn, e.peerHash); err != nil {
		return nil, fmt.Errorf("mesh: send hello: %w", err)
	}
	declaredHash, err := readHello(res.Conn)
	if err != nil {
		return nil, fmt.Errorf("mesh: read hello: %w", err)
	}
	if declaredHash != derivedHash {
		return nil, fmt.Errorf("mesh: declared peer hash %s does not match handshake-derived hash %s", declaredHash, derivedHash)
	}

	sess, err := e.registry.Register(derivedHash, res.Conn, dir)
	if err != nil {
		return nil, err
	}
	if sess.Conn != res.Conn {
		// we lost the simultaneous-handshake collision; the winning
		// session is already running on its own receiver task.
		return nil, fmt.Errorf("mesh: superseded by existing session for %s", derivedHash)
	}
	return sess, nil
}

func writeHello(conn *noise.SecureConn, self types.PeerHash) error {
	f := &Frame{Type: FrameHello, ID: uuid.NewString(), Payload: marshalPayload(HelloPayload{PeerHash: self.String(), Version: protocolVersion})}
	return writeFrame(conn, f)
}

func readHello(conn *noise.SecureConn) (types.PeerHash, error) {
	frame, _, err := readFrame(conn)
	if err != nil {
		return types.PeerHash{}, err
	}
	if frame.Type != FrameHello {
		return types.PeerHash{}, fmt.Errorf("mesh: expected hello frame, got %q", frame.Type)
	}
	var hp HelloPayload
	if err := json.Unmarshal(frame.Payload, &hp); err != nil {
		return types.PeerHash{}, fmt.Errorf("mesh: parse hello payload: %w", err)
	}
	return types.PeerHashFromHex(hp.PeerHash)
}
