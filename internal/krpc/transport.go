package krpc

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/DEgITx/librats/internal/errkind"
	"github.com/DEgITx/librats/internal/log"
)

// RequestTimeout is the deadline for an outstanding transaction
// (spec.md §4.2).
const RequestTimeout = 5 * time.Second

// Handler answers incoming queries synchronously on the datagram
// goroutine (spec.md §4.2: "incoming queries are answered synchronously").
type Handler interface {
	OnQuery(from net.Addr, m *Message) *Message
}

type pendingRequest struct {
	remote   net.Addr
	query    Query
	deadline time.Time
	resolve  chan *Message
}

// Transport is the KRPC layer: a UDP socket plus the txid → pending
// request table described in spec.md §4.2.
type Transport struct {
	conn    net.PacketConn
	handler Handler
	logger  *log.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest

	// OnExpire is invoked (outside any lock) whenever a transaction times
	// out, so the DHT node can record a failure against the contact.
	OnExpire func(remote net.Addr)

	closeOnce sync.Once
	done      chan struct{}
}

// NewTransport binds conn and starts its receive loop. handler answers
// incoming queries; it must not block (spec.md §4.2).
func NewTransport(conn net.PacketConn, handler Handler) *Transport {
	t := &Transport{
		conn:    conn,
		handler: handler,
		logger:  log.Named("krpc"),
		pending: make(map[string]*pendingRequest),
		done:    make(chan struct{}),
	}
	go t.recvLoop()
	go t.expireLoop()
	return t
}

// UnderlyingConn exposes the bound socket, mainly so callers and tests can
// read back the address it ended up listening on.
func (t *Transport) UnderlyingConn() net.PacketConn { return t.conn }

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return t.conn.Close()
}

// Query sends a query and blocks until a response/error arrives or
// RequestTimeout elapses.
func (t *Transport) Query(ctx context.Context, remote net.Addr, q Query, args *Args) (*Message, error) {
	txid := newTxID()
	msg := &Message{T: txid, Y: TypeQuery, Q: q, A: args}
	enc, err := msg.Encode()
	if err != nil {
		return nil, errkind.New("krpc.Query", errkind.Protocol, err)
	}

	pr := &pendingRequest{
		remote:   remote,
		query:    q,
		deadline: time.Now().Add(RequestTimeout),
		resolve:  make(chan *Message, 1),
	}
	t.mu.Lock()
	t.pending[string(txid)] = pr
	t.mu.Unlock()

	if _, err := t.conn.WriteTo(enc, remote); err != nil {
		t.mu.Lock()
		delete(t.pending, string(txid))
		t.mu.Unlock()
		return nil, errkind.New("krpc.Query", errkind.Transport, err)
	}

	select {
	case resp := <-pr.resolve:
		if resp == nil {
			return nil, errkind.New("krpc.Query", errkind.Timeout, context.DeadlineExceeded)
		}
		if resp.Y == TypeError {
			return nil, errkind.New("krpc.Query", errkind.Protocol, resp.E)
		}
		return resp, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, string(txid))
		t.mu.Unlock()
		return nil, errkind.New("krpc.Query", errkind.Cancelled, ctx.Err())
	}
}

func (t *Transport) recvLoop() {
	buf := make([]byte, 8192)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				t.logger.Warn("recv error", "err", err)
				return
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go t.handleDatagram(addr, data)
	}
}

func (t *Transport) handleDatagram(addr net.Addr, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		t.logger.Debug("malformed krpc datagram", "from", addr, "err", err)
		return
	}

	switch msg.Y {
	case TypeResponse, TypeError:
		t.mu.Lock()
		pr, ok := t.pending[string(msg.T)]
		if ok {
			delete(t.pending, string(msg.T))
		}
		t.mu.Unlock()
		if ok {
			pr.resolve <- msg
		}
	case TypeQuery:
		if t.handler == nil {
			return
		}
		resp := t.handler.OnQuery(addr, msg)
		if resp == nil {
			return
		}
		resp.T = msg.T
		enc, err := resp.Encode()
		if err != nil {
			t.logger.Warn("encode response failed", "err", err)
			return
		}
		if _, err := t.conn.WriteTo(enc, addr); err != nil {
			t.logger.Debug("write response failed", "err", err)
		}
	}
}

func (t *Transport) expireLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			now := time.Now()
			var expired []*pendingRequest
			t.mu.Lock()
			for txid, pr := range t.pending {
				if now.After(pr.deadline) {
					expired = append(expired, pr)
					delete(t.pending, txid)
				}
			}
			t.mu.Unlock()
			for _, pr := range expired {
				pr.resolve <- nil
				if t.OnExpire != nil {
					t.OnExpire(pr.remote)
				}
			}
		}
	}
}

func newTxID() []byte {
	// 2-4 random bytes per spec.md §4.2.
	n := 2 + int(randByte()%3)
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func randByte() byte {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0]
}
