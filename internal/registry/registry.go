// Package registry maintains librats's peer session table: the
// PeerHash-keyed and socket-keyed indexes described in spec.md §4.5, and
// the deterministic collision rule for a simultaneous double handshake.
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/DEgITx/librats/internal/noise"
	"github.com/DEgITx/librats/pkg/types"
)

// Direction records which side initiated a session's TCP connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// Session is a live, handshake-complete peer connection (spec.md §3's
// PeerSession).
type Session struct {
	PeerHash  types.PeerHash
	Conn      *noise.SecureConn
	Direction Direction

	SendLock sync.Mutex

	mu       sync.Mutex
	alive    bool
	lastSeen time.Time
}

func newSession(hash types.PeerHash, conn *noise.SecureConn, dir Direction) *Session {
	return &Session{
		PeerHash:  hash,
		Conn:      conn,
		Direction: dir,
		alive:     true,
		lastSeen:  time.Now(),
	}
}

func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *Session) markDead() {
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSeen)
}

// pendingSession is a connection that is mid-handshake — a socket that
// has neither a PeerHash nor a Session yet (spec.md §4.5's
// `pending: Socket → half-open session`).
type pendingSession struct {
	conn      net.Conn
	direction Direction
	startedAt time.Time
}

// Registry is the process-wide peer session table.
type Registry struct {
	localHash types.PeerHash

	mu       sync.RWMutex
	byHash   map[types.PeerHash]*Session
	bySocket map[string]types.PeerHash
	pending  map[string]*pendingSession
}

func New(localHash types.PeerHash) *Registry {
	return &Registry{
		localHash: localHash,
		byHash:    make(map[types.PeerHash]*Session),
		bySocket:  make(map[string]types.PeerHash),
		pending:   make(map[string]*pendingSession),
	}
}

// MarkPending records conn as mid-handshake, before its PeerHash is known.
func (r *Registry) MarkPending(conn net.Conn, dir Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[socketKey(conn)] = &pendingSession{conn: conn, direction: dir, startedAt: time.Now()}
}

// ClearPending drops conn's half-open entry, whether the handshake
// succeeded (it will shortly be replaced by Register) or failed.
func (r *Registry) ClearPending(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, socketKey(conn))
}

func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// socketKey identifies a connection by its remote address — the `Socket`
// key spec.md §4.5 maps sessions from.
func socketKey(conn net.Conn) string {
	return conn.RemoteAddr().String()
}

// Register installs a newly handshaken session, resolving a collision
// against any existing session for the same PeerHash per spec.md §4.5:
// the session where the lower PeerHash is the initiator is kept; the
// other is closed. Register returns the session that survived — either
// the new one, or the pre-existing one if the new one lost.
func (r *Registry) Register(hash types.PeerHash, conn *noise.SecureConn, dir Direction) (*Session, error) {
	sess := newSession(hash, conn, dir)

	r.mu.Lock()
	existing, collided := r.byHash[hash]
	if !collided {
		r.byHash[hash] = sess
		r.bySocket[socketKey(conn)] = hash
		r.mu.Unlock()
		return sess, nil
	}

	keep := r.resolveCollision(hash, existing, sess)
	if keep == sess {
		r.byHash[hash] = sess
		r.bySocket[socketKey(conn)] = hash
	}
	r.mu.Unlock()

	if keep != sess {
		_ = sess.Conn.Close()
	} else if existing != sess {
		_ = existing.Conn.Close()
		existing.markDead()
	}
	return keep, nil
}

// resolveCollision decides, between an existing and an incoming session
// for the same PeerHash, which one the lower-PeerHash side initiated.
func (r *Registry) resolveCollision(remoteHash types.PeerHash, existing, incoming *Session) *Session {
	lowerIsLocal := r.localHash.Less(remoteHash)
	wantDirection := Inbound
	if lowerIsLocal {
		wantDirection = Outbound
	}
	if incoming.Direction == wantDirection {
		return incoming
	}
	if existing.Direction == wantDirection {
		return existing
	}
	// neither matches (shouldn't happen with exactly two sides): keep
	// whichever already holds the slot.
	return existing
}

func (r *Registry) Get(hash types.PeerHash) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byHash[hash]
	return s, ok
}

// HasSocket reports whether a live session's remote address matches key
// (the same "host:port" string net.Conn.RemoteAddr().String() produces),
// letting callers like the auto-discovery loop (spec.md §4.7) skip
// endpoints it is already connected to without needing a live net.Conn.
func (r *Registry) HasSocket(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bySocket[key]
	return ok
}

func (r *Registry) GetBySocket(conn net.Conn) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hash, ok := r.bySocket[socketKey(conn)]
	if !ok {
		return nil, false
	}
	s, ok := r.byHash[hash]
	return s, ok
}

// Remove drops a session from both indexes and marks it dead.
func (r *Registry) Remove(hash types.PeerHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byHash[hash]
	if !ok {
		return
	}
	delete(r.byHash, hash)
	delete(r.bySocket, socketKey(sess.Conn))
	sess.markDead()
}

// Each calls fn for every live session under a shared read lock, the
// locking discipline spec.md §4.6 requires for broadcast ("iterate
// by_hash under a shared lock taken in read mode").
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byHash {
		fn(s)
	}
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHash)
}
