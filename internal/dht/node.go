package dht

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/DEgITx/librats/internal/krpc"
	"github.com/DEgITx/librats/internal/log"
	"github.com/DEgITx/librats/pkg/types"
)

// refreshInterval is how long a bucket may go untouched before the
// maintenance loop seeds a lookup into its range (spec.md §4.3).
const refreshInterval = 15 * time.Minute

// Node is a librats DHT participant: a KRPC transport plus the routing
// table, token store and peer storage that answer queries and drive
// iterative lookups (spec.md §4.3), grounded on
// dep2p-go-dep2p/internal/discovery/dht's node/query split.
type Node struct {
	id        types.NodeID
	transport *krpc.Transport
	routing   *RoutingTable
	storage   *peerStorage
	tokens    *tokenStore
	logger    *log.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// New binds conn and returns a Node identified by id. conn is owned by the
// Node from this point on.
func New(id types.NodeID, conn net.PacketConn) *Node {
	n := &Node{
		id:      id,
		routing: NewRoutingTable(id),
		storage: newPeerStorage(),
		tokens:  newTokenStore(),
		logger:  log.Named("dht"),
		stop:    make(chan struct{}),
	}
	n.transport = krpc.NewTransport(conn, n)
	n.routing.Ping = n.pingAlive
	n.transport.OnExpire = func(remote net.Addr) {
		if id, ok := n.idForAddr(remote); ok {
			n.routing.MarkFailure(id)
		}
	}
	go n.maintenanceLoop()
	return n
}

func (n *Node) Close() error {
	n.stopOnce.Do(func() { close(n.stop) })
	return n.transport.Close()
}

func (n *Node) ID() types.NodeID { return n.id }

// idForAddr lets MarkFailure find a contact by the net.Addr a timed-out
// query was sent to, since expireLoop only knows the remote address.
func (n *Node) idForAddr(remote net.Addr) (types.NodeID, bool) {
	ep, err := endpointFromAddr(remote)
	if err != nil {
		return types.NodeID{}, false
	}
	for _, c := range n.routing.Closest(n.id, n.routing.Size()) {
		if c.Endpoint.String() == ep.String() {
			return c.ID, true
		}
	}
	return types.NodeID{}, false
}

func endpointFromAddr(addr net.Addr) (types.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return types.Endpoint{}, err
	}
	port, err := parsePort(portStr)
	if err != nil {
		return types.Endpoint{}, err
	}
	return types.Endpoint{IP: net.ParseIP(host), Port: port}, nil
}

func parsePort(s string) (uint16, error) {
	var p int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, ErrBadAddress
		}
		p = p*10 + int(c-'0')
	}
	return uint16(p), nil
}

// pingAlive is RoutingTable.Ping: it synchronously pings c and reports
// whether it answered, used to decide whether to evict it for a newcomer.
func (n *Node) pingAlive(c *Contact) bool {
	ctx, cancel := context.WithTimeout(context.Background(), krpc.RequestTimeout)
	defer cancel()
	_, err := n.transport.Query(ctx, addrFromEndpoint(c.Endpoint), krpc.Ping, &krpc.Args{ID: n.id})
	return err == nil
}

func addrFromEndpoint(ep types.Endpoint) net.Addr {
	return &net.UDPAddr{IP: ep.IP, Port: int(ep.Port)}
}

// OnQuery implements krpc.Handler: it answers ping/find_node/get_peers/
// announce_peer and opportunistically inserts the querier into the
// routing table (spec.md §4.3's "every message is a chance to learn a
// contact").
func (n *Node) OnQuery(from net.Addr, m *krpc.Message) *krpc.Message {
	if m.A == nil {
		return errorMessage(krpc.ErrCodeProtocol, "missing args")
	}
	if ep, err := endpointFromAddr(from); err == nil {
		n.routing.Insert(&Contact{ID: m.A.ID, Endpoint: ep, LastSeen: time.Now()})
	}

	switch m.Q {
	case krpc.Ping:
		return &krpc.Message{Y: krpc.TypeResponse, R: &krpc.Values{ID: n.id}}

	case krpc.FindNode:
		nodes := contactsToCompact(n.routing.Closest(m.A.Target, K))
		return &krpc.Message{Y: krpc.TypeResponse, R: &krpc.Values{ID: n.id, Nodes: nodes}}

	case krpc.GetPeers:
		peers := n.storage.Get(m.A.InfoHash)
		ep, _ := endpointFromAddr(from)
		token := n.tokens.mint(ep.IP, m.A.InfoHash)
		if len(peers) > 0 {
			return &krpc.Message{Y: krpc.TypeResponse, R: &krpc.Values{ID: n.id, Token: token, Peers: peers}}
		}
		nodes := contactsToCompact(n.routing.Closest(types.NodeID(m.A.InfoHash), K))
		return &krpc.Message{Y: krpc.TypeResponse, R: &krpc.Values{ID: n.id, Token: token, Nodes: nodes}}

	case krpc.AnnouncePeer:
		ep, _ := endpointFromAddr(from)
		if !n.tokens.verify(ep.IP, m.A.InfoHash, m.A.Token) {
			return errorMessage(krpc.ErrCodeProtocol, "bad token")
		}
		port := m.A.Port
		if m.A.ImpliedPort {
			port = ep.Port
		}
		n.storage.Announce(m.A.InfoHash, types.Endpoint{IP: ep.IP, Port: port})
		return &krpc.Message{Y: krpc.TypeResponse, R: &krpc.Values{ID: n.id}}
	}

	return errorMessage(krpc.ErrCodeMethodUnknown, "unknown method")
}

func errorMessage(code int64, msg string) *krpc.Message {
	return &krpc.Message{Y: krpc.TypeError, E: &krpc.KError{Code: code, Message: msg}}
}

func contactsToCompact(contacts []*Contact) []krpc.CompactNode {
	out := make([]krpc.CompactNode, len(contacts))
	for i, c := range contacts {
		out[i] = krpc.CompactNode{ID: c.ID, EP: c.Endpoint}
	}
	return out
}

// Bootstrap pings every seed, learns its id, inserts it into the routing
// table and then performs a self-lookup to populate nearby buckets
// (spec.md §4.3).
func (n *Node) Bootstrap(ctx context.Context, seeds []types.Endpoint) error {
	var wg sync.WaitGroup
	for _, seed := range seeds {
		wg.Add(1)
		go func(ep types.Endpoint) {
			defer wg.Done()
			resp, err := n.transport.Query(ctx, addrFromEndpoint(ep), krpc.Ping, &krpc.Args{ID: n.id})
			if err != nil || resp.R == nil {
				return
			}
			n.routing.Insert(&Contact{ID: resp.R.ID, Endpoint: ep, LastSeen: time.Now()})
		}(seed)
	}
	wg.Wait()

	_, err := n.FindNode(ctx, n.id)
	return err
}

// maintenanceLoop refreshes idle buckets every refreshInterval by seeding
// a lookup into their range (spec.md §4.3).
func (n *Node) maintenanceLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			for _, idx := range n.routing.BucketsNeedingRefresh(refreshInterval) {
				target := n.routing.RandomIDInBucket(idx)
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, _ = n.FindNode(ctx, target)
				cancel()
				n.routing.MarkRefreshed(idx)
			}
		}
	}
}
