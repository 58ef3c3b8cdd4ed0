package dht

import (
	"context"
	"sync"

	"github.com/DEgITx/librats/internal/krpc"
	"github.com/DEgITx/librats/pkg/types"
)

// alpha is the lookup concurrency (spec.md §4.3).
const alpha = 3

type shortlistEntry struct {
	contact *Contact
	queried bool
}

// shortlist tracks up to 2*K of the closest candidates seen so far during
// an iterative lookup, kept sorted by distance to target.
type shortlist struct {
	mu     sync.Mutex
	target types.NodeID
	seen   map[types.NodeID]*shortlistEntry
	order  []*shortlistEntry
}

func newShortlist(target types.NodeID) *shortlist {
	return &shortlist{target: target, seen: make(map[types.NodeID]*shortlistEntry)}
}

func (s *shortlist) add(c *Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[c.ID]; ok {
		return
	}
	e := &shortlistEntry{contact: c}
	s.seen[c.ID] = e
	s.order = append(s.order, e)
	s.resort()
}

func (s *shortlist) resort() {
	for i := 1; i < len(s.order); i++ {
		for j := i; j > 0; j-- {
			a, b := s.order[j].contact.ID, s.order[j-1].contact.ID
			if types.CompareDistance(a, b, s.target) < 0 {
				s.order[j], s.order[j-1] = s.order[j-1], s.order[j]
			} else {
				break
			}
		}
	}
	if len(s.order) > K*2 {
		// keep a small margin beyond K so newly-discovered closer nodes
		// still have room before the oldest far entries are dropped.
		s.order = s.order[:K*2]
	}
}

// nextBatch returns up to alpha unqueried candidates, marking them queried.
func (s *shortlist) nextBatch(n int) []*Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Contact
	for _, e := range s.order {
		if len(out) >= n {
			break
		}
		if !e.queried {
			e.queried = true
			out = append(out, e.contact)
		}
	}
	return out
}

func (s *shortlist) closest(n int) []*Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Contact
	for _, e := range s.order {
		if len(out) >= n {
			break
		}
		out = append(out, e.contact)
	}
	return out
}

func (s *shortlist) allQueried() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.order {
		if !e.queried {
			return false
		}
	}
	return true
}

// FindNode runs an iterative find_node lookup for target and returns the K
// closest contacts discovered (spec.md §4.3's node lookup). Contacts whose
// query failed are not filtered out of the result.
func (n *Node) FindNode(ctx context.Context, target types.NodeID) ([]*Contact, error) {
	sl := newShortlist(target)
	for _, c := range n.routing.Closest(target, K) {
		sl.add(c)
	}
	if len(sl.order) == 0 {
		return nil, ErrNoContacts
	}

	n.runRounds(ctx, sl, func(c *Contact) {
		resp, err := n.transport.Query(ctx, addrFromEndpoint(c.Endpoint), krpc.FindNode, &krpc.Args{ID: n.id, Target: target})
		if err != nil {
			n.routing.MarkFailure(c.ID)
			return
		}
		n.routing.MarkGood(resp.R.ID, c.Endpoint)
		for _, cn := range resp.R.Nodes {
			sl.add(&Contact{ID: cn.ID, Endpoint: cn.EP})
			n.routing.Insert(&Contact{ID: cn.ID, Endpoint: cn.EP})
		}
	})

	return sl.closest(K), nil
}

// GetPeers runs an iterative get_peers lookup for ih, returning the union
// of peers reported by any queried node plus a per-contact token map
// suitable for a follow-up AnnouncePeer (spec.md §4.3).
func (n *Node) GetPeers(ctx context.Context, ih types.InfoHash) ([]types.Endpoint, map[types.NodeID]tokenedContact, error) {
	target := types.NodeID(ih)
	sl := newShortlist(target)
	for _, c := range n.routing.Closest(target, K) {
		sl.add(c)
	}
	if len(sl.order) == 0 {
		return nil, nil, ErrNoContacts
	}

	var mu sync.Mutex
	var peers []types.Endpoint
	tokens := make(map[types.NodeID]tokenedContact)
	peerSet := make(map[string]struct{})

	n.runRounds(ctx, sl, func(c *Contact) {
		resp, err := n.transport.Query(ctx, addrFromEndpoint(c.Endpoint), krpc.GetPeers, &krpc.Args{ID: n.id, InfoHash: ih})
		if err != nil {
			n.routing.MarkFailure(c.ID)
			return
		}
		n.routing.MarkGood(resp.R.ID, c.Endpoint)

		mu.Lock()
		if len(resp.R.Token) > 0 {
			tokens[c.ID] = tokenedContact{contact: c, token: resp.R.Token}
		}
		for _, p := range resp.R.Peers {
			key := p.String()
			if _, dup := peerSet[key]; !dup {
				peerSet[key] = struct{}{}
				peers = append(peers, p)
			}
		}
		mu.Unlock()

		for _, cn := range resp.R.Nodes {
			sl.add(&Contact{ID: cn.ID, Endpoint: cn.EP})
			n.routing.Insert(&Contact{ID: cn.ID, Endpoint: cn.EP})
		}
	})

	return peers, tokens, nil
}

type tokenedContact struct {
	contact *Contact
	token   []byte
}

// AnnouncePeer runs a get_peers lookup to collect tokens, then sends
// announce_peer to the K closest nodes that returned one (spec.md §4.3).
func (n *Node) AnnouncePeer(ctx context.Context, ih types.InfoHash, port uint16) error {
	_, tokens, err := n.GetPeers(ctx, ih)
	if err != nil {
		return err
	}

	target := types.NodeID(ih)
	var contacts []tokenedContact
	for _, tc := range tokens {
		contacts = append(contacts, tc)
	}
	sortTokenedByDistance(contacts, target)
	if len(contacts) > K {
		contacts = contacts[:K]
	}

	var wg sync.WaitGroup
	for _, tc := range contacts {
		wg.Add(1)
		go func(tc tokenedContact) {
			defer wg.Done()
			_, err := n.transport.Query(ctx, addrFromEndpoint(tc.contact.Endpoint), krpc.AnnouncePeer, &krpc.Args{
				ID:          n.id,
				InfoHash:    ih,
				Port:        port,
				ImpliedPort: false,
				Token:       tc.token,
			})
			if err != nil {
				n.routing.MarkFailure(tc.contact.ID)
			}
		}(tc)
	}
	wg.Wait()
	return nil
}

func sortTokenedByDistance(contacts []tokenedContact, target types.NodeID) {
	for i := 1; i < len(contacts); i++ {
		for j := i; j > 0; j-- {
			a, b := contacts[j].contact.ID, contacts[j-1].contact.ID
			if types.CompareDistance(a, b, target) < 0 {
				contacts[j], contacts[j-1] = contacts[j-1], contacts[j]
			} else {
				break
			}
		}
	}
}

// runRounds drives alpha-wide concurrent rounds against sl until every
// candidate has been queried or ctx is done.
func (n *Node) runRounds(ctx context.Context, sl *shortlist, query func(*Contact)) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch := sl.nextBatch(alpha)
		if len(batch) == 0 {
			if sl.allQueried() {
				return
			}
			return
		}
		var wg sync.WaitGroup
		for _, c := range batch {
			wg.Add(1)
			go func(c *Contact) {
				defer wg.Done()
				query(c)
			}(c)
		}
		wg.Wait()
	}
}
