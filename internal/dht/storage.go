package dht

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/DEgITx/librats/pkg/types"
)

const (
	maxInfohashes   = 1000
	maxPeersPerHash = 8
	peerTTL         = 30 * time.Minute
)

type storedPeer struct {
	ep      types.Endpoint
	storedAt time.Time
}

// peerStorage is the get_peers/announce_peer table: a bounded LRU keyed by
// infohash, each entry a small, expiry-filtered peer list (spec.md §4.3).
type peerStorage struct {
	mu    sync.Mutex
	cache *lru.Cache[types.InfoHash, []storedPeer]
}

func newPeerStorage() *peerStorage {
	c, err := lru.New[types.InfoHash, []storedPeer](maxInfohashes)
	if err != nil {
		// only returns an error for a non-positive size, which maxInfohashes
		// never is.
		panic(err)
	}
	return &peerStorage{cache: c}
}

// Announce records ep as serving ih, evicting expired entries and
// capping the list at maxPeersPerHash (dropping the oldest).
func (s *peerStorage) Announce(ih types.InfoHash, ep types.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, _ := s.cache.Get(ih)
	peers = expirePeers(peers)

	for i, p := range peers {
		if p.ep.String() == ep.String() {
			peers[i].storedAt = time.Now()
			s.cache.Add(ih, peers)
			return
		}
	}

	peers = append(peers, storedPeer{ep: ep, storedAt: time.Now()})
	if len(peers) > maxPeersPerHash {
		peers = peers[len(peers)-maxPeersPerHash:]
	}
	s.cache.Add(ih, peers)
}

// Get returns the live peers stored for ih.
func (s *peerStorage) Get(ih types.InfoHash) []types.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, ok := s.cache.Get(ih)
	if !ok {
		return nil
	}
	peers = expirePeers(peers)
	s.cache.Add(ih, peers)

	out := make([]types.Endpoint, len(peers))
	for i, p := range peers {
		out[i] = p.ep
	}
	return out
}

func expirePeers(peers []storedPeer) []storedPeer {
	now := time.Now()
	out := peers[:0]
	for _, p := range peers {
		if now.Sub(p.storedAt) <= peerTTL {
			out = append(out, p)
		}
	}
	return out
}
